package mint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/rates"
)

type fixedScorer struct {
	score  int64
	reason string
}

func (f fixedScorer) Score(context.Context, *artifacts.Artifact) (int64, string) {
	return f.score, f.reason
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func defaultTestConfig() Config {
	return Config{
		MinimumBid:               1,
		FirstAuctionDelaySeconds: 20,
		BiddingWindowSeconds:     30,
		PeriodSeconds:            60,
		MintRatio:                10,
		IssuanceRule:             RuleSecondPrice,
		TopK:                     2,
		PoolSize:                 10,
		UnitIssuance:             5,
	}
}

func newTestAuction(t *testing.T, cfg Config) (*Auction, *ledger.Ledger, *artifacts.Store, *fakeClock) {
	t.Helper()
	led := ledger.New(rates.NewTracker(60 * time.Second))
	store := artifacts.NewStore()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	for _, id := range []string{"alpha_0", "alpha_1", "alpha_2"} {
		led.CreatePrincipal(id, 100, nil)
		_, err := store.Write(artifacts.WriteRequest{ID: "art_" + id, Type: "document", Content: "work by " + id, CreatedBy: id})
		require.NoError(t, err)
	}

	a := New(led, store, fixedScorer{score: 50, reason: "test"}, cfg, func() int64 { return 7 })
	a.SetClock(clock.Now)
	return a, led, store, clock
}

func TestSubmitEscrowsBid(t *testing.T) {
	a, led, _, _ := newTestAuction(t, defaultTestConfig())

	id, err := a.Submit("alpha_0", "art_alpha_0", 30)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, int64(70), led.Scrip("alpha_0"))
	require.Len(t, a.Submissions(), 1)
}

func TestSubmitValidation(t *testing.T) {
	a, _, store, _ := newTestAuction(t, defaultTestConfig())

	_, err := a.Submit("alpha_0", "missing", 10)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = a.Submit("alpha_0", "art_alpha_0", 0)
	require.ErrorIs(t, err, ErrBidTooLow)

	_, err = a.Submit("alpha_0", "art_alpha_1", 10)
	require.ErrorIs(t, err, ErrNotAuthorized, "cannot bid someone else's artifact")

	_, err = a.Submit("alpha_0", "art_alpha_0", 1000)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.True(t, store.SoftDelete("art_alpha_0", "alpha_0"))
	_, err = a.Submit("alpha_0", "art_alpha_0", 10)
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestReplacementRefundsFirst(t *testing.T) {
	a, led, _, _ := newTestAuction(t, defaultTestConfig())

	_, err := a.Submit("alpha_0", "art_alpha_0", 60)
	require.NoError(t, err)
	require.Equal(t, int64(40), led.Scrip("alpha_0"))

	// 80 > remaining 40, but the refund of 60 makes it affordable.
	_, err = a.Submit("alpha_0", "art_alpha_0", 80)
	require.NoError(t, err)
	require.Equal(t, int64(20), led.Scrip("alpha_0"))
	require.Len(t, a.Submissions(), 1, "one open bid per principal")
}

func TestCancelRefunds(t *testing.T) {
	a, led, _, _ := newTestAuction(t, defaultTestConfig())

	id, err := a.Submit("alpha_0", "art_alpha_0", 30)
	require.NoError(t, err)
	require.True(t, a.Cancel("alpha_0", id))
	require.Equal(t, int64(100), led.Scrip("alpha_0"))
	require.False(t, a.Cancel("alpha_0", id), "second cancel fails")
	require.False(t, a.Cancel("alpha_1", id), "only the submitter can cancel")
}

func TestSecondPriceSettlement(t *testing.T) {
	a, led, _, _ := newTestAuction(t, defaultTestConfig())

	_, err := a.Submit("alpha_0", "art_alpha_0", 40)
	require.NoError(t, err)
	_, err = a.Submit("alpha_1", "art_alpha_1", 25)
	require.NoError(t, err)

	res := a.Resolve(context.Background())
	require.Equal(t, "alpha_0", res.WinnerID)
	require.Equal(t, int64(40), res.WinningBid)
	require.Equal(t, int64(25), res.PricePaid)
	require.Equal(t, int64(5), res.ScripMinted, "score 50 / ratio 10")
	require.Equal(t, int64(7), res.ResolvedAtEvent)

	// Loser fully refunded plus UBI share.
	require.Equal(t, int64(100)+res.UBIDistributed["alpha_1"], led.Scrip("alpha_1"))
	// Winner: 100 - 25 paid + 5 minted.
	require.Equal(t, int64(80)+res.UBIDistributed["alpha_0"], led.Scrip("alpha_0"))
	require.Zero(t, res.UBIDistributed["alpha_0"], "winner excluded from UBI")

	// Conservation: total scrip = 300 starting + minted.
	require.Equal(t, int64(300)+res.ScripMinted, led.TotalScrip())
	require.Empty(t, a.Submissions(), "submissions cleared after settlement")
}

func TestSecondPriceSingleBidderPaysMinimum(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MinimumBid = 3
	a, led, _, _ := newTestAuction(t, cfg)

	_, err := a.Submit("alpha_0", "art_alpha_0", 50)
	require.NoError(t, err)

	res := a.Resolve(context.Background())
	require.Equal(t, int64(3), res.PricePaid)
	require.Equal(t, int64(300)+res.ScripMinted, led.TotalScrip())
}

func TestTieBreakGoesToEarliestSubmission(t *testing.T) {
	a, _, _, clock := newTestAuction(t, defaultTestConfig())

	_, err := a.Submit("alpha_1", "art_alpha_1", 20)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = a.Submit("alpha_0", "art_alpha_0", 20)
	require.NoError(t, err)

	res := a.Resolve(context.Background())
	require.Equal(t, "alpha_1", res.WinnerID)
}

func TestTieBreakStableWithinSameClockTick(t *testing.T) {
	// Equal bids submitted at the exact same timestamp must still settle by
	// submission order, not map iteration order.
	for round := 0; round < 10; round++ {
		a, _, _, _ := newTestAuction(t, defaultTestConfig())

		for _, id := range []string{"alpha_2", "alpha_0", "alpha_1"} {
			_, err := a.Submit(id, "art_"+id, 20)
			require.NoError(t, err)
		}

		subs := a.Submissions()
		require.Equal(t, "alpha_2", subs[0].Principal)
		require.Equal(t, "alpha_0", subs[1].Principal)
		require.Equal(t, "alpha_1", subs[2].Principal)

		res := a.Resolve(context.Background())
		require.Equal(t, "alpha_2", res.WinnerID)
	}
}

func TestTopKPoolSettlement(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.IssuanceRule = RuleTopKPool
	cfg.TopK = 2
	cfg.PoolSize = 11
	a, led, _, _ := newTestAuction(t, cfg)

	_, err := a.Submit("alpha_0", "art_alpha_0", 30)
	require.NoError(t, err)
	_, err = a.Submit("alpha_1", "art_alpha_1", 20)
	require.NoError(t, err)
	_, err = a.Submit("alpha_2", "art_alpha_2", 10)
	require.NoError(t, err)

	res := a.Resolve(context.Background())
	require.Equal(t, RuleTopKPool, res.Rule)
	require.Len(t, res.Awards, 2)
	require.Equal(t, int64(11), res.ScripMinted)
	// Pool 11 over 2 winners: 6 to the top bidder, 5 to the runner-up.
	require.Equal(t, int64(6), res.Awards[0].Minted)
	require.Equal(t, int64(5), res.Awards[1].Minted)

	// Loser refunded in full.
	require.Equal(t, int64(100), led.Scrip("alpha_2")-res.UBIDistributed["alpha_2"])
	// UBI of paid bids (50) goes only to non-winners.
	require.Equal(t, int64(50), res.UBIDistributed["alpha_2"])

	require.Equal(t, int64(300)+res.ScripMinted, led.TotalScrip())
}

func TestUniformPriceSettlement(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.IssuanceRule = RuleUniformPrice
	cfg.UnitIssuance = 5
	a, led, _, _ := newTestAuction(t, cfg)

	_, err := a.Submit("alpha_0", "art_alpha_0", 30)
	require.NoError(t, err)
	_, err = a.Submit("alpha_1", "art_alpha_1", 10)
	require.NoError(t, err)

	res := a.Resolve(context.Background())
	require.Equal(t, RuleUniformPrice, res.Rule)
	require.Equal(t, int64(10), res.PricePaid, "clearing price is the lowest bid")
	require.Len(t, res.Awards, 2)
	require.Equal(t, int64(10), res.ScripMinted)

	var ubiTotal int64
	for _, v := range res.UBIDistributed {
		ubiTotal += v
	}
	require.Equal(t, int64(20), ubiTotal, "paid total recycled in full")
	require.Equal(t, int64(300)+res.ScripMinted, led.TotalScrip())
}

func TestResolveWithNoSubmissions(t *testing.T) {
	a, led, _, _ := newTestAuction(t, defaultTestConfig())
	res := a.Resolve(context.Background())
	require.Equal(t, "no submissions", res.Error)
	require.Empty(t, res.WinnerID)
	require.Equal(t, int64(300), led.TotalScrip())
	require.Len(t, a.History(10), 1)
}

func TestUpdatePhases(t *testing.T) {
	a, _, _, clock := newTestAuction(t, defaultTestConfig())
	ctx := context.Background()

	require.Equal(t, PhaseWaitingFirstAuction, a.Status().Phase)
	require.Nil(t, a.Update(ctx), "still in first-auction delay")

	clock.Advance(21 * time.Second)
	require.Nil(t, a.Update(ctx), "first update opens the window")
	require.Equal(t, PhaseBidding, a.Status().Phase)

	_, err := a.Submit("alpha_0", "art_alpha_0", 10)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.Nil(t, a.Update(ctx), "window still open")

	clock.Advance(25 * time.Second)
	res := a.Update(ctx)
	require.NotNil(t, res, "window elapsed, auction settles")
	require.Equal(t, "alpha_0", res.WinnerID)
}

func TestFallbackScore(t *testing.T) {
	small := &artifacts.Artifact{Content: "tiny"}
	score, reason := FallbackScore(small)
	require.Equal(t, int64(10), score)
	require.NotEmpty(t, reason)

	big := &artifacts.Artifact{Content: string(make([]byte, 20000))}
	score, _ = FallbackScore(big)
	require.Equal(t, int64(70), score)

	exec := &artifacts.Artifact{Content: string(make([]byte, 20000)), Executable: true, Code: "AAAA"}
	score, _ = FallbackScore(exec)
	require.Equal(t, int64(90), score)
}

func TestParseScoreClamps(t *testing.T) {
	score, reason, ok := parseScore(`Here you go: {"score": 250, "reason": "great"} thanks`)
	require.True(t, ok)
	require.Equal(t, int64(100), score)
	require.Equal(t, "great", reason)

	_, _, ok = parseScore("no json here")
	require.False(t, ok)
}
