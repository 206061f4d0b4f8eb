// Package mint implements the auction through which new scrip enters the
// economy. Principals escrow bids against artifacts they control; on the
// kernel clock the auction settles under a configured issuance rule, refunds
// what must be refunded, mints what the rule says, and recycles paid prices
// back as UBI. The auction never talks to the event log; the caller records
// the settlement it returns.
package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
)

// Issuance rule names.
const (
	RuleSecondPrice  = "second_price"
	RuleTopKPool     = "top_k_pool"
	RuleUniformPrice = "uniform_price"
)

var (
	// ErrArtifactNotFound rejects bids on missing or deleted artifacts.
	ErrArtifactNotFound = errors.New("mint: artifact not found")
	// ErrBidTooLow rejects bids under the configured minimum.
	ErrBidTooLow = errors.New("mint: bid below minimum")
	// ErrInsufficientFunds rejects bids the principal cannot escrow.
	ErrInsufficientFunds = errors.New("mint: insufficient scrip for bid")
	// ErrNotAuthorized rejects bids on artifacts the principal does not
	// own, write, or act for.
	ErrNotAuthorized = errors.New("mint: submitter is not authorized for artifact")
)

// Submission is one escrowed bid. Each principal holds at most one; a newer
// bid refunds and replaces the old one.
type Submission struct {
	ID               string    `json:"submission_id"`
	Principal        string    `json:"principal_id"`
	ArtifactID       string    `json:"artifact_id"`
	Bid              int64     `json:"bid"`
	SubmittedAtEvent int64     `json:"submitted_at_event"`
	SubmittedAt      time.Time `json:"submitted_at"`

	// order is the auction's own monotonic submission counter. Wall-clock
	// timestamps can collide within a tick, so ordering never relies on them.
	order int64
}

// Award is one winner's settlement line.
type Award struct {
	Principal  string `json:"principal_id"`
	ArtifactID string `json:"artifact_id"`
	Bid        int64  `json:"bid"`
	Paid       int64  `json:"paid"`
	Minted     int64  `json:"minted"`
}

// Result is one settlement. WinnerID/PricePaid/Score describe the top award
// for compatibility with single-winner rules; Awards carries every line.
type Result struct {
	Rule            string           `json:"rule"`
	WinnerID        string           `json:"winner_id,omitempty"`
	ArtifactID      string           `json:"artifact_id,omitempty"`
	WinningBid      int64            `json:"winning_bid"`
	PricePaid       int64            `json:"price_paid"`
	Score           *int64           `json:"score,omitempty"`
	ScoreReason     string           `json:"score_reason,omitempty"`
	ScripMinted     int64            `json:"scrip_minted"`
	Awards          []Award          `json:"awards,omitempty"`
	UBIDistributed  map[string]int64 `json:"ubi_distributed"`
	Error           string           `json:"error,omitempty"`
	ResolvedAtEvent int64            `json:"resolved_at_event"`
}

// Scorer rates the winning artifact 0-100.
type Scorer interface {
	Score(ctx context.Context, a *artifacts.Artifact) (int64, string)
}

// Config carries the auction's tunables.
type Config struct {
	MinimumBid               int64
	FirstAuctionDelaySeconds float64
	BiddingWindowSeconds     float64
	PeriodSeconds            float64
	MintRatio                int64
	IssuanceRule             string
	TopK                     int
	PoolSize                 int64
	UnitIssuance             int64
}

// Auction is the mint. Safe for concurrent use.
type Auction struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	store  *artifacts.Store
	scorer Scorer
	cfg    Config
	// seq reports the current event sequence for submission/settlement
	// stamps; the auction never assigns numbers itself.
	seq func() int64

	submissions map[string]Submission
	history     []Result
	startTime   time.Time
	windowStart *time.Time
	now         func() time.Time
	nextOrder   int64
}

// New creates an auction. seq must return the event log's current sequence.
func New(led *ledger.Ledger, store *artifacts.Store, scorer Scorer, cfg Config, seq func() int64) *Auction {
	a := &Auction{
		ledger:      led,
		store:       store,
		scorer:      scorer,
		cfg:         cfg,
		seq:         seq,
		submissions: make(map[string]Submission),
		now:         time.Now,
	}
	a.startTime = a.now()
	return a
}

// SetClock replaces the time source and resets the start time. Test hook.
func (a *Auction) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.startTime = now()
}

// Submit escrows a bid. A principal's existing bid is refunded first, so
// replacement can never double-escrow. Returns the submission id.
func (a *Auction) Submit(principal, artifactID string, bid int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	artifact, err := a.store.GetLive(artifactID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}
	if bid < a.cfg.MinimumBid {
		return "", fmt.Errorf("%w: minimum is %d", ErrBidTooLow, a.cfg.MinimumBid)
	}
	if !authorizedForArtifact(principal, artifact) {
		return "", ErrNotAuthorized
	}

	// Refund before affordability so replacing a bid only needs the
	// difference to be covered.
	if prev, ok := a.submissions[principal]; ok {
		a.ledger.CreditScrip(principal, prev.Bid)
		delete(a.submissions, principal)
	}
	if !a.ledger.DebitScrip(principal, bid) {
		return "", ErrInsufficientFunds
	}

	a.nextOrder++
	sub := Submission{
		ID:               "mint_sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Principal:        principal,
		ArtifactID:       artifactID,
		Bid:              bid,
		SubmittedAtEvent: a.seq(),
		SubmittedAt:      a.now(),
		order:            a.nextOrder,
	}
	a.submissions[principal] = sub
	return sub.ID, nil
}

func authorizedForArtifact(principal string, artifact *artifacts.Artifact) bool {
	if principal == artifact.Owner {
		return true
	}
	if w, ok := artifact.AuthState["writer"].(string); ok && principal == w {
		return true
	}
	if p, ok := artifact.AuthState["principal"].(string); ok && principal == p {
		return true
	}
	return false
}

// Cancel withdraws the principal's bid and refunds the escrow.
func (a *Auction) Cancel(principal, submissionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub, ok := a.submissions[principal]
	if !ok || sub.ID != submissionID {
		return false
	}
	a.ledger.CreditScrip(principal, sub.Bid)
	delete(a.submissions, principal)
	return true
}

// Submissions returns the pending bids.
func (a *Auction) Submissions() []Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Submission, 0, len(a.submissions))
	for _, sub := range a.submissions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// History returns up to limit most recent settlements.
func (a *Auction) History(limit int) []Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.history) {
		limit = len(a.history)
	}
	out := make([]Result, limit)
	copy(out, a.history[len(a.history)-limit:])
	return out
}

// Phase names for Status.
const (
	PhaseWaitingFirstAuction = "waiting_first_auction"
	PhaseWaitingWindow       = "waiting_bidding_window"
	PhaseBidding             = "bidding"
	PhaseResolving           = "resolving"
)

// Status describes where the auction clock stands.
type Status struct {
	Phase              string `json:"phase"`
	PendingSubmissions int    `json:"pending_submissions"`
	HistoryCount       int    `json:"history_count"`
	Rule               string `json:"rule"`
	MinimumBid         int64  `json:"minimum_bid"`
}

func (a *Auction) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	phase := PhaseWaitingFirstAuction
	switch {
	case now.Sub(a.startTime).Seconds() < a.cfg.FirstAuctionDelaySeconds:
	case a.windowStart == nil:
		phase = PhaseWaitingWindow
	case now.Sub(*a.windowStart).Seconds() < a.cfg.BiddingWindowSeconds:
		phase = PhaseBidding
	default:
		phase = PhaseResolving
	}
	return Status{
		Phase:              phase,
		PendingSubmissions: len(a.submissions),
		HistoryCount:       len(a.history),
		Rule:               a.cfg.IssuanceRule,
		MinimumBid:         a.cfg.MinimumBid,
	}
}

// Update advances the auction clock. When a bidding window has elapsed it
// settles and returns the result; otherwise nil.
func (a *Auction) Update(ctx context.Context) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if now.Sub(a.startTime).Seconds() < a.cfg.FirstAuctionDelaySeconds {
		return nil
	}
	if a.windowStart == nil {
		start := now
		a.windowStart = &start
		return nil
	}
	elapsed := now.Sub(*a.windowStart).Seconds()
	if elapsed < a.cfg.BiddingWindowSeconds {
		return nil
	}
	result := a.resolveLocked(ctx)
	if elapsed >= a.cfg.PeriodSeconds {
		start := now
		a.windowStart = &start
	} else {
		next := a.windowStart.Add(time.Duration(a.cfg.PeriodSeconds * float64(time.Second)))
		a.windowStart = &next
	}
	return result
}

// Resolve settles immediately regardless of the clock.
func (a *Auction) Resolve(ctx context.Context) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked(ctx)
}

func (a *Auction) resolveLocked(ctx context.Context) *Result {
	if len(a.submissions) == 0 {
		result := Result{
			Rule:            a.cfg.IssuanceRule,
			UBIDistributed:  map[string]int64{},
			Error:           "no submissions",
			ResolvedAtEvent: a.seq(),
		}
		a.history = append(a.history, result)
		return &result
	}

	ranked := make([]Submission, 0, len(a.submissions))
	for _, sub := range a.submissions {
		ranked = append(ranked, sub)
	}
	// Highest bid first; earliest submission breaks ties.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Bid != ranked[j].Bid {
			return ranked[i].Bid > ranked[j].Bid
		}
		return ranked[i].order < ranked[j].order
	})

	var result Result
	switch a.cfg.IssuanceRule {
	case RuleTopKPool:
		result = a.settleTopKPool(ranked)
	case RuleUniformPrice:
		result = a.settleUniformPrice(ranked)
	default:
		result = a.settleSecondPrice(ctx, ranked)
	}
	result.ResolvedAtEvent = a.seq()
	a.history = append(a.history, result)
	a.submissions = make(map[string]Submission)
	return &result
}

// settleSecondPrice: the top bidder wins, pays the second-highest bid (or
// the minimum when alone), gets score/mint_ratio minted, and the price is
// recycled as UBI to everyone else.
func (a *Auction) settleSecondPrice(ctx context.Context, ranked []Submission) Result {
	winner := ranked[0]
	secondPrice := a.cfg.MinimumBid
	if len(ranked) > 1 {
		secondPrice = ranked[1].Bid
	}

	for _, sub := range ranked[1:] {
		a.ledger.CreditScrip(sub.Principal, sub.Bid)
	}
	if refund := winner.Bid - secondPrice; refund > 0 {
		a.ledger.CreditScrip(winner.Principal, refund)
	}

	result := Result{
		Rule:       RuleSecondPrice,
		WinnerID:   winner.Principal,
		ArtifactID: winner.ArtifactID,
		WinningBid: winner.Bid,
		PricePaid:  secondPrice,
	}

	artifact, err := a.store.Get(winner.ArtifactID)
	if err != nil {
		result.Error = "winner artifact disappeared"
	} else {
		score, reason := a.scorer.Score(ctx, artifact)
		minted := score / max(int64(1), a.cfg.MintRatio)
		result.Score = &score
		result.ScoreReason = reason
		result.ScripMinted = minted
		if minted > 0 {
			a.ledger.CreditScrip(winner.Principal, minted)
		}
	}

	result.UBIDistributed = a.ledger.DistributeUBI(secondPrice, winner.Principal)
	result.Awards = []Award{{
		Principal:  winner.Principal,
		ArtifactID: winner.ArtifactID,
		Bid:        winner.Bid,
		Paid:       secondPrice,
		Minted:     result.ScripMinted,
	}}
	return result
}

// settleTopKPool: the top K bidders win and pay their own bids; a fixed
// pool of new scrip is split evenly among them; paid bids are recycled as
// UBI excluding the winners.
func (a *Auction) settleTopKPool(ranked []Submission) Result {
	k := a.cfg.TopK
	if k < 1 {
		k = 1
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	winners := ranked[:k]
	for _, sub := range ranked[k:] {
		a.ledger.CreditScrip(sub.Principal, sub.Bid)
	}

	per := a.cfg.PoolSize / int64(k)
	rem := a.cfg.PoolSize % int64(k)
	var (
		awards    []Award
		paidTotal int64
		minted    int64
		excluded  []string
	)
	for i, sub := range winners {
		share := per
		if int64(i) < rem {
			share++
		}
		if share > 0 {
			a.ledger.CreditScrip(sub.Principal, share)
		}
		minted += share
		paidTotal += sub.Bid
		excluded = append(excluded, sub.Principal)
		awards = append(awards, Award{
			Principal:  sub.Principal,
			ArtifactID: sub.ArtifactID,
			Bid:        sub.Bid,
			Paid:       sub.Bid,
			Minted:     share,
		})
	}

	return Result{
		Rule:           RuleTopKPool,
		WinnerID:       winners[0].Principal,
		ArtifactID:     winners[0].ArtifactID,
		WinningBid:     winners[0].Bid,
		PricePaid:      winners[0].Bid,
		ScripMinted:    minted,
		Awards:         awards,
		UBIDistributed: a.ledger.DistributeUBI(paidTotal, excluded...),
	}
}

// settleUniformPrice: every bidder wins at the lowest bid (the clearing
// price), each receives the fixed unit issuance, and the paid total is
// recycled as UBI to all principals, winners included.
func (a *Auction) settleUniformPrice(ranked []Submission) Result {
	clearing := ranked[len(ranked)-1].Bid
	var (
		awards    []Award
		paidTotal int64
		minted    int64
	)
	for _, sub := range ranked {
		if refund := sub.Bid - clearing; refund > 0 {
			a.ledger.CreditScrip(sub.Principal, refund)
		}
		if a.cfg.UnitIssuance > 0 {
			a.ledger.CreditScrip(sub.Principal, a.cfg.UnitIssuance)
		}
		minted += a.cfg.UnitIssuance
		paidTotal += clearing
		awards = append(awards, Award{
			Principal:  sub.Principal,
			ArtifactID: sub.ArtifactID,
			Bid:        sub.Bid,
			Paid:       clearing,
			Minted:     a.cfg.UnitIssuance,
		})
	}

	return Result{
		Rule:           RuleUniformPrice,
		WinnerID:       ranked[0].Principal,
		ArtifactID:     ranked[0].ArtifactID,
		WinningBid:     ranked[0].Bid,
		PricePaid:      clearing,
		ScripMinted:    minted,
		Awards:         awards,
		UBIDistributed: a.ledger.DistributeUBI(paidTotal),
	}
}

// ---- scorers ----

// LLMScorer asks the model to rate the artifact, falling back to a
// deterministic length-based score when the call fails or returns garbage.
type LLMScorer struct {
	Client llm.Client
	Model  string
}

const (
	scoreContentLimit = 4000
	scoreCodeLimit    = 6000
)

func (s *LLMScorer) Score(ctx context.Context, a *artifacts.Artifact) (int64, string) {
	if s.Client != nil {
		prompt := fmt.Sprintf(
			"Score this artifact from 0-100 for utility and correctness. "+
				"Return JSON: {\"score\": int, \"reason\": str}.\n\n"+
				"Artifact: %s\nType: %s\nContent:\n%s\n\nCode:\n%s",
			a.ID, a.Type, truncate(a.Content, scoreContentLimit), truncate(a.Code, scoreCodeLimit))
		res, err := s.Client.Complete(ctx, llm.Request{
			Model:    s.Model,
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		})
		if err == nil {
			if score, reason, ok := parseScore(res.Content); ok {
				return score, reason
			}
		}
	}
	return FallbackScore(a)
}

func parseScore(content string) (int64, string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return 0, "", false
	}
	var parsed struct {
		Score  int64  `json:"score"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return 0, "", false
	}
	score := parsed.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	reason := parsed.Reason
	if reason == "" {
		reason = "model score"
	}
	return score, reason, true
}

// FallbackScore rates an artifact by size with a bonus for executables.
func FallbackScore(a *artifacts.Artifact) (int64, string) {
	lengthScore := int64(len(a.Content)+len(a.Code)) / 120
	if lengthScore < 10 {
		lengthScore = 10
	}
	if lengthScore > 70 {
		lengthScore = 70
	}
	if a.Executable && a.Code != "" {
		lengthScore += 20
	}
	if lengthScore > 100 {
		lengthScore = 100
	}
	return lengthScore, "fallback score based on artifact complexity"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
