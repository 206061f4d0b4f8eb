package artifacts

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	s := NewStore()
	base := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return base })
	return s
}

func TestWriteCreateDefaults(t *testing.T) {
	s := newTestStore()
	a, err := s.Write(WriteRequest{ID: "note_1", Type: "document", Content: "hello", CreatedBy: "alpha_0"})
	require.NoError(t, err)
	require.Equal(t, "alpha_0", a.Owner)
	require.Equal(t, DefaultContractID, a.AccessContractID)
	require.Equal(t, "alpha_0", a.AuthState["writer"])
	require.False(t, a.HasStanding)
}

func TestWriteLoopImpliesStanding(t *testing.T) {
	s := newTestStore()
	a, err := s.Write(WriteRequest{ID: "loop_1", Type: "loop", CreatedBy: "alpha_0", Executable: true, HasLoop: true})
	require.NoError(t, err)
	require.True(t, a.HasStanding)
	require.Equal(t, []string{"loop_1"}, s.DiscoverLoops())
}

func TestOverwritePreservesStickyFlags(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "svc", Type: "service", CreatedBy: "alpha_0", HasStanding: true})
	require.NoError(t, err)

	a, err := s.Write(WriteRequest{ID: "svc", Type: "service", Content: "v2", CreatedBy: "alpha_1"})
	require.NoError(t, err)
	require.True(t, a.HasStanding, "rewrite must not revoke standing")
	require.Equal(t, "alpha_0", a.Owner, "rewrite without owner keeps the owner")
	require.Equal(t, "v2", a.Content)
}

func TestWriteToDeletedFails(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "gone", Type: "document", CreatedBy: "alpha_0"})
	require.NoError(t, err)
	require.True(t, s.SoftDelete("gone", "alpha_0"))

	_, err = s.Write(WriteRequest{ID: "gone", Type: "document", CreatedBy: "alpha_0"})
	require.ErrorIs(t, err, ErrDeleted)
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "doc", Type: "document", Content: "aa bb aa", CreatedBy: "alpha_0"})
	require.NoError(t, err)

	require.ErrorIs(t, s.Edit("doc", "aa", "cc"), ErrOldStringAmbiguous)
	require.ErrorIs(t, s.Edit("doc", "zz", "cc"), ErrOldStringMissing)
	require.ErrorIs(t, s.Edit("doc", "bb", "bb"), ErrNoChange)
	require.NoError(t, s.Edit("doc", "bb", "xx"))

	a, err := s.Get("doc")
	require.NoError(t, err)
	require.Equal(t, "aa xx aa", a.Content)
}

func TestSoftDeleteHidesFromListings(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "doc", Type: "document", CreatedBy: "alpha_0"})
	require.NoError(t, err)

	require.True(t, s.SoftDelete("doc", "alpha_0"))
	require.False(t, s.SoftDelete("doc", "alpha_0"), "second delete fails")

	require.Empty(t, s.ListAll(false))
	require.Len(t, s.ListAll(true), 1)

	_, err = s.GetLive("doc")
	require.ErrorIs(t, err, ErrDeleted)
	_, err = s.Get("doc")
	require.NoError(t, err, "raw get still sees deleted artifacts")
}

func TestOwnerUsageCountsContentAndCode(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "a", Type: "document", Content: "12345", CreatedBy: "alpha_0"})
	require.NoError(t, err)
	_, err = s.Write(WriteRequest{ID: "b", Type: "service", Content: "123", Code: "Y29kZQ==", CreatedBy: "alpha_0"})
	require.NoError(t, err)
	_, err = s.Write(WriteRequest{ID: "c", Type: "document", Content: "other", CreatedBy: "alpha_1"})
	require.NoError(t, err)

	require.Equal(t, int64(5+3+8), s.OwnerUsage("alpha_0"))

	require.True(t, s.SoftDelete("a", "alpha_0"))
	require.Equal(t, int64(3+8), s.OwnerUsage("alpha_0"))
}

func TestTransferOwnershipRewritesAuthState(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "doc", Type: "document", CreatedBy: "alpha_0"})
	require.NoError(t, err)

	require.True(t, s.TransferOwnership("doc", "alpha_1"))
	a, err := s.Get("doc")
	require.NoError(t, err)
	require.Equal(t, "alpha_1", a.Owner)
	require.Equal(t, "alpha_1", a.AuthState["writer"])
	require.Equal(t, "alpha_1", a.AuthState["principal"])

	require.False(t, s.TransferOwnership("missing", "alpha_1"))
}

func TestCodeBytesRoundTrip(t *testing.T) {
	s := newTestStore()
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := s.Write(WriteRequest{
		ID: "svc", Type: "service", CreatedBy: "alpha_0",
		Executable: true, Code: base64.StdEncoding.EncodeToString(wasm),
	})
	require.NoError(t, err)

	a, err := s.Get("svc")
	require.NoError(t, err)
	raw, err := a.CodeBytes()
	require.NoError(t, err)
	require.Equal(t, wasm, raw)

	a.Code = "not base64!!!"
	_, err = a.CodeBytes()
	require.Error(t, err)
}

func TestModifyProtectedContentBypassesDeletion(t *testing.T) {
	s := newTestStore()
	_, err := s.Write(WriteRequest{ID: "board", Type: "document", CreatedBy: "kernel", KernelProtected: true})
	require.NoError(t, err)

	require.True(t, s.ModifyProtectedContent("board", "round 2 results"))
	a, err := s.Get("board")
	require.NoError(t, err)
	require.Equal(t, "round 2 results", a.Content)
	require.False(t, s.ModifyProtectedContent("missing", "x"))
}
