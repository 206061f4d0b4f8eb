package actions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsNonObject(t *testing.T) {
	_, err := ParseJSON("alpha_0", `"hello"`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON("alpha_0", `not json at all`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON("alpha_0", `[1,2,3]`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRead(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"read_artifact","artifact_id":"doc_1","reasoning":"look"}`)
	require.NoError(t, err)
	read, ok := intent.(ReadArtifact)
	require.True(t, ok)
	require.Equal(t, "doc_1", read.ArtifactID)
	require.Equal(t, "alpha_0", read.Actor())
	require.Equal(t, KindReadArtifact, read.Kind())

	_, err = ParseJSON("alpha_0", `{"action_type":"read_artifact"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseWriteDefaultsAndValidation(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{
		"action_type": "write_artifact",
		"artifact_id": "note_1",
		"content": "hello",
		"read_price": "3",
		"price": 2
	}`)
	require.NoError(t, err)
	w := intent.(WriteArtifact)
	require.Equal(t, "generic", w.ArtifactType)
	require.Equal(t, int64(3), w.ReadPrice, "digit strings coerce")
	require.Equal(t, int64(2), w.InvokePrice, "price aliases invoke_price")

	_, err = ParseJSON("alpha_0", `{"action_type":"write_artifact","artifact_id":"x","executable":true}`)
	require.ErrorIs(t, err, ErrMalformed, "executable without code")
}

func TestParseWriteLoopImpliesStanding(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"write_artifact","artifact_id":"loop_x","has_loop":true}`)
	require.NoError(t, err)
	w := intent.(WriteArtifact)
	require.True(t, w.HasLoop)
	require.True(t, w.HasStanding)
}

func TestParseWriteNonStringContentSerialized(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"write_artifact","artifact_id":"x","content":{"k":1}}`)
	require.NoError(t, err)
	w := intent.(WriteArtifact)
	require.JSONEq(t, `{"k":1}`, w.Content)
}

func TestParametersEnvelopeVariant(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{
		"action": "transfer",
		"parameters": {"recipient": "alpha_1", "amount": 25}
	}`)
	require.NoError(t, err)
	tr := intent.(Transfer)
	require.Equal(t, "alpha_1", tr.RecipientID)
	require.Equal(t, int64(25), tr.Amount)
}

func TestActionAliasDoesNotOverrideExplicitType(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"noop","action":"transfer","recipient_id":"alpha_1","amount":5}`)
	require.NoError(t, err)
	require.Equal(t, KindTransfer, intent.Kind(), "noop is replaced by a concrete alias")

	intent, err = ParseJSON("alpha_0", `{"action_type":"read_artifact","action":"transfer","artifact_id":"doc"}`)
	require.NoError(t, err)
	require.Equal(t, KindReadArtifact, intent.Kind(), "explicit non-noop type wins")
}

func TestTransferRejectsBoolAndFractionalAmounts(t *testing.T) {
	_, err := ParseJSON("alpha_0", `{"action_type":"transfer","recipient_id":"alpha_1","amount":true}`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON("alpha_0", `{"action_type":"transfer","recipient_id":"alpha_1","amount":1.5}`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON("alpha_0", `{"action_type":"transfer","recipient_id":"alpha_1","amount":-3}`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON("alpha_0", `{"action_type":"transfer","recipient_id":"alpha_1","amount":"12x"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEditRequiresDistinctStrings(t *testing.T) {
	_, err := ParseJSON("alpha_0", `{"action_type":"edit_artifact","artifact_id":"d","old_string":"a","new_string":"a"}`)
	require.ErrorIs(t, err, ErrMalformed)

	intent, err := ParseJSON("alpha_0", `{"action_type":"edit_artifact","artifact_id":"d","old_string":"a","new_string":"b"}`)
	require.NoError(t, err)
	require.Equal(t, KindEditArtifact, intent.Kind())
}

func TestQueryTypeInference(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"auction standings", "mint"},
		{"recent history", "events"},
		{"my cpu budget", "resources"},
		{"how much scrip do I have", "balances"},
		{"frozen", "frozen"},
		{"what artifacts exist", "artifacts"},
		{"who are the agents", "principals"},
		{"my self as an agent", "principal"},
		{"something else entirely", "balances"},
	}
	for _, tc := range cases {
		intent, err := ParseJSON("alpha_0", `{"action_type":"query_kernel","query_type":"`+tc.text+`"}`)
		require.NoError(t, err, tc.text)
		q := intent.(QueryKernel)
		require.Equal(t, tc.want, q.QueryType, "query %q", tc.text)
	}
}

func TestQueryInferenceSeedsDefaultParams(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"query_kernel","query_type":"recent history"}`)
	require.NoError(t, err)
	q := intent.(QueryKernel)
	require.Equal(t, int64(20), q.Params["limit"])

	intent, err = ParseJSON("alpha_0", `{"action_type":"query_kernel"}`)
	require.NoError(t, err)
	q = intent.(QueryKernel)
	require.Equal(t, "balances", q.QueryType)
	require.Equal(t, "alpha_0", q.Params["principal_id"])
}

func TestQueryFreeTextInParameters(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action":"query_kernel","parameters":{"query":"mint status"}}`)
	require.NoError(t, err)
	q := intent.(QueryKernel)
	require.Equal(t, "mint", q.QueryType)
}

func TestParseCallLLM(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"call_llm","prompt":"summarize","model":"gpt-4o-mini","max_tokens":128}`)
	require.NoError(t, err)
	c := intent.(CallLLM)
	require.Equal(t, "summarize", c.Prompt)
	require.Equal(t, "gpt-4o-mini", c.Model)
	require.Equal(t, int64(128), c.MaxTokens)

	_, err = ParseJSON("alpha_0", `{"action_type":"call_llm"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseSubmitToMint(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"submit_to_mint","artifact_id":"art","bid":"7"}`)
	require.NoError(t, err)
	s := intent.(SubmitToMint)
	require.Equal(t, int64(7), s.Bid)

	_, err = ParseJSON("alpha_0", `{"action_type":"submit_to_mint","artifact_id":"art","bid":0}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseSubscribe(t *testing.T) {
	intent, err := ParseJSON("alpha_0", `{"action_type":"subscribe_artifact","artifact_id":"doc_1"}`)
	require.NoError(t, err)
	require.Equal(t, SubscribeArtifact{base{"alpha_0", ""}, "doc_1"}, intent)

	intent, err = ParseJSON("alpha_0", `{"action_type":"unsubscribe_artifact","artifact_id":"doc_1"}`)
	require.NoError(t, err)
	require.Equal(t, UnsubscribeArtifact{base{"alpha_0", ""}, "doc_1"}, intent)

	_, err = ParseJSON("alpha_0", `{"action_type":"subscribe_artifact"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnknownActionType(t *testing.T) {
	_, err := ParseJSON("alpha_0", `{"action_type":"teleport"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

// Normalizing an already-canonical payload must be a fixed point: the
// intent rebuilt from its own event payload equals the original.
func TestPayloadRoundTripIsIdempotent(t *testing.T) {
	intents := []Intent{
		NewNoop("alpha_0", "rest"),
		ReadArtifact{base{"alpha_0", ""}, "doc_1"},
		Transfer{base{"alpha_0", "pay rent"}, "alpha_1", 42, "rent"},
		SubmitToMint{base{"alpha_0", ""}, "art_1", 9},
		QueryKernel{base{"alpha_0", ""}, "balances", map[string]any{"principal_id": "alpha_0"}},
		EditArtifact{base{"alpha_0", ""}, "doc_1", "old", "new"},
		InvokeArtifact{base{"alpha_0", ""}, "svc", "run", []any{"x"}},
		UpdateMetadata{base{"alpha_0", ""}, "doc_1", "tag", "v1"},
		SubscribeArtifact{base{"alpha_0", ""}, "doc_1"},
		UnsubscribeArtifact{base{"alpha_0", ""}, "doc_2"},
		CallLLM{base{"alpha_0", ""}, "hello", "gpt-4o-mini", 64},
		Mint{base{"SYSTEM_mint", ""}, "alpha_1", 10, "auction"},
	}
	for _, original := range intents {
		reparsed, err := ParsePayload(original.Actor(), original.Payload())
		require.NoError(t, err, "kind %s", original.Kind())
		require.Equal(t, original, reparsed, "kind %s", original.Kind())
	}
}
