package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/models"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type": "query", "uid": "u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "query", env.Type)
	assert.Equal(t, "u1", env.UID)
}

func TestParseEnvelopeMissingUID(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type": "close"}`))
	require.NoError(t, err)
	assert.Equal(t, "close", env.Type)
	assert.Empty(t, env.UID)
}

func TestParseEnvelopeErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{broken`},
		{"not an object", `[1, 2]`},
		{"missing type", `{"uid": "u1"}`},
		{"non-string type", `{"type": 42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestQueryRequestValidate(t *testing.T) {
	valid := QueryRequest{From: []string{"stm", "ltm"}, N: []int{3, 5}}
	assert.NoError(t, valid.Validate())

	mismatched := QueryRequest{From: []string{"stm", "ltm"}, N: []int{3}}
	assert.Error(t, mismatched.Validate())

	badTier := QueryRequest{From: []string{"mtm"}, N: []int{3}}
	assert.Error(t, badTier.Validate())

	empty := QueryRequest{From: nil, N: nil}
	assert.Error(t, empty.Validate())

	negative := QueryRequest{From: []string{"stm"}, N: []int{-1}}
	assert.Error(t, negative.Validate())
}

func TestStoreRequestValidate(t *testing.T) {
	valid := StoreRequest{To: []string{"stm", "users"}}
	assert.NoError(t, valid.Validate())

	tooMany := StoreRequest{To: []string{"stm", "ltm", "users", "stm"}}
	assert.Error(t, tooMany.Validate())
}

func TestProcessRequestValidate(t *testing.T) {
	empty := ProcessRequest{}
	assert.Error(t, empty.Validate())
}

func TestClearRequestValidate(t *testing.T) {
	valid := ClearRequest{Target: "users"}
	assert.NoError(t, valid.Validate())

	bad := ClearRequest{Target: "everything"}
	assert.Error(t, bad.Validate())
}

func TestQueryResponseTierPresence(t *testing.T) {
	stm := []models.QueriedMemory{}
	resp := QueryResponse{Type: "query", UID: "u1", From: []string{"stm"}, STM: &stm}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	// A requested tier with no hits is present as an empty array; tiers
	// that were not requested stay out of the payload entirely.
	require.Contains(t, raw, "stm")
	assert.Equal(t, "[]", string(raw["stm"]))
	assert.NotContains(t, raw, "ltm")
	assert.NotContains(t, raw, "users")
}

func TestErrorResponseOmitsEmptyUID(t *testing.T) {
	data, err := json.Marshal(ErrorResponse{Type: "error", Error: "boom"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "uid")
}
