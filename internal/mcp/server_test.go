package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/models"
	"github.com/memento-project/memento/internal/store"
	"github.com/memento-project/memento/internal/userlog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	backend := store.NewMemoryBackend()
	shortStore := store.NewSemanticStore(backend, "short", -1, logger)
	longStore := store.NewSemanticStore(backend, "long", -1, logger)
	shortTerm := store.NewEvictingStore(shortStore, longStore, store.EvictingConfig{
		ProgressiveEviction: false,
		MaxSizeBeforeEvict:  -1,
	}, logger)
	longTerm, err := store.NewDecayingStore(longStore, t.TempDir(), logger)
	require.NoError(t, err)
	users, err := userlog.New(t.TempDir(), 25, logger)
	require.NoError(t, err)

	return NewServer(&bundle.Bundle{
		ShortTerm: shortTerm,
		LongTerm:  longTerm,
		Users:     users,
	}, logger)
}

// makeReq builds a CallToolRequest with the given arguments.
func makeReq(toolName string, args map[string]any) mcpgo.CallToolRequest {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	return req
}

// textContent extracts the first TextContent string from a CallToolResult.
func textContent(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcpgo.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestRememberAndRecall(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.HandleRemember(ctx, makeReq("remember", map[string]any{
		"content": "bob plays the violin",
		"user":    "bob",
		"score":   0.7,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textContent(t, res))

	var stored struct {
		ID     string `json:"id"`
		Stored bool   `json:"stored"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &stored))
	assert.True(t, stored.Stored)
	assert.NotEmpty(t, stored.ID)

	res, err = s.HandleRecall(ctx, makeReq("recall", map[string]any{
		"query": "violin",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textContent(t, res))

	var recalled struct {
		Results []models.QueriedMemory `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &recalled))
	require.Len(t, recalled.Results, 1)
	assert.Equal(t, "bob plays the violin", recalled.Results[0].Memory.Content)
	require.NotNil(t, recalled.Results[0].Memory.Score)
	assert.InDelta(t, 0.7, *recalled.Results[0].Memory.Score, 1e-9)
}

func TestRememberWritesUserLog(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, err := s.HandleRemember(ctx, makeReq("remember", map[string]any{
		"content": "eve prefers tea",
		"user":    "eve",
	}))
	require.NoError(t, err)

	mems, err := s.dbs.Users.Query("default", "eve", -1)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "eve prefers tea", mems[0].Content)
}

func TestRememberValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.HandleRemember(ctx, makeReq("remember", map[string]any{"content": "   "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.HandleRemember(ctx, makeReq("remember", map[string]any{
		"content": "x",
		"score":   1.5,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRecallInvalidTier(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.HandleRecall(ctx, makeReq("recall", map[string]any{
		"query": "anything",
		"tier":  "users",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.HandleRemember(ctx, makeReq("remember", map[string]any{"content": "temporary"}))
	require.NoError(t, err)
	var stored struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &stored))

	res, err = s.HandleForget(ctx, makeReq("forget", map[string]any{"id": stored.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError, textContent(t, res))

	count, err := s.dbs.ShortTerm.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, err := s.HandleRemember(ctx, makeReq("remember", map[string]any{
		"content": "bob sails",
		"user":    "bob",
	}))
	require.NoError(t, err)

	res, err := s.HandleCount(ctx, makeReq("count", map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError, textContent(t, res))

	var counts struct {
		STM   int `json:"stm"`
		LTM   int `json:"ltm"`
		Users int `json:"users"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &counts))
	assert.Equal(t, 1, counts.STM)
	assert.Equal(t, 0, counts.LTM)
	assert.Equal(t, 1, counts.Users)
}
