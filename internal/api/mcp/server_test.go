package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/docstore/internal/index"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/internal/store"
	"github.com/Zereker/docstore/pkg/engine"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register(
		&schema.Model{Name: "Item", Fields: []*schema.Field{
			{Name: "name", Type: schema.TypeString},
			{Name: "color", Type: schema.TypeString},
		}},
		&schema.Model{Name: "Address", Embedded: true, Fields: []*schema.Field{
			{Name: "city", Type: schema.TypeString},
		}},
	))
	require.NoError(t, r.Resolve())

	client := engine.NewMemoryClient()
	manager := index.NewManager(client, index.Config{Namespace: "test"})
	docs := store.NewService(client, manager, store.Config{AutoCreate: true})
	return NewHandler(docs, r, "")
}

func call(t *testing.T, h *Handler, name string, args any) ToolCallResponse {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	resp := h.HandleToolCall(context.Background(), ToolCallRequest{Name: name, Arguments: data})
	require.Len(t, resp.Content, 1)
	return resp
}

func TestHandleToolCall(t *testing.T) {
	h := newTestHandler(t)

	t.Run("upsert then get", func(t *testing.T) {
		resp := call(t, h, "docstore_upsert", map[string]any{
			"model": "Item", "id": "a", "document": map[string]any{"name": "lamp", "color": "red"},
		})
		require.False(t, resp.IsError, resp.Content[0].Text)

		resp = call(t, h, "docstore_get", map[string]any{"model": "Item", "id": "a"})
		require.False(t, resp.IsError, resp.Content[0].Text)

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(resp.Content[0].Text), &doc))
		assert.Equal(t, "a", doc["id"])
		assert.Equal(t, "lamp", doc["name"])
	})

	t.Run("patch and count", func(t *testing.T) {
		call(t, h, "docstore_upsert", map[string]any{
			"model": "Item", "id": "b", "document": map[string]any{"name": "desk", "color": "blue"},
		})
		resp := call(t, h, "docstore_patch", map[string]any{
			"model": "Item", "id": "b", "patch": map[string]any{"color": "red"},
		})
		require.False(t, resp.IsError, resp.Content[0].Text)

		resp = call(t, h, "docstore_count", map[string]any{"model": "Item", "where": map[string]any{"color": "red"}})
		require.False(t, resp.IsError, resp.Content[0].Text)
		assert.JSONEq(t, `{"count": 2}`, resp.Content[0].Text)
	})

	t.Run("query", func(t *testing.T) {
		resp := call(t, h, "docstore_query", map[string]any{
			"model": "Item",
			"where": map[string]any{"color": "red"},
			"sort":  []map[string]any{{"field": "name", "order": -1}},
		})
		require.False(t, resp.IsError, resp.Content[0].Text)

		var docs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(resp.Content[0].Text), &docs))
		require.Len(t, docs, 2)
		assert.Equal(t, "lamp", docs[0]["name"])
		assert.Equal(t, "desk", docs[1]["name"])
	})

	t.Run("numbers sent as strings", func(t *testing.T) {
		resp := call(t, h, "docstore_query", map[string]any{
			"model": "Item",
			"where": map[string]any{"color": "red"},
			"sort":  []map[string]any{{"field": "name", "order": "-1"}},
			"limit": "1",
		})
		require.False(t, resp.IsError, resp.Content[0].Text)

		var docs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(resp.Content[0].Text), &docs))
		require.Len(t, docs, 1)
		assert.Equal(t, "lamp", docs[0]["name"])
	})

	t.Run("delete then get is an error", func(t *testing.T) {
		resp := call(t, h, "docstore_delete", map[string]any{"model": "Item", "id": "a"})
		require.False(t, resp.IsError, resp.Content[0].Text)

		resp = call(t, h, "docstore_get", map[string]any{"model": "Item", "id": "a"})
		assert.True(t, resp.IsError)
		assert.Contains(t, resp.Content[0].Text, "not found")
	})

	t.Run("bad requests", func(t *testing.T) {
		tests := []struct {
			name string
			tool string
			args map[string]any
			want string
		}{
			{name: "unknown model", tool: "docstore_get", args: map[string]any{"model": "Nope"}, want: "unknown model"},
			{name: "embedded model", tool: "docstore_get", args: map[string]any{"model": "Address"}, want: "unknown model"},
			{name: "unknown tool", tool: "docstore_drop", args: map[string]any{"model": "Item"}, want: "unknown tool"},
			{name: "facet without field", tool: "docstore_facet", args: map[string]any{"model": "Item"}, want: "field is required"},
			{name: "upsert without document", tool: "docstore_upsert", args: map[string]any{"model": "Item"}, want: "document is required"},
			{name: "non numeric limit", tool: "docstore_query", args: map[string]any{"model": "Item", "limit": "many"}, want: "invalid arguments"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := call(t, h, tt.tool, tt.args)
				assert.True(t, resp.IsError)
				assert.Contains(t, resp.Content[0].Text, tt.want)
			})
		}
	})

	t.Run("models", func(t *testing.T) {
		resp := h.HandleToolCall(context.Background(), ToolCallRequest{Name: "docstore_models"})
		require.False(t, resp.IsError)
		assert.Contains(t, resp.Content[0].Text, "Item (store item): name:string, color:string")
		assert.NotContains(t, resp.Content[0].Text, "Address")
	})
}

func TestServe(t *testing.T) {
	s := NewServer(newTestHandler(t), ServerConfig{Version: "test"})

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"cli","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"docstore_count","arguments":{"model":"Item"}}}`,
	}, "\n")

	var out strings.Builder
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out))

	var responses []jsonRPCResponse
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var resp jsonRPCResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 5, "the notification gets no response")

	assert.EqualValues(t, 1, responses[0].ID)
	info := responses[0].Result.(map[string]any)["serverInfo"].(map[string]any)
	assert.Equal(t, "docstore", info["name"])

	tools := responses[1].Result.(map[string]any)["tools"].([]any)
	assert.Len(t, tools, len(Tools))

	require.NotNil(t, responses[2].Error)
	assert.Equal(t, codeParseError, responses[2].Error.Code)

	require.NotNil(t, responses[3].Error)
	assert.Equal(t, codeMethodNotFound, responses[3].Error.Code)

	toolResp := responses[4].Result.(map[string]any)
	assert.Nil(t, toolResp["isError"])
	assert.JSONEq(t, `{"count": 0}`, toolResp["content"].([]any)[0].(map[string]any)["text"].(string))
}
