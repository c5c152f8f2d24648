package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/internal/store"
)

// Documents is the document service exposed as tools.
type Documents interface {
	Get(ctx context.Context, m *schema.Model, id string) (store.Document, error)
	Upsert(ctx context.Context, m *schema.Model, doc store.Document) (store.Document, error)
	UpdatePartial(ctx context.Context, m *schema.Model, id string, patch map[string]any) (store.Document, error)
	Delete(ctx context.Context, m *schema.Model, id string) error
	Query(ctx context.Context, m *schema.Model, q query.Query) ([]store.Document, error)
	QueryCount(ctx context.Context, m *schema.Model, where map[string]any) (int, error)
	Facet(ctx context.Context, m *schema.Model, field string, q query.Query, limit int) ([]store.FacetBucket, error)
}

// Models resolves model names.
type Models interface {
	Get(name string) (*schema.Model, bool)
	Models() []*schema.Model
}

// Handler handles MCP tool calls
type Handler struct {
	docs    Documents
	models  Models
	idField string
}

// NewHandler creates a new MCP handler
func NewHandler(docs Documents, models Models, idField string) *Handler {
	if idField == "" {
		idField = "id"
	}
	return &Handler{
		docs:    docs,
		models:  models,
		idField: idField,
	}
}

// ToolCallRequest represents an MCP tool call request
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResponse represents an MCP tool call response
type ToolCallResponse struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolArgs 是所有工具共用的参数
type toolArgs struct {
	Model    string         `json:"model"`
	ID       string         `json:"id"`
	Document store.Document `json:"document"`
	Patch    map[string]any `json:"patch"`
	Where    map[string]any `json:"where"`
	Select   map[string]any `json:"select"`
	Sort     []struct {
		Field string `json:"field"`
		Order any    `json:"order"`
	} `json:"sort"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Field  string `json:"field"`
}

func (a toolArgs) query() query.Query {
	q := query.Query{Where: a.Where, Select: a.Select, Offset: a.Offset, Limit: a.Limit}
	for _, s := range a.Sort {
		q.Sort = append(q.Sort, query.SortKey{Field: s.Field, Value: s.Order})
	}
	return q
}

// decodeArgs 解析工具参数，客户端常把数字写成字符串
func decodeArgs(raw json.RawMessage) (toolArgs, error) {
	var doc store.Document
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return toolArgs{}, err
		}
	}
	return store.As[toolArgs](doc)
}

// HandleToolCall handles an MCP tool call
func (h *Handler) HandleToolCall(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	if req.Name == "docstore_models" {
		return h.handleModels()
	}

	args, err := decodeArgs(req.Arguments)
	if err != nil {
		return errorResponse(fmt.Sprintf("invalid arguments: %v", err))
	}

	m, ok := h.models.Get(args.Model)
	if !ok || m.Embedded {
		return errorResponse(fmt.Sprintf("unknown model: %q", args.Model))
	}

	switch req.Name {
	case "docstore_get":
		return result(h.docs.Get(ctx, m, args.ID))
	case "docstore_query":
		return result(h.docs.Query(ctx, m, args.query()))
	case "docstore_count":
		n, err := h.docs.QueryCount(ctx, m, args.Where)
		return result(map[string]int{"count": n}, err)
	case "docstore_facet":
		if args.Field == "" {
			return errorResponse("field is required")
		}
		return result(h.docs.Facet(ctx, m, args.Field, args.query(), args.Limit))
	case "docstore_upsert":
		if args.Document == nil {
			return errorResponse("document is required")
		}
		if args.ID != "" {
			args.Document[h.idField] = args.ID
		}
		return result(h.docs.Upsert(ctx, m, args.Document))
	case "docstore_patch":
		return result(h.docs.UpdatePartial(ctx, m, args.ID, args.Patch))
	case "docstore_delete":
		if err := h.docs.Delete(ctx, m, args.ID); err != nil {
			return failure(err)
		}
		return successResponse(fmt.Sprintf("已删除文档: %s/%s", m.Name, args.ID))
	default:
		return errorResponse(fmt.Sprintf("unknown tool: %s", req.Name))
	}
}

// handleModels 列出可用模型及其字段
func (h *Handler) handleModels() ToolCallResponse {
	var parts []string
	for _, m := range h.models.Models() {
		if m.Embedded {
			continue
		}
		fields := make([]string, 0, len(m.Fields))
		for _, f := range m.InheritedFields() {
			name := string(f.Type)
			if f.Array {
				name = "[]" + name
			}
			fields = append(fields, f.Name+":"+name)
		}
		line := fmt.Sprintf("- %s (store %s)", m.Name, m.LogicalName())
		if m.Parent != nil {
			line += " extends " + m.Parent.Name
		}
		if len(fields) > 0 {
			line += ": " + strings.Join(fields, ", ")
		}
		parts = append(parts, line)
	}

	if len(parts) == 0 {
		return successResponse("没有已注册的模型。")
	}
	return successResponse(strings.Join(parts, "\n"))
}

func result(v any, err error) ToolCallResponse {
	if err != nil {
		return failure(err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("encode result: %v", err))
	}
	return successResponse(string(data))
}

func failure(err error) ToolCallResponse {
	if errors.Is(err, store.ErrNotFound) {
		return errorResponse("not found: " + err.Error())
	}
	return errorResponse(err.Error())
}

// Helper functions

func successResponse(text string) ToolCallResponse {
	return ToolCallResponse{
		Content: []ContentBlock{
			{Type: "text", Text: text},
		},
	}
}

func errorResponse(text string) ToolCallResponse {
	return ToolCallResponse{
		Content: []ContentBlock{
			{Type: "text", Text: text},
		},
		IsError: true,
	}
}
