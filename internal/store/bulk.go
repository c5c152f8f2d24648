package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

// BulkKind is the requested kind of one bulk operation.
type BulkKind string

const (
	BulkInsert BulkKind = "insert" // fails when the identifier is taken
	BulkUpsert BulkKind = "upsert" // always writes
	BulkUpdate BulkKind = "update" // partial document merge
	BulkDelete BulkKind = "delete"
)

// BulkOperation 批量操作
type BulkOperation struct {
	Kind     BulkKind
	Model    *schema.Model
	ID       string   // optional for insert and upsert
	Document Document // nil for delete
}

// BulkCounts counts successful operations per kind.
type BulkCounts struct {
	Insert int `json:"insert"`
	Upsert int `json:"upsert"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Error  int `json:"error"`
}

// BulkError is the engine failure of one operation, by input position.
type BulkError struct {
	Index  int      `json:"index"`
	Kind   BulkKind `json:"kind"`
	ID     string   `json:"id,omitempty"`
	Type   string   `json:"type"`
	Reason string   `json:"reason"`
}

// BulkResponse 批量操作结果
type BulkResponse struct {
	Counts BulkCounts `json:"counts"`
	// InsertedIDs maps input positions to identifiers the engine reported as created.
	InsertedIDs map[int]string `json:"inserted_ids"`
	Errors      []BulkError    `json:"errors"`
}

// ProcessBulk submits every operation in one engine request. Per-item failures are
// collected in the response; only transport failures are returned as errors.
func (s *Service) ProcessBulk(ctx context.Context, ops []BulkOperation) (*BulkResponse, error) {
	resp := &BulkResponse{InsertedIDs: map[int]string{}, Errors: []BulkError{}}
	if len(ops) == 0 {
		return resp, nil
	}

	items := make([]engine.BulkItem, len(ops))
	for i, op := range ops {
		item, err := s.bulkItem(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("bulk operation %d: %w", i, err)
		}
		items[i] = item
	}

	result, err := s.client.Bulk(ctx, items, s.config.Refresh)
	if err != nil {
		return nil, err
	}
	if len(result.Items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d operations", len(result.Items), len(ops))
	}

	for i, item := range result.Items {
		op := ops[i]

		if failure := bulkFailure(item); failure != nil {
			resp.Counts.Error++
			resp.Errors = append(resp.Errors, BulkError{
				Index:  i,
				Kind:   op.Kind,
				ID:     items[i].ID,
				Type:   failure.Type,
				Reason: failure.Reason,
			})
			continue
		}

		switch op.Kind {
		case BulkInsert:
			resp.Counts.Insert++
		case BulkUpsert:
			resp.Counts.Upsert++
		case BulkUpdate:
			resp.Counts.Update++
		case BulkDelete:
			resp.Counts.Delete++
		}
		if item.Result == "created" {
			resp.InsertedIDs[i] = items[i].ID
		}
	}

	if resp.Counts.Error > 0 {
		s.logger.Warn("bulk completed with errors", "operations", len(ops), "errors", resp.Counts.Error)
	}
	return resp, nil
}

func (s *Service) bulkItem(ctx context.Context, op BulkOperation) (engine.BulkItem, error) {
	if op.Model == nil {
		return engine.BulkItem{}, fmt.Errorf("model is required")
	}
	target, err := s.writeTarget(ctx, op.Model)
	if err != nil {
		return engine.BulkItem{}, err
	}

	id := op.ID
	if id == "" {
		id = op.Document.ID(s.config.IDField)
	}

	switch op.Kind {
	case BulkInsert, BulkUpsert:
		if id == "" {
			id = uuid.NewString()
		}
		action := "index"
		if op.Kind == BulkInsert {
			action = "create"
		}
		body := s.body(op.Model, withID(op.Document, s.config.IDField, id))
		return engine.BulkItem{Action: action, Index: target, ID: id, Body: body}, nil
	case BulkUpdate:
		if id == "" {
			return engine.BulkItem{}, fmt.Errorf("%s: %s is required for update", op.Model.Name, s.config.IDField)
		}
		body := s.partialBody(op.Model, op.Document)
		return engine.BulkItem{Action: "update", Index: target, ID: id, Body: map[string]any{"doc": body}}, nil
	case BulkDelete:
		if id == "" {
			return engine.BulkItem{}, fmt.Errorf("%s: %s is required for delete", op.Model.Name, s.config.IDField)
		}
		return engine.BulkItem{Action: "delete", Index: target, ID: id}, nil
	default:
		return engine.BulkItem{}, fmt.Errorf("unknown bulk kind %q", op.Kind)
	}
}

// bulkFailure returns the structured failure of an item, treating a 404 delete as one.
func bulkFailure(item engine.BulkItemResult) *engine.Error {
	if item.Error != nil {
		return item.Error
	}
	if item.Status >= 300 || item.Result == engine.TypeNotFound {
		return &engine.Error{Status: item.Status, Type: engine.TypeNotFound, Reason: "document [" + item.ID + "] not found"}
	}
	return nil
}
