package store

import (
	"context"
	"iter"

	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

// List lazily yields every document matching q, page by page through a scroll
// cursor. Expired documents are skipped. Offset and Limit of q are ignored; stop
// iterating to end early. The cursor is released when the iteration ends.
func (s *Service) List(ctx context.Context, m *schema.Model, q query.Query) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		q.Offset, q.Limit = 0, s.config.PageSize
		body, err := s.compiler.SearchRequest(m, q)
		if err != nil {
			yield(nil, err)
			return
		}

		page, err := s.client.Search(ctx, engine.SearchRequest{
			Index:  s.alias(m),
			Body:   body,
			Scroll: s.config.ScrollKeepAlive,
		})
		if err != nil {
			if notFound(err) {
				return
			}
			yield(nil, err)
			return
		}

		scrollID := page.ScrollID
		defer func() {
			if scrollID == "" {
				return
			}
			if err := s.client.ClearScroll(context.WithoutCancel(ctx), scrollID); err != nil {
				s.logger.Warn("failed to clear scroll", "model", m.Name, "error", err)
			}
		}()

		for len(page.Hits) > 0 {
			for _, hit := range page.Hits {
				doc, err := s.document(hit.ID, hit.Source)
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if s.expired(m, doc) {
					continue
				}
				if !yield(doc, nil) {
					return
				}
			}

			if scrollID == "" {
				return
			}
			page, err = s.client.Scroll(ctx, scrollID, s.config.ScrollKeepAlive)
			if err != nil {
				yield(nil, err)
				return
			}
			if page.ScrollID != "" {
				scrollID = page.ScrollID
			}
		}
	}
}

// ListByIndex lists the documents whose field equals value.
func (s *Service) ListByIndex(ctx context.Context, m *schema.Model, field string, value any) iter.Seq2[Document, error] {
	return s.List(ctx, m, query.Query{Where: map[string]any{field: value}})
}
