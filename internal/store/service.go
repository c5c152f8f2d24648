// Package store implements the document contract of the adapter: CRUD, bulk,
// listing, queries, suggestions, facets and expiry on top of the search engine.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/docstore/internal/index"
	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
	"github.com/Zereker/docstore/pkg/log"
)

// Document is a stored record. The identifier is kept under Config.IDField.
type Document map[string]any

// ID returns the identifier stored under field, or "".
func (d Document) ID(field string) string {
	switch v := d[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Config 文档服务配置
type Config struct {
	IDField            string        // default "id"
	StoreID            bool          // also persist the identifier as a regular field
	AutoCreate         bool          // create missing stores on first write
	Refresh            string        // refresh policy passed to writes: "", "true", "false", "wait_for"
	ScrollKeepAlive    time.Duration // default 1m
	PageSize           int           // list page size, default 100
	CaseSensitive      bool
	DiscriminatorField string // default "_type"
}

// Service is the document service.
type Service struct {
	client   engine.Client
	indices  *index.Manager
	compiler *query.Compiler
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	ensured sync.Map // model name -> struct{}
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides time.Now, used by post-load expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a document service
func NewService(client engine.Client, indices *index.Manager, config Config, opts ...Option) *Service {
	if config.IDField == "" {
		config.IDField = mapping.DefaultIDField
	}
	if config.DiscriminatorField == "" {
		config.DiscriminatorField = mapping.DefaultDiscriminatorField
	}
	if config.ScrollKeepAlive <= 0 {
		config.ScrollKeepAlive = time.Minute
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}

	s := &Service{
		client:  client,
		indices: indices,
		compiler: query.NewCompiler(query.Options{
			IDField:            config.IDField,
			CaseSensitive:      config.CaseSensitive,
			DiscriminatorField: config.DiscriminatorField,
		}),
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Logger("store")
	}
	return s
}

// Compiler returns the query compiler used by the service.
func (s *Service) Compiler() *query.Compiler {
	return s.compiler
}

// alias resolves the read target of a model.
func (s *Service) alias(m *schema.Model) string {
	return s.indices.Resolve(m).Alias
}

// writeTarget resolves the write target, creating the store on first use when AutoCreate is set.
func (s *Service) writeTarget(ctx context.Context, m *schema.Model) (string, error) {
	if s.config.AutoCreate {
		if _, ok := s.ensured.Load(m.Root().Name); !ok {
			if err := s.indices.EnsureIndex(ctx, m); err != nil {
				return "", err
			}
			s.ensured.Store(m.Root().Name, struct{}{})
		}
	}
	return s.alias(m), nil
}

// body prepares a document for a full write: the identifier is stripped unless
// stored and polymorphic documents get their discriminator.
func (s *Service) body(m *schema.Model, doc Document) map[string]any {
	body := s.partialBody(m, doc)
	if m.Polymorphic() {
		body[s.config.DiscriminatorField] = m.Name
	}
	return body
}

// partialBody prepares a document merged into a stored one. The discriminator
// is left out so the stored concrete type survives.
func (s *Service) partialBody(m *schema.Model, doc Document) map[string]any {
	body := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		body[k] = v
	}
	if !s.config.StoreID {
		delete(body, s.config.IDField)
	}
	if m.Polymorphic() {
		delete(body, s.config.DiscriminatorField)
	}
	return body
}

// document restores a stored source, putting the engine id back under the identifier field.
func (s *Service) document(id string, source json.RawMessage) (Document, error) {
	doc := Document{}
	if len(source) > 0 {
		if err := json.Unmarshal(source, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
	}
	doc[s.config.IDField] = id
	return doc, nil
}

// visible reports whether a loaded document belongs to m and is not expired.
func (s *Service) visible(m *schema.Model, doc Document) bool {
	if m.Polymorphic() {
		typ, _ := doc[s.config.DiscriminatorField].(string)
		match := false
		for _, name := range m.TypeNames() {
			if name == typ {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return !s.expired(m, doc)
}

func (s *Service) expired(m *schema.Model, doc Document) bool {
	field := m.Expiry()
	if field == "" {
		return false
	}
	t, ok := parseTime(doc[field])
	if !ok {
		return false
	}
	return !t.After(s.now())
}

func notFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound)
}

func conflict(err error) bool {
	return errors.Is(err, engine.ErrVersionConflict)
}

// Get fetches a document by identifier. Expired documents are not found.
func (s *Service) Get(ctx context.Context, m *schema.Model, id string) (Document, error) {
	doc, _, err := s.get(ctx, m, id)
	return doc, err
}

func (s *Service) get(ctx context.Context, m *schema.Model, id string) (Document, *engine.GetResult, error) {
	res, err := s.client.Get(ctx, s.alias(m), id)
	if err != nil {
		if notFound(err) {
			return nil, nil, &NotFoundError{Model: m.Name, ID: id}
		}
		return nil, nil, err
	}

	doc, err := s.document(res.ID, res.Source)
	if err != nil {
		return nil, nil, err
	}
	if !s.visible(m, doc) {
		return nil, nil, &NotFoundError{Model: m.Name, ID: id}
	}
	return doc, res, nil
}

// Create stores a new document, generating an identifier when absent.
// A taken identifier is an *AlreadyExistsError.
func (s *Service) Create(ctx context.Context, m *schema.Model, doc Document) (Document, error) {
	target, err := s.writeTarget(ctx, m)
	if err != nil {
		return nil, err
	}

	id := doc.ID(s.config.IDField)
	if id == "" {
		id = uuid.NewString()
	}
	doc = withID(doc, s.config.IDField, id)

	_, err = s.client.Index(ctx, engine.IndexRequest{
		Index:   target,
		ID:      id,
		Body:    s.body(m, doc),
		OpType:  "create",
		Refresh: s.config.Refresh,
	})
	if err != nil {
		if conflict(err) {
			return nil, &AlreadyExistsError{Model: m.Name, ID: id}
		}
		return nil, err
	}
	return doc, nil
}

// Update merges the document into the stored one: fields present in doc are
// overwritten, fields it leaves out keep their stored values. Use Upsert to
// replace the whole record. The concrete type of a polymorphic record never
// changes. Missing documents, expired ones, documents outside the model's type
// set and concurrent modifications are *NotFoundError.
func (s *Service) Update(ctx context.Context, m *schema.Model, doc Document) (Document, error) {
	id := doc.ID(s.config.IDField)
	if id == "" {
		return nil, fmt.Errorf("%s: %s is required for update", m.Name, s.config.IDField)
	}
	target, err := s.writeTarget(ctx, m)
	if err != nil {
		return nil, err
	}

	req := engine.UpdateRequest{
		Index:   target,
		ID:      id,
		Body:    map[string]any{"doc": s.partialBody(m, doc)},
		Refresh: s.config.Refresh,
	}

	// 过期和类型只能在读取后判断，写入以读到的版本为条件
	if m.Expiry() != "" || m.Polymorphic() {
		_, res, err := s.get(ctx, m, id)
		if err != nil {
			return nil, err
		}
		req.Index = res.Index
		req.IfSeqNo = &res.SeqNo
		req.IfPrimaryTerm = &res.PrimaryTerm
	}

	if _, err := s.client.Update(ctx, req); err != nil {
		if notFound(err) || conflict(err) {
			return nil, &NotFoundError{Model: m.Name, ID: id}
		}
		return nil, err
	}
	return doc, nil
}

// Upsert writes the whole document whether or not it exists.
func (s *Service) Upsert(ctx context.Context, m *schema.Model, doc Document) (Document, error) {
	target, err := s.writeTarget(ctx, m)
	if err != nil {
		return nil, err
	}

	id := doc.ID(s.config.IDField)
	if id == "" {
		id = uuid.NewString()
	}
	doc = withID(doc, s.config.IDField, id)

	_, err = s.client.Index(ctx, engine.IndexRequest{
		Index:   target,
		ID:      id,
		Body:    s.body(m, doc),
		Refresh: s.config.Refresh,
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a document.
func (s *Service) Delete(ctx context.Context, m *schema.Model, id string) error {
	_, err := s.client.Delete(ctx, s.alias(m), id, s.config.Refresh)
	if err != nil {
		if notFound(err) || conflict(err) {
			return &NotFoundError{Model: m.Name, ID: id}
		}
		return err
	}
	return nil
}

// UpdatePartial applies a nested patch as a script and returns the document as
// stored afterwards. Nil patch values remove fields.
func (s *Service) UpdatePartial(ctx context.Context, m *schema.Model, id string, patch map[string]any) (Document, error) {
	target, err := s.writeTarget(ctx, m)
	if err != nil {
		return nil, err
	}

	script := mapping.CompilePartialUpdate(s.patch(patch))
	if !script.Empty() {
		_, err = s.client.Update(ctx, engine.UpdateRequest{
			Index:   target,
			ID:      id,
			Body:    map[string]any{"script": script.Body()},
			Refresh: s.config.Refresh,
		})
		if err != nil {
			if notFound(err) || conflict(err) {
				return nil, &NotFoundError{Model: m.Name, ID: id}
			}
			return nil, err
		}
	}

	return s.Get(ctx, m, id)
}

// patch drops the identifier, which cannot be changed by an update.
func (s *Service) patch(patch map[string]any) map[string]any {
	if _, ok := patch[s.config.IDField]; !ok || s.config.StoreID {
		return patch
	}
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k != s.config.IDField {
			out[k] = v
		}
	}
	return out
}

func withID(doc Document, field, id string) Document {
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[field] = id
	return out
}
