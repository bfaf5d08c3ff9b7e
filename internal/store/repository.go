package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
)

// WriteHook observes every write-back to the KV store.
type WriteHook func(ctx context.Context, key string, err error)

// Option configures a [Repository].
type Option func(*Repository)

// WithWriteHook registers a hook called after every KV write.
func WithWriteHook(h WriteHook) Option {
	return func(r *Repository) { r.onWrite = h }
}

// WithDefaults overrides the dataset used on first start, on malformed data,
// and by Reset.
func WithDefaults(leads func() []lead.Lead, kb func() []knowledge.Snippet) Option {
	return func(r *Repository) {
		r.defaultLeads = leads
		r.defaultKnowledge = kb
	}
}

// Repository is the in-memory working set of leads and knowledge backed by a
// [KV]. All methods are safe for concurrent use; readers get copies.
type Repository struct {
	kv      KV
	onWrite WriteHook

	defaultLeads     func() []lead.Lead
	defaultKnowledge func() []knowledge.Snippet

	mu    sync.RWMutex
	leads []lead.Lead
	kb    []knowledge.Snippet
}

// NewRepository returns an empty repository over kv. Call Load before use.
func NewRepository(kv KV, opts ...Option) *Repository {
	r := &Repository{
		kv:               kv,
		defaultLeads:     DefaultLeads,
		defaultKnowledge: DefaultKnowledge,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load reads both collections from the KV store. A missing or malformed
// collection is replaced with its default and written back; only KV
// failures are returned.
func (r *Repository) Load(ctx context.Context) error {
	leads, err := loadRecord(ctx, r.kv, KeyLeads, decodeLeads)
	if err != nil && !errors.Is(err, ErrParse) {
		return err
	}
	if err != nil || leads == nil {
		if err != nil {
			slog.Warn("store: leads record unusable, regenerating defaults", "err", err)
		}
		leads = r.defaultLeads()
		if werr := r.write(ctx, KeyLeads, leads); werr != nil {
			return werr
		}
	}

	kb, err := loadRecord(ctx, r.kv, KeyKnowledge, decodeKnowledge)
	if err != nil && !errors.Is(err, ErrParse) {
		return err
	}
	if err != nil || kb == nil {
		if err != nil {
			slog.Warn("store: knowledge record unusable, regenerating defaults", "err", err)
		}
		kb = r.defaultKnowledge()
		if werr := r.write(ctx, KeyKnowledge, kb); werr != nil {
			return werr
		}
	}

	r.mu.Lock()
	r.leads = leads
	r.kb = kb
	r.mu.Unlock()
	return nil
}

// Reset replaces both collections with the default dataset and persists it.
func (r *Repository) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	leads := r.defaultLeads()
	kb := r.defaultKnowledge()
	if err := errors.Join(r.write(ctx, KeyLeads, leads), r.write(ctx, KeyKnowledge, kb)); err != nil {
		return err
	}
	r.leads = leads
	r.kb = kb
	return nil
}

// Leads returns a copy of all leads in stored order.
func (r *Repository) Leads() []lead.Lead {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]lead.Lead, len(r.leads))
	for i, l := range r.leads {
		out[i] = l.Clone()
	}
	return out
}

// Lead returns a copy of the lead with the given ID.
func (r *Repository) Lead(id string) (lead.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(id)
	if i < 0 {
		return lead.Lead{}, fmt.Errorf("%w: %q", ErrLeadNotFound, id)
	}
	return r.leads[i].Clone(), nil
}

// UpdateLead applies fn to the lead with the given ID, rescoring it and
// persisting the collection. The updated copy is returned. When the write
// fails the in-memory change is rolled back.
func (r *Repository) UpdateLead(ctx context.Context, id string, fn func(*lead.Lead)) (lead.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return lead.Lead{}, fmt.Errorf("%w: %q", ErrLeadNotFound, id)
	}
	prev := r.leads[i]
	l := prev.Clone()
	fn(&l)
	l.Rescore()
	r.leads[i] = l
	if err := r.write(ctx, KeyLeads, r.leads); err != nil {
		r.leads[i] = prev
		return lead.Lead{}, err
	}
	return l.Clone(), nil
}

// Knowledge returns a copy of the knowledge base, most recent first.
func (r *Repository) Knowledge() []knowledge.Snippet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.kb)
}

// AddSnippet prepends s to the knowledge base and persists it.
func (r *Repository) AddSnippet(ctx context.Context, s knowledge.Snippet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kb := knowledge.Prepend(r.kb, s)
	if err := r.write(ctx, KeyKnowledge, kb); err != nil {
		return err
	}
	r.kb = kb
	return nil
}

func (r *Repository) indexLocked(id string) int {
	return slices.IndexFunc(r.leads, func(l lead.Lead) bool { return l.ID == id })
}

func (r *Repository) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err == nil {
		err = r.kv.Set(ctx, key, data)
	}
	if err != nil {
		err = fmt.Errorf("store: write %s: %w", key, err)
	}
	if r.onWrite != nil {
		r.onWrite(ctx, key, err)
	}
	return err
}

// loadRecord returns (nil, nil) when the key is absent.
func loadRecord[T any](ctx context.Context, kv KV, key string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	data, ok, err := kv.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("store: read %s: %w", key, err)
	}
	if !ok {
		return zero, nil
	}
	v, err := decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", ErrParse, key, err)
	}
	return v, nil
}

func decodeLeads(data []byte) ([]lead.Lead, error) {
	var leads []lead.Lead
	if err := json.Unmarshal(data, &leads); err != nil {
		return nil, err
	}
	if leads == nil {
		return nil, errors.New("not an array")
	}
	var errs []error
	for i := range leads {
		leads[i].Rescore()
		errs = append(errs, lead.Validate(leads[i]))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return leads, nil
}

func decodeKnowledge(data []byte) ([]knowledge.Snippet, error) {
	var kb []knowledge.Snippet
	if err := json.Unmarshal(data, &kb); err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, errors.New("not an array")
	}
	for _, s := range kb {
		if !s.Category.IsValid() {
			return nil, fmt.Errorf("snippet %q: unknown category %q", s.ID, s.Category)
		}
	}
	return kb, nil
}
