package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/store"
	"github.com/MrWong99/callwright/internal/store/memstore"
)

// failingKV fails Set after the first n successful writes.
type failingKV struct {
	*memstore.Store
	mu      sync.Mutex
	allowed int
	getErr  error
}

func (f *failingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowed <= 0 {
		return errors.New("disk full")
	}
	f.allowed--
	return f.Store.Set(ctx, key, value)
}

func loaded(t *testing.T, kv store.KV, opts ...store.Option) *store.Repository {
	t.Helper()
	r := store.NewRepository(kv, opts...)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestLoad_EmptyStoreSeedsDefaults(t *testing.T) {
	t.Parallel()

	kv := memstore.New()
	r := loaded(t, kv)

	if len(r.Leads()) != len(store.DefaultLeads()) {
		t.Errorf("got %d leads", len(r.Leads()))
	}
	if len(r.Knowledge()) == 0 {
		t.Error("knowledge not seeded")
	}
	for _, key := range []string{store.KeyLeads, store.KeyKnowledge} {
		if _, ok, _ := kv.Get(context.Background(), key); !ok {
			t.Errorf("%s not written back", key)
		}
	}
}

func TestLoad_MalformedFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"leads not json", store.KeyLeads, "{{{"},
		{"leads null", store.KeyLeads, "null"},
		{"leads bad status", store.KeyLeads, `[{"id":"a","restaurant_name":"A","status":"LOST"}]`},
		{"knowledge not array", store.KeyKnowledge, `{"id":"x"}`},
		{"knowledge bad category", store.KeyKnowledge, `[{"id":"x","category":"gossip"}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kv := memstore.New()
			_ = kv.Set(context.Background(), tc.key, []byte(tc.value))

			r := loaded(t, kv)
			if len(r.Leads()) == 0 || len(r.Knowledge()) == 0 {
				t.Fatal("defaults not regenerated")
			}
			data, _, _ := kv.Get(context.Background(), tc.key)
			if string(data) == tc.value {
				t.Error("malformed record not overwritten")
			}
		})
	}
}

func TestLoad_RescoresStoredLeads(t *testing.T) {
	t.Parallel()

	kv := memstore.New()
	stored := []lead.Lead{{ID: "a", RestaurantName: "A", PriceTier: lead.TierFineDining, Status: lead.StatusPending, Score: 99}}
	data, _ := json.Marshal(stored)
	_ = kv.Set(context.Background(), store.KeyLeads, data)

	r := loaded(t, kv)
	l, err := r.Lead("a")
	if err != nil {
		t.Fatal(err)
	}
	if l.Score != 40 {
		t.Errorf("Score = %d, want recomputed 40", l.Score)
	}
}

func TestLoad_ReadErrorReturned(t *testing.T) {
	t.Parallel()

	kv := &failingKV{Store: memstore.New(), getErr: errors.New("connection refused")}
	r := store.NewRepository(kv)
	if err := r.Load(context.Background()); err == nil || errors.Is(err, store.ErrParse) {
		t.Errorf("Load error = %v, want read failure", err)
	}
}

func TestUpdateLead(t *testing.T) {
	t.Parallel()

	kv := memstore.New()
	var writes []string
	var mu sync.Mutex
	r := loaded(t, kv, store.WithWriteHook(func(_ context.Context, key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			writes = append(writes, key)
		}
	}))
	id := r.Leads()[0].ID

	got, err := r.UpdateLead(context.Background(), id, func(l *lead.Lead) {
		l.Status = lead.StatusBooked
	})
	if err != nil {
		t.Fatalf("UpdateLead: %v", err)
	}
	if got.Score != 100 {
		t.Errorf("Score = %d, want 100 after rescore", got.Score)
	}

	reloaded := loaded(t, kv)
	l, _ := reloaded.Lead(id)
	if l.Status != lead.StatusBooked {
		t.Errorf("persisted status = %s", l.Status)
	}

	mu.Lock()
	if len(writes) == 0 || writes[len(writes)-1] != store.KeyLeads {
		t.Errorf("write hook saw %v", writes)
	}
	mu.Unlock()

	if _, err := r.UpdateLead(context.Background(), "missing", func(*lead.Lead) {}); !errors.Is(err, store.ErrLeadNotFound) {
		t.Errorf("missing lead error = %v", err)
	}
}

func TestUpdateLead_RollsBackOnWriteFailure(t *testing.T) {
	t.Parallel()

	kv := &failingKV{Store: memstore.New(), allowed: 2}
	r := loaded(t, kv)
	id := r.Leads()[0].ID

	if _, err := r.UpdateLead(context.Background(), id, func(l *lead.Lead) { l.Status = lead.StatusFailed }); err == nil {
		t.Fatal("expected write error")
	}
	l, _ := r.Lead(id)
	if l.Status != lead.StatusPending {
		t.Errorf("status = %s, want rollback to PENDING", l.Status)
	}
}

func TestAddSnippetAndReset(t *testing.T) {
	t.Parallel()

	r := loaded(t, memstore.New())
	before := len(r.Knowledge())

	s := knowledge.Snippet{ID: "new", Category: knowledge.CategoryClosingTechnique, Content: "x"}
	if err := r.AddSnippet(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	kb := r.Knowledge()
	if len(kb) != before+1 || kb[0].ID != "new" {
		t.Errorf("snippet not prepended: %+v", kb[0])
	}

	oldID := r.Leads()[0].ID
	if _, err := r.UpdateLead(context.Background(), oldID, func(l *lead.Lead) { l.Status = lead.StatusBooked }); err != nil {
		t.Fatal(err)
	}
	if err := r.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.Knowledge()) != before {
		t.Errorf("knowledge after reset = %d", len(r.Knowledge()))
	}
	for _, l := range r.Leads() {
		if l.Status != lead.StatusPending {
			t.Errorf("lead %s status %s after reset", l.ID, l.Status)
		}
	}
}

func TestLeads_ReturnsCopies(t *testing.T) {
	t.Parallel()

	r := loaded(t, memstore.New())
	leads := r.Leads()
	leads[0].RestaurantName = "changed"
	if r.Leads()[0].RestaurantName == "changed" {
		t.Error("caller mutated repository state")
	}
}

func TestDefaultLeads_Valid(t *testing.T) {
	t.Parallel()

	for _, l := range store.DefaultLeads() {
		if err := lead.Validate(l); err != nil {
			t.Errorf("default lead invalid: %v", err)
		}
	}
	for _, s := range store.DefaultKnowledge() {
		if !s.Category.IsValid() || s.ID == "" {
			t.Errorf("default snippet invalid: %+v", s)
		}
	}
}
