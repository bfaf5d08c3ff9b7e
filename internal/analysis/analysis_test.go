package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwright/internal/analysis"
	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/store"
	"github.com/MrWong99/callwright/internal/store/memstore"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/provider/llm"
	llmmock "github.com/MrWong99/callwright/pkg/provider/llm/mock"
)

const (
	bookedReply  = `{"summary":"Owner agreed to a demo on Friday.","sentiment":"positive","outcome":"BOOKED"}`
	failedReply  = `{"summary":"Contact declined.","sentiment":"Negative","outcome":"FAILED"}`
	snippetReply = "```json\n{\"found\":true,\"category\":\"closing_technique\",\"content\":\"Offer two concrete demo slots.\"}\n```"
)

// stageProvider answers by stage, recognised from the system prompt.
func stageProvider(classify, extract func() (string, error)) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			fn := classify
			if strings.Contains(req.SystemPrompt, "reusable technique") {
				fn = extract
			}
			content, err := fn()
			if err != nil {
				return nil, err
			}
			return &llm.CompletionResponse{Content: content}, nil
		},
	}
}

func reply(s string) func() (string, error) { return func() (string, error) { return s, nil } }

func failWith(msg string) func() (string, error) {
	return func() (string, error) { return "", errors.New(msg) }
}

func entries(n int) []transcript.Entry {
	out := make([]transcript.Entry, n)
	for i := range out {
		role := transcript.RoleAgent
		if i%2 == 1 {
			role = transcript.RoleHuman
		}
		out[i] = transcript.Entry{Role: role, Text: fmt.Sprintf("line %d", i)}
	}
	return out
}

func newRepo(t *testing.T) (*store.Repository, lead.Lead) {
	t.Helper()
	repo := store.NewRepository(memstore.New())
	if err := repo.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return repo, repo.Leads()[0]
}

func TestHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		entries       int
		wantStatus    lead.Status
		wantSentiment lead.Sentiment
	}{
		{0, lead.StatusFailed, lead.SentimentNegative},
		{1, lead.StatusFailed, lead.SentimentNegative},
		{2, lead.StatusCompleted, lead.SentimentNeutral},
		{6, lead.StatusCompleted, lead.SentimentNeutral},
		{7, lead.StatusCompleted, lead.SentimentPositive},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.entries), func(t *testing.T) {
			t.Parallel()
			st, se := analysis.Heuristic(tc.entries)
			if st != tc.wantStatus || se != tc.wantSentiment {
				t.Errorf("Heuristic(%d) = %s/%s, want %s/%s", tc.entries, st, se, tc.wantStatus, tc.wantSentiment)
			}
		})
	}
}

func TestApplyHeuristic(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	rec := &lead.Recording{MIMEType: "audio/wav", Data: []byte("RIFF"), Duration: time.Second}

	got, err := analysis.ApplyHeuristic(context.Background(), repo, l.ID, entries(8), rec)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != lead.StatusCompleted || got.Sentiment != lead.SentimentPositive {
		t.Errorf("lead = %s/%s", got.Status, got.Sentiment)
	}
	if got.Score != lead.Score(l.PriceTier, lead.StatusCompleted, lead.SentimentPositive) {
		t.Errorf("score not recomputed: %d", got.Score)
	}
	if len(got.Transcript) != 8 || got.Recording == nil {
		t.Errorf("transcript/recording not attached: %d, %v", len(got.Transcript), got.Recording)
	}
}

func TestRun_BookedUpgradesAndExtracts(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	kbBefore := len(repo.Knowledge())
	p := stageProvider(reply(bookedReply), reply(snippetReply))
	a := analysis.New(p, repo, analysis.WithKnowledgeSink(repo))

	rep := a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(6)})

	if rep.Classification.Status != analysis.StatusCompleted || rep.Extraction.Status != analysis.StatusCompleted {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := repo.Lead(l.ID)
	if got.Status != lead.StatusBooked || got.Score != 100 || got.Sentiment != lead.SentimentPositive {
		t.Errorf("lead = %s score %d sentiment %s", got.Status, got.Score, got.Sentiment)
	}
	if got.Summary != "Owner agreed to a demo on Friday." {
		t.Errorf("summary = %q", got.Summary)
	}

	kb := repo.Knowledge()
	if len(kb) != kbBefore+1 {
		t.Fatalf("knowledge size = %d, want %d", len(kb), kbBefore+1)
	}
	s := kb[0]
	if s.Category != knowledge.CategoryClosingTechnique || s.SourceRestaurant != l.RestaurantName || s.SourceLeadID != l.ID {
		t.Errorf("snippet = %+v", s)
	}
	if rep.Snippet == nil || rep.Snippet.ID != s.ID {
		t.Errorf("report snippet = %+v", rep.Snippet)
	}

	for _, call := range p.Calls() {
		if !call.Req.JSONMode {
			t.Error("stage did not request JSON mode")
		}
	}
}

func TestRun_NeverDowngradesBooked(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	if _, err := repo.UpdateLead(context.Background(), l.ID, func(l *lead.Lead) { l.UpgradeToBooked(lead.SentimentPositive) }); err != nil {
		t.Fatal(err)
	}
	l, _ = repo.Lead(l.ID)

	a := analysis.New(stageProvider(reply(failedReply), reply(`{"found":false}`)), repo)
	rep := a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(3)})

	got, _ := repo.Lead(l.ID)
	if got.Status != lead.StatusBooked || got.Score != 100 {
		t.Errorf("booked lead downgraded to %s (%d)", got.Status, got.Score)
	}
	if got.Summary != "Contact declined." {
		t.Errorf("summary = %q", got.Summary)
	}
	if rep.Outcome != lead.StatusFailed {
		t.Errorf("report outcome = %s", rep.Outcome)
	}
}

func TestRun_NonBookedOutcomeKeepsHeuristicStatus(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	l, _ = analysis.ApplyHeuristic(context.Background(), repo, l.ID, entries(4), nil)

	a := analysis.New(stageProvider(reply(failedReply), reply(`{"found":false}`)), repo)
	a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(4)})

	got, _ := repo.Lead(l.ID)
	if got.Status != lead.StatusCompleted || got.Sentiment != lead.SentimentNeutral {
		t.Errorf("status changed to %s/%s", got.Status, got.Sentiment)
	}
}

func TestRun_StagesFailIndependently(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		classify, extract  func() (string, error)
		wantClassification analysis.StageStatus
		wantExtraction     analysis.StageStatus
	}{
		{"classification down", failWith("quota"), reply(snippetReply), analysis.StatusDegraded, analysis.StatusCompleted},
		{"classification garbage", reply("not json"), reply(snippetReply), analysis.StatusDegraded, analysis.StatusCompleted},
		{"extraction down", reply(bookedReply), failWith("timeout"), analysis.StatusCompleted, analysis.StatusSkipped},
		{"extraction bad category", reply(bookedReply), reply(`{"found":true,"category":"gossip","content":"x"}`), analysis.StatusCompleted, analysis.StatusSkipped},
		{"nothing found", reply(bookedReply), reply(`{"found":false}`), analysis.StatusCompleted, analysis.StatusNothing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo, l := newRepo(t)
			a := analysis.New(stageProvider(tc.classify, tc.extract), repo, analysis.WithKnowledgeSink(repo))

			rep := a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(5)})
			if rep.Classification.Status != tc.wantClassification {
				t.Errorf("classification = %+v", rep.Classification)
			}
			if rep.Extraction.Status != tc.wantExtraction {
				t.Errorf("extraction = %+v", rep.Extraction)
			}

			got, _ := repo.Lead(l.ID)
			if tc.wantClassification == analysis.StatusDegraded {
				if got.Summary != analysis.DegradedSummary || got.Status != l.Status {
					t.Errorf("degraded lead = %q / %s", got.Summary, got.Status)
				}
			}
		})
	}
}

func TestRun_ExtractionGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries int
		sink    bool
	}{
		{"four entries", 4, true},
		{"no sink", 10, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo, l := newRepo(t)
			p := stageProvider(reply(bookedReply), reply(snippetReply))
			var opts []analysis.Option
			if tc.sink {
				opts = append(opts, analysis.WithKnowledgeSink(repo))
			}
			rep := analysis.New(p, repo, opts...).Run(context.Background(), analysis.Input{Lead: l, Entries: entries(tc.entries)})

			if rep.Extraction.Status != analysis.StatusSkipped {
				t.Errorf("extraction = %+v, want skipped", rep.Extraction)
			}
			if n := len(p.Calls()); n != 1 {
				t.Errorf("LLM called %d times, want only classification", n)
			}
		})
	}
}

func TestRun_StagesRunConcurrently(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() { wg.Wait(); close(both) }()

	rendezvous := func(s string) func() (string, error) {
		return func() (string, error) {
			wg.Done()
			select {
			case <-both:
				return s, nil
			case <-time.After(5 * time.Second):
				return "", errors.New("other stage never started")
			}
		}
	}
	a := analysis.New(stageProvider(rendezvous(bookedReply), rendezvous(snippetReply)), repo, analysis.WithKnowledgeSink(repo))
	rep := a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(5)})

	if rep.Classification.Status != analysis.StatusCompleted || rep.Extraction.Status != analysis.StatusCompleted {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_StageTimeout(t *testing.T) {
	t.Parallel()

	repo, l := newRepo(t)
	p := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	a := analysis.New(p, repo, analysis.WithStageTimeout(20*time.Millisecond))
	rep := a.Run(context.Background(), analysis.Input{Lead: l, Entries: entries(2)})

	if rep.Classification.Status != analysis.StatusDegraded {
		t.Errorf("classification = %+v", rep.Classification)
	}
	if !strings.Contains(rep.Classification.Detail, context.DeadlineExceeded.Error()) {
		t.Errorf("detail = %q", rep.Classification.Detail)
	}
}
