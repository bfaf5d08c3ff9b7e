package analysis

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/provider/llm"
)

// DefaultMinExtractionEntries is the entry count a transcript must exceed
// before extraction runs.
const DefaultMinExtractionEntries = 4

// DefaultStageTimeout bounds each LLM stage.
const DefaultStageTimeout = 45 * time.Second

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithKnowledgeSink enables the extraction stage.
func WithKnowledgeSink(s KnowledgeSink) Option {
	return func(a *Analyzer) { a.kb = s }
}

// WithStageTimeout overrides [DefaultStageTimeout].
func WithStageTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMinExtractionEntries overrides [DefaultMinExtractionEntries].
func WithMinExtractionEntries(n int) Option {
	return func(a *Analyzer) { a.minExtract = n }
}

// WithMetrics records stage results on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithClock overrides the timestamp source for new snippets.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer runs the background post-call stages.
type Analyzer struct {
	llm        llm.Provider
	leads      LeadSink
	kb         KnowledgeSink
	timeout    time.Duration
	minExtract int
	metrics    *observe.Metrics
	now        func() time.Time
}

// New returns an Analyzer using p for both stages and writing lead updates to
// leads. Extraction stays off until [WithKnowledgeSink] is given.
func New(p llm.Provider, leads LeadSink, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:        p,
		leads:      leads,
		timeout:    DefaultStageTimeout,
		minExtract: DefaultMinExtractionEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run executes classification and extraction concurrently and waits for both.
// Neither stage can cancel the other and neither failure is returned: the
// Report carries each stage's status.
func (a *Analyzer) Run(ctx context.Context, in Input) Report {
	ctx, span := observe.StartSpan(ctx, "analysis.run")
	span.SetAttributes(attribute.String("lead_id", in.Lead.ID), attribute.Int("entries", len(in.Entries)))
	defer span.End()

	rep := Report{LeadID: in.Lead.ID}

	var g errgroup.Group
	g.Go(func() error {
		a.classify(ctx, in, &rep)
		return nil
	})
	g.Go(func() error {
		a.extract(ctx, in, &rep)
		return nil
	})
	_ = g.Wait()

	observe.CallLogger(ctx, in.Lead.ID).Info("post-call analysis finished",
		"classification", rep.Classification.Status,
		"extraction", rep.Extraction.Status,
		"outcome", rep.Outcome)
	return rep
}

// classify writes only the classification fields of rep.
func (a *Analyzer) classify(ctx context.Context, in Input, rep *Report) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "analysis.classification")
	defer span.End()
	log := observe.CallLogger(ctx, in.Lead.ID).With("stage", StageClassification)

	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	c, err := Classify(sctx, a.llm, in.Lead, in.Entries)
	cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		log.Warn("classification failed, writing degraded summary", "err", err)
		rep.Classification = StageResult{Status: StatusDegraded, Detail: err.Error()}
		rep.Summary = DegradedSummary
		if _, uerr := a.leads.UpdateLead(ctx, in.Lead.ID, func(l *lead.Lead) {
			l.Summary = DegradedSummary
		}); uerr != nil {
			log.Error("failed to store degraded summary", "err", uerr)
		}
		a.record(ctx, StageClassification, rep.Classification.Status, start)
		return
	}

	var upgraded bool
	_, err = a.leads.UpdateLead(ctx, in.Lead.ID, func(l *lead.Lead) {
		l.Summary = c.Summary
		if c.Outcome == lead.StatusBooked {
			upgraded = l.UpgradeToBooked(c.Sentiment)
		}
	})
	rep.Outcome = c.Outcome
	rep.Sentiment = c.Sentiment
	rep.Summary = c.Summary
	if err != nil {
		span.RecordError(err)
		log.Error("failed to store classification", "err", err)
		rep.Classification = StageResult{Status: StatusDegraded, Detail: err.Error()}
	} else {
		rep.Classification = StageResult{Status: StatusCompleted}
		if upgraded {
			rep.Classification.Detail = "lead upgraded to BOOKED"
		}
	}
	log.Info("classification stored", "outcome", c.Outcome, "sentiment", c.Sentiment, "upgraded", upgraded)
	a.record(ctx, StageClassification, rep.Classification.Status, start)
}

// extract writes only the extraction fields of rep.
func (a *Analyzer) extract(ctx context.Context, in Input, rep *Report) {
	if a.kb == nil {
		rep.Extraction = StageResult{Status: StatusSkipped, Detail: "no knowledge sink configured"}
		return
	}
	if len(in.Entries) <= a.minExtract {
		rep.Extraction = StageResult{Status: StatusSkipped, Detail: "transcript too short"}
		return
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "analysis.extraction")
	defer span.End()
	log := observe.CallLogger(ctx, in.Lead.ID).With("stage", StageExtraction)

	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	tech, err := Extract(sctx, a.llm, in.Lead, in.Entries)
	cancel()

	switch {
	case err != nil:
		span.RecordError(err)
		log.Warn("extraction failed", "err", err)
		rep.Extraction = StageResult{Status: StatusSkipped, Detail: err.Error()}
	case tech == nil:
		rep.Extraction = StageResult{Status: StatusNothing}
	default:
		s := knowledge.NewSnippet(tech.Category, tech.Content, in.Lead.RestaurantName, in.Lead.ID, a.now())
		if err := a.kb.AddSnippet(ctx, s); err != nil {
			log.Error("failed to store snippet", "err", err)
			rep.Extraction = StageResult{Status: StatusSkipped, Detail: err.Error()}
			break
		}
		rep.Snippet = &s
		rep.Extraction = StageResult{Status: StatusCompleted, Detail: string(s.Category)}
		log.Info("snippet added", "category", s.Category, "snippet_id", s.ID)
	}
	a.record(ctx, StageExtraction, rep.Extraction.Status, start)
}

func (a *Analyzer) record(ctx context.Context, stage string, status StageStatus, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordAnalysisStage(ctx, stage, string(status), time.Since(start).Seconds())
}

// ApplyHeuristic stores the end-of-call heuristic on the lead together with
// the committed transcript and the recording, if any.
func ApplyHeuristic(ctx context.Context, leads LeadSink, leadID string, committed []transcript.Entry, rec *lead.Recording) (lead.Lead, error) {
	status, sentiment := Heuristic(len(committed))
	l, err := leads.UpdateLead(ctx, leadID, func(l *lead.Lead) {
		l.ApplyOutcome(status, sentiment, committed, rec)
	})
	if err != nil {
		slog.Error("analysis: failed to store heuristic outcome", "lead_id", leadID, "err", err)
	}
	return l, err
}
