package mealstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPendingExpiry caps how stale an optimistic entry may get
	// before processing refuses to spend an inference call on it.
	DefaultPendingExpiry = 24 * time.Hour
	// DefaultResumeDelay spaces out sequential resume calls so startup
	// doesn't burst the inference API.
	DefaultResumeDelay = 500 * time.Millisecond
)

// CompletionSink receives successfully analyzed records, best-effort. The
// health sync bridge implements it; its failures never fail processing.
type CompletionSink interface {
	Sync(ctx context.Context, rec *Record) error
}

type PipelineOptions struct {
	Store         *Store
	Analyzer      Analyzer
	Sink          CompletionSink
	PendingExpiry time.Duration
	ResumeDelay   time.Duration
	Logger        *logrus.Logger
	Clock         func() time.Time
}

// Pipeline drives a record through pending → analyzing → complete|error.
// The only re-entrant transition is error → analyzing via Retry; stale
// pending entries are forced into the error state before any external call.
// Process absorbs every failure into record state and never propagates.
type Pipeline struct {
	store         *Store
	analyzer      Analyzer
	sink          CompletionSink
	pendingExpiry time.Duration
	resumeDelay   time.Duration
	log           *logrus.Logger
	clock         func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	pendingExpiry := opts.PendingExpiry
	if pendingExpiry <= 0 {
		pendingExpiry = DefaultPendingExpiry
	}
	resumeDelay := opts.ResumeDelay
	if resumeDelay <= 0 {
		resumeDelay = DefaultResumeDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		store:         opts.Store,
		analyzer:      opts.Analyzer,
		sink:          opts.Sink,
		pendingExpiry: pendingExpiry,
		resumeDelay:   resumeDelay,
		log:           logger,
		clock:         clock,
	}
}

// Process runs one analysis attempt for rec. All failures end as
// hasError state on the record; Process itself never returns an error.
func (p *Pipeline) Process(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}
	logger := p.log.WithField("id", rec.ID)

	// Expiry is checked before anything else so stale optimistic
	// entries never cost an inference call. Expired records are not
	// retried automatically.
	if p.clock().Sub(rec.Timestamp) > p.pendingExpiry {
		logger.Info("pending record expired, marking error")
		if err := p.store.MarkError(rec.ID); err != nil {
			logger.WithError(err).Warn("failed to mark expired record")
		}
		return
	}

	// On retry, flip the record back to loading before the (possibly
	// slow) external call so the UI shows "retrying" immediately.
	if rec.HasError() {
		analyzing := StateAnalyzing
		updated, err := p.store.Update(rec.ID, RecordPatch{State: &analyzing})
		if err != nil {
			logger.WithError(err).Warn("failed to enter analyzing state")
		}
		if updated != nil {
			rec = updated
		}
	}

	analysis, err := p.dispatch(ctx, rec)
	if err != nil {
		logger.WithError(err).Warn("analysis failed")
		if markErr := p.store.MarkError(rec.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark analysis error")
		}
		return
	}

	updated, err := p.store.Update(rec.ID, RecordPatch{Analysis: analysis})
	if err != nil {
		logger.WithError(err).Warn("failed to store analysis result")
		if markErr := p.store.MarkError(rec.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark store error")
		}
		return
	}
	if updated == nil {
		// Record was deleted while the call was in flight; nothing
		// left to do.
		logger.Info("record vanished during analysis, dropping result")
		return
	}
	if p.sink != nil {
		if syncErr := p.sink.Sync(ctx, updated); syncErr != nil {
			logger.WithError(syncErr).Warn("health sync failed, continuing")
		}
	}
}

// dispatch picks the inference mode from the record shape: text-only,
// single image, or before/after pair.
func (p *Pipeline) dispatch(ctx context.Context, rec *Record) (*Analysis, error) {
	if p.analyzer == nil {
		return nil, fmt.Errorf("%w: no analyzer configured", ErrAnalysisFailed)
	}
	switch {
	case rec.ImageURI == "":
		if strings.TrimSpace(rec.Comment) == "" {
			return nil, fmt.Errorf("%w: record has neither image nor comment", ErrAnalysisFailed)
		}
		return p.analyzer.AnalyzeText(ctx, rec.Comment)
	case rec.AfterImageURI != "":
		before, err := os.ReadFile(rec.ImageURI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}
		after, err := os.ReadFile(rec.AfterImageURI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}
		return p.analyzer.AnalyzeBeforeAfter(ctx, before, after, rec.Comment)
	default:
		image, err := os.ReadFile(rec.ImageURI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}
		return p.analyzer.AnalyzeImage(ctx, image, rec.Comment)
	}
}

// Correct re-runs inference over a record's existing analysis plus a user
// hint ("the portion was half this size"). Unlike Process, failures are
// returned to the caller instead of being absorbed into record state: the
// previous analysis stays attached and valid.
func (p *Pipeline) Correct(ctx context.Context, id, comment string) (*Record, error) {
	if p.analyzer == nil {
		return nil, fmt.Errorf("%w: no analyzer configured", ErrAnalysisFailed)
	}
	rec, err := p.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if rec.Analysis == nil {
		return nil, fmt.Errorf("%w: record %s has no analysis to correct", ErrAnalysisFailed, id)
	}

	var image []byte
	if rec.ImageURI != "" {
		if data, readErr := os.ReadFile(rec.ImageURI); readErr == nil {
			image = data
		}
	}
	analysis, err := p.analyzer.CorrectAnalysis(ctx, rec.Analysis, comment, image)
	if err != nil {
		return nil, err
	}

	updated, err := p.store.Update(id, RecordPatch{Analysis: analysis})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if p.sink != nil {
		if syncErr := p.sink.Sync(ctx, updated); syncErr != nil {
			p.log.WithField("id", id).WithError(syncErr).Warn("health sync failed, continuing")
		}
	}
	return updated, nil
}

// Retry re-runs processing for an existing record. A record whose images
// are still on disk can be retried indefinitely.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	rec, err := p.store.GetByID(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	p.Process(ctx, rec)
	return nil
}

// ResumePending re-processes every record still in a loading or error
// state, sequentially with a small delay between calls. Individual
// failures never stop the loop. Invoked on startup and on reconnect.
func (p *Pipeline) ResumePending(ctx context.Context) {
	records, err := p.store.List()
	if err != nil {
		p.log.WithError(err).Warn("resume: listing failed")
		return
	}
	first := true
	for _, rec := range records {
		if !rec.IsLoading() && !rec.HasError() {
			continue
		}
		if !first {
			if err := sleepContext(ctx, p.resumeDelay); err != nil {
				return
			}
		}
		first = false
		p.Process(ctx, rec)
		if ctx.Err() != nil {
			return
		}
	}
}
