package mealstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int

	imageFn       func(image []byte, comment string) (*Analysis, error)
	beforeAfterFn func(before, after []byte, comment string) (*Analysis, error)
	textFn        func(comment string) (*Analysis, error)
	correctFn     func(current *Analysis, comment string, image []byte) (*Analysis, error)
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnalyzer) record() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeAnalyzer) AnalyzeImage(_ context.Context, image []byte, comment string) (*Analysis, error) {
	f.record()
	if f.imageFn == nil {
		return nil, errors.New("unexpected image analysis")
	}
	return f.imageFn(image, comment)
}

func (f *fakeAnalyzer) AnalyzeBeforeAfter(_ context.Context, before, after []byte, comment string) (*Analysis, error) {
	f.record()
	if f.beforeAfterFn == nil {
		return nil, errors.New("unexpected before/after analysis")
	}
	return f.beforeAfterFn(before, after, comment)
}

func (f *fakeAnalyzer) AnalyzeText(_ context.Context, comment string) (*Analysis, error) {
	f.record()
	if f.textFn == nil {
		return nil, errors.New("unexpected text analysis")
	}
	return f.textFn(comment)
}

func (f *fakeAnalyzer) CorrectAnalysis(_ context.Context, current *Analysis, comment string, image []byte) (*Analysis, error) {
	f.record()
	if f.correctFn == nil {
		return nil, errors.New("unexpected correction")
	}
	return f.correctFn(current, comment, image)
}

type fakeSink struct {
	mu     sync.Mutex
	synced []string
	err    error
}

func (f *fakeSink) Sync(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, rec.ID)
	return f.err
}

func (f *fakeSink) syncedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synced...)
}

func newTestPipeline(t *testing.T, store *Store, analyzer Analyzer, sink CompletionSink, clock func() time.Time) *Pipeline {
	t.Helper()
	return NewPipeline(PipelineOptions{
		Store:       store,
		Analyzer:    analyzer,
		Sink:        sink,
		ResumeDelay: time.Millisecond,
		Logger:      testLogger(),
		Clock:       clock,
	})
}

func TestProcessTextOnlySuccess(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{
		textFn: func(comment string) (*Analysis, error) {
			if comment == "" {
				t.Fatal("comment not forwarded to text analysis")
			}
			return completeAnalysis("Oatmeal", 380), nil
		},
	}
	sink := &fakeSink{}
	pipeline := newTestPipeline(t, store, analyzer, sink, nil)

	rec := mealRecord("txt-1", time.Now())
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	got, _ := store.GetByID("txt-1")
	if got == nil || got.State != StateComplete {
		t.Fatalf("expected complete record, got %+v", got)
	}
	if got.Analysis == nil || got.Analysis.Title != "Oatmeal" {
		t.Fatalf("analysis not attached: %+v", got.Analysis)
	}
	if ids := sink.syncedIDs(); len(ids) != 1 || ids[0] != "txt-1" {
		t.Fatalf("expected the completed record to reach the sink, got %v", ids)
	}
}

func TestProcessSingleImageReadsBlob(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	src := filepath.Join(t.TempDir(), "plate.jpg")
	if err := os.WriteFile(src, []byte("plate-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	analyzer := &fakeAnalyzer{
		imageFn: func(image []byte, _ string) (*Analysis, error) {
			if string(image) != "plate-bytes" {
				t.Fatalf("expected managed blob bytes, got %q", image)
			}
			return completeAnalysis("Plate", 500), nil
		},
	}
	pipeline := newTestPipeline(t, store, analyzer, nil, nil)

	rec := &Record{ID: "img-1", Timestamp: time.Now(), ImageURI: src}
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	got, _ := store.GetByID("img-1")
	if got == nil || got.State != StateComplete {
		t.Fatalf("expected complete record, got %+v", got)
	}
}

func TestProcessBeforeAfterPair(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	dir := t.TempDir()
	before := filepath.Join(dir, "before.jpg")
	after := filepath.Join(dir, "after.jpg")
	for path, content := range map[string]string{before: "before-bytes", after: "after-bytes"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	analyzer := &fakeAnalyzer{
		beforeAfterFn: func(beforeImg, afterImg []byte, _ string) (*Analysis, error) {
			if string(beforeImg) != "before-bytes" || string(afterImg) != "after-bytes" {
				t.Fatalf("image pair mismatch: %q %q", beforeImg, afterImg)
			}
			return completeAnalysis("Half Eaten", 250), nil
		},
	}
	pipeline := newTestPipeline(t, store, analyzer, nil, nil)

	rec := &Record{ID: "pair-1", Timestamp: time.Now(), ImageURI: before, AfterImageURI: after}
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	got, _ := store.GetByID("pair-1")
	if got == nil || got.State != StateComplete {
		t.Fatalf("expected complete record, got %+v", got)
	}
}

func TestProcessFailureMarksError(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{
		textFn: func(string) (*Analysis, error) {
			return nil, errors.New("model overloaded")
		},
	}
	sink := &fakeSink{}
	pipeline := newTestPipeline(t, store, analyzer, sink, nil)

	rec := mealRecord("fail-1", time.Now())
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	got, _ := store.GetByID("fail-1")
	if got == nil || got.State != StateError {
		t.Fatalf("expected error state, got %+v", got)
	}
	if len(sink.syncedIDs()) != 0 {
		t.Fatal("failed analyses must never reach the sink")
	}
}

func TestExpiredPendingSkipsAnalyzer(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{}
	now := time.Now()
	pipeline := newTestPipeline(t, store, analyzer, nil, func() time.Time { return now })

	rec := mealRecord("stale-1", now.Add(-25*time.Hour))
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	if analyzer.callCount() != 0 {
		t.Fatalf("expired record must not cost an inference call, got %d calls", analyzer.callCount())
	}
	got, _ := store.GetByID("stale-1")
	if got == nil || got.State != StateError {
		t.Fatalf("expected expired record in error state, got %+v", got)
	}
}

func TestRetryRecoversFromError(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	attempts := 0
	analyzer := &fakeAnalyzer{
		textFn: func(string) (*Analysis, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient inference failure")
			}
			return completeAnalysis("Soup", 210), nil
		},
	}
	pipeline := newTestPipeline(t, store, analyzer, nil, nil)
	ctx := context.Background()

	rec := mealRecord("retry-1", time.Now())
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(ctx, rec)
	got, _ := store.GetByID("retry-1")
	if got == nil || got.State != StateError {
		t.Fatalf("expected first attempt to fail, got %+v", got)
	}

	if err := pipeline.Retry(ctx, "retry-1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, _ = store.GetByID("retry-1")
	if got == nil || got.State != StateComplete {
		t.Fatalf("expected retry to complete the record, got %+v", got)
	}
	if got.Analysis == nil || got.Analysis.Title != "Soup" {
		t.Fatalf("retry result not attached: %+v", got.Analysis)
	}
}

func TestRetryUnknownRecord(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	pipeline := newTestPipeline(t, store, &fakeAnalyzer{}, nil, nil)

	err := pipeline.Retry(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumePendingContinuesPastFailures(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{
		textFn: func(comment string) (*Analysis, error) {
			if comment == "poison" {
				return nil, errors.New("bad record")
			}
			return completeAnalysis("Meal", 400), nil
		},
	}
	pipeline := newTestPipeline(t, store, analyzer, nil, nil)

	good1 := mealRecord("resume-1", time.Now())
	poison := &Record{ID: "resume-2", Timestamp: time.Now(), Comment: "poison"}
	good2 := mealRecord("resume-3", time.Now())
	done := &Record{ID: "resume-4", Timestamp: time.Now(), Comment: "already finished"}
	done.Analysis = completeAnalysis("Done", 100)

	for _, rec := range []*Record{good1, poison, good2} {
		if err := store.CreatePending(rec); err != nil {
			t.Fatalf("create pending %s: %v", rec.ID, err)
		}
	}
	if err := store.Create(done); err != nil {
		t.Fatalf("create complete record: %v", err)
	}

	pipeline.ResumePending(context.Background())

	wantStates := map[string]AnalysisState{
		"resume-1": StateComplete,
		"resume-2": StateError,
		"resume-3": StateComplete,
		"resume-4": StateComplete,
	}
	for id, want := range wantStates {
		got, _ := store.GetByID(id)
		if got == nil || got.State != want {
			t.Fatalf("record %s: expected state %q, got %+v", id, want, got)
		}
	}
	// The already-complete record must not trigger a call.
	if analyzer.callCount() != 3 {
		t.Fatalf("expected 3 analysis calls, got %d", analyzer.callCount())
	}
}

func TestCorrectReplacesAnalysis(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{
		correctFn: func(current *Analysis, comment string, _ []byte) (*Analysis, error) {
			if current == nil || current.Title != "Burrito" {
				t.Fatalf("current analysis not forwarded: %+v", current)
			}
			if comment != "it was a half portion" {
				t.Fatalf("hint not forwarded: %q", comment)
			}
			return completeAnalysis("Half Burrito", 400), nil
		},
	}
	sink := &fakeSink{}
	pipeline := newTestPipeline(t, store, analyzer, sink, nil)

	rec := mealRecord("correct-1", time.Now())
	rec.Analysis = completeAnalysis("Burrito", 800)
	if err := store.Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := pipeline.Correct(context.Background(), "correct-1", "it was a half portion")
	if err != nil {
		t.Fatalf("correct failed: %v", err)
	}
	if updated.Analysis.Title != "Half Burrito" || updated.State != StateComplete {
		t.Fatalf("corrected analysis not attached: %+v", updated)
	}
	if ids := sink.syncedIDs(); len(ids) != 1 || ids[0] != "correct-1" {
		t.Fatalf("corrected record should re-sync, got %v", ids)
	}
}

func TestCorrectFailureKeepsPreviousAnalysis(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	analyzer := &fakeAnalyzer{
		correctFn: func(*Analysis, string, []byte) (*Analysis, error) {
			return nil, errors.New("model refused")
		},
	}
	pipeline := newTestPipeline(t, store, analyzer, nil, nil)

	rec := mealRecord("correct-2", time.Now())
	rec.Analysis = completeAnalysis("Burrito", 800)
	if err := store.Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := pipeline.Correct(context.Background(), "correct-2", "hint"); err == nil {
		t.Fatal("expected correction failure to propagate")
	}
	got, _ := store.GetByID("correct-2")
	if got.State != StateComplete || got.Analysis.Title != "Burrito" {
		t.Fatalf("failed correction must leave the record untouched, got %+v", got)
	}
}

func TestCorrectRequiresExistingAnalysis(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	pipeline := newTestPipeline(t, store, &fakeAnalyzer{}, nil, nil)
	ctx := context.Background()

	if _, err := pipeline.Correct(ctx, "absent", "hint"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent record, got %v", err)
	}

	if err := store.Create(mealRecord("plain", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := pipeline.Correct(ctx, "plain", "hint"); !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed without an analysis, got %v", err)
	}
}

func TestProcessWithoutAnalyzerMarksError(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	pipeline := newTestPipeline(t, store, nil, nil, nil)

	rec := mealRecord("noanalyzer", time.Now())
	if err := store.CreatePending(rec); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	pipeline.Process(context.Background(), rec)

	got, _ := store.GetByID("noanalyzer")
	if got == nil || got.State != StateError {
		t.Fatalf("expected error state without analyzer, got %+v", got)
	}
}
