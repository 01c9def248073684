package mealstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	recordsDirName = "meals"
	blobsDirName   = "images"
	indexFileName  = "index.json"

	// DefaultMaxRecords bounds retained history. Oldest-by-insertion
	// entries beyond the cap are evicted together with their record
	// files; their image blobs stay on disk.
	DefaultMaxRecords = 500
)

type StoreOptions struct {
	// Dir is the managed data directory. Record files, the index, and
	// image blobs all live under it.
	Dir string
	// MaxRecords caps the index length. Defaults to DefaultMaxRecords.
	MaxRecords int
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
	// Events receives mutation notifications. Optional.
	Events *EventBus
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Store owns the durable record files and the index. The index is the sole
// source of truth for which records exist and in what order listings are
// returned. All writes go through tmp+rename so a kill mid-write leaves
// either the old or the new file, never a torn one.
//
// Concurrency: the index is guarded by a mutex, but Update and MarkError
// follow a read-merge-write pattern on the record file with no per-record
// locking. Two callers racing on the same id resolve last-write-wins; a
// user edit can silently lose to an in-flight analysis completion. Known
// limitation, acceptable for a single-user store.
type Store struct {
	mu         sync.Mutex
	dir        string
	recordsDir string
	indexPath  string
	maxRecords int
	blobs      *BlobStore
	events     *EventBus
	log        *logrus.Logger
	clock      func() time.Time
}

func NewStore(opts StoreOptions) *Store {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		dir:        opts.Dir,
		recordsDir: filepath.Join(opts.Dir, recordsDirName),
		indexPath:  filepath.Join(opts.Dir, indexFileName),
		maxRecords: maxRecords,
		blobs:      NewBlobStore(filepath.Join(opts.Dir, blobsDirName)),
		events:     opts.Events,
		log:        logger,
		clock:      clock,
	}
}

// Blobs exposes the managed blob store for import/export collaborators.
func (s *Store) Blobs() *BlobStore {
	return s.blobs
}

// Initialize ensures the managed directory structure exists. Idempotent;
// every public operation calls it, so callers need no external setup.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.recordsDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(s.blobs.Dir(), 0o755)
}

// Create validates and persists a record, copying any unmanaged images
// into the blob store first. The new entry goes to the front of the index
// regardless of its timestamp; the index stays insertion-ordered until the
// record is first updated.
func (s *Store) Create(rec *Record) error {
	if err := s.Initialize(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	rec.SchemaVersion = SchemaVersion
	if rec.State == "" {
		rec.State = rec.deriveState()
	}
	if err := s.adoptImages(rec); err != nil {
		return err
	}
	if err := s.writeRecordFile(rec); err != nil {
		return err
	}

	s.mu.Lock()
	idx := s.loadIndexLocked()
	entries := make([]indexEntry, 0, len(idx.Meals)+1)
	entries = append(entries, indexEntry{ID: rec.ID, Timestamp: rec.Timestamp, Filename: recordFilename(rec.ID)})
	for _, entry := range idx.Meals {
		if entry.ID == rec.ID {
			continue
		}
		entries = append(entries, entry)
	}
	var evicted []indexEntry
	if len(entries) > s.maxRecords {
		evicted = entries[s.maxRecords:]
		entries = entries[:s.maxRecords]
	}
	idx.Meals = entries
	err := s.saveIndexLocked(idx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, entry := range evicted {
		if removeErr := os.Remove(filepath.Join(s.recordsDir, entry.Filename)); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.log.WithField("id", entry.ID).WithError(removeErr).Warn("failed to remove evicted record file")
		}
	}
	s.publish(EventRecordAdded, rec.ID, rec.State)
	return nil
}

// CreatePending persists an optimistic loading-state record so it shows up
// in the UI before analysis completes. Image-less records are fine as long
// as a comment is present.
func (s *Store) CreatePending(rec *Record) error {
	rec.State = StatePending
	rec.Analysis = nil
	return s.Create(rec)
}

// Update merges a patch into the stored record. Unless the patch sets an
// explicit state, transient loading/error state is cleared: the result is
// complete when an analysis is attached, none otherwise. The matching
// index entry's timestamp is resynced and the whole index re-sorted by
// timestamp descending, so listings are chronological from the first
// update onward.
//
// A missing record file is a logged no-op: an analysis completing after
// its record was deleted must not crash.
func (s *Store) Update(id string, patch RecordPatch) (*Record, error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	rec := s.readRecord(id)
	if rec == nil {
		s.log.WithField("id", id).Warn("update of missing record skipped")
		return nil, nil
	}

	if patch.Timestamp != nil {
		rec.Timestamp = *patch.Timestamp
	}
	if patch.Comment != nil {
		rec.Comment = *patch.Comment
	}
	if patch.ImageURI != nil {
		rec.ImageURI = *patch.ImageURI
	}
	if patch.AfterImageURI != nil {
		rec.AfterImageURI = *patch.AfterImageURI
	}
	if patch.Analysis != nil {
		rec.Analysis = patch.Analysis
	}
	if patch.Title != nil && rec.Analysis != nil {
		rec.Analysis.Title = *patch.Title
	}
	if patch.Totals != nil && rec.Analysis != nil {
		// Nutrient edits touch the totals only, never the per-item
		// breakdown.
		rec.Analysis.Totals = *patch.Totals
	}
	if patch.State != nil {
		rec.State = *patch.State
	} else {
		rec.State = rec.deriveState()
	}
	if err := s.adoptImages(rec); err != nil {
		return nil, err
	}
	if err := s.writeRecordFile(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := s.loadIndexLocked()
	for i := range idx.Meals {
		if idx.Meals[i].ID == id {
			idx.Meals[i].Timestamp = rec.Timestamp
			break
		}
	}
	sort.SliceStable(idx.Meals, func(i, j int) bool {
		return idx.Meals[i].Timestamp.After(idx.Meals[j].Timestamp)
	})
	err := s.saveIndexLocked(idx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.publish(EventRecordUpdated, rec.ID, rec.State)
	return rec, nil
}

// MarkError flags the last analysis attempt as failed, leaving any
// previously attached analysis in place. The index is not touched.
func (s *Store) MarkError(id string) error {
	if err := s.Initialize(); err != nil {
		return err
	}
	rec := s.readRecord(id)
	if rec == nil {
		s.log.WithField("id", id).Warn("markError of missing record skipped")
		return nil
	}
	rec.State = StateError
	if err := s.writeRecordFile(rec); err != nil {
		return err
	}
	s.publish(EventRecordUpdated, rec.ID, rec.State)
	return nil
}

// GetByID reads a record straight off its deterministic filename. Missing
// or unparsable files yield nil, not an error.
func (s *Store) GetByID(id string) (*Record, error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s.readRecord(id), nil
}

// List returns records in index order. Files that are missing or fail to
// parse are skipped and logged so one corrupted record never blocks the
// rest of the history.
func (s *Store) List() ([]*Record, error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	idx := s.loadIndexLocked()
	s.mu.Unlock()

	records := make([]*Record, 0, len(idx.Meals))
	for _, entry := range idx.Meals {
		rec := s.readRecordFile(filepath.Join(s.recordsDir, entry.Filename))
		if rec == nil {
			s.log.WithField("id", entry.ID).Warn("skipping unreadable record during list")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes the index entry and the record file. Idempotent: deleting
// an absent record is not an error. Image blobs stay on disk.
func (s *Store) Delete(id string) error {
	if err := s.Initialize(); err != nil {
		return err
	}
	s.mu.Lock()
	idx := s.loadIndexLocked()
	kept := idx.Meals[:0]
	found := false
	for _, entry := range idx.Meals {
		if entry.ID == id {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	var err error
	if found {
		idx.Meals = kept
		err = s.saveIndexLocked(idx)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// Index first, file second: a crash in between leaves an orphaned
	// record file, never a dangling index entry.
	if err := os.Remove(filepath.Join(s.recordsDir, recordFilename(id))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if found {
		s.publish(EventRecordDeleted, id, "")
	}
	return nil
}

// ClearByTimeRange deletes records whose timestamp falls at or after
// now-range, i.e. it clears the RECENT window ("clear the last hour/day"),
// keeping everything older. ClearAll deletes the whole history. Returns
// the number of records removed.
func (s *Store) ClearByTimeRange(rng ClearRange) (int, error) {
	if err := s.Initialize(); err != nil {
		return 0, err
	}
	cutoff, err := rng.cutoff(s.clock())
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	idx := s.loadIndexLocked()
	kept := make([]indexEntry, 0, len(idx.Meals))
	removed := make([]indexEntry, 0)
	for _, entry := range idx.Meals {
		if rng == ClearAll || !entry.Timestamp.Before(cutoff) {
			removed = append(removed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	idx.Meals = kept
	saveErr := s.saveIndexLocked(idx)
	s.mu.Unlock()
	if saveErr != nil {
		return 0, saveErr
	}

	for _, entry := range removed {
		if err := os.Remove(filepath.Join(s.recordsDir, entry.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WithField("id", entry.ID).WithError(err).Warn("failed to remove cleared record file")
		}
		s.publish(EventRecordDeleted, entry.ID, "")
	}
	return len(removed), nil
}

// Count returns the number of indexed records.
func (s *Store) Count() (int, error) {
	if err := s.Initialize(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loadIndexLocked().Meals), nil
}

// adoptImages copies any image reference that is not yet inside managed
// storage into the blob store and rewrites the URI.
func (s *Store) adoptImages(rec *Record) error {
	if rec.ImageURI != "" && !s.blobs.Managed(rec.ImageURI) {
		managed, err := s.blobs.CopyBlob(rec.ImageURI, rec.ID, "")
		if err != nil {
			return err
		}
		rec.ImageURI = managed
	}
	if rec.AfterImageURI != "" && !s.blobs.Managed(rec.AfterImageURI) {
		managed, err := s.blobs.CopyBlob(rec.AfterImageURI, rec.ID, "after")
		if err != nil {
			return err
		}
		rec.AfterImageURI = managed
	}
	return nil
}

func recordFilename(id string) string {
	return "meal_" + sanitizeID(id) + ".json"
}

func (s *Store) readRecord(id string) *Record {
	return s.readRecordFile(filepath.Join(s.recordsDir, recordFilename(id)))
}

func (s *Store) readRecordFile(path string) *Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.WithField("path", path).WithError(err).Warn("unparsable record file")
		return nil
	}
	if rec.State == "" {
		rec.State = rec.deriveState()
	}
	return &rec
}

func (s *Store) writeRecordFile(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.recordsDir, recordFilename(rec.ID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return os.Rename(tmp, path)
}

// loadIndexLocked treats a missing or corrupted index as empty: the store
// must always come up, whatever is on disk.
func (s *Store) loadIndexLocked() *indexDocument {
	idx := &indexDocument{SchemaVersion: SchemaVersion, Meals: []indexEntry{}}
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Warn("index unreadable, starting empty")
		}
		return idx
	}
	if err := json.Unmarshal(data, idx); err != nil {
		s.log.WithError(err).Warn("index corrupted, starting empty")
		return &indexDocument{SchemaVersion: SchemaVersion, Meals: []indexEntry{}}
	}
	if idx.Meals == nil {
		idx.Meals = []indexEntry{}
	}
	return idx
}

func (s *Store) saveIndexLocked(idx *indexDocument) error {
	idx.SchemaVersion = SchemaVersion
	idx.LastUpdated = s.clock().UTC()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func (s *Store) publish(eventType EventType, id string, state AnalysisState) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{Type: eventType, RecordID: id, State: state, Timestamp: s.clock().UTC()})
}
