package mealstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BundleRecord is one meal in an export bundle. Image bytes travel inline
// as base64 so a bundle is self-contained; on import they round-trip back
// through the blob store.
type BundleRecord struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Comment        string        `json:"comment,omitempty"`
	State          AnalysisState `json:"state"`
	Analysis       *Analysis     `json:"analysis,omitempty"`
	ImageData      string        `json:"imageData,omitempty"`
	ImageExt       string        `json:"imageExt,omitempty"`
	AfterImageData string        `json:"afterImageData,omitempty"`
	AfterImageExt  string        `json:"afterImageExt,omitempty"`
}

type Bundle struct {
	SchemaVersion int            `json:"schemaVersion"`
	ExportedAt    time.Time      `json:"exportedAt"`
	Meals         []BundleRecord `json:"meals"`
}

// Export serializes the full history into a bundle. Records whose image
// files cannot be read are exported without the image rather than dropped.
func (s *Store) Export() (*Bundle, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{
		SchemaVersion: SchemaVersion,
		ExportedAt:    s.clock().UTC(),
		Meals:         make([]BundleRecord, 0, len(records)),
	}
	for _, rec := range records {
		item := BundleRecord{
			ID:        rec.ID,
			Timestamp: rec.Timestamp,
			Comment:   rec.Comment,
			State:     rec.State,
			Analysis:  rec.Analysis,
		}
		if rec.ImageURI != "" {
			if data, readErr := os.ReadFile(rec.ImageURI); readErr == nil {
				item.ImageData = base64.StdEncoding.EncodeToString(data)
				item.ImageExt = filepath.Ext(rec.ImageURI)
			} else {
				s.log.WithField("id", rec.ID).WithError(readErr).Warn("exporting record without unreadable image")
			}
		}
		if rec.AfterImageURI != "" {
			if data, readErr := os.ReadFile(rec.AfterImageURI); readErr == nil {
				item.AfterImageData = base64.StdEncoding.EncodeToString(data)
				item.AfterImageExt = filepath.Ext(rec.AfterImageURI)
			}
		}
		bundle.Meals = append(bundle.Meals, item)
	}
	return bundle, nil
}

// ParseBundle decodes raw bundle bytes, schema-checking every record so a
// malformed bundle is rejected before any partial import.
func ParseBundle(data []byte) (*Bundle, error) {
	var envelope struct {
		SchemaVersion int               `json:"schemaVersion"`
		ExportedAt    time.Time         `json:"exportedAt"`
		Meals         []json.RawMessage `json:"meals"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	bundle := &Bundle{
		SchemaVersion: envelope.SchemaVersion,
		ExportedAt:    envelope.ExportedAt,
		Meals:         make([]BundleRecord, 0, len(envelope.Meals)),
	}
	for i, raw := range envelope.Meals {
		if err := ValidateBundleRecord(raw); err != nil {
			return nil, fmt.Errorf("bundle record %d: %w", i, err)
		}
		var rec BundleRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("bundle record %d: %w", i, err)
		}
		bundle.Meals = append(bundle.Meals, rec)
	}
	return bundle, nil
}

// Import ingests a bundle. Each record's inline images are written into
// the blob store before the record is created. Individual records that
// fail to import are skipped and logged; the return value is the number
// actually imported.
func (s *Store) Import(bundle *Bundle) (int, error) {
	if bundle == nil {
		return 0, nil
	}
	imported := 0
	for _, item := range bundle.Meals {
		rec := &Record{
			ID:        item.ID,
			Timestamp: item.Timestamp,
			Comment:   item.Comment,
			State:     item.State,
			Analysis:  item.Analysis,
		}
		if item.ImageData != "" {
			data, err := base64.StdEncoding.DecodeString(item.ImageData)
			if err != nil {
				s.log.WithField("id", item.ID).WithError(err).Warn("skipping bundle record with bad image data")
				continue
			}
			uri, err := s.blobs.WriteBlob(data, item.ID, "", item.ImageExt)
			if err != nil {
				s.log.WithField("id", item.ID).WithError(err).Warn("skipping bundle record, blob write failed")
				continue
			}
			rec.ImageURI = uri
		}
		if item.AfterImageData != "" {
			data, err := base64.StdEncoding.DecodeString(item.AfterImageData)
			if err == nil {
				if uri, blobErr := s.blobs.WriteBlob(data, item.ID, "after", item.AfterImageExt); blobErr == nil {
					rec.AfterImageURI = uri
				}
			}
		}
		if err := s.Create(rec); err != nil {
			s.log.WithField("id", item.ID).WithError(err).Warn("skipping invalid bundle record")
			continue
		}
		imported++
	}
	return imported, nil
}
