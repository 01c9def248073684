package mealstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrInvalidRange   = errors.New("invalid time range")
	ErrBlobCopy       = errors.New("blob copy failed")
	ErrAnalysisFailed = errors.New("analysis failed")
)

// SchemaVersion is written into every persisted document (record files,
// the index, export bundles) so future format migrations can detect old
// data. The original on-disk format had no version field.
const SchemaVersion = 1

// AnalysisState is the single exhaustive lifecycle state of a record's
// analysis. It replaces the isLoading/hasError/analysis==nil flag triple:
//
//	none      – no analysis attached, nothing in flight
//	pending   – created optimistically, waiting to be processed
//	analyzing – an inference call is in flight (or about to be)
//	complete  – a structured analysis is attached
//	error     – the last attempt failed; retryable
type AnalysisState string

const (
	StateNone      AnalysisState = "none"
	StatePending   AnalysisState = "pending"
	StateAnalyzing AnalysisState = "analyzing"
	StateComplete  AnalysisState = "complete"
	StateError     AnalysisState = "error"
)

// MealItem is one line of the per-item nutrition breakdown produced by the
// inference service. In-app edits never touch items, only the meal totals.
type MealItem struct {
	ItemName             string  `json:"item_name"`
	EstimatedServingSize string  `json:"estimated_serving_size"`
	Calories             float64 `json:"calories"`
	TotalCarbohydrateG   float64 `json:"total_carbohydrate_g"`
	ProteinG             float64 `json:"protein_g"`
	TotalFatG            float64 `json:"total_fat_g"`
	Notes                string  `json:"notes,omitempty"`
}

type MealTotals struct {
	TotalCalories           float64 `json:"total_calories"`
	TotalTotalCarbohydrateG float64 `json:"total_total_carbohydrate_g"`
	TotalProteinG           float64 `json:"total_protein_g"`
	TotalTotalFatG          float64 `json:"total_total_fat_g"`
}

type MealInsights struct {
	HealthBenefits []string `json:"health_benefits"`
	HealthConcerns []string `json:"health_concerns"`
}

// Analysis is the structured result of one inference call. Totals are
// produced by the inference side as the sum of the item fields; the store
// never recomputes them.
type Analysis struct {
	Title     string       `json:"title"`
	MealItems []MealItem   `json:"meal_items"`
	Totals    MealTotals   `json:"total_meal_nutritional_values"`
	Insights  MealInsights `json:"meal_insights"`
}

// Record is one meal entry. ID is caller-supplied (derived from the
// creation timestamp) and immutable; Timestamp is user-editable and drives
// chronological ordering and day bucketing. Image URIs point into the blob
// store's managed directory once the record has been created.
type Record struct {
	SchemaVersion int           `json:"schemaVersion"`
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	ImageURI      string        `json:"imageUri,omitempty"`
	AfterImageURI string        `json:"afterImageUri,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	State         AnalysisState `json:"state"`
	Analysis      *Analysis     `json:"analysis,omitempty"`
}

// IsLoading reports whether the record is waiting on analysis.
func (r *Record) IsLoading() bool {
	return r.State == StatePending || r.State == StateAnalyzing
}

// HasError reports whether the last analysis attempt failed.
func (r *Record) HasError() bool {
	return r.State == StateError
}

func (r *Record) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if r.ImageURI == "" && strings.TrimSpace(r.Comment) == "" {
		return fmt.Errorf("%w: record needs an image or a comment", ErrInvalidRecord)
	}
	return nil
}

// deriveState maps record content onto a state: complete when an analysis
// is attached, none otherwise. Used wherever an update clears transient
// loading/error state.
func (r *Record) deriveState() AnalysisState {
	if r.Analysis != nil {
		return StateComplete
	}
	return StateNone
}

// RecordPatch is a partial update. Nil fields are left untouched. Title
// and Totals edit the attached analysis in place (totals only, never the
// per-item breakdown). State, when set, overrides the derived state; the
// pipeline uses this for the error→analyzing transition on retry.
type RecordPatch struct {
	Timestamp     *time.Time
	ImageURI      *string
	AfterImageURI *string
	Comment       *string
	Analysis      *Analysis
	Title         *string
	Totals        *MealTotals
	State         *AnalysisState
}

// ClearRange selects how much recent history ClearByTimeRange removes.
type ClearRange string

const (
	ClearHour  ClearRange = "hour"
	ClearDay   ClearRange = "day"
	ClearMonth ClearRange = "month"
	ClearYear  ClearRange = "year"
	ClearAll   ClearRange = "all"
)

// cutoff returns the instant before which records are kept. Records at or
// after the cutoff fall inside the cleared window.
func (c ClearRange) cutoff(now time.Time) (time.Time, error) {
	switch c {
	case ClearHour:
		return now.Add(-time.Hour), nil
	case ClearDay:
		return now.Add(-24 * time.Hour), nil
	case ClearMonth:
		return now.AddDate(0, -1, 0), nil
	case ClearYear:
		return now.AddDate(-1, 0, 0), nil
	case ClearAll:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRange, string(c))
	}
}

type indexEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
}

// indexDocument is the single source of truth for which records exist and
// in what order listings are returned.
type indexDocument struct {
	SchemaVersion int          `json:"schemaVersion"`
	Meals         []indexEntry `json:"meals"`
	LastUpdated   time.Time    `json:"lastUpdated"`
}
