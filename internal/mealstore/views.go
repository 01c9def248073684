package mealstore

import "time"

// DayTotals aggregates completed records of one calendar day. Totals come
// straight from each record's analysis totals; per-item breakdowns are
// never re-summed here.
type DayTotals struct {
	Date          string  `json:"date"`
	Meals         int     `json:"meals"`
	Calories      float64 `json:"calories"`
	CarbohydrateG float64 `json:"carbohydrateG"`
	ProteinG      float64 `json:"proteinG"`
	FatG          float64 `json:"fatG"`
}

const dayFormat = "2006-01-02"

// DailyTotals sums the completed records whose timestamp falls on the same
// calendar day as day, in day's location.
func DailyTotals(records []*Record, day time.Time) DayTotals {
	totals := DayTotals{Date: day.Format(dayFormat)}
	for _, rec := range records {
		if rec.State != StateComplete || rec.Analysis == nil {
			continue
		}
		if rec.Timestamp.In(day.Location()).Format(dayFormat) != totals.Date {
			continue
		}
		totals.Meals++
		totals.Calories += rec.Analysis.Totals.TotalCalories
		totals.CarbohydrateG += rec.Analysis.Totals.TotalTotalCarbohydrateG
		totals.ProteinG += rec.Analysis.Totals.TotalProteinG
		totals.FatG += rec.Analysis.Totals.TotalTotalFatG
	}
	return totals
}

// WeeklySeries returns seven day buckets ending at (and including) end,
// oldest first.
func WeeklySeries(records []*Record, end time.Time) []DayTotals {
	series := make([]DayTotals, 0, 7)
	for offset := 6; offset >= 0; offset-- {
		series = append(series, DailyTotals(records, end.AddDate(0, 0, -offset)))
	}
	return series
}
