package mealstore

import (
	"testing"
	"time"
)

func completedRecord(id string, ts time.Time, calories float64) *Record {
	return &Record{
		ID:        id,
		Timestamp: ts,
		State:     StateComplete,
		Analysis: &Analysis{
			Title:  id,
			Totals: MealTotals{TotalCalories: calories, TotalTotalCarbohydrateG: 10, TotalProteinG: 20, TotalTotalFatG: 5},
		},
	}
}

func TestDailyTotalsSumsCompletedRecordsOfTheDay(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	records := []*Record{
		completedRecord("breakfast", day.Add(8*time.Hour), 400),
		completedRecord("dinner", day.Add(19*time.Hour), 700),
		completedRecord("yesterday", day.Add(-2*time.Hour), 999),
		{ID: "pending", Timestamp: day.Add(12 * time.Hour), State: StatePending},
		{ID: "no-analysis", Timestamp: day.Add(13 * time.Hour), State: StateComplete},
	}

	totals := DailyTotals(records, day)
	if totals.Date != "2026-05-10" {
		t.Fatalf("unexpected date %q", totals.Date)
	}
	if totals.Meals != 2 {
		t.Fatalf("expected 2 completed meals, got %d", totals.Meals)
	}
	if totals.Calories != 1100 {
		t.Fatalf("expected 1100 calories, got %v", totals.Calories)
	}
	if totals.ProteinG != 40 {
		t.Fatalf("expected protein summed across meals, got %v", totals.ProteinG)
	}
}

func TestDailyTotalsUsesDayLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 23:30 UTC on the 9th is already the 10th in UTC+9.
	rec := completedRecord("late", time.Date(2026, 5, 9, 23, 30, 0, 0, time.UTC), 300)

	day := time.Date(2026, 5, 10, 12, 0, 0, 0, loc)
	totals := DailyTotals([]*Record{rec}, day)
	if totals.Meals != 1 {
		t.Fatalf("expected the late meal to count toward the 10th in UTC+9, got %d", totals.Meals)
	}
}

func TestWeeklySeriesCoversSevenDaysOldestFirst(t *testing.T) {
	end := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	records := []*Record{
		completedRecord("today", end.Add(10*time.Hour), 500),
		completedRecord("six-days-ago", end.AddDate(0, 0, -6).Add(10*time.Hour), 300),
		completedRecord("last-month", end.AddDate(0, -1, 0), 999),
	}

	series := WeeklySeries(records, end)
	if len(series) != 7 {
		t.Fatalf("expected 7 buckets, got %d", len(series))
	}
	if series[0].Date != "2026-05-04" || series[6].Date != "2026-05-10" {
		t.Fatalf("unexpected bucket range: %s .. %s", series[0].Date, series[6].Date)
	}
	if series[0].Calories != 300 {
		t.Fatalf("oldest bucket should hold the six-days-ago meal, got %v", series[0].Calories)
	}
	if series[6].Calories != 500 {
		t.Fatalf("newest bucket should hold today's meal, got %v", series[6].Calories)
	}
	for _, bucket := range series[1:6] {
		if bucket.Meals != 0 {
			t.Fatalf("middle buckets should be empty, got %+v", bucket)
		}
	}
}
