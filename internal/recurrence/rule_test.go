package recurrence

import (
	"testing"
	"time"

	"github.com/habitflow/internal/db"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func TestCandidateDatesWeekly(t *testing.T) {
	rule := Rule{
		Kind:     db.RecurrenceWeekly,
		Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
		EndMode:  db.EndModeNone,
	}
	baseTime := time.Date(2025, 1, 1, 7, 0, 0, 0, time.Local)

	got := CandidateDates(rule, baseTime, date(2025, 1, 1), date(2025, 1, 15), 0, nil)

	want := []time.Time{
		time.Date(2025, 1, 1, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 3, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 6, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 8, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 10, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 13, 7, 0, 0, 0, time.Local),
		time.Date(2025, 1, 15, 7, 0, 0, 0, time.Local),
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("candidate %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestCandidateDatesDaily(t *testing.T) {
	rule := Rule{Kind: db.RecurrenceDaily, EndMode: db.EndModeNone}
	baseTime := time.Date(2025, 3, 1, 21, 30, 0, 0, time.Local)

	got := CandidateDates(rule, baseTime, date(2025, 3, 1), date(2025, 3, 7), 0, nil)

	if len(got) != 7 {
		t.Fatalf("expected 7 candidates, got %d", len(got))
	}
	for _, c := range got {
		if c.Hour() != 21 || c.Minute() != 30 {
			t.Fatalf("candidate %v should carry base time 21:30", c)
		}
	}
}

func TestCandidateDatesNone(t *testing.T) {
	baseTime := time.Date(2025, 5, 10, 8, 0, 0, 0, time.Local)
	rule := Rule{Kind: db.RecurrenceNone, EndMode: db.EndModeNone}

	got := CandidateDates(rule, baseTime, date(2025, 5, 1), date(2025, 5, 31), 0, nil)

	if len(got) != 1 {
		t.Fatalf("expected single candidate, got %d", len(got))
	}
	if !got[0].Equal(baseTime) {
		t.Fatalf("expected %v, got %v", baseTime, got[0])
	}

	// 区间不含基准日时应为空
	if got := CandidateDates(rule, baseTime, date(2025, 6, 1), date(2025, 6, 30), 0, nil); len(got) != 0 {
		t.Fatalf("expected no candidates outside base day, got %d", len(got))
	}
}

func TestCandidateDatesEndDateTruncates(t *testing.T) {
	endDate := date(2025, 1, 6)
	rule := Rule{Kind: db.RecurrenceDaily, EndMode: db.EndModeDate, EndDate: &endDate}
	baseTime := time.Date(2025, 1, 1, 7, 0, 0, 0, time.Local)

	got := CandidateDates(rule, baseTime, date(2025, 1, 1), date(2025, 1, 15), 0, nil)

	if len(got) != 6 {
		t.Fatalf("expected 6 candidates up to end date, got %d", len(got))
	}
	if last := got[len(got)-1]; last.Day() != 6 {
		t.Fatalf("last candidate should fall on end date, got %v", last)
	}
}

func TestCandidateDatesCountBudget(t *testing.T) {
	rule := Rule{Kind: db.RecurrenceDaily, EndMode: db.EndModeCount, EndCount: 10}
	baseTime := time.Date(2025, 1, 1, 7, 0, 0, 0, time.Local)

	// 首次生成消耗 10 次预算中的 7 次
	first := CandidateDates(rule, baseTime, date(2025, 1, 1), date(2025, 1, 7), 0, nil)
	if len(first) != 7 {
		t.Fatalf("expected 7 candidates, got %d", len(first))
	}

	// 续接生成只应补足剩余 3 次
	second := CandidateDates(rule, baseTime, date(2025, 1, 8), date(2025, 1, 31), 7, nil)
	if len(second) != 3 {
		t.Fatalf("expected 3 remaining candidates, got %d", len(second))
	}

	// 预算耗尽后不再产出
	if got := CandidateDates(rule, baseTime, date(2025, 2, 1), date(2025, 2, 28), 10, nil); len(got) != 0 {
		t.Fatalf("expected empty result after budget exhausted, got %d", len(got))
	}
}

func TestCandidateDatesOccupiedDaysSpareBudget(t *testing.T) {
	rule := Rule{Kind: db.RecurrenceDaily, EndMode: db.EndModeCount, EndCount: 10}
	baseTime := time.Date(2025, 2, 1, 7, 0, 0, 0, time.Local)

	// 前 7 天已物化：重叠区间重跑时它们不占剩余的 3 次预算
	occupied := make(map[string]struct{})
	for d := 1; d <= 7; d++ {
		occupied[DayKey(date(2025, 2, d))] = struct{}{}
	}

	got := CandidateDates(rule, baseTime, date(2025, 2, 1), date(2025, 2, 28), 7, occupied)

	if len(got) != 3 {
		t.Fatalf("expected 3 candidates beyond occupied days, got %d", len(got))
	}
	for i, want := range []int{8, 9, 10} {
		if got[i].Day() != want {
			t.Fatalf("candidate %d: expected day %d, got %d", i, want, got[i].Day())
		}
	}
}

func TestCandidateDatesInvertedRange(t *testing.T) {
	rule := Rule{Kind: db.RecurrenceDaily, EndMode: db.EndModeNone}
	baseTime := time.Date(2025, 1, 1, 7, 0, 0, 0, time.Local)

	if got := CandidateDates(rule, baseTime, date(2025, 1, 10), date(2025, 1, 1), 0, nil); len(got) != 0 {
		t.Fatalf("expected empty result for inverted range, got %d", len(got))
	}
}

func TestRuleMatchesCustomDaySet(t *testing.T) {
	rule := Rule{Kind: db.RecurrenceCustom, Weekdays: []time.Weekday{time.Saturday, time.Sunday}}
	base := date(2025, 1, 1)

	if !rule.Matches(date(2025, 1, 4), base) { // 周六
		t.Fatal("expected Saturday to match")
	}
	if rule.Matches(date(2025, 1, 6), base) { // 周一
		t.Fatal("expected Monday not to match")
	}
}
