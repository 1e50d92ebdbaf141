package recurrence

import (
	"time"

	"github.com/habitflow/internal/db"
)

// Rule 描述一条重复规则，是模板上重复配置的纯值表示
// Weekdays 仅在 weekly/custom 时生效；EndDate/EndCount 按 EndMode 二选一
type Rule struct {
	Kind     string
	Weekdays []time.Weekday
	EndMode  string
	EndDate  *time.Time
	EndCount int
}

// FromTemplate 从模板提取规则
func FromTemplate(t *db.HabitTemplate) Rule {
	return Rule{
		Kind:     t.RecurrenceKind,
		Weekdays: t.WeekdaySet(),
		EndMode:  t.EndMode,
		EndDate:  t.EndDate,
		EndCount: t.EndCount,
	}
}

// Matches 判断规则在给定日历日是否命中
// none 类型只命中 baseDay 当天，由调用方传入
func (r Rule) Matches(day time.Time, baseDay time.Time) bool {
	switch r.Kind {
	case db.RecurrenceDaily:
		return true
	case db.RecurrenceWeekly, db.RecurrenceCustom:
		for _, weekday := range r.Weekdays {
			if day.Weekday() == weekday {
				return true
			}
		}
		return false
	case db.RecurrenceNone:
		return sameDay(day, baseDay)
	default:
		return false
	}
}

// DayKey 返回候选推导使用的日历日键，与 occupied 集合的键一致
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// CandidateDates 在 [from, until] 闭区间内逐日推导候选时间点
// 纯函数，无副作用，可重复调用。时间点由命中日的年月日与 baseTime 的时分组合而成。
// occupied 为已物化实例占据的日历日集合（DayKey 格式），命中这些天时既不产出
// 也不消耗次数预算，重叠区间重跑不会虚耗预算。
// EndMode=date 时丢弃结束日期之后的候选；EndMode=count 时次数预算从模板
// 首次生成起累计，alreadyGenerated 即持久化的已生成数，本次最多补足差额。
func CandidateDates(rule Rule, baseTime time.Time, from, until time.Time, alreadyGenerated int, occupied map[string]struct{}) []time.Time {
	var out []time.Time

	if until.Before(from) {
		return out
	}

	remaining := -1
	if rule.EndMode == db.EndModeCount {
		remaining = rule.EndCount - alreadyGenerated
		if remaining <= 0 {
			return out
		}
	}

	day := startOfDay(from)
	end := startOfDay(until)

	for !day.After(end) {
		if rule.Matches(day, baseTime) {
			candidate := time.Date(day.Year(), day.Month(), day.Day(),
				baseTime.Hour(), baseTime.Minute(), 0, 0, day.Location())

			if rule.EndMode == db.EndModeDate && rule.EndDate != nil && candidate.After(endOfDay(*rule.EndDate)) {
				break
			}

			if _, taken := occupied[DayKey(day)]; !taken {
				out = append(out, candidate)
				if remaining > 0 {
					remaining--
					if remaining == 0 {
						break
					}
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
