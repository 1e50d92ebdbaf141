package db

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// 重复规则类型
const (
	RecurrenceDaily  = "daily"
	RecurrenceWeekly = "weekly"
	RecurrenceCustom = "custom"
	RecurrenceNone   = "none"
)

// 结束规则类型
const (
	EndModeNone  = "none"
	EndModeDate  = "date"
	EndModeCount = "count"
)

// 退役状态机的三个状态，只允许 none→pending→retired 与 pending→none 两条路径
const (
	RetirementNone    = "none"
	RetirementPending = "pending"
	RetirementRetired = "retired"
)

// HabitTemplate 定义了习惯模板，是生成打卡实例的源头
// BaseTime 仅取时分作为锚点，Weekdays 以 "1,3,5" 形式存储周几集合
// EndMode=count 时 GeneratedCount 持久化记录已生成的次数，
// 使得分段多次生成仍然遵守原始的次数预算
type HabitTemplate struct {
	gorm.Model
	Title            string `gorm:"not null"`
	Notes            string // Markdown 备注
	BaseTime         time.Time
	RecurrenceKind   string `gorm:"default:daily"`
	Weekdays         string
	EndMode          string `gorm:"default:none"`
	EndDate          *time.Time
	EndCount         int
	GeneratedCount   int
	IsArchived       bool
	RetirementStatus string `gorm:"default:none"`
	RetirementDate   *time.Time
	UndoDeadline     *time.Time
	RetirementReason string
	Atoms            []AtomDefinition `gorm:"foreignKey:TemplateID;constraint:OnDelete:CASCADE"`
}

// AtomDefinition 定义模板上的子任务，按 Position 排序
// 结构性字段（目标值/组次/媒体链接）变化时可级联到未来实例，
// Title/Kind 属于展示字段不参与级联
type AtomDefinition struct {
	gorm.Model
	TemplateID  uint `gorm:"index"`
	Title       string
	Kind        string
	TargetValue float64
	TargetUnit  string
	TargetSets  int
	TargetReps  int
	MediaURL    string
	Position    int
}

// WeekdaySet 将序列化的周几集合解析为 time.Weekday 切片，忽略非法片段
func (t *HabitTemplate) WeekdaySet() []time.Weekday {
	return ParseWeekdays(t.Weekdays)
}

// ParseWeekdays 解析 "1,3,5" 形式的周几集合（0=周日）
func ParseWeekdays(raw string) []time.Weekday {
	parts := strings.Split(raw, ",")
	days := make([]time.Weekday, 0, len(parts))
	seen := make(map[int]struct{})

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		val, err := strconv.Atoi(trimmed)
		if err != nil || val < 0 || val > 6 {
			continue
		}
		if _, dup := seen[val]; dup {
			continue
		}
		seen[val] = struct{}{}
		days = append(days, time.Weekday(val))
	}

	return days
}

// FormatWeekdays 将周几集合序列化回存储格式
func FormatWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, day := range days {
		parts = append(parts, strconv.Itoa(int(day)))
	}
	return strings.Join(parts, ",")
}

// StructuralEquals 比较两个子任务定义的结构性字段是否一致
func (a AtomDefinition) StructuralEquals(b AtomDefinition) bool {
	return a.TargetValue == b.TargetValue &&
		a.TargetUnit == b.TargetUnit &&
		a.TargetSets == b.TargetSets &&
		a.TargetReps == b.TargetReps &&
		a.MediaURL == b.MediaURL
}
