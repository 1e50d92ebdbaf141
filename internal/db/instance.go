package db

import (
	"time"

	"gorm.io/gorm"
)

// HabitInstance 表示由模板生成的一次具体打卡安排
// TemplateID 是弱引用：模板被硬删除后实例仍然存活，通过孤儿检测兜底
// OriginalScheduledDate 仅在首次手动改时间时写入一次，之后不再变化，
// 保留规则推导出的原始时间以便审计与撤销
// IsException=true 后自动生成流程不得再改写 ScheduledDate
type HabitInstance struct {
	gorm.Model
	UID                   string    `gorm:"uniqueIndex;size:36"`
	TemplateID            *uint     `gorm:"index"`
	ScheduledDate         time.Time `gorm:"index"`
	OriginalScheduledDate *time.Time
	IsException           bool
	IsOrphan              bool
	OriginalTemplateTitle string
	CompletedAt           *time.Time
	NotificationCancelled bool
	Atoms                 []AtomInstance `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE"`
}

// IsCompleted 判断实例是否已完成
func (i *HabitInstance) IsCompleted() bool {
	return i.CompletedAt != nil
}

// DayKey 返回日历日维度的去重键
func (i *HabitInstance) DayKey() string {
	return i.ScheduledDate.Format("2006-01-02")
}

// AtomInstance 是子任务定义在某次打卡上的时点快照
// SourceAtomID 回指模板上的定义，仅用于同步/级联时的匹配，不代表所有权
type AtomInstance struct {
	gorm.Model
	InstanceID   uint `gorm:"index"`
	SourceAtomID uint `gorm:"index"`
	Title        string
	Kind         string
	TargetValue  float64
	TargetUnit   string
	TargetSets   int
	TargetReps   int
	MediaURL     string
	Position     int
	IsDone       bool
}
