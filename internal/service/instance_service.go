package service

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

var (
	// ErrInstanceNotFound 在指定实例不存在时返回
	ErrInstanceNotFound = errors.New("habit instance not found")
	// ErrAtomInstanceNotFound 在指定子任务快照不存在时返回
	ErrAtomInstanceNotFound = errors.New("atom instance not found")
)

// InstanceService 负责打卡实例的查询、完成与手动改时间
// MakeException 是实例物化之后唯一允许改写 ScheduledDate 的入口
type InstanceService struct {
	db     *gorm.DB
	audit  AuditLogger
	notify NotificationScheduler
}

// InstanceFilter 指定实例查询区间
type InstanceFilter struct {
	TemplateID uint
	Start      time.Time
	End        time.Time
}

// InstanceStats 汇总区间内的完成情况与连胜
type InstanceStats struct {
	RangeStart     time.Time
	RangeEnd       time.Time
	Total          int
	CompletedCount int
	CompletionRate float64
	CurrentStreak  int
	LongestStreak  int
}

// NewInstanceService 构造 InstanceService
func NewInstanceService(gdb *gorm.DB, audit AuditLogger, notify NotificationScheduler) *InstanceService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	if notify == nil {
		notify = NewLogNotificationScheduler()
	}
	return &InstanceService{db: gdb, audit: audit, notify: notify}
}

// Get 根据 ID 获取实例，携带排序后的子任务快照
func (s *InstanceService) Get(id uint) (*db.HabitInstance, error) {
	var instance db.HabitInstance
	if err := s.db.Preload("Atoms", orderAtomInstances).First(&instance, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &instance, nil
}

// ListBetween 返回区间内的实例，按排期升序
// TemplateID=0 时不限定模板
func (s *InstanceService) ListBetween(filter InstanceFilter) ([]db.HabitInstance, error) {
	if filter.End.Before(filter.Start) {
		return nil, ErrInvalidRange
	}

	query := s.db.Preload("Atoms", orderAtomInstances).
		Where("scheduled_date BETWEEN ? AND ?", startOfDay(filter.Start), endOfDay(filter.End))

	if filter.TemplateID != 0 {
		query = query.Where("template_id = ?", filter.TemplateID)
	}

	var instances []db.HabitInstance
	if err := query.Order("scheduled_date ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	return instances, nil
}

// MakeException 将实例固定到用户指定的新时间，幂等
// 首次调用把规则推导出的时间存入 OriginalScheduledDate，之后不再改写；
// 置位 IsException 后该实例永久脱离规则驱动的重算
func (s *InstanceService) MakeException(id uint, newTime time.Time) (*db.HabitInstance, error) {
	instance, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if instance.OriginalScheduledDate == nil {
		original := instance.ScheduledDate
		instance.OriginalScheduledDate = &original
	}

	instance.ScheduledDate = newTime
	instance.IsException = true

	if err := s.db.Save(instance).Error; err != nil {
		return nil, fmt.Errorf("save exception: %w", err)
	}

	// 改时间后重排提醒，失败不影响主流程
	if err := s.notify.Cancel(instance); err != nil {
		log.Printf("[instance] cancel notification failed instance=%s: %v", instance.UID, err)
	}
	if err := s.notify.Schedule(instance); err != nil {
		log.Printf("[instance] reschedule notification failed instance=%s: %v", instance.UID, err)
	}

	s.audit.LogUpdate(EntityInstance, instance.ID, instance.OriginalTemplateTitle, map[string]any{
		"scheduled_date": newTime.Format(time.RFC3339),
		"is_exception":   true,
	})

	return instance, nil
}

// SetCompleted 标记/取消完成
func (s *InstanceService) SetCompleted(id uint, completed bool) (*db.HabitInstance, error) {
	instance, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if completed {
		now := time.Now()
		instance.CompletedAt = &now
	} else {
		instance.CompletedAt = nil
	}

	if err := s.db.Save(instance).Error; err != nil {
		return nil, fmt.Errorf("set completed: %w", err)
	}

	s.audit.LogUpdate(EntityInstance, instance.ID, instance.OriginalTemplateTitle, map[string]any{"completed": completed})
	return instance, nil
}

// SetAtomDone 勾选/取消单个子任务快照
func (s *InstanceService) SetAtomDone(atomInstanceID uint, done bool) error {
	var snapshot db.AtomInstance
	if err := s.db.First(&snapshot, atomInstanceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAtomInstanceNotFound
		}
		return fmt.Errorf("find atom instance: %w", err)
	}

	if err := s.db.Model(&snapshot).Update("is_done", done).Error; err != nil {
		return fmt.Errorf("set atom done: %w", err)
	}

	return nil
}

// Delete 显式删除实例及其子任务快照
func (s *InstanceService) Delete(id uint) error {
	instance, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := s.notify.Cancel(instance); err != nil {
		log.Printf("[instance] cancel notification failed instance=%s: %v", instance.UID, err)
	}

	if err := s.db.Unscoped().Where("instance_id = ?", id).Delete(&db.AtomInstance{}).Error; err != nil {
		return fmt.Errorf("delete atom instances: %w", err)
	}
	if err := s.db.Unscoped().Delete(&db.HabitInstance{}, id).Error; err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}

	s.audit.LogDelete(EntityInstance, id, instance.OriginalTemplateTitle)
	return nil
}

// StatsBetween 计算区间内的完成率与连胜（按日历日去重后逐日判断）
func (s *InstanceService) StatsBetween(filter InstanceFilter) (*InstanceStats, error) {
	instances, err := s.ListBetween(filter)
	if err != nil {
		return nil, err
	}

	stats := &InstanceStats{
		RangeStart: filter.Start,
		RangeEnd:   filter.End,
		Total:      len(instances),
	}

	completedDays := make([]time.Time, 0, len(instances))
	seen := make(map[string]struct{})
	for _, instance := range instances {
		if instance.IsCompleted() {
			stats.CompletedCount++
			key := instance.DayKey()
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				completedDays = append(completedDays, startOfDay(instance.ScheduledDate))
			}
		}
	}

	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.CompletedCount) / float64(stats.Total)
	}

	stats.CurrentStreak, stats.LongestStreak = calculateStreaks(completedDays)
	return stats, nil
}

// calculateStreaks 根据升序的完成日序列计算当前连胜与最长连胜
func calculateStreaks(days []time.Time) (current, longest int) {
	if len(days) == 0 {
		return 0, 0
	}

	longest = 1
	current = 1

	for i := 1; i < len(days); i++ {
		delta := int(days[i].Sub(days[i-1]).Hours() / 24)
		if delta == 1 {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 1
		}
	}

	return current, longest
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
