package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

var (
	// ErrEmptySelection 当恢复操作没有选择任何实例时返回
	ErrEmptySelection = errors.New("no instances selected for recovery")
	// ErrRecoveryTitle 当新模板标题为空时返回
	ErrRecoveryTitle = errors.New("recovery template title is required")
)

// OrphanService 负责孤儿实例的检测与重建
// 孤儿的判定独立于退役状态：显式打了标记，或模板引用悬空/缺失均算
type OrphanService struct {
	db    *gorm.DB
	audit AuditLogger
}

// NewOrphanService 构造 OrphanService
func NewOrphanService(gdb *gorm.DB, audit AuditLogger) *OrphanService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &OrphanService{db: gdb, audit: audit}
}

// ListOrphans 返回所有孤儿实例：IsOrphan 标记、引用为空、或模板已被硬删除
func (s *OrphanService) ListOrphans() ([]db.HabitInstance, error) {
	var instances []db.HabitInstance
	if err := s.db.Preload("Atoms", orderAtomInstances).
		Joins("LEFT JOIN habit_templates ON habit_templates.id = habit_instances.template_id AND habit_templates.deleted_at IS NULL").
		Where("habit_instances.is_orphan = ? OR habit_instances.template_id IS NULL OR habit_templates.id IS NULL", true).
		Order("habit_instances.scheduled_date ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return instances, nil
}

// RecoverOrphans 从选中的孤儿实例重建一个新模板并重新挂接
// 重建是尽力推断而非无损还原：
//   - BaseTime 取最早实例的当日时刻，重复规则保守地默认为 daily
//   - 子任务按标题去重合并，同名冲突取排期最晚实例上的版本（latest-wins），
//     接受逐次配置漂移的丢失，换取一份自洽的模板
//
// 随后把所有选中实例重新指向新模板、清除孤儿标记，
// 并将子任务快照的 SourceAtomID 重写为新建定义
func (s *OrphanService) RecoverOrphans(instanceIDs []uint, newTitle string) (*db.HabitTemplate, error) {
	title := strings.TrimSpace(newTitle)
	if title == "" {
		return nil, ErrRecoveryTitle
	}
	if len(instanceIDs) == 0 {
		return nil, ErrEmptySelection
	}

	var instances []db.HabitInstance
	if err := s.db.Preload("Atoms", orderAtomInstances).
		Where("id IN ?", instanceIDs).
		Order("scheduled_date ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("load selection: %w", err)
	}
	if len(instances) == 0 {
		return nil, ErrEmptySelection
	}

	earliest := instances[0]

	// 同名子任务取最晚实例上的版本；instances 已按排期升序，后写覆盖先写
	merged := make(map[string]db.AtomInstance)
	order := make([]string, 0)
	for _, instance := range instances {
		for _, snapshot := range instance.Atoms {
			key := strings.TrimSpace(snapshot.Title)
			if key == "" {
				continue
			}
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = snapshot
		}
	}

	template := db.HabitTemplate{
		Title:            title,
		BaseTime:         earliest.ScheduledDate,
		RecurrenceKind:   db.RecurrenceDaily,
		EndMode:          db.EndModeNone,
		RetirementStatus: db.RetirementNone,
	}

	for i, key := range order {
		snapshot := merged[key]
		template.Atoms = append(template.Atoms, db.AtomDefinition{
			Title:       snapshot.Title,
			Kind:        snapshot.Kind,
			TargetValue: snapshot.TargetValue,
			TargetUnit:  snapshot.TargetUnit,
			TargetSets:  snapshot.TargetSets,
			TargetReps:  snapshot.TargetReps,
			MediaURL:    snapshot.MediaURL,
			Position:    i,
		})
	}

	if err := s.db.Create(&template).Error; err != nil {
		return nil, fmt.Errorf("create recovered template: %w", err)
	}

	defByTitle := make(map[string]uint, len(template.Atoms))
	for _, atom := range template.Atoms {
		defByTitle[strings.TrimSpace(atom.Title)] = atom.ID
	}

	for i := range instances {
		instance := &instances[i]
		templateID := template.ID
		instance.TemplateID = &templateID
		instance.IsOrphan = false
		instance.OriginalTemplateTitle = template.Title

		if err := s.db.Save(instance).Error; err != nil {
			return &template, fmt.Errorf("relink instance: %w", err)
		}

		for j := range instance.Atoms {
			snapshot := &instance.Atoms[j]
			defID, ok := defByTitle[strings.TrimSpace(snapshot.Title)]
			if !ok {
				continue
			}
			if err := s.db.Model(snapshot).Update("source_atom_id", defID).Error; err != nil {
				return &template, fmt.Errorf("rewrite source atom id: %w", err)
			}
		}
	}

	s.audit.LogCreate(EntityTemplate, template.ID, template.Title)
	s.audit.LogBulkCreate(EntityInstance, len(instances),
		fmt.Sprintf("relinked to recovered template=%d", template.ID))

	return &template, nil
}
