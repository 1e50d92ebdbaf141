package service

import (
	"errors"
	"fmt"

	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

// SyncService 将模板上子任务定义的增删对齐到已物化的未来实例
// 该操作只能由用户显式触发：静默改写已排期的实例被视为不安全的默认行为
type SyncService struct {
	db    *gorm.DB
	audit AuditLogger
}

// SyncResult 汇总一次同步在所有可同步实例上的累计变化，用于界面反馈
type SyncResult struct {
	Added   int
	Removed int
}

// NewSyncService 构造 SyncService
func NewSyncService(gdb *gorm.DB, audit AuditLogger) *SyncService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &SyncService{db: gdb, audit: audit}
}

// SyncAtomsToInstances 对模板名下「未完成且排期在今天或之后」的实例：
// 补齐缺失的子任务快照（按模板顺序克隆），移除定义已不存在的快照。
// 已完成或已过期的实例是历史记录，即使日期符合也不改动。幂等，可安全重跑。
func (s *SyncService) SyncAtomsToInstances(templateID uint) (SyncResult, error) {
	var result SyncResult

	var template db.HabitTemplate
	if err := s.db.Preload("Atoms", orderAtoms).First(&template, templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return result, ErrTemplateNotFound
		}
		return result, fmt.Errorf("load template: %w", err)
	}

	defined := make(map[uint]db.AtomDefinition, len(template.Atoms))
	for _, atom := range template.Atoms {
		defined[atom.ID] = atom
	}

	instances, err := eligibleInstances(s.db, templateID)
	if err != nil {
		return result, err
	}

	for i := range instances {
		instance := &instances[i]

		present := make(map[uint]struct{}, len(instance.Atoms))
		for _, snapshot := range instance.Atoms {
			present[snapshot.SourceAtomID] = struct{}{}
		}

		// 补齐：定义存在但实例上没有对应快照
		for _, atom := range template.Atoms {
			if _, ok := present[atom.ID]; ok {
				continue
			}
			snapshot := cloneAtom(atom)
			snapshot.InstanceID = instance.ID
			if err := s.db.Create(&snapshot).Error; err != nil {
				return result, fmt.Errorf("append atom snapshot: %w", err)
			}
			result.Added++
		}

		// 移除：快照回指的定义已从模板上删除
		for _, snapshot := range instance.Atoms {
			if _, ok := defined[snapshot.SourceAtomID]; ok {
				continue
			}
			if err := s.db.Unscoped().Delete(&db.AtomInstance{}, snapshot.ID).Error; err != nil {
				return result, fmt.Errorf("remove atom snapshot: %w", err)
			}
			result.Removed++
		}
	}

	if result.Added > 0 || result.Removed > 0 {
		s.audit.LogUpdate(EntityTemplate, template.ID, template.Title, map[string]any{
			"sync_added":   result.Added,
			"sync_removed": result.Removed,
		})
	}

	return result, nil
}
