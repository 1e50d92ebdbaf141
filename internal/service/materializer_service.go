package service

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/recurrence"
	"gorm.io/gorm"
)

var (
	// ErrTemplateNotGeneratable 当模板已退役或已归档时返回
	ErrTemplateNotGeneratable = errors.New("template is retired or archived")
	// ErrInvalidRange 当生成区间不合法时返回
	ErrInvalidRange = errors.New("invalid generation range")
)

const dayKeyFormat = "2006-01-02"

// MaterializerService 将模板物化为具体的打卡实例
// 构造步骤是纯函数（见 buildInstances），落库与提醒调度由服务方法收尾，
// 去重以日历日为粒度：某天已有实例（含异常实例）则跳过该天
type MaterializerService struct {
	db     *gorm.DB
	audit  AuditLogger
	notify NotificationScheduler
}

// NewMaterializerService 构造 MaterializerService
func NewMaterializerService(gdb *gorm.DB, audit AuditLogger, notify NotificationScheduler) *MaterializerService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	if notify == nil {
		notify = NewLogNotificationScheduler()
	}
	return &MaterializerService{db: gdb, audit: audit, notify: notify}
}

// GenerateInstances 从今天起生成截至 until 的实例，重复调用幂等
func (s *MaterializerService) GenerateInstances(templateID uint, until time.Time) ([]db.HabitInstance, error) {
	return s.materialize(templateID, startOfToday(), until)
}

// BackfillInstances 为历史区间补建实例，与生成共用同一核心，仅区间不同
func (s *MaterializerService) BackfillInstances(templateID uint, from, to time.Time) ([]db.HabitInstance, error) {
	return s.materialize(templateID, from, to)
}

func (s *MaterializerService) materialize(templateID uint, from, to time.Time) ([]db.HabitInstance, error) {
	if to.Before(from) {
		return nil, ErrInvalidRange
	}

	var template db.HabitTemplate
	if err := s.db.Preload("Atoms", orderAtoms).First(&template, templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	if template.RetirementStatus == db.RetirementRetired || template.IsArchived {
		return nil, ErrTemplateNotGeneratable
	}

	existing, err := s.existingDayKeys(templateID)
	if err != nil {
		return nil, err
	}

	rule := recurrence.FromTemplate(&template)
	candidates := recurrence.CandidateDates(rule, template.BaseTime, from, to, template.GeneratedCount, existing)

	instances := buildInstances(&template, candidates, existing)
	if len(instances) == 0 {
		return instances, nil
	}

	for i := range instances {
		if err := s.db.Create(&instances[i]).Error; err != nil {
			return instances[:i], fmt.Errorf("persist instance: %w", err)
		}
	}

	if template.EndMode == db.EndModeCount {
		if err := s.db.Model(&template).
			Update("generated_count", gorm.Expr("generated_count + ?", len(instances))).Error; err != nil {
			return instances, fmt.Errorf("bump generated count: %w", err)
		}
	}

	for i := range instances {
		if err := s.notify.Schedule(&instances[i]); err != nil {
			log.Printf("[materializer] schedule notification failed instance=%s: %v", instances[i].UID, err)
		}
	}

	s.audit.LogBulkCreate(EntityInstance, len(instances),
		fmt.Sprintf("template=%d range=%s..%s", template.ID, from.Format(dayKeyFormat), to.Format(dayKeyFormat)))

	return instances, nil
}

// existingDayKeys 收集模板名下实例占据的日历日
// 异常实例同时占据当前排期日与原始排期日，防止改时间后同一天被重复生成
func (s *MaterializerService) existingDayKeys(templateID uint) (map[string]struct{}, error) {
	var rows []db.HabitInstance
	if err := s.db.Select("scheduled_date", "original_scheduled_date").
		Where("template_id = ?", templateID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load existing instances: %w", err)
	}

	keys := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		keys[recurrence.DayKey(row.ScheduledDate)] = struct{}{}
		if row.OriginalScheduledDate != nil {
			keys[recurrence.DayKey(*row.OriginalScheduledDate)] = struct{}{}
		}
	}

	return keys, nil
}

// buildInstances 把候选时间点转换为尚未落库的实例记录
// 纯构造，无副作用：跳过已占据的日历日，按模板顺序克隆子任务快照
func buildInstances(template *db.HabitTemplate, candidates []time.Time, existing map[string]struct{}) []db.HabitInstance {
	instances := make([]db.HabitInstance, 0, len(candidates))

	for _, candidate := range candidates {
		if _, taken := existing[recurrence.DayKey(candidate)]; taken {
			continue
		}

		templateID := template.ID
		instance := db.HabitInstance{
			UID:                   uuid.NewString(),
			TemplateID:            &templateID,
			ScheduledDate:         candidate,
			OriginalTemplateTitle: template.Title,
		}

		for _, atom := range template.Atoms {
			instance.Atoms = append(instance.Atoms, cloneAtom(atom))
		}

		instances = append(instances, instance)
	}

	return instances
}

// cloneAtom 生成子任务定义的时点快照，SourceAtomID 回指定义用于后续同步
func cloneAtom(atom db.AtomDefinition) db.AtomInstance {
	return db.AtomInstance{
		SourceAtomID: atom.ID,
		Title:        atom.Title,
		Kind:         atom.Kind,
		TargetValue:  atom.TargetValue,
		TargetUnit:   atom.TargetUnit,
		TargetSets:   atom.TargetSets,
		TargetReps:   atom.TargetReps,
		MediaURL:     atom.MediaURL,
		Position:     atom.Position,
	}
}
