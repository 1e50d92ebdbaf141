package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

var (
	// ErrTemplateNotFound 在指定模板不存在时返回
	ErrTemplateNotFound = errors.New("habit template not found")
	// ErrTemplateInvalid 当模板配置不合法时返回
	ErrTemplateInvalid = errors.New("invalid habit template configuration")
	// ErrAtomNotFound 在指定子任务定义不存在时返回
	ErrAtomNotFound = errors.New("atom definition not found")
)

// 审计实体类型
const (
	EntityTemplate = "habit_template"
	EntityInstance = "habit_instance"
	EntityAtom     = "atom_definition"
)

// TemplateService 负责习惯模板及其子任务定义的增删改查
// 结构性子任务编辑可选择级联到未来未完成实例（见 UpdateAtom）
type TemplateService struct {
	db    *gorm.DB
	audit AuditLogger
}

// TemplateFilter 描述模板列表过滤条件
type TemplateFilter struct {
	IncludeArchived bool
	IncludeRetired  bool
	Search          string
}

// TemplateInput 定义创建/更新模板时可配置字段
type TemplateInput struct {
	Title          string
	Notes          string
	BaseTime       time.Time
	RecurrenceKind string
	Weekdays       []time.Weekday
	EndMode        string
	EndDate        *time.Time
	EndCount       int
	Atoms          []AtomInput
}

// AtomInput 定义子任务的可配置字段
type AtomInput struct {
	Title       string
	Kind        string
	TargetValue float64
	TargetUnit  string
	TargetSets  int
	TargetReps  int
	MediaURL    string
}

// NewTemplateService 构造 TemplateService
func NewTemplateService(gdb *gorm.DB, audit AuditLogger) *TemplateService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &TemplateService{db: gdb, audit: audit}
}

// List 返回模板集合，默认排除已归档与已退役模板
func (s *TemplateService) List(filter TemplateFilter) ([]db.HabitTemplate, error) {
	var templates []db.HabitTemplate

	query := s.db.Model(&db.HabitTemplate{}).Preload("Atoms", orderAtoms)

	if !filter.IncludeArchived {
		query = query.Where("is_archived = ?", false)
	}
	if !filter.IncludeRetired {
		query = query.Where("retirement_status <> ?", db.RetirementRetired)
	}
	if filter.Search != "" {
		like := fmt.Sprintf("%%%s%%", strings.TrimSpace(filter.Search))
		query = query.Where("title LIKE ? OR notes LIKE ?", like, like)
	}

	if err := query.Order("created_at DESC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	return templates, nil
}

// Get 根据 ID 获取模板，携带排序后的子任务定义
func (s *TemplateService) Get(id uint) (*db.HabitTemplate, error) {
	var template db.HabitTemplate
	if err := s.db.Preload("Atoms", orderAtoms).First(&template, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &template, nil
}

// Create 新建模板及其子任务定义
func (s *TemplateService) Create(input TemplateInput) (*db.HabitTemplate, error) {
	if err := validateTemplateInput(input); err != nil {
		return nil, err
	}

	template := db.HabitTemplate{
		Title:            strings.TrimSpace(input.Title),
		Notes:            input.Notes,
		BaseTime:         input.BaseTime,
		RecurrenceKind:   normalizeRecurrenceKind(input.RecurrenceKind),
		Weekdays:         db.FormatWeekdays(input.Weekdays),
		EndMode:          normalizeEndMode(input.EndMode),
		EndDate:          input.EndDate,
		EndCount:         input.EndCount,
		RetirementStatus: db.RetirementNone,
	}

	for i, atom := range input.Atoms {
		template.Atoms = append(template.Atoms, atomFromInput(atom, i))
	}

	if err := s.db.Create(&template).Error; err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}

	s.audit.LogCreate(EntityTemplate, template.ID, template.Title)
	return &template, nil
}

// Update 更新模板级字段（标题/备注/规则），不触碰子任务定义
// 规则变化只影响之后的生成，已物化实例不回溯改写
func (s *TemplateService) Update(id uint, input TemplateInput) (*db.HabitTemplate, error) {
	if err := validateTemplateInput(input); err != nil {
		return nil, err
	}

	existing, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	existing.Title = strings.TrimSpace(input.Title)
	existing.Notes = input.Notes
	existing.BaseTime = input.BaseTime
	existing.RecurrenceKind = normalizeRecurrenceKind(input.RecurrenceKind)
	existing.Weekdays = db.FormatWeekdays(input.Weekdays)
	existing.EndMode = normalizeEndMode(input.EndMode)
	existing.EndDate = input.EndDate
	existing.EndCount = input.EndCount

	if err := s.db.Save(existing).Error; err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}

	s.audit.LogUpdate(EntityTemplate, existing.ID, existing.Title, nil)
	return existing, nil
}

// SetArchived 切换归档标记
func (s *TemplateService) SetArchived(id uint, archived bool) error {
	template, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := s.db.Model(template).Update("is_archived", archived).Error; err != nil {
		return fmt.Errorf("set archived: %w", err)
	}

	s.audit.LogUpdate(EntityTemplate, template.ID, template.Title, map[string]any{"is_archived": archived})
	return nil
}

// Delete 硬删除模板及其子任务定义
// 已生成实例不随之删除，之后由孤儿检测通过悬空引用兜底
func (s *TemplateService) Delete(id uint) error {
	template, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := s.db.Unscoped().Where("template_id = ?", id).Delete(&db.AtomDefinition{}).Error; err != nil {
		return fmt.Errorf("delete atom definitions: %w", err)
	}
	if err := s.db.Unscoped().Delete(&db.HabitTemplate{}, id).Error; err != nil {
		return fmt.Errorf("delete template: %w", err)
	}

	s.audit.LogDelete(EntityTemplate, id, template.Title)
	return nil
}

// AddAtom 在模板末尾追加一个子任务定义
// 已生成实例不自动跟进，需显式调用同步（SyncService）
func (s *TemplateService) AddAtom(templateID uint, input AtomInput) (*db.AtomDefinition, error) {
	template, err := s.Get(templateID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: atom title is required", ErrTemplateInvalid)
	}

	atom := atomFromInput(input, len(template.Atoms))
	atom.TemplateID = templateID

	if err := s.db.Create(&atom).Error; err != nil {
		return nil, fmt.Errorf("add atom: %w", err)
	}

	s.audit.LogCreate(EntityAtom, atom.ID, atom.Title)
	return &atom, nil
}

// UpdateAtom 更新子任务定义
// applyToFuture=true 且结构性字段（目标值/组次/媒体链接）发生变化时，
// 将变化就地覆盖到所有未来未完成实例上 SourceAtomID 匹配的子任务快照，
// 返回被覆盖的快照数量。结构性判定基于提交前快照与新值的显式对比。
func (s *TemplateService) UpdateAtom(atomID uint, input AtomInput, applyToFuture bool) (int, error) {
	var atom db.AtomDefinition
	if err := s.db.First(&atom, atomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAtomNotFound
		}
		return 0, fmt.Errorf("find atom: %w", err)
	}

	if strings.TrimSpace(input.Title) == "" {
		return 0, fmt.Errorf("%w: atom title is required", ErrTemplateInvalid)
	}

	prior := atom

	atom.Title = strings.TrimSpace(input.Title)
	atom.Kind = strings.TrimSpace(input.Kind)
	atom.TargetValue = input.TargetValue
	atom.TargetUnit = strings.TrimSpace(input.TargetUnit)
	atom.TargetSets = input.TargetSets
	atom.TargetReps = input.TargetReps
	atom.MediaURL = strings.TrimSpace(input.MediaURL)

	if err := s.db.Save(&atom).Error; err != nil {
		return 0, fmt.Errorf("update atom: %w", err)
	}

	s.audit.LogUpdate(EntityAtom, atom.ID, atom.Title, nil)

	if !applyToFuture || prior.StructuralEquals(atom) {
		return 0, nil
	}

	updated, err := s.cascadeStructuralChange(atom)
	if err != nil {
		return 0, err
	}

	return updated, nil
}

// RemoveAtom 删除一个子任务定义
// 既有实例上的快照保留为历史记录，由同步操作按需移除
func (s *TemplateService) RemoveAtom(atomID uint) error {
	var atom db.AtomDefinition
	if err := s.db.First(&atom, atomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAtomNotFound
		}
		return fmt.Errorf("find atom: %w", err)
	}

	if err := s.db.Unscoped().Delete(&atom).Error; err != nil {
		return fmt.Errorf("remove atom: %w", err)
	}

	s.audit.LogDelete(EntityAtom, atom.ID, atom.Title)
	return nil
}

// cascadeStructuralChange 将定义的结构性字段覆盖到未来未完成实例的匹配快照
// 只改字段，不增删快照
func (s *TemplateService) cascadeStructuralChange(atom db.AtomDefinition) (int, error) {
	instances, err := eligibleInstances(s.db, atom.TemplateID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, instance := range instances {
		for i := range instance.Atoms {
			snapshot := &instance.Atoms[i]
			if snapshot.SourceAtomID != atom.ID {
				continue
			}

			snapshot.TargetValue = atom.TargetValue
			snapshot.TargetUnit = atom.TargetUnit
			snapshot.TargetSets = atom.TargetSets
			snapshot.TargetReps = atom.TargetReps
			snapshot.MediaURL = atom.MediaURL

			if err := s.db.Save(snapshot).Error; err != nil {
				return updated, fmt.Errorf("cascade atom change: %w", err)
			}
			updated++
		}
	}

	return updated, nil
}

// eligibleInstances 返回模板下「未完成且排期在今天或之后」的实例及其快照
// 同步与级联共用该筛选口径：已完成或已过期的实例是历史记录，不得改写
func eligibleInstances(gdb *gorm.DB, templateID uint) ([]db.HabitInstance, error) {
	today := startOfToday()

	var instances []db.HabitInstance
	if err := gdb.Preload("Atoms", orderAtomInstances).
		Where("template_id = ?", templateID).
		Where("completed_at IS NULL").
		Where("scheduled_date >= ?", today).
		Order("scheduled_date ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list eligible instances: %w", err)
	}

	return instances, nil
}

func orderAtoms(gdb *gorm.DB) *gorm.DB {
	return gdb.Order("position ASC")
}

func orderAtomInstances(gdb *gorm.DB) *gorm.DB {
	return gdb.Order("position ASC")
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func atomFromInput(input AtomInput, position int) db.AtomDefinition {
	return db.AtomDefinition{
		Title:       strings.TrimSpace(input.Title),
		Kind:        strings.TrimSpace(input.Kind),
		TargetValue: input.TargetValue,
		TargetUnit:  strings.TrimSpace(input.TargetUnit),
		TargetSets:  input.TargetSets,
		TargetReps:  input.TargetReps,
		MediaURL:    strings.TrimSpace(input.MediaURL),
		Position:    position,
	}
}

func validateTemplateInput(input TemplateInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrTemplateInvalid)
	}

	kind := normalizeRecurrenceKind(input.RecurrenceKind)
	if kind == db.RecurrenceWeekly || kind == db.RecurrenceCustom {
		if len(input.Weekdays) == 0 {
			return fmt.Errorf("%w: weekday set is required for %s recurrence", ErrTemplateInvalid, kind)
		}
	}

	switch normalizeEndMode(input.EndMode) {
	case db.EndModeDate:
		if input.EndDate == nil {
			return fmt.Errorf("%w: end date is required for date end mode", ErrTemplateInvalid)
		}
	case db.EndModeCount:
		if input.EndCount <= 0 {
			return fmt.Errorf("%w: end count must be positive", ErrTemplateInvalid)
		}
	}

	for _, atom := range input.Atoms {
		if strings.TrimSpace(atom.Title) == "" {
			return fmt.Errorf("%w: atom title is required", ErrTemplateInvalid)
		}
	}

	return nil
}

func normalizeRecurrenceKind(kind string) string {
	switch strings.TrimSpace(strings.ToLower(kind)) {
	case db.RecurrenceWeekly:
		return db.RecurrenceWeekly
	case db.RecurrenceCustom:
		return db.RecurrenceCustom
	case db.RecurrenceNone:
		return db.RecurrenceNone
	default:
		return db.RecurrenceDaily
	}
}

func normalizeEndMode(mode string) string {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case db.EndModeDate:
		return db.EndModeDate
	case db.EndModeCount:
		return db.EndModeCount
	default:
		return db.EndModeNone
	}
}
