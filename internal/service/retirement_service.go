package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

var (
	// ErrRetirementState 当状态机不允许该迁移时返回
	ErrRetirementState = errors.New("invalid retirement state transition")
)

// 默认撤销宽限期
const defaultRetirementGrace = 7 * 24 * time.Hour

// RetirementService 实现模板的软删除状态机：
// active→pending（可撤销倒计时）→retired（终态），pending→active（撤销）
// 倒计时基于持久化的 UndoDeadline，进程重启后由 Rearm 重新装配，
// 不依赖只存在于内存中的定时器
type RetirementService struct {
	db     *gorm.DB
	audit  AuditLogger
	notify NotificationScheduler
	grace  time.Duration

	mu     sync.Mutex
	timers map[uint]*time.Timer
	tasks  map[uint]*CascadeTask
}

// NewRetirementService 构造 RetirementService，grace<=0 时使用默认宽限期
func NewRetirementService(gdb *gorm.DB, audit AuditLogger, notify NotificationScheduler, grace time.Duration) *RetirementService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	if notify == nil {
		notify = NewLogNotificationScheduler()
	}
	if grace <= 0 {
		grace = defaultRetirementGrace
	}
	return &RetirementService{
		db:     gdb,
		audit:  audit,
		notify: notify,
		grace:  grace,
		timers: make(map[uint]*time.Timer),
		tasks:  make(map[uint]*CascadeTask),
	}
}

// Retire 将模板从 active 置为 pending 并启动撤销倒计时
func (s *RetirementService) Retire(templateID uint, reason string) error {
	var template db.HabitTemplate
	if err := s.db.First(&template, templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTemplateNotFound
		}
		return fmt.Errorf("load template: %w", err)
	}

	if template.RetirementStatus != db.RetirementNone {
		return fmt.Errorf("%w: retire from %s", ErrRetirementState, template.RetirementStatus)
	}

	now := time.Now()
	deadline := now.Add(s.grace)

	updates := map[string]any{
		"retirement_status": db.RetirementPending,
		"retirement_date":   now,
		"undo_deadline":     deadline,
		"retirement_reason": reason,
	}
	if err := s.db.Model(&template).Updates(updates).Error; err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	s.armTimer(templateID, s.grace)
	s.audit.LogUpdate(EntityTemplate, template.ID, template.Title, map[string]any{
		"retirement_status": db.RetirementPending,
		"reason":            reason,
	})

	return nil
}

// UndoRetirement 在宽限期内撤销退役，清空退役字段，不产生其他副作用
// 若级联已被触发且仍在执行，先协同取消并等待其停止
func (s *RetirementService) UndoRetirement(templateID uint) error {
	if task := s.runningTask(templateID); task != nil {
		task.Cancel()
		task.Wait()
	}

	var template db.HabitTemplate
	if err := s.db.First(&template, templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTemplateNotFound
		}
		return fmt.Errorf("load template: %w", err)
	}

	if template.RetirementStatus != db.RetirementPending {
		return fmt.Errorf("%w: undo from %s", ErrRetirementState, template.RetirementStatus)
	}

	updates := map[string]any{
		"retirement_status": db.RetirementNone,
		"retirement_date":   nil,
		"undo_deadline":     nil,
		"retirement_reason": "",
	}
	if err := s.db.Model(&template).Updates(updates).Error; err != nil {
		return fmt.Errorf("undo retirement: %w", err)
	}

	s.stopTimer(templateID)
	s.audit.LogUpdate(EntityTemplate, template.ID, template.Title, map[string]any{
		"retirement_status": db.RetirementNone,
	})

	return nil
}

// ProcessDeadline 触发 pending→retired 的异步级联并返回任务句柄
// 同一模板重复触发时返回进行中的任务，保证幂等
func (s *RetirementService) ProcessDeadline(templateID uint) (*CascadeTask, error) {
	s.mu.Lock()
	if task, ok := s.tasks[templateID]; ok && !task.isDone() {
		s.mu.Unlock()
		return task, nil
	}
	s.mu.Unlock()

	var template db.HabitTemplate
	if err := s.db.First(&template, templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	if template.RetirementStatus != db.RetirementPending {
		return nil, fmt.Errorf("%w: process deadline from %s", ErrRetirementState, template.RetirementStatus)
	}

	// 级联顺序固定为排期升序，保证进度汇报与取消后重跑可复现
	var instances []db.HabitInstance
	if err := s.db.Where("template_id = ?", templateID).
		Order("scheduled_date ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &CascadeTask{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		total:      len(instances),
		status:     "等待开始",
		done:       make(chan struct{}),
		cancel:     cancel,
	}

	s.mu.Lock()
	s.tasks[templateID] = task
	s.mu.Unlock()
	s.stopTimer(templateID)

	go s.runCascade(ctx, task, template, instances)
	return task, nil
}

// CascadeProgress 查询进行中（或刚结束）级联任务的进度快照
func (s *RetirementService) CascadeProgress(templateID uint) (CascadeProgress, bool) {
	s.mu.Lock()
	task, ok := s.tasks[templateID]
	s.mu.Unlock()
	if !ok {
		return CascadeProgress{}, false
	}
	return task.Progress(), true
}

// CancelCascade 协同取消进行中的级联，模板保持 pending
func (s *RetirementService) CancelCascade(templateID uint) bool {
	task := s.runningTask(templateID)
	if task == nil || task.isDone() {
		return false
	}
	task.Cancel()
	return true
}

// Rearm 进程启动时从持久化状态恢复倒计时：
// 宽限期已过的 pending 模板立即触发级联，未过的按剩余时长重新装配定时器
func (s *RetirementService) Rearm() error {
	var pending []db.HabitTemplate
	if err := s.db.Where("retirement_status = ?", db.RetirementPending).Find(&pending).Error; err != nil {
		return fmt.Errorf("load pending templates: %w", err)
	}

	now := time.Now()
	for _, template := range pending {
		if template.UndoDeadline == nil || !template.UndoDeadline.After(now) {
			if _, err := s.ProcessDeadline(template.ID); err != nil {
				log.Printf("[retirement] rearm cascade failed template=%d: %v", template.ID, err)
			}
			continue
		}
		s.armTimer(template.ID, template.UndoDeadline.Sub(now))
	}

	return nil
}

// Stop 停止全部定时器并取消进行中的级联，用于进程收尾与测试
func (s *RetirementService) Stop() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[uint]*time.Timer)
	tasks := make([]*CascadeTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	for _, task := range tasks {
		task.Cancel()
		task.Wait()
	}
}

func (s *RetirementService) runCascade(ctx context.Context, task *CascadeTask, template db.HabitTemplate, instances []db.HabitInstance) {
	// 结束后任务句柄仍留在 tasks 中，供界面读取最终进度；
	// 下一次 ProcessDeadline 会覆盖它
	defer task.finish()

	for i := range instances {
		// 协同取消：逐条之间检查，取消时模板保持 pending
		select {
		case <-ctx.Done():
			task.setStatus(i, "已取消，模板保持待退役")
			task.markCancelled()
			// 截止时间尚未到达时重新装配倒计时，等待再次触发或被撤销
			if template.UndoDeadline != nil && template.UndoDeadline.After(time.Now()) {
				s.armTimer(template.ID, time.Until(*template.UndoDeadline))
			}
			return
		default:
		}

		instance := &instances[i]
		task.setStatus(i, fmt.Sprintf("正在取消提醒 %d/%d", i+1, task.total))

		// 已处理过的实例直接跳过，保证中断后重跑幂等
		if !instance.NotificationCancelled {
			if err := s.notify.Cancel(instance); err != nil {
				// 单条失败只记录，不中断整个级联
				log.Printf("[retirement] cancel notification failed instance=%s: %v", instance.UID, err)
			} else {
				if err := s.db.Model(instance).Update("notification_cancelled", true).Error; err != nil {
					log.Printf("[retirement] persist cancel marker failed instance=%s: %v", instance.UID, err)
				}
			}
		}

		task.advance(i + 1)
	}

	// 退役不删除实例：打上孤儿标记后实例凭去范式化标题继续可见
	if err := s.db.Model(&db.HabitInstance{}).
		Where("template_id = ?", template.ID).
		Update("is_orphan", true).Error; err != nil {
		task.fail(fmt.Errorf("orphan instances: %w", err))
		return
	}

	if err := s.db.Model(&db.HabitTemplate{}).
		Where("id = ?", template.ID).
		Update("retirement_status", db.RetirementRetired).Error; err != nil {
		task.fail(fmt.Errorf("mark retired: %w", err))
		return
	}

	task.setStatus(task.total, "已退役")
	s.audit.LogBulkDelete(EntityInstance, task.total,
		fmt.Sprintf("template=%d retired, notifications cancelled", template.ID))
}

func (s *RetirementService) runningTask(templateID uint) *CascadeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[templateID]
}

func (s *RetirementService) armTimer(templateID uint, after time.Duration) {
	s.mu.Lock()
	if old, ok := s.timers[templateID]; ok {
		old.Stop()
	}
	s.timers[templateID] = time.AfterFunc(after, func() {
		if _, err := s.ProcessDeadline(templateID); err != nil && !errors.Is(err, ErrRetirementState) {
			log.Printf("[retirement] deadline cascade failed template=%d: %v", templateID, err)
		}
	})
	s.mu.Unlock()
}

func (s *RetirementService) stopTimer(templateID uint) {
	s.mu.Lock()
	if timer, ok := s.timers[templateID]; ok {
		timer.Stop()
		delete(s.timers, templateID)
	}
	s.mu.Unlock()
}

// CascadeTask 是一次退役级联的句柄：可查询进度、可协同取消、可等待结束
type CascadeTask struct {
	ID         string
	TemplateID uint

	mu        sync.Mutex
	current   int
	total     int
	status    string
	cancelled bool
	err       error

	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

// CascadeProgress 是进度的一致性快照，供界面轮询
type CascadeProgress struct {
	TaskID    string `json:"task_id"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
	Done      bool   `json:"done"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// Progress 返回当前进度快照
func (t *CascadeTask) Progress() CascadeProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress := CascadeProgress{
		TaskID:    t.ID,
		Current:   t.current,
		Total:     t.total,
		Status:    t.status,
		Cancelled: t.cancelled,
		Done:      t.isDone(),
	}
	if t.err != nil {
		progress.Error = t.err.Error()
	}
	return progress
}

// Cancel 请求协同取消，级联在下一条目边界停下
func (t *CascadeTask) Cancel() {
	t.cancel()
}

// Wait 阻塞直到级联结束（完成、失败或取消生效）
func (t *CascadeTask) Wait() {
	<-t.done
}

func (t *CascadeTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *CascadeTask) advance(current int) {
	t.mu.Lock()
	t.current = current
	t.mu.Unlock()
}

func (t *CascadeTask) setStatus(current int, status string) {
	t.mu.Lock()
	t.current = current
	t.status = status
	t.mu.Unlock()
}

func (t *CascadeTask) markCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *CascadeTask) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.status = "级联失败"
	t.mu.Unlock()
}

func (t *CascadeTask) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}
