package service

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/habitflow/internal/db"
	"gorm.io/gorm"
)

// AuditLogger 定义审计日志能力，所有方法尽力而为、异步落库，
// 永远不会阻塞或使主操作失败
type AuditLogger interface {
	LogCreate(entityType string, entityID uint, entityName string)
	LogUpdate(entityType string, entityID uint, entityName string, changes map[string]any)
	LogDelete(entityType string, entityID uint, entityName string)
	LogBulkCreate(entityType string, count int, info string)
	LogBulkDelete(entityType string, count int, info string)
}

const auditQueueSize = 256

// DBAuditLogger 将审计条目经缓冲通道异步写入数据库
// 队列满或写库失败时丢弃条目并记录日志
type DBAuditLogger struct {
	db      *gorm.DB
	queue   chan db.AuditEntry
	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDBAuditLogger 构造并启动写入协程
func NewDBAuditLogger(gdb *gorm.DB) *DBAuditLogger {
	l := &DBAuditLogger{
		db:      gdb,
		queue:   make(chan db.AuditEntry, auditQueueSize),
		closing: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *DBAuditLogger) run() {
	defer l.wg.Done()
	for entry := range l.queue {
		if err := l.db.Create(&entry).Error; err != nil {
			log.Printf("[audit] write failed entity=%s id=%d: %v", entry.EntityType, entry.EntityID, err)
		}
	}
}

// Close 停止接收并等待积压条目写完，主要用于测试收尾
func (l *DBAuditLogger) Close() {
	l.once.Do(func() {
		close(l.closing)
		close(l.queue)
	})
	l.wg.Wait()
}

func (l *DBAuditLogger) enqueue(entry db.AuditEntry) {
	select {
	case <-l.closing:
		return
	default:
	}

	select {
	case l.queue <- entry:
	default:
		log.Printf("[audit] queue full, dropped entity=%s action=%s", entry.EntityType, entry.Action)
	}
}

// LogCreate 记录创建
func (l *DBAuditLogger) LogCreate(entityType string, entityID uint, entityName string) {
	l.enqueue(db.AuditEntry{EntityType: entityType, EntityID: entityID, EntityName: entityName, Action: db.AuditActionCreate})
}

// LogUpdate 记录更新及字段变化
func (l *DBAuditLogger) LogUpdate(entityType string, entityID uint, entityName string, changes map[string]any) {
	entry := db.AuditEntry{EntityType: entityType, EntityID: entityID, EntityName: entityName, Action: db.AuditActionUpdate}
	if len(changes) > 0 {
		if raw, err := json.Marshal(changes); err == nil {
			entry.Changes = string(raw)
		}
	}
	l.enqueue(entry)
}

// LogDelete 记录删除
func (l *DBAuditLogger) LogDelete(entityType string, entityID uint, entityName string) {
	l.enqueue(db.AuditEntry{EntityType: entityType, EntityID: entityID, EntityName: entityName, Action: db.AuditActionDelete})
}

// LogBulkCreate 记录批量创建
func (l *DBAuditLogger) LogBulkCreate(entityType string, count int, info string) {
	l.enqueue(db.AuditEntry{EntityType: entityType, Action: db.AuditActionBulkCreate, EntityName: fmt.Sprintf("%d items", count), Info: info})
}

// LogBulkDelete 记录批量删除
func (l *DBAuditLogger) LogBulkDelete(entityType string, count int, info string) {
	l.enqueue(db.AuditEntry{EntityType: entityType, Action: db.AuditActionBulkDelete, EntityName: fmt.Sprintf("%d items", count), Info: info})
}

// NopAuditLogger 空实现，供不关心审计的调用场景与测试使用
type NopAuditLogger struct{}

func (NopAuditLogger) LogCreate(string, uint, string)                 {}
func (NopAuditLogger) LogUpdate(string, uint, string, map[string]any) {}
func (NopAuditLogger) LogDelete(string, uint, string)                 {}
func (NopAuditLogger) LogBulkCreate(string, int, string)              {}
func (NopAuditLogger) LogBulkDelete(string, int, string)              {}

// AuditQueryService 提供审计日志的读取侧
type AuditQueryService struct {
	db *gorm.DB
}

// NewAuditQueryService 构造 AuditQueryService
func NewAuditQueryService(gdb *gorm.DB) *AuditQueryService {
	return &AuditQueryService{db: gdb}
}

// ListRecent 返回最近的审计条目，limit<=0 时默认 100 条
func (s *AuditQueryService) ListRecent(limit int) ([]db.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []db.AuditEntry
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
