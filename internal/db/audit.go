package db

import "gorm.io/gorm"

// 审计动作类型
const (
	AuditActionCreate     = "create"
	AuditActionUpdate     = "update"
	AuditActionDelete     = "delete"
	AuditActionBulkCreate = "bulk_create"
	AuditActionBulkDelete = "bulk_delete"
)

// AuditEntry 记录引擎各项操作的变更轨迹，尽力写入，不阻塞主流程
// Changes 为 JSON 文本，结构随动作类型变化
type AuditEntry struct {
	gorm.Model
	EntityType string `gorm:"index;size:50"`
	EntityID   uint   `gorm:"index"`
	EntityName string
	Action     string `gorm:"size:20"`
	Changes    string `gorm:"type:text"`
	Info       string
}

// TableName 自定义表名以保持命名一致
func (AuditEntry) TableName() string {
	return "audit_entries"
}
