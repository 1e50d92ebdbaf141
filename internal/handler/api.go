package handler

import (
	"time"

	"github.com/habitflow/internal/service"
	"gorm.io/gorm"
)

// API 聚合 HTTP 处理函数共享的服务依赖
type API struct {
	db           *gorm.DB
	templates    *service.TemplateService
	instances    *service.InstanceService
	materializer *service.MaterializerService
	sync         *service.SyncService
	retirement   *service.RetirementService
	orphans      *service.OrphanService
	auditQuery   *service.AuditQueryService
}

// NewAPI 构建处理函数集合并完成服务装配
// grace 控制退役撤销宽限期，<=0 时使用服务默认值
func NewAPI(gdb *gorm.DB, grace time.Duration) *API {
	audit := service.NewDBAuditLogger(gdb)
	notify := service.NewLogNotificationScheduler()

	return &API{
		db:           gdb,
		templates:    service.NewTemplateService(gdb, audit),
		instances:    service.NewInstanceService(gdb, audit, notify),
		materializer: service.NewMaterializerService(gdb, audit, notify),
		sync:         service.NewSyncService(gdb, audit),
		retirement:   service.NewRetirementService(gdb, audit, notify, grace),
		orphans:      service.NewOrphanService(gdb, audit),
		auditQuery:   service.NewAuditQueryService(gdb),
	}
}

// Retirement 暴露退役服务，入口进程启动时据此恢复持久化的倒计时
func (a *API) Retirement() *service.RetirementService {
	return a.retirement
}

// DB 暴露底层 gorm 连接，供测试和脚本复用
func (a *API) DB() *gorm.DB {
	return a.db
}
