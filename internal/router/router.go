package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/handler"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(sessionSecret string, retirementGrace time.Duration) (*gin.Engine, *handler.API) {
	r := gin.Default()

	// 配置会话中间件
	// 服务经 r.Run 以明文 HTTP 提供，Cookie 不能带默认的 Secure/SameSite=None，
	// 否则客户端不会回传会话
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("habitflow_session", store))

	api := handler.NewAPI(db.DB, retirementGrace)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	// 后台管理路由
	admin := r.Group("/admin")
	{
		admin.POST("/login", handler.Login)
		admin.POST("/logout", handler.Logout)

		// 需要认证的后台路由
		auth := admin.Group("")
		auth.Use(handler.AuthRequired())
		{
			// API路由
			apiGroup := auth.Group("/api")
			{
				apiGroup.GET("/templates", api.ListTemplates)
				apiGroup.GET("/templates/:id", api.GetTemplate)
				apiGroup.POST("/templates", api.CreateTemplate)
				apiGroup.PUT("/templates/:id", api.UpdateTemplate)
				apiGroup.DELETE("/templates/:id", api.DeleteTemplate)
				apiGroup.PUT("/templates/:id/archive", api.SetTemplateArchived)

				apiGroup.POST("/templates/:id/atoms", api.AddTemplateAtom)
				apiGroup.PUT("/templates/:id/atoms/:atomId", api.UpdateTemplateAtom)
				apiGroup.DELETE("/templates/:id/atoms/:atomId", api.RemoveTemplateAtom)

				apiGroup.POST("/templates/:id/generate", api.GenerateInstances)
				apiGroup.POST("/templates/:id/backfill", api.BackfillInstances)
				apiGroup.POST("/templates/:id/sync", api.SyncTemplateAtoms)

				apiGroup.POST("/templates/:id/retire", api.RetireTemplate)
				apiGroup.POST("/templates/:id/undo-retirement", api.UndoRetirement)
				apiGroup.POST("/templates/:id/process-deadline", api.ProcessRetirementDeadline)
				apiGroup.GET("/templates/:id/retirement", api.GetRetirementProgress)
				apiGroup.POST("/templates/:id/cancel-cascade", api.CancelRetirementCascade)

				apiGroup.GET("/instances", api.ListInstances)
				apiGroup.GET("/instances/:id", api.GetInstance)
				apiGroup.POST("/instances/:id/exception", api.MakeInstanceException)
				apiGroup.PUT("/instances/:id/complete", api.SetInstanceCompleted)
				apiGroup.PUT("/instances/:id/atoms/:atomId/done", api.SetAtomInstanceDone)
				apiGroup.DELETE("/instances/:id", api.DeleteInstance)

				apiGroup.GET("/orphans", api.ListOrphans)
				apiGroup.POST("/orphans/recover", api.RecoverOrphans)

				apiGroup.GET("/audit", api.ListAuditEntries)
			}
		}
	}

	return r, api
}
