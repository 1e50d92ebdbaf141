package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/habitflow/internal/config"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/router"
)

func main() {
	cfg := config.Load()

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	// 引导后台管理员账号
	if err := db.EnsureUser(cfg.SuperRootUserName, cfg.SuperRootPassword); err != nil {
		log.Fatalf("failed to ensure admin user: %v", err)
	}

	gin.SetMode(cfg.GinMode)

	// 设置并运行 Gin 服务器
	r, api := router.SetupRouter(cfg.SessionSecret, cfg.RetirementGrace)

	// 重启后恢复所有待退役模板的倒计时
	if err := api.Retirement().Rearm(); err != nil {
		log.Printf("failed to rearm retirement deadlines: %v", err)
	}

	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("failed to run server: %v", err)
	}
}
