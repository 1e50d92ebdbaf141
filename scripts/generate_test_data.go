package main

import (
	"fmt"
	"log"
	"time"

	"github.com/habitflow/internal/config"
	"github.com/habitflow/internal/db"
	"github.com/habitflow/internal/service"
	"golang.org/x/crypto/bcrypt"
)

// 测试数据生成器
func main() {
	cfg := config.Load()
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatal("数据库初始化失败:", err)
	}

	fmt.Println("开始生成测试数据...")

	createTestUser()

	audit := service.NewDBAuditLogger(db.DB)
	defer audit.Close()

	templates := service.NewTemplateService(db.DB, audit)
	materializer := service.NewMaterializerService(db.DB, audit, service.NewLogNotificationScheduler())
	instances := service.NewInstanceService(db.DB, audit, service.NewLogNotificationScheduler())

	created := createTestTemplates(templates)
	backfillRecentWeeks(materializer, instances, created)

	fmt.Println("测试数据生成完成！")
	fmt.Println("用户: admin (密码: admin123)")
	fmt.Printf("模板: %d 个，已回填最近两周的实例\n", len(created))
}

// 创建管理员用户
func createTestUser() {
	var count int64
	db.DB.Model(&db.User{}).Count(&count)
	if count > 0 {
		fmt.Println("用户已存在，跳过创建")
		return
	}

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	db.DB.Create(&db.User{Username: "admin", Password: string(hashedPassword)})
}

// 创建测试模板
func createTestTemplates(templates *service.TemplateService) []uint {
	now := time.Now()
	morning := time.Date(now.Year(), now.Month(), now.Day(), 7, 0, 0, 0, time.Local)
	evening := time.Date(now.Year(), now.Month(), now.Day(), 21, 30, 0, 0, time.Local)

	inputs := []service.TemplateInput{
		{
			Title:          "晨跑",
			Notes:          "先热身 5 分钟，跑后拉伸。",
			BaseTime:       morning,
			RecurrenceKind: db.RecurrenceWeekly,
			Weekdays:       []time.Weekday{time.Monday, time.Wednesday, time.Friday},
			EndMode:        db.EndModeNone,
			Atoms: []service.AtomInput{
				{Title: "慢跑", Kind: "duration", TargetValue: 30, TargetUnit: "分钟"},
				{Title: "拉伸", Kind: "check"},
			},
		},
		{
			Title:          "每日阅读",
			Notes:          "睡前读书，不带手机。",
			BaseTime:       evening,
			RecurrenceKind: db.RecurrenceDaily,
			EndMode:        db.EndModeNone,
			Atoms: []service.AtomInput{
				{Title: "读书", Kind: "duration", TargetValue: 20, TargetUnit: "分钟"},
			},
		},
		{
			Title:          "力量训练",
			Notes:          "",
			BaseTime:       evening,
			RecurrenceKind: db.RecurrenceWeekly,
			Weekdays:       []time.Weekday{time.Tuesday, time.Thursday},
			EndMode:        db.EndModeCount,
			EndCount:       20,
			Atoms: []service.AtomInput{
				{Title: "深蹲", Kind: "reps", TargetSets: 3, TargetReps: 12},
				{Title: "俯卧撑", Kind: "reps", TargetSets: 3, TargetReps: 15},
			},
		},
	}

	ids := make([]uint, 0, len(inputs))
	for _, input := range inputs {
		template, err := templates.Create(input)
		if err != nil {
			log.Fatal("创建模板失败:", err)
		}
		fmt.Printf("已创建模板: %s\n", template.Title)
		ids = append(ids, template.ID)
	}
	return ids
}

// 回填最近两周的实例，并随机标记一部分为已完成
func backfillRecentWeeks(materializer *service.MaterializerService, instanceSvc *service.InstanceService, templateIDs []uint) {
	to := time.Now()
	from := to.AddDate(0, 0, -14)

	for _, id := range templateIDs {
		created, err := materializer.BackfillInstances(id, from, to)
		if err != nil {
			log.Fatal("回填实例失败:", err)
		}
		fmt.Printf("模板 %d 回填 %d 个实例\n", id, len(created))

		// 隔一个完成一个，方便观察统计和连击
		for i, instance := range created {
			if i%2 != 0 {
				continue
			}
			if _, err := instanceSvc.SetCompleted(instance.ID, true); err != nil {
				log.Printf("标记完成失败 instance=%d: %v", instance.ID, err)
			}
		}
	}
}
