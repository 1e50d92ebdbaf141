package service

import (
	"testing"
	"time"

	"github.com/habitflow/internal/db"
)

func TestListOrphansDetection(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	// 模板被硬删除 → 悬空引用
	danglingTemplate, danglingInstances := futureTemplate(t, 1)
	templateSvc := NewTemplateService(db.DB, nil)
	if err := templateSvc.Delete(danglingTemplate.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	// 显式打孤儿标记
	flaggedTemplate, flaggedInstances := futureTemplate(t, 1)
	if err := db.DB.Model(&db.HabitInstance{}).
		Where("id = ?", flaggedInstances[0].ID).
		Update("is_orphan", true).Error; err != nil {
		t.Fatalf("failed to flag orphan: %v", err)
	}

	svc := NewOrphanService(db.DB, nil)
	orphans, err := svc.ListOrphans()
	if err != nil {
		t.Fatalf("ListOrphans returned error: %v", err)
	}

	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphans, got %d", len(orphans))
	}

	found := map[uint]bool{}
	for _, orphan := range orphans {
		found[orphan.ID] = true
	}
	if !found[danglingInstances[0].ID] || !found[flaggedInstances[0].ID] {
		t.Fatal("expected both dangling and flagged instances to be detected")
	}
	_ = flaggedTemplate
}

func TestRecoverOrphansValidation(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	svc := NewOrphanService(db.DB, nil)

	if _, err := svc.RecoverOrphans(nil, "新模板"); err != ErrEmptySelection {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	if _, err := svc.RecoverOrphans([]uint{1}, "  "); err != ErrRecoveryTitle {
		t.Fatalf("expected ErrRecoveryTitle, got %v", err)
	}
}

func TestRecoverOrphansLatestWinsMerge(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	template, _ := futureTemplate(t, 1)

	// 两个孤儿实例共享同名子任务但目标值不同
	earlier := db.HabitInstance{
		UID:                   "orphan-early",
		ScheduledDate:         time.Date(2025, 3, 3, 7, 30, 0, 0, time.Local),
		IsOrphan:              true,
		OriginalTemplateTitle: "旧晨练",
		Atoms: []db.AtomInstance{
			{Title: "俯卧撑", Kind: "workout", TargetReps: 20, Position: 0},
			{Title: "拉伸", Kind: "task", TargetValue: 5, TargetUnit: "min", Position: 1},
		},
	}
	later := db.HabitInstance{
		UID:                   "orphan-late",
		ScheduledDate:         time.Date(2025, 3, 10, 7, 30, 0, 0, time.Local),
		IsOrphan:              true,
		OriginalTemplateTitle: "旧晨练",
		Atoms: []db.AtomInstance{
			{Title: "俯卧撑", Kind: "workout", TargetReps: 30, Position: 0},
		},
	}
	if err := db.DB.Create(&earlier).Error; err != nil {
		t.Fatalf("failed to create orphan: %v", err)
	}
	if err := db.DB.Create(&later).Error; err != nil {
		t.Fatalf("failed to create orphan: %v", err)
	}

	svc := NewOrphanService(db.DB, nil)
	recovered, err := svc.RecoverOrphans([]uint{earlier.ID, later.ID}, "晨练 2.0")
	if err != nil {
		t.Fatalf("RecoverOrphans returned error: %v", err)
	}

	// BaseTime 取最早实例的当日时刻，重复规则保守默认 daily
	if recovered.BaseTime.Hour() != 7 || recovered.BaseTime.Minute() != 30 {
		t.Fatalf("expected base time 07:30, got %v", recovered.BaseTime)
	}
	if recovered.RecurrenceKind != db.RecurrenceDaily {
		t.Fatalf("expected daily default recurrence, got %s", recovered.RecurrenceKind)
	}

	if len(recovered.Atoms) != 2 {
		t.Fatalf("expected 2 merged atom definitions, got %d", len(recovered.Atoms))
	}

	var pushups *db.AtomDefinition
	for i := range recovered.Atoms {
		if recovered.Atoms[i].Title == "俯卧撑" {
			pushups = &recovered.Atoms[i]
		}
	}
	if pushups == nil {
		t.Fatal("expected merged definition for 俯卧撑")
	}
	// latest-wins：取排期更晚实例上的 30 次
	if pushups.TargetReps != 30 {
		t.Fatalf("expected latest-wins reps=30, got %d", pushups.TargetReps)
	}

	// 选中实例全部重新挂接并清除孤儿标记
	var relinked []db.HabitInstance
	if err := db.DB.Preload("Atoms").
		Where("id IN ?", []uint{earlier.ID, later.ID}).
		Find(&relinked).Error; err != nil {
		t.Fatalf("failed to reload instances: %v", err)
	}
	for _, instance := range relinked {
		if instance.TemplateID == nil || *instance.TemplateID != recovered.ID {
			t.Fatalf("instance %d not relinked to recovered template", instance.ID)
		}
		if instance.IsOrphan {
			t.Fatalf("instance %d should have orphan flag cleared", instance.ID)
		}
		for _, snapshot := range instance.Atoms {
			if snapshot.SourceAtomID != pushups.ID && snapshot.Title == "俯卧撑" {
				t.Fatalf("snapshot %d should point at recovered definition", snapshot.ID)
			}
		}
	}

	_ = template
}
