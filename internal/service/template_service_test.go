package service

import (
	"errors"
	"testing"
	"time"

	"github.com/habitflow/internal/db"
)

func TestTemplateCreateValidation(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	svc := NewTemplateService(db.DB, nil)

	// 标题为空
	if _, err := svc.Create(TemplateInput{RecurrenceKind: db.RecurrenceDaily}); !errors.Is(err, ErrTemplateInvalid) {
		t.Fatalf("expected ErrTemplateInvalid for empty title, got %v", err)
	}

	// weekly 缺少周几集合
	if _, err := svc.Create(TemplateInput{Title: "早起", RecurrenceKind: db.RecurrenceWeekly}); !errors.Is(err, ErrTemplateInvalid) {
		t.Fatalf("expected ErrTemplateInvalid for missing weekdays, got %v", err)
	}

	// count 模式次数非法
	if _, err := svc.Create(TemplateInput{Title: "早起", RecurrenceKind: db.RecurrenceDaily, EndMode: db.EndModeCount}); !errors.Is(err, ErrTemplateInvalid) {
		t.Fatalf("expected ErrTemplateInvalid for non-positive end count, got %v", err)
	}

	template, err := svc.Create(TemplateInput{
		Title:          "早起",
		BaseTime:       time.Date(2025, 1, 1, 6, 0, 0, 0, time.Local),
		RecurrenceKind: db.RecurrenceCustom,
		Weekdays:       []time.Weekday{time.Saturday, time.Sunday},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if template.RetirementStatus != db.RetirementNone {
		t.Fatalf("new template should start in retirement state none, got %s", template.RetirementStatus)
	}
	if template.Weekdays != "6,0" {
		t.Fatalf("unexpected serialized weekdays: %s", template.Weekdays)
	}
}

func TestTemplateGetNotFound(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	svc := NewTemplateService(db.DB, nil)
	if _, err := svc.Get(9999); err != ErrTemplateNotFound {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestUpdateAtomStructuralCascade(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	template, instances := futureTemplate(t, 3)

	templateSvc := NewTemplateService(db.DB, nil)
	fresh, err := templateSvc.Get(template.ID)
	if err != nil {
		t.Fatalf("Get template returned error: %v", err)
	}
	workout := fresh.Atoms[0]

	// 把一个实例标记完成，它不应被级联触碰
	instanceSvc := NewInstanceService(db.DB, nil, nil)
	if _, err := instanceSvc.SetCompleted(instances[1].ID, true); err != nil {
		t.Fatalf("SetCompleted returned error: %v", err)
	}

	updated, err := templateSvc.UpdateAtom(workout.ID, AtomInput{
		Title:      workout.Title,
		Kind:       workout.Kind,
		TargetSets: 5,
		TargetReps: 12,
	}, true)
	if err != nil {
		t.Fatalf("UpdateAtom returned error: %v", err)
	}

	if updated != 2 {
		t.Fatalf("expected cascade to touch 2 future incomplete snapshots, got %d", updated)
	}

	refreshed, err := instanceSvc.Get(instances[0].ID)
	if err != nil {
		t.Fatalf("Get instance returned error: %v", err)
	}
	if refreshed.Atoms[0].TargetSets != 5 || refreshed.Atoms[0].TargetReps != 12 {
		t.Fatalf("cascade should overwrite structural fields, got sets=%d reps=%d",
			refreshed.Atoms[0].TargetSets, refreshed.Atoms[0].TargetReps)
	}

	completed, err := instanceSvc.Get(instances[1].ID)
	if err != nil {
		t.Fatalf("Get completed instance returned error: %v", err)
	}
	if completed.Atoms[0].TargetSets != 3 {
		t.Fatalf("completed instance snapshot must keep sets=3, got %d", completed.Atoms[0].TargetSets)
	}
}

func TestUpdateAtomCosmeticChangeDoesNotCascade(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	template, instances := futureTemplate(t, 2)

	templateSvc := NewTemplateService(db.DB, nil)
	fresh, err := templateSvc.Get(template.ID)
	if err != nil {
		t.Fatalf("Get template returned error: %v", err)
	}
	atom := fresh.Atoms[0]

	// 只改标题：即使要求级联，也没有结构性变化可传播
	updated, err := templateSvc.UpdateAtom(atom.ID, AtomInput{
		Title:       "压腿（改名）",
		Kind:        atom.Kind,
		TargetValue: atom.TargetValue,
		TargetUnit:  atom.TargetUnit,
		TargetSets:  atom.TargetSets,
		TargetReps:  atom.TargetReps,
		MediaURL:    atom.MediaURL,
	}, true)
	if err != nil {
		t.Fatalf("UpdateAtom returned error: %v", err)
	}
	if updated != 0 {
		t.Fatalf("cosmetic change must not cascade, got %d", updated)
	}

	instanceSvc := NewInstanceService(db.DB, nil, nil)
	refreshed, err := instanceSvc.Get(instances[0].ID)
	if err != nil {
		t.Fatalf("Get instance returned error: %v", err)
	}
	if refreshed.Atoms[0].Title != "压腿" {
		t.Fatalf("instance snapshot title must stay untouched, got %s", refreshed.Atoms[0].Title)
	}
}

func TestTemplateDeleteLeavesInstancesForOrphanDetection(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	template, instances := futureTemplate(t, 2)

	templateSvc := NewTemplateService(db.DB, nil)
	if err := templateSvc.Delete(template.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	if _, err := templateSvc.Get(template.ID); err != ErrTemplateNotFound {
		t.Fatalf("expected ErrTemplateNotFound after delete, got %v", err)
	}

	var remaining int64
	db.DB.Model(&db.HabitInstance{}).Where("id IN ?", []uint{instances[0].ID, instances[1].ID}).Count(&remaining)
	if remaining != 2 {
		t.Fatalf("instances must survive template deletion, got %d", remaining)
	}
}
