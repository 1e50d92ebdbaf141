package service

import (
	"testing"

	"github.com/habitflow/internal/db"
)

func TestDBAuditLoggerWritesEntries(t *testing.T) {
	cleanup := setupEngineTestDB(t)
	defer cleanup()

	logger := NewDBAuditLogger(db.DB)

	logger.LogCreate(EntityTemplate, 1, "晨跑")
	logger.LogUpdate(EntityInstance, 2, "晨跑", map[string]any{"completed": true})
	logger.LogBulkCreate(EntityInstance, 7, "template=1")

	// Close 等待积压条目全部落库
	logger.Close()

	var entries []db.AuditEntry
	if err := db.DB.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load audit entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}

	if entries[0].Action != db.AuditActionCreate || entries[0].EntityName != "晨跑" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Changes == "" {
		t.Fatal("update entry should carry serialized changes")
	}

	query := NewAuditQueryService(db.DB)
	recent, err := query.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent returned error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
}
