package db

import (
	"strings"
	"testing"

	"github.com/zulandar/tgrelay/internal/models"
)

func TestOpen_UnsupportedBackend(t *testing.T) {
	_, err := Open("postgres", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `unsupported backend "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestOpen_SqliteMemoryAndMigrate(t *testing.T) {
	gdb, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.StateDocument{}) {
		t.Error("state_documents table not created")
	}

	doc := models.StateDocument{Name: "relay", Body: "{}"}
	if err := gdb.Create(&doc).Error; err != nil {
		t.Fatalf("Create: %v", err)
	}
	var got models.StateDocument
	if err := gdb.First(&got, "name = ?", "relay").Error; err != nil {
		t.Fatalf("First: %v", err)
	}
	if got.Body != "{}" {
		t.Errorf("Body = %q, want %q", got.Body, "{}")
	}
}

func TestAllModels(t *testing.T) {
	if n := len(AllModels()); n != 1 {
		t.Errorf("len(AllModels()) = %d, want 1", n)
	}
}
