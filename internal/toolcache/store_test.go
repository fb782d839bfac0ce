package toolcache

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/DJDodds/OctAIvius-sub000/internal/mcp"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_EmptyServer(t *testing.T) {
	store := setupTestStore(t)

	tools, err := store.ToolsForServer(context.Background(), "files")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("expected no tools, got %d", len(tools))
	}
}

func TestStore_ReplaceAndQuery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.ReplaceServerTools(ctx, "files", []mcp.ToolDefinition{
		{Name: "write_file", Description: "writes a file", InputSchema: map[string]any{"type": "object"}},
		{Name: "read_file", Description: "reads a file"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	tools, err := store.ToolsForServer(ctx, "files")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}

	// Ordered by name.
	if tools[0].Name != "read_file" || tools[1].Name != "write_file" {
		t.Errorf("order = %q, %q", tools[0].Name, tools[1].Name)
	}
	if tools[0].Description != "reads a file" {
		t.Errorf("description = %q", tools[0].Description)
	}
	if tools[0].ID == (tools[1].ID) {
		t.Error("tools share an id")
	}
	if tools[1].InputSchema == nil {
		t.Error("input schema not persisted")
	}
	if tools[0].RefreshedAt.IsZero() {
		t.Error("refreshed_at not recorded")
	}
}

func TestStore_ReplaceSwapsInventory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.ReplaceServerTools(ctx, "files", []mcp.ToolDefinition{
		{Name: "old_tool"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceServerTools(ctx, "files", []mcp.ToolDefinition{
		{Name: "new_tool"},
	}); err != nil {
		t.Fatal(err)
	}

	tools, err := store.ToolsForServer(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "new_tool" {
		t.Errorf("stale inventory survived replace: %+v", tools)
	}
}

func TestStore_ReplaceWithEmptyClears(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.ReplaceServerTools(ctx, "files", []mcp.ToolDefinition{
		{Name: "read_file"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceServerTools(ctx, "files", nil); err != nil {
		t.Fatal(err)
	}

	tools, err := store.ToolsForServer(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 0 {
		t.Errorf("expected empty inventory, got %d tools", len(tools))
	}
}

func TestStore_ServersAreIsolated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.ReplaceServerTools(ctx, "files", []mcp.ToolDefinition{
		{Name: "read_file"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceServerTools(ctx, "weather", []mcp.ToolDefinition{
		{Name: "get_forecast"},
	}); err != nil {
		t.Fatal(err)
	}

	// Replacing one server leaves the other untouched.
	if err := store.ReplaceServerTools(ctx, "files", nil); err != nil {
		t.Fatal(err)
	}
	tools, err := store.ToolsForServer(ctx, "weather")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "get_forecast" {
		t.Errorf("unrelated server affected: %+v", tools)
	}

	ids, err := store.ServerIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "weather" {
		t.Errorf("server ids = %v", ids)
	}
}
