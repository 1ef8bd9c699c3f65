package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskdeck/internal/persistence"
)

func seedTaskWithID(t *testing.T, store *persistence.Store, accountID, text string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := store.InsertTask(ctx, accountID, text); err != nil {
		t.Fatalf("insert task %q: %v", text, err)
	}
	taskID, err := store.FindTask(ctx, accountID, text)
	if err != nil {
		t.Fatalf("find task %q: %v", text, err)
	}
	return taskID
}

func TestSubtasks_InsertListDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	accountID := registerTestAccount(t, store, "alice")
	taskID := seedTaskWithID(t, store, accountID, "Garden")

	for _, text := range []string{"buy seeds", "dig beds"} {
		if err := store.InsertSubtask(ctx, taskID, text); err != nil {
			t.Fatalf("insert subtask %q: %v", text, err)
		}
	}
	if err := store.InsertSubtask(ctx, taskID, "buy seeds"); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	subtasks, err := store.ListSubtasks(ctx, taskID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subtasks) != 2 || subtasks[0] != "buy seeds" || subtasks[1] != "dig beds" {
		t.Fatalf("subtasks = %v", subtasks)
	}

	if err := store.DeleteSubtask(ctx, taskID, "buy seeds"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteSubtask(ctx, taskID, "buy seeds"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubtasks_InsertUnderMissingTask(t *testing.T) {
	store, _ := openTestStore(t)
	registerTestAccount(t, store, "alice")

	err := store.InsertSubtask(context.Background(), 9999, "orphan")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}
}

func TestSubtasks_Rename(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	accountID := registerTestAccount(t, store, "alice")
	taskID := seedTaskWithID(t, store, accountID, "Garden")

	for _, text := range []string{"buy seeds", "dig beds"} {
		if err := store.InsertSubtask(ctx, taskID, text); err != nil {
			t.Fatalf("insert subtask %q: %v", text, err)
		}
	}

	if err := store.RenameSubtask(ctx, taskID, "buy seeds", "order seeds"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	subtasks, err := store.ListSubtasks(ctx, taskID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if subtasks[0] != "order seeds" {
		t.Fatalf("subtasks = %v, want order seeds first", subtasks)
	}

	if err := store.RenameSubtask(ctx, taskID, "missing", "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RenameSubtask(ctx, taskID, "dig beds", "order seeds"); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on collision, got %v", err)
	}

	// A failed rename leaves the set unchanged.
	subtasks, err = store.ListSubtasks(ctx, taskID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subtasks) != 2 || subtasks[1] != "dig beds" {
		t.Fatalf("subtasks mutated by failed rename: %v", subtasks)
	}
}
