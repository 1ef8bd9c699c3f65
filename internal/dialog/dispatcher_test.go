package dialog_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/dialog"
	"github.com/basket/taskdeck/internal/persistence"
)

func newTestDispatcher(t *testing.T) (*dialog.Dispatcher, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	states := dialog.NewStateStore()
	return dialog.NewDispatcher(store, states, events, logger, nil), store, events
}

func deliver(t *testing.T, d *dialog.Dispatcher, userID, text string) dialog.Reply {
	t.Helper()
	return d.Deliver(context.Background(), "telegram", userID, text, nil)
}

func register(t *testing.T, d *dialog.Dispatcher, userID, username, password string) {
	t.Helper()
	deliver(t, d, userID, "/registration")
	deliver(t, d, userID, username)
	reply := deliver(t, d, userID, password)
	if reply.Text != "Welcome, "+username+"!" {
		t.Fatalf("registration reply = %q", reply.Text)
	}
}

func TestDispatcher_AuthenticationGate(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	reply := deliver(t, d, "1", "/add Water plants")
	if !strings.Contains(reply.Text, "/registration") {
		t.Fatalf("expected auth gate, got %q", reply.Text)
	}
	reply = deliver(t, d, "1", "hello")
	if !strings.Contains(reply.Text, "/login") {
		t.Fatalf("expected auth gate, got %q", reply.Text)
	}
}

func TestDispatcher_RegistrationScenario(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	reply := deliver(t, d, "1", "/registration")
	if reply.Text != "Enter a username:" {
		t.Fatalf("reply = %q", reply.Text)
	}
	// Whitespace-only input re-prompts without ending the dialog.
	reply = deliver(t, d, "1", "   ")
	if reply.Text != "Enter a username:" {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "alice")
	if reply.Text != "Enter a password:" {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "secret")
	if reply.Text != "Welcome, alice!" {
		t.Fatalf("reply = %q", reply.Text)
	}

	// Now authenticated: a task command goes through.
	reply = deliver(t, d, "1", "/list")
	if !strings.Contains(reply.Text, "no tasks yet") {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_RegistrationDuplicateUsername(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	deliver(t, d, "2", "/registration")
	reply := deliver(t, d, "2", "alice")
	if !strings.Contains(reply.Text, "already taken") {
		t.Fatalf("reply = %q", reply.Text)
	}
	// Dialog ended: the next message hits the gate again.
	reply = deliver(t, d, "2", "whatever")
	if !strings.Contains(reply.Text, "/registration") {
		t.Fatalf("expected auth gate after failed registration, got %q", reply.Text)
	}
}

func TestDispatcher_LoginWrongPassword(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/exit")

	deliver(t, d, "1", "/login")
	deliver(t, d, "1", "alice")
	reply := deliver(t, d, "1", "wrong")
	if !strings.Contains(reply.Text, "Invalid credentials") {
		t.Fatalf("reply = %q", reply.Text)
	}

	// No retry in place: the flow must be restarted.
	deliver(t, d, "1", "/login")
	deliver(t, d, "1", "alice")
	reply = deliver(t, d, "1", "secret")
	if reply.Text != "Welcome, alice!" {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_LoginUnknownUsername(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	deliver(t, d, "1", "/login")
	reply := deliver(t, d, "1", "nobody")
	if !strings.Contains(reply.Text, "No account") {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_AddTaskInlineAndDuplicate(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	reply := deliver(t, d, "1", "/add Water plants")
	if reply.Text != `Task "Water plants" added!` {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/add Water plants")
	if reply.Text != `Task "Water plants" already exists!` {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_AddTaskPrompted(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	reply := deliver(t, d, "1", "/add")
	if reply.Text != "What should the task say?" {
		t.Fatalf("reply = %q", reply.Text)
	}
	// Empty parameter re-prompts and keeps the pending operation.
	reply = deliver(t, d, "1", "  ")
	if reply.Text != "What should the task say?" {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "Buy milk")
	if reply.Text != `Task "Buy milk" added!` {
		t.Fatalf("reply = %q", reply.Text)
	}
	// Pending state consumed: plain text is unknown again.
	reply = deliver(t, d, "1", "Buy milk")
	if !strings.Contains(reply.Text, "Unknown command") {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_DoneMovesTaskToCompleted(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")
	deliver(t, d, "1", "/add Buy milk")

	reply := deliver(t, d, "1", "/done Water plants")
	if reply.Text != `Task "Water plants" completed!` {
		t.Fatalf("reply = %q", reply.Text)
	}

	reply = deliver(t, d, "1", "/list")
	if strings.Contains(reply.Text, "Water plants") || !strings.Contains(reply.Text, "Buy milk") {
		t.Fatalf("list = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/completed")
	if !strings.Contains(reply.Text, "1. Water plants") {
		t.Fatalf("completed = %q", reply.Text)
	}

	reply = deliver(t, d, "1", "/done Water plants")
	if reply.Text != `Task "Water plants" was not found!` {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_DeleteThenReAdd(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")

	reply := deliver(t, d, "1", "/delete Water plants")
	if reply.Text != `Task "Water plants" deleted!` {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/delete Water plants")
	if reply.Text != `Task "Water plants" was not found!` {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/add Water plants")
	if reply.Text != `Task "Water plants" added!` {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_ConcurrentDoneExactlyOnce(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")

	var wg sync.WaitGroup
	replies := make([]dialog.Reply, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = d.Deliver(context.Background(), "telegram", "1", "/done Water plants", nil)
		}(i)
	}
	wg.Wait()

	completed := `Task "Water plants" completed!`
	notFound := `Task "Water plants" was not found!`
	got := []string{replies[0].Text, replies[1].Text}
	if !((got[0] == completed && got[1] == notFound) || (got[0] == notFound && got[1] == completed)) {
		t.Fatalf("replies = %v", got)
	}

	ctx := context.Background()
	accountID, err := store.ResolveAccount(ctx, "telegram", "1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	done, err := store.ListCompletedTasks(ctx, accountID)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(done) != 1 || done[0] != "Water plants" {
		t.Fatalf("completed = %v, want exactly one Water plants", done)
	}
}

func TestDispatcher_ExportImportRoundTrip(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")
	deliver(t, d, "1", "/add Buy milk")
	deliver(t, d, "1", "/add Pay rent")
	deliver(t, d, "1", "/done Pay rent")

	reply := deliver(t, d, "1", "/export backup")
	if reply.File == nil {
		t.Fatal("export produced no artifact")
	}
	if reply.File.Name != "backup.json" {
		t.Fatalf("artifact name = %q", reply.File.Name)
	}

	// A fresh account on another platform imports the artifact.
	d.Deliver(context.Background(), "gateway", "9", "/registration", nil)
	d.Deliver(context.Background(), "gateway", "9", "bob", nil)
	d.Deliver(context.Background(), "gateway", "9", "hunter2", nil)

	imp := d.Deliver(context.Background(), "gateway", "9", "", &dialog.Attachment{
		Name: reply.File.Name,
		Data: reply.File.Data,
	})
	if imp.Text != "Imported 2 tasks and 1 completed tasks." {
		t.Fatalf("import reply = %q", imp.Text)
	}

	list := d.Deliver(context.Background(), "gateway", "9", "/list", nil)
	if !strings.Contains(list.Text, "1. Water plants") || !strings.Contains(list.Text, "2. Buy milk") {
		t.Fatalf("list = %q", list.Text)
	}
	done := d.Deliver(context.Background(), "gateway", "9", "/completed", nil)
	if !strings.Contains(done.Text, "1. Pay rent") {
		t.Fatalf("completed = %q", done.Text)
	}
}

func TestDispatcher_ImportRejectsMalformedFile(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")

	reply := d.Deliver(context.Background(), "telegram", "1", "", &dialog.Attachment{
		Name: "junk.json",
		Data: []byte("not a snapshot"),
	})
	if !strings.Contains(reply.Text, "doesn't look like") {
		t.Fatalf("reply = %q", reply.Text)
	}

	// Nothing was replaced.
	list := deliver(t, d, "1", "/list")
	if !strings.Contains(list.Text, "Water plants") {
		t.Fatalf("list = %q", list.Text)
	}
}

func TestDispatcher_LogoutIsPerPlatform(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	// Same account logs in from the gateway too.
	d.Deliver(context.Background(), "gateway", "g1", "/login", nil)
	d.Deliver(context.Background(), "gateway", "g1", "alice", nil)
	d.Deliver(context.Background(), "gateway", "g1", "secret", nil)

	reply := deliver(t, d, "1", "/exit")
	if !strings.Contains(reply.Text, "logged out") {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/list")
	if !strings.Contains(reply.Text, "/login") {
		t.Fatalf("expected auth gate after logout, got %q", reply.Text)
	}

	// The gateway binding survives.
	list := d.Deliver(context.Background(), "gateway", "g1", "/list", nil)
	if strings.Contains(list.Text, "/login") {
		t.Fatalf("gateway binding lost: %q", list.Text)
	}
}

func TestDispatcher_NewCommandSupersedesPending(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	deliver(t, d, "1", "/add")
	reply := deliver(t, d, "1", "/login")
	if reply.Text != "Enter a username:" {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestDispatcher_ButtonAliases(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")
	deliver(t, d, "1", "/add Water plants")

	reply := deliver(t, d, "1", "My Tasks")
	if !strings.Contains(reply.Text, "Water plants") {
		t.Fatalf("alias reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "Add Task")
	if reply.Text != "What should the task say?" {
		t.Fatalf("alias reply = %q", reply.Text)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	reply := deliver(t, d, "1", "/frobnicate")
	if !strings.Contains(reply.Text, "Unknown command") {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/help")
	if !strings.Contains(reply.Text, "/expand") {
		t.Fatalf("help = %q", reply.Text)
	}
}

func TestDispatcher_TaskTextWithPercentSigns(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "1", "alice", "secret")

	reply := deliver(t, d, "1", "/add Water 50%s of plants")
	if reply.Text != `Task "Water 50%s of plants" added!` {
		t.Fatalf("reply = %q", reply.Text)
	}
	reply = deliver(t, d, "1", "/list")
	if reply.Text != "Your tasks:\n1. Water 50%s of plants" {
		t.Fatalf("reply = %q", reply.Text)
	}
}
