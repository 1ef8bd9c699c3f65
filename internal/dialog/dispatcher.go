package dialog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/persistence"
	"github.com/basket/taskdeck/internal/transfer"
)

// Attachment is a file delivered with an inbound message (import uploads).
type Attachment struct {
	Name string
	Data []byte
}

// Metrics receives per-message measurements. The otel package provides the
// real implementation; a nil Metrics disables recording.
type Metrics interface {
	MessageHandled(ctx context.Context, platform string, elapsed time.Duration)
}

// Dispatcher is the transport-facing entry point. Channels call Deliver for
// every inbound message; routing depends on the user's authentication status
// and pending dialog, never on which channel delivered the message.
type Dispatcher struct {
	store    *persistence.Store
	states   *StateStore
	auth     *AuthFlow
	ops      *OperationFlow
	subtasks *SubtaskFlow
	events   *bus.Bus
	logger   *slog.Logger
	metrics  Metrics
}

func NewDispatcher(store *persistence.Store, states *StateStore, events *bus.Bus, logger *slog.Logger, metrics Metrics) *Dispatcher {
	return &Dispatcher{
		store:    store,
		states:   states,
		auth:     NewAuthFlow(store, states, events, logger),
		ops:      NewOperationFlow(store, states, events, logger),
		subtasks: NewSubtaskFlow(store, states, events, logger),
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
}

// States exposes the state store for the expiry sweeper.
func (d *Dispatcher) States() *StateStore {
	return d.states
}

// Deliver handles one inbound message and returns the reply the channel
// should send. The per-key lock is held for the whole call, so two
// concurrent messages from the same user are handled one after the other
// and never both consume the same pending dialog.
func (d *Dispatcher) Deliver(ctx context.Context, platform, userID, text string, att *Attachment) Reply {
	key := Key{Platform: platform, UserID: userID}
	unlock := d.states.Lock(key)
	defer unlock()

	start := time.Now()
	reply := d.route(ctx, key, text, att)
	if d.metrics != nil {
		d.metrics.MessageHandled(ctx, platform, time.Since(start))
	}
	return reply
}

func (d *Dispatcher) route(ctx context.Context, key Key, text string, att *Attachment) Reply {
	accountID, authenticated := d.auth.AccountID(ctx, key)

	if att != nil {
		if !authenticated {
			return textReply(msgWelcomeGate)
		}
		return d.handleImport(ctx, key, accountID, att)
	}

	pending, _ := d.states.Get(key)
	cmd, arg := parseCommand(text)

	// Unauthenticated users only get the auth entry points, or the auth
	// dialog they already started.
	if authPending, ok := pending.(*AuthPending); ok {
		if cmd == cmdRegistration {
			return d.auth.BeginRegistration(key)
		}
		if cmd == cmdLogin {
			return d.auth.BeginLogin(key)
		}
		return d.auth.Advance(ctx, key, text, authPending)
	}
	if !authenticated {
		switch cmd {
		case cmdRegistration:
			return d.auth.BeginRegistration(key)
		case cmdLogin:
			return d.auth.BeginLogin(key)
		}
		return textReply(msgWelcomeGate)
	}

	switch cmd {
	case cmdRegistration:
		return d.auth.BeginRegistration(key)
	case cmdLogin:
		return d.auth.BeginLogin(key)
	case cmdExit:
		return d.auth.Logout(ctx, key)
	}

	if st, ok := pending.(*SubtaskPending); ok {
		return d.subtasks.Handle(ctx, key, accountID, text, st)
	}
	if _, ok := pending.(*OperationPending); ok {
		return d.ops.Advance(ctx, key, accountID, text)
	}

	switch cmd {
	case cmdAdd:
		return d.ops.Invoke(ctx, key, accountID, OpAdd, arg)
	case cmdDelete:
		return d.ops.Invoke(ctx, key, accountID, OpDelete, arg)
	case cmdDone:
		return d.ops.Invoke(ctx, key, accountID, OpDone, arg)
	case cmdExport:
		return d.ops.Invoke(ctx, key, accountID, OpExport, arg)
	case cmdList:
		return d.listCurrent(ctx, key, accountID)
	case cmdCompleted:
		return d.listCompleted(ctx, key, accountID)
	case cmdExpand:
		return d.beginExpansion(ctx, key, accountID, arg)
	case cmdImport:
		return textReply(msgPromptImport)
	case cmdHelp:
		return textReply(msgHelp)
	}
	return textReply(msgUnknownCommand)
}

func (d *Dispatcher) listCurrent(ctx context.Context, key Key, accountID string) Reply {
	tasks, err := d.store.ListCurrentTasks(ctx, accountID)
	if err != nil {
		return d.storeFailure("list tasks", err, key)
	}
	if len(tasks) == 0 {
		return textReply(msgNoTasks)
	}
	return textReply(renderList("Your tasks:", tasks))
}

func (d *Dispatcher) listCompleted(ctx context.Context, key Key, accountID string) Reply {
	tasks, err := d.store.ListCompletedTasks(ctx, accountID)
	if err != nil {
		return d.storeFailure("list completed", err, key)
	}
	if len(tasks) == 0 {
		return textReply(msgNoCompletedTasks)
	}
	return textReply(renderList("Completed tasks:", tasks))
}

func (d *Dispatcher) beginExpansion(ctx context.Context, key Key, accountID, taskText string) Reply {
	if taskText == "" {
		return textReply(msgExpandUsage)
	}
	taskID, err := d.store.FindTask(ctx, accountID, taskText)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return msgTaskNotFound(taskText)
	case err != nil:
		return d.storeFailure("find task", err, key)
	}
	return d.subtasks.StartExpansion(key, taskID, taskText)
}

// handleImport replaces the account's task sets from an uploaded snapshot.
// The replacement is one store transaction; a malformed file changes nothing.
func (d *Dispatcher) handleImport(ctx context.Context, key Key, accountID string, att *Attachment) Reply {
	current, completed, err := transfer.Decode(att.Data)
	switch {
	case errors.Is(err, transfer.ErrBadSnapshot):
		return textReply(msgImportBadFormat)
	case err != nil:
		return d.storeFailure("import decode", err, key)
	}
	if err := d.store.ReplaceAllTasks(ctx, accountID, current, completed); err != nil {
		return d.storeFailure("import replace", err, key)
	}
	d.events.Publish(bus.TopicSnapshotImported, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
		Detail:     att.Name,
	})
	return msgImported(len(current), len(completed))
}

func (d *Dispatcher) storeFailure(op string, err error, key Key) Reply {
	d.states.Clear(key)
	d.logger.Error("dispatch failed", "op", op, "error", err, "key", key.String())
	return textReply(msgStoreFailure)
}
