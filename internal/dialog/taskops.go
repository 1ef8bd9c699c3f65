package dialog

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/persistence"
	"github.com/basket/taskdeck/internal/transfer"
)

// OperationFlow runs the one-parameter task operations. A command with an
// inline argument executes immediately; without one it prompts and parks an
// OperationPending so the next message supplies the parameter.
type OperationFlow struct {
	store  *persistence.Store
	states *StateStore
	events *bus.Bus
	logger *slog.Logger
}

func NewOperationFlow(store *persistence.Store, states *StateStore, events *bus.Bus, logger *slog.Logger) *OperationFlow {
	return &OperationFlow{store: store, states: states, events: events, logger: logger}
}

func promptFor(op Operation) string {
	switch op {
	case OpAdd:
		return msgPromptAddTask
	case OpDelete:
		return msgPromptDeleteTask
	case OpDone:
		return msgPromptDoneTask
	case OpExport:
		return msgPromptExportName
	}
	return msgUnknownCommand
}

// Invoke handles a freshly issued operation command. A non-empty parameter
// executes without touching pending state.
func (f *OperationFlow) Invoke(ctx context.Context, key Key, accountID string, op Operation, param string) Reply {
	param = strings.TrimSpace(param)
	if param == "" {
		f.states.Set(key, &OperationPending{Op: op})
		return textReply(promptFor(op))
	}
	return f.execute(ctx, key, accountID, op, param)
}

// Advance consumes the parameter message of a pending operation. The pending
// state is taken before execution; empty input puts it back and re-prompts.
func (f *OperationFlow) Advance(ctx context.Context, key Key, accountID, input string) Reply {
	st, ok := f.states.Take(key)
	if !ok {
		return textReply(msgUnknownCommand)
	}
	pending, ok := st.(*OperationPending)
	if !ok {
		f.states.Set(key, st)
		return textReply(msgUnknownCommand)
	}
	input = strings.TrimSpace(input)
	if input == "" {
		f.states.Set(key, pending)
		return textReply(promptFor(pending.Op))
	}
	return f.execute(ctx, key, accountID, pending.Op, input)
}

func (f *OperationFlow) execute(ctx context.Context, key Key, accountID string, op Operation, param string) Reply {
	switch op {
	case OpAdd:
		err := f.store.InsertTask(ctx, accountID, param)
		switch {
		case errors.Is(err, persistence.ErrAlreadyExists):
			return msgTaskExists(param)
		case err != nil:
			return f.storeFailure("add task", err, key)
		}
		f.publish(bus.TopicTaskAdded, key, accountID, param)
		return msgTaskAdded(param)

	case OpDelete:
		err := f.store.DeleteTask(ctx, accountID, param)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return msgTaskNotFound(param)
		case err != nil:
			return f.storeFailure("delete task", err, key)
		}
		f.publish(bus.TopicTaskDeleted, key, accountID, param)
		return msgTaskDeleted(param)

	case OpDone:
		err := f.store.CompleteTask(ctx, accountID, param)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return msgTaskNotFound(param)
		case errors.Is(err, persistence.ErrAlreadyExists):
			return msgTaskAlreadyCompleted(param)
		case err != nil:
			return f.storeFailure("complete task", err, key)
		}
		f.publish(bus.TopicTaskCompleted, key, accountID, param)
		return msgTaskCompleted(param)

	case OpExport:
		return f.export(ctx, key, accountID, param)
	}
	return textReply(msgUnknownCommand)
}

func (f *OperationFlow) export(ctx context.Context, key Key, accountID, filename string) Reply {
	current, err := f.store.ListCurrentTasks(ctx, accountID)
	if err != nil {
		return f.storeFailure("export list current", err, key)
	}
	completed, err := f.store.ListCompletedTasks(ctx, accountID)
	if err != nil {
		return f.storeFailure("export list completed", err, key)
	}
	artifact, err := transfer.Encode(current, completed, filename)
	if err != nil {
		f.logger.Error("export encode failed", "error", err, "key", key.String())
		return textReply(msgStoreFailure)
	}
	return Reply{
		Text: msgExported(len(current)+len(completed), artifact.Name),
		File: artifact,
	}
}

func (f *OperationFlow) publish(topic string, key Key, accountID, detail string) {
	f.events.Publish(topic, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
		Detail:     detail,
	})
}

func (f *OperationFlow) storeFailure(op string, err error, key Key) Reply {
	f.logger.Error("task operation failed", "op", op, "error", err, "key", key.String())
	return textReply(msgStoreFailure)
}
