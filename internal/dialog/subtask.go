package dialog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/persistence"
)

// SubtaskFlow runs the expansion dialog: editing the subtasks of one task
// selected with /expand. The selection persists across subtask commands until
// /finish; each store mutation re-checks that the parent task still exists,
// since another device may delete or complete it mid-dialog.
type SubtaskFlow struct {
	store  *persistence.Store
	states *StateStore
	events *bus.Bus
	logger *slog.Logger
}

func NewSubtaskFlow(store *persistence.Store, states *StateStore, events *bus.Bus, logger *slog.Logger) *SubtaskFlow {
	return &SubtaskFlow{store: store, states: states, events: events, logger: logger}
}

// StartExpansion selects a task for subtask editing, overwriting any pending
// dialog.
func (f *SubtaskFlow) StartExpansion(key Key, taskID int64, taskText string) Reply {
	f.states.Set(key, &SubtaskPending{TaskID: taskID, TaskText: taskText, Step: StepSelect})
	return msgExpandStarted(taskText)
}

// Handle consumes the next message of an active expansion dialog. With no
// sub-step active it matches the subtask command set; otherwise it advances
// the active sub-step.
func (f *SubtaskFlow) Handle(ctx context.Context, key Key, accountID, text string, st *SubtaskPending) Reply {
	if st.Step == StepSelect {
		return f.dispatchCommand(key, text, st)
	}
	return f.advance(ctx, key, accountID, text, st)
}

func (f *SubtaskFlow) dispatchCommand(key Key, text string, st *SubtaskPending) Reply {
	cmd, _ := parseCommand(text)
	switch cmd {
	case cmdSubtaskAdd:
		f.setStep(key, st, StepAddSubtask, "")
		return textReply(msgPromptSubtask)
	case cmdSubtaskDelete:
		f.setStep(key, st, StepDeleteSubtask, "")
		return textReply(msgPromptDeleteSubtask)
	case cmdSubtaskEdit:
		f.setStep(key, st, StepEditSelect, "")
		return textReply(msgPromptEditSubtask)
	case cmdFinish:
		f.states.Clear(key)
		return msgExpandFinished(st.TaskText)
	}
	return textReply(msgSubtaskUsage)
}

func (f *SubtaskFlow) advance(ctx context.Context, key Key, accountID, input string, st *SubtaskPending) Reply {
	input = strings.TrimSpace(input)

	// The selection may be stale. A vanished parent ends the whole dialog.
	exists, err := f.store.TaskExists(ctx, st.TaskID)
	if err != nil {
		return f.storeFailure("subtask task check", err, key)
	}
	if !exists {
		f.states.Clear(key)
		return msgTaskGone(st.TaskText)
	}

	switch st.Step {
	case StepAddSubtask:
		if input == "" {
			return textReply(msgPromptSubtask)
		}
		err := f.store.InsertSubtask(ctx, st.TaskID, input)
		switch {
		case errors.Is(err, persistence.ErrAlreadyExists):
			f.setStep(key, st, StepSelect, "")
			return msgSubtaskExists(input)
		case errors.Is(err, persistence.ErrNotFound):
			f.states.Clear(key)
			return msgTaskGone(st.TaskText)
		case err != nil:
			return f.storeFailure("subtask add", err, key)
		}
		f.setStep(key, st, StepSelect, "")
		f.publish(key, accountID, st.TaskText)
		return msgSubtaskAdded(input)

	case StepDeleteSubtask:
		if input == "" {
			return f.listPrompt(ctx, key, st, msgPromptDeleteSubtask)
		}
		err := f.store.DeleteSubtask(ctx, st.TaskID, input)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			f.setStep(key, st, StepSelect, "")
			return msgSubtaskNotFound(input)
		case err != nil:
			return f.storeFailure("subtask delete", err, key)
		}
		f.setStep(key, st, StepSelect, "")
		f.publish(key, accountID, st.TaskText)
		return msgSubtaskDeleted(input)

	case StepEditSelect:
		if input == "" {
			return f.listPrompt(ctx, key, st, msgPromptEditSubtask)
		}
		subtasks, err := f.store.ListSubtasks(ctx, st.TaskID)
		if err != nil {
			return f.storeFailure("subtask list", err, key)
		}
		if !slices.Contains(subtasks, input) {
			f.setStep(key, st, StepSelect, "")
			return msgSubtaskNotFound(input)
		}
		f.setStep(key, st, StepEditReplace, input)
		return textReply(msgPromptNewText)

	case StepEditReplace:
		if input == "" {
			return textReply(msgPromptNewText)
		}
		err := f.store.RenameSubtask(ctx, st.TaskID, st.Selected, input)
		switch {
		case errors.Is(err, persistence.ErrAlreadyExists):
			f.setStep(key, st, StepSelect, "")
			return msgSubtaskExists(input)
		case errors.Is(err, persistence.ErrNotFound):
			f.setStep(key, st, StepSelect, "")
			return msgSubtaskNotFound(st.Selected)
		case err != nil:
			return f.storeFailure("subtask rename", err, key)
		}
		old := st.Selected
		f.setStep(key, st, StepSelect, "")
		f.publish(key, accountID, st.TaskText)
		return msgSubtaskRenamed(old, input)
	}
	return textReply(msgSubtaskUsage)
}

func (f *SubtaskFlow) listPrompt(ctx context.Context, key Key, st *SubtaskPending, header string) Reply {
	subtasks, err := f.store.ListSubtasks(ctx, st.TaskID)
	if err != nil {
		return f.storeFailure("subtask list", err, key)
	}
	if len(subtasks) == 0 {
		f.setStep(key, st, StepSelect, "")
		return textReply(msgNoSubtasks)
	}
	return textReply(renderList(header, subtasks))
}

// setStep keeps the task selection and replaces only the sub-step.
func (f *SubtaskFlow) setStep(key Key, st *SubtaskPending, step SubtaskStep, selected string) {
	f.states.Set(key, &SubtaskPending{
		TaskID:   st.TaskID,
		TaskText: st.TaskText,
		Step:     step,
		Selected: selected,
	})
}

func (f *SubtaskFlow) publish(key Key, accountID, taskText string) {
	f.events.Publish(bus.TopicSubtaskChanged, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
		Detail:     taskText,
	})
}

func (f *SubtaskFlow) storeFailure(op string, err error, key Key) Reply {
	f.states.Clear(key)
	f.logger.Error("subtask operation failed", "op", op, "error", err, "key", key.String())
	return textReply(msgStoreFailure)
}
