package dialog

import (
	"fmt"
	"strings"

	"github.com/basket/taskdeck/internal/transfer"
)

// Reply is what a channel sends back to the user: text plus an optional file
// (export artifacts).
type Reply struct {
	Text string
	File *transfer.Artifact
}

func textReply(text string) Reply {
	return Reply{Text: text}
}

func textReplyf(format string, args ...interface{}) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// Canonical slash commands. Button labels on the channels are aliases for
// these; parseCommand folds them before routing.
const (
	cmdRegistration  = "/registration"
	cmdLogin         = "/login"
	cmdExit          = "/exit"
	cmdAdd           = "/add"
	cmdDelete        = "/delete"
	cmdDone          = "/done"
	cmdList          = "/list"
	cmdCompleted     = "/completed"
	cmdExport        = "/export"
	cmdImport        = "/import"
	cmdExpand        = "/expand"
	cmdHelp          = "/help"
	cmdSubtaskAdd    = "/subtask_add"
	cmdSubtaskDelete = "/subtask_delete"
	cmdSubtaskEdit   = "/subtask_edit"
	cmdFinish        = "/finish"
)

var commandAliases = map[string]string{
	"register":        cmdRegistration,
	"sign up":         cmdRegistration,
	"log in":          cmdLogin,
	"log out":         cmdExit,
	"add task":        cmdAdd,
	"delete task":     cmdDelete,
	"task done":       cmdDone,
	"my tasks":        cmdList,
	"completed tasks": cmdCompleted,
	"export tasks":    cmdExport,
	"import tasks":    cmdImport,
	"edit subtasks":   cmdExpand,
	"add subtask":     cmdSubtaskAdd,
	"delete subtask":  cmdSubtaskDelete,
	"edit subtask":    cmdSubtaskEdit,
	"finish":          cmdFinish,
	"help":            cmdHelp,
}

// parseCommand splits a message into a canonical command and its inline
// argument. Button-label aliases match the whole line, case-insensitively,
// and carry no argument. Text that is neither a slash command nor an alias
// comes back with an empty command.
func parseCommand(text string) (cmd, arg string) {
	trimmed := strings.TrimSpace(text)
	if alias, ok := commandAliases[strings.ToLower(trimmed)]; ok {
		return alias, ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", trimmed
	}
	cmd, arg, _ = strings.Cut(trimmed, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// Product copy. Kept in one place so channels render identical wording.
const (
	msgWelcomeGate = "Welcome to TaskDeck! Please /registration or /login first."

	msgPromptUsername     = "Enter a username:"
	msgPromptPassword     = "Enter a password:"
	msgUsernameTaken      = "This username is already taken. Send /registration to try again."
	msgUsernameUnknown    = "No account with that username. Send /registration to create one."
	msgBadCredentials     = "Invalid credentials. Send /login to try again."
	msgRegistrationFailed = "Registration failed, please try again."
	msgLoggedOut          = "You are logged out. See you!"
	msgNotLoggedIn        = "You are not logged in."

	msgPromptAddTask    = "What should the task say?"
	msgPromptDeleteTask = "Which task should be deleted?"
	msgPromptDoneTask   = "Which task is done?"
	msgPromptExportName = "What should the export file be called?"

	msgNoTasks          = "You have no tasks yet. Send /add to create one."
	msgNoCompletedTasks = "No completed tasks yet."

	msgPromptImport    = "Send the exported .json file as an attachment."
	msgImportBadFormat = "That file doesn't look like a tasks export."

	msgExpandUsage         = "Usage: /expand <task>"
	msgSubtaskUsage        = "Subtask commands: /subtask_add, /subtask_delete, /subtask_edit, /finish."
	msgPromptSubtask       = "Send the subtask text."
	msgPromptDeleteSubtask = "Which subtask should be deleted?"
	msgPromptEditSubtask   = "Which subtask should be edited?"
	msgPromptNewText       = "Send the new subtask text."
	msgNoSubtasks          = "This task has no subtasks yet."
	msgUnknownCommand      = "Unknown command. Send /help for the list of commands."
	msgStoreFailure        = "Something went wrong, please try again."

	msgHelp = `TaskDeck commands:
/registration - create an account
/login - sign in
/exit - sign out
/add <task> - add a task
/delete <task> - delete a task
/done <task> - mark a task completed
/list - show current tasks
/completed - show completed tasks
/expand <task> - edit a task's subtasks
/export <file> - export tasks to a file
/import - import a previously exported file
/help - this message`
)

func msgWelcome(username string) Reply {
	return textReplyf("Welcome, %s!", username)
}

func msgTaskAdded(text string) Reply {
	return textReplyf("Task %q added!", text)
}

func msgTaskExists(text string) Reply {
	return textReplyf("Task %q already exists!", text)
}

func msgTaskDeleted(text string) Reply {
	return textReplyf("Task %q deleted!", text)
}

func msgTaskCompleted(text string) Reply {
	return textReplyf("Task %q completed!", text)
}

func msgTaskNotFound(text string) Reply {
	return textReplyf("Task %q was not found!", text)
}

func msgTaskAlreadyCompleted(text string) Reply {
	return textReplyf("Task %q is already completed!", text)
}

func msgExported(count int, name string) string {
	return fmt.Sprintf("Exported %d tasks to %s.", count, name)
}

func msgImported(current, completed int) Reply {
	return textReplyf("Imported %d tasks and %d completed tasks.", current, completed)
}

func msgExpandStarted(taskText string) Reply {
	return textReplyf("Editing subtasks of %q. %s", taskText, msgSubtaskUsage)
}

func msgExpandFinished(taskText string) Reply {
	return textReplyf("Finished editing %q.", taskText)
}

func msgSubtaskAdded(text string) Reply {
	return textReplyf("Subtask %q added!", text)
}

func msgSubtaskExists(text string) Reply {
	return textReplyf("Subtask %q already exists!", text)
}

func msgSubtaskDeleted(text string) Reply {
	return textReplyf("Subtask %q deleted!", text)
}

func msgSubtaskRenamed(oldText, newText string) Reply {
	return textReplyf("Subtask %q is now %q.", oldText, newText)
}

func msgSubtaskNotFound(text string) Reply {
	return textReplyf("Subtask %q was not found!", text)
}

func msgTaskGone(taskText string) Reply {
	return textReplyf("Task %q no longer exists.", taskText)
}

// renderList numbers items one per line, for /list, /completed and the
// subtask pick prompts.
func renderList(header string, items []string) string {
	var b strings.Builder
	b.WriteString(header)
	for i, item := range items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, item)
	}
	return b.String()
}
