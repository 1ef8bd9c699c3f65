package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/dialog"
	"github.com/basket/taskdeck/internal/persistence"
)

// SessionLookup resolves which platform sessions an account is bound to.
// Satisfied by *persistence.Store.
type SessionLookup interface {
	SessionsForAccount(ctx context.Context, accountID string) ([]persistence.Session, error)
}

// maxImportBytes caps import downloads; a task snapshot is tiny.
const maxImportBytes = 1 << 20

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	dispatcher Deliverer
	sessions   SessionLookup
	logger     *slog.Logger
	events     *bus.Bus
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
}

// NewTelegramChannel creates a new Telegram channel. An empty allowedIDs
// list admits everyone.
func NewTelegramChannel(token string, allowedIDs []int64, dispatcher Deliverer, sessions SessionLookup, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     events,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// commandKeyboard is the persistent reply keyboard. Its labels are aliases
// of the slash commands, folded by the dispatcher's command parser.
var commandKeyboard = tgbotapi.NewReplyKeyboard(
	tgbotapi.NewKeyboardButtonRow(
		tgbotapi.NewKeyboardButton("My Tasks"),
		tgbotapi.NewKeyboardButton("Add Task"),
		tgbotapi.NewKeyboardButton("Task Done"),
	),
	tgbotapi.NewKeyboardButtonRow(
		tgbotapi.NewKeyboardButton("Completed Tasks"),
		tgbotapi.NewKeyboardButton("Delete Task"),
		tgbotapi.NewKeyboardButton("Help"),
	),
)

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.events != nil {
		go t.watchSyncEvents(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead; the library blocks rather than
	// closing the channel.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)

	var att *dialog.Attachment
	if msg.Document != nil {
		data, err := t.downloadDocument(ctx, msg.Document)
		if err != nil {
			t.logger.Warn("telegram document download failed", "error", err, "user_id", userID)
			t.reply(msg.Chat.ID, dialog.Reply{Text: "Could not download that file, please try again."})
			return
		}
		att = &dialog.Attachment{Name: msg.Document.FileName, Data: data}
	} else if strings.TrimSpace(msg.Text) == "" {
		return
	}

	reply := t.dispatcher.Deliver(ctx, t.Name(), userID, msg.Text, att)
	t.reply(msg.Chat.ID, reply)
}

func (t *TelegramChannel) downloadDocument(ctx context.Context, doc *tgbotapi.Document) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(doc.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImportBytes))
}

func (t *TelegramChannel) reply(chatID int64, reply dialog.Reply) {
	if reply.Text != "" {
		msg := tgbotapi.NewMessage(chatID, reply.Text)
		msg.ReplyMarkup = commandKeyboard
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram reply", "error", err)
		}
	}
	if reply.File != nil {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
			Name:  reply.File.Name,
			Bytes: reply.File.Data,
		})
		if _, err := t.bot.Send(doc); err != nil {
			t.logger.Error("failed to send telegram document", "error", err)
		}
	}
}

// watchSyncEvents pushes a short note to Telegram-bound sessions of an
// account whenever its tasks change from another platform, so both devices
// stay in sync without polling.
func (t *TelegramChannel) watchSyncEvents(ctx context.Context) {
	// Subscribe to everything; syncNote drops the topics that are not
	// user-visible task changes.
	sub := t.events.Subscribe("")
	defer t.events.Unsubscribe(sub)

	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-sub.Ch():
		}
		if !ok {
			return
		}
		payload, isAccount := ev.Payload.(bus.AccountEvent)
		if !isAccount || payload.Platform == t.Name() {
			continue
		}
		t.notifyAccount(ev.Topic, payload)
	}
}

func syncNote(topic string, ev bus.AccountEvent) string {
	switch topic {
	case bus.TopicTaskAdded:
		return fmt.Sprintf("Task %q was added on %s.", ev.Detail, ev.Platform)
	case bus.TopicTaskDeleted:
		return fmt.Sprintf("Task %q was deleted on %s.", ev.Detail, ev.Platform)
	case bus.TopicTaskCompleted:
		return fmt.Sprintf("Task %q was completed on %s.", ev.Detail, ev.Platform)
	case bus.TopicSubtaskChanged:
		return fmt.Sprintf("Subtasks of %q changed on %s.", ev.Detail, ev.Platform)
	case bus.TopicSnapshotImported:
		return fmt.Sprintf("Tasks were imported on %s.", ev.Platform)
	}
	return ""
}

func (t *TelegramChannel) notifyAccount(topic string, ev bus.AccountEvent) {
	note := syncNote(topic, ev)
	if note == "" || t.sessions == nil {
		return
	}
	sessions, err := t.sessions.SessionsForAccount(context.Background(), ev.AccountID)
	if err != nil {
		t.logger.Warn("session lookup failed", "error", err)
		return
	}
	for _, s := range sessions {
		if s.Platform != t.Name() {
			continue
		}
		chatID, err := strconv.ParseInt(s.PlatformID, 10, 64)
		if err != nil {
			continue
		}
		t.reply(chatID, dialog.Reply{Text: note})
	}
}
