package dialog

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/persistence"
)

// AuthFlow runs the two-step registration and login dialogs. Both ask for a
// username, then a password; any terminal failure clears the dialog and the
// user restarts with the command. Passwords are never logged and only their
// bcrypt hashes reach the store.
type AuthFlow struct {
	store  *persistence.Store
	states *StateStore
	events *bus.Bus
	logger *slog.Logger
}

func NewAuthFlow(store *persistence.Store, states *StateStore, events *bus.Bus, logger *slog.Logger) *AuthFlow {
	return &AuthFlow{store: store, states: states, events: events, logger: logger}
}

// BeginRegistration starts a registration dialog, overwriting any pending one.
func (f *AuthFlow) BeginRegistration(key Key) Reply {
	f.states.Set(key, &AuthPending{Mode: ModeRegistration, Step: StepUsername})
	return textReply(msgPromptUsername)
}

// BeginLogin starts a login dialog, overwriting any pending one.
func (f *AuthFlow) BeginLogin(key Key) Reply {
	f.states.Set(key, &AuthPending{Mode: ModeLogin, Step: StepUsername})
	return textReply(msgPromptUsername)
}

// Advance consumes the next message of a pending auth dialog. Empty input
// re-prompts without touching state; everything else either moves to the
// password step or terminates the dialog.
func (f *AuthFlow) Advance(ctx context.Context, key Key, input string, st *AuthPending) Reply {
	input = strings.TrimSpace(input)

	switch st.Step {
	case StepUsername:
		if input == "" {
			return textReply(msgPromptUsername)
		}
		taken, err := f.store.UsernameTaken(ctx, input)
		if err != nil {
			f.states.Clear(key)
			f.logger.Error("auth username check failed", "error", err, "key", key.String())
			return textReply(msgStoreFailure)
		}
		if st.Mode == ModeRegistration && taken {
			f.states.Clear(key)
			return textReply(msgUsernameTaken)
		}
		if st.Mode == ModeLogin && !taken {
			f.states.Clear(key)
			return textReply(msgUsernameUnknown)
		}
		f.states.Set(key, &AuthPending{Mode: st.Mode, Step: StepPassword, Username: input})
		return textReply(msgPromptPassword)

	case StepPassword:
		if input == "" {
			return textReply(msgPromptPassword)
		}
		f.states.Clear(key)
		if st.Mode == ModeRegistration {
			return f.finishRegistration(ctx, key, st.Username, input)
		}
		return f.finishLogin(ctx, key, st.Username, input)
	}
	return textReply(msgUnknownCommand)
}

func (f *AuthFlow) finishRegistration(ctx context.Context, key Key, username, password string) Reply {
	accountID, err := f.store.RegisterAccount(ctx, username, password, key.Platform, key.UserID)
	if err != nil {
		if !errors.Is(err, persistence.ErrAlreadyExists) {
			f.logger.Error("registration failed", "error", err, "username", username)
		}
		return textReply(msgRegistrationFailed)
	}
	f.logger.Info("account registered", "username", username, "platform", key.Platform)
	f.events.Publish(bus.TopicAuthRegistered, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
		Detail:     username,
	})
	return msgWelcome(username)
}

func (f *AuthFlow) finishLogin(ctx context.Context, key Key, username, password string) Reply {
	accountID, err := f.store.VerifyPassword(ctx, username, password)
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrInvalidCredentials):
		return textReply(msgBadCredentials)
	case err != nil:
		f.logger.Error("login failed", "error", err, "username", username)
		return textReply(msgStoreFailure)
	}
	if err := f.store.BindSession(ctx, key.Platform, key.UserID, accountID); err != nil {
		f.logger.Error("session bind failed", "error", err, "username", username)
		return textReply(msgStoreFailure)
	}
	f.logger.Info("login", "username", username, "platform", key.Platform)
	f.events.Publish(bus.TopicAuthLogin, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
		Detail:     username,
	})
	return msgWelcome(username)
}

// AccountID resolves key to its bound account, if any.
func (f *AuthFlow) AccountID(ctx context.Context, key Key) (string, bool) {
	accountID, err := f.store.ResolveAccount(ctx, key.Platform, key.UserID)
	if err != nil {
		return "", false
	}
	return accountID, true
}

// Logout unbinds key's session on this platform only. Other platform
// bindings of the same account are untouched.
func (f *AuthFlow) Logout(ctx context.Context, key Key) Reply {
	accountID, err := f.store.ResolveAccount(ctx, key.Platform, key.UserID)
	if err != nil {
		return textReply(msgNotLoggedIn)
	}
	removed, err := f.store.UnbindSession(ctx, key.Platform, key.UserID)
	if err != nil {
		f.logger.Error("logout failed", "error", err, "key", key.String())
		return textReply(msgStoreFailure)
	}
	if !removed {
		return textReply(msgNotLoggedIn)
	}
	f.states.Clear(key)
	f.events.Publish(bus.TopicAuthLogout, bus.AccountEvent{
		AccountID:  accountID,
		Platform:   key.Platform,
		PlatformID: key.UserID,
	})
	return textReply(msgLoggedOut)
}
