// Package dialog coordinates per-user conversation state. Every inbound
// message from any channel funnels into the Dispatcher, which consults the
// StateStore and routes to the auth, task-operation or subtask flow. A user
// has at most one pending dialog at a time; setting a new one overwrites it.
package dialog

import (
	"sync"
	"time"
)

// Key addresses all dialog state: a platform type plus the platform-scoped
// user identifier. The same person on two platforms is two keys.
type Key struct {
	Platform string
	UserID   string
}

func (k Key) String() string {
	return k.Platform + ":" + k.UserID
}

// PendingState is the single in-flight dialog for a Key. It is a sealed sum
// type: the only variants are AuthPending, OperationPending and
// SubtaskPending. Values are immutable; transitions Set a fresh value.
type PendingState interface {
	pendingState()
}

// AuthMode selects between the two authentication dialogs.
type AuthMode int

const (
	ModeRegistration AuthMode = iota
	ModeLogin
)

// AuthStep is the current step of an authentication dialog.
type AuthStep int

const (
	StepUsername AuthStep = iota
	StepPassword
)

// AuthPending is a registration or login dialog in progress. Username is
// recorded once the username step completes.
type AuthPending struct {
	Mode     AuthMode
	Step     AuthStep
	Username string
}

func (*AuthPending) pendingState() {}

// Operation is the closed set of one-parameter task operations.
type Operation int

const (
	OpAdd Operation = iota
	OpDelete
	OpDone
	OpExport
)

// OperationPending means the user was prompted for the operation's parameter
// and the next message supplies it.
type OperationPending struct {
	Op Operation
}

func (*OperationPending) pendingState() {}

// SubtaskStep is the active sub-step inside an expansion dialog. StepSelect
// means a task is selected but no subtask command has been issued yet.
type SubtaskStep int

const (
	StepSelect SubtaskStep = iota
	StepAddSubtask
	StepDeleteSubtask
	StepEditSelect
	StepEditReplace
)

// SubtaskPending is an expansion dialog: a task selected for subtask editing.
// TaskText is display only; TaskID is canonical and re-validated against the
// store at every use. Selected holds the subtask chosen for editing while the
// dialog sits in StepEditReplace.
type SubtaskPending struct {
	TaskID   int64
	TaskText string
	Step     SubtaskStep
	Selected string
}

func (*SubtaskPending) pendingState() {}

type stateEntry struct {
	state     PendingState
	updatedAt time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// StateStore maps Keys to pending dialogs. All accessors are safe for
// concurrent use. Lock serializes whole-message handling per key so that two
// concurrent deliveries for the same user never both consume one dialog;
// Take removes and returns in one step for callers that clear on read.
type StateStore struct {
	mu      sync.Mutex
	entries map[Key]stateEntry
	locks   map[Key]*keyLock

	now func() time.Time
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[Key]stateEntry),
		locks:   make(map[Key]*keyLock),
		now:     time.Now,
	}
}

// Lock acquires the per-key serialization lock and returns its release
// function. Locks for distinct keys are independent.
func (s *StateStore) Lock(key Key) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Get returns the pending dialog for key, or nil when idle.
func (s *StateStore) Get(key Key) (PendingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Set records st as the pending dialog for key, overwriting any previous one.
func (s *StateStore) Set(key Key, st PendingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stateEntry{state: st, updatedAt: s.now()}
}

// Clear removes any pending dialog for key.
func (s *StateStore) Clear(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Has reports whether key has a pending dialog.
func (s *StateStore) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Take removes and returns the pending dialog for key in one atomic step.
func (s *StateStore) Take(key Key) (PendingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	delete(s.entries, key)
	return e.state, true
}

// Len returns the number of pending dialogs.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ExpireIdle clears every dialog untouched for longer than ttl and returns
// the affected keys. The sweeper calls this so an abandoned prompt does not
// pin the user's slot forever. Keys with a delivery in flight (their per-key
// lock is held) are skipped; that dialog is about to be refreshed or cleared
// by the delivery itself.
func (s *StateStore) ExpireIdle(ttl time.Duration) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl)
	var expired []Key
	for key, e := range s.entries {
		if l := s.locks[key]; l != nil && l.refs > 0 {
			continue
		}
		if e.updatedAt.Before(cutoff) {
			delete(s.entries, key)
			expired = append(expired, key)
		}
	}
	return expired
}
