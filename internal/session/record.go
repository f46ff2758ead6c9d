// Package session keeps interactive browser-backed login sessions alive
// across stateless HTTP requests. Each session owns exactly one automated
// browser context, advances through a fixed state machine, and is swept away
// once it expires or reaches a terminal state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dfci-online/luminate-cookbook/internal/browser"
	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateInitializing           State = "INITIALIZING"
	StateAwaitingCredentialCheck State = "AWAITING_CREDENTIAL_CHECK"
	StateAwaitingSecondFactor   State = "AWAITING_SECOND_FACTOR"
	StateAuthenticated          State = "AUTHENTICATED"
	StateProcessing             State = "PROCESSING"
	StateCompleted              State = "COMPLETED"
	StateFailed                 State = "FAILED"
	StateCancelled              State = "CANCELLED"
	StateExpired                State = "EXPIRED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// FailureKind classifies why a session ended in StateFailed.
type FailureKind string

const (
	FailInvalidCredentials   FailureKind = "invalid_credentials"
	FailSecondFactorRejected FailureKind = "second_factor_rejected"
	FailBrowserCrashed       FailureKind = "browser_crashed"
	FailUnknown              FailureKind = "unknown"
)

// Failure is the classified error surfaced to callers. Raw automation
// internals never leave the manager.
type Failure struct {
	Kind    FailureKind
	Message string
}

// AutomationContext is the capability surface a record owns. Implemented by
// *browser.Context in production and by fakes in tests.
type AutomationContext interface {
	AttemptLogin(ctx context.Context, creds models.Credentials) (browser.LoginOutcome, error)
	SubmitSecondFactor(ctx context.Context, code string) (bool, error)
	UploadImage(ctx context.Context, item models.WorkItem) (models.UploadResult, error)
	SaveAuthState(path string) error
	Close() error
}

// Record holds all state for one in-flight login-and-upload attempt. Every
// mutation goes through methods that take the record mutex; the state field
// doubles as the gate that keeps concurrent callers from both advancing the
// same session.
type Record struct {
	ID       string
	Username string

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	lastActivity time.Time
	terminalAt   time.Time
	codeDeadline time.Time // set on entering AWAITING_SECOND_FACTOR
	browser      AutomationContext
	payload      []models.WorkItem
	progress     []models.UploadResult
	message      string
	failure      *Failure
	cleanup      func() // releases payload temp files, runs once on terminal
}

func newRecord(id, username string, payload []models.WorkItem, now time.Time) *Record {
	return &Record{
		ID:           id,
		Username:     username,
		state:        StateInitializing,
		createdAt:    now,
		lastActivity: now,
		payload:      payload,
		message:      "Initializing browser session...",
	}
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) attachBrowser(bc AutomationContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browser = bc
}

// currentBrowser returns the owned context, or nil once the record has gone
// terminal and released it.
func (r *Record) currentBrowser() AutomationContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser
}

// payloadItems returns a copy of the work items. The payload never changes
// after creation.
func (r *Record) payloadItems() []models.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WorkItem(nil), r.payload...)
}

// transition flips from -> to and refreshes the activity timestamp. It
// returns false without side effects if the record is not in from.
func (r *Record) transition(from, to State, msg string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	r.message = msg
	r.lastActivity = now
	return true
}

// armCodeDeadline moves the record into AWAITING_SECOND_FACTOR with the
// given wait window.
func (r *Record) armCodeDeadline(msg string, now time.Time, wait time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = StateAwaitingSecondFactor
	r.message = msg
	r.lastActivity = now
	r.codeDeadline = now.Add(wait)
	return true
}

// claimSecondFactor is the atomic gate for SubmitCode: exactly one caller
// can flip AWAITING_SECOND_FACTOR into the in-flight check state. A lapsed
// deadline is reported without mutating here; the manager expires the
// session through the single terminal path.
func (r *Record) claimSecondFactor(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateExpired {
		return ErrExpired
	}
	if r.state != StateAwaitingSecondFactor {
		return ErrInvalidState
	}
	if now.After(r.codeDeadline) {
		return ErrExpired
	}
	r.state = StateAwaitingCredentialCheck
	r.lastActivity = now
	return nil
}

func (r *Record) setCleanup(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup = fn
}

// markTerminal is the only way a record reaches a terminal state. It hands
// back the owned browser context and cleanup hook exactly once; the caller
// is responsible for running them. Returns ok=false if the record is
// already terminal.
func (r *Record) markTerminal(to State, fail *Failure, msg string, now time.Time) (bc AutomationContext, cleanup func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return nil, nil, false
	}
	r.state = to
	r.failure = fail
	if msg != "" {
		r.message = msg
	}
	r.terminalAt = now
	bc = r.browser
	r.browser = nil
	cleanup = r.cleanup
	r.cleanup = nil
	return bc, cleanup, true
}

// appendResult records one work item's outcome. Progress only grows while
// the session is non-terminal.
func (r *Record) appendResult(res models.UploadResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() || len(r.progress) >= len(r.payload) {
		return false
	}
	r.progress = append(r.progress, res)
	return true
}

func (r *Record) setMessage(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message = msg
}

// staleAt reports whether the session should be expired at now: either total
// inactivity beyond ttl, or a lapsed second-factor wait deadline.
func (r *Record) staleAt(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	if now.Sub(r.lastActivity) > ttl {
		return true
	}
	return r.state == StateAwaitingSecondFactor && now.After(r.codeDeadline)
}

// removableAt reports whether a terminal record has outlived its grace
// period and can leave the registry.
func (r *Record) removableAt(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Terminal() && now.Sub(r.terminalAt) > grace
}

// View is an immutable snapshot of a record for callers.
type View struct {
	ID             string
	State          State
	Needs2FA       bool
	Progress       float64
	CurrentFile    string
	TotalFiles     int
	CompletedFiles int
	Results        []models.UploadResult
	Message        string
	Failure        *Failure
	TimeRemaining  time.Duration
}

// Snapshot captures the record without mutating it.
func (r *Record) Snapshot(now time.Time, ttl time.Duration) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := View{
		ID:             r.ID,
		State:          r.state,
		Needs2FA:       r.state == StateAwaitingSecondFactor,
		TotalFiles:     len(r.payload),
		CompletedFiles: len(r.progress),
		Results:        append([]models.UploadResult(nil), r.progress...),
		Message:        r.message,
		Failure:        r.failure,
	}
	if len(r.payload) > 0 {
		v.Progress = float64(len(r.progress)) / float64(len(r.payload))
	}
	if len(r.progress) < len(r.payload) {
		v.CurrentFile = r.payload[len(r.progress)].Filename
	}
	if !r.state.Terminal() {
		if remaining := r.lastActivity.Add(ttl).Sub(now); remaining > 0 {
			v.TimeRemaining = remaining
		}
	}
	return v
}
