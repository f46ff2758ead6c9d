package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dfci-online/luminate-cookbook/internal/authstate"
	"github.com/dfci-online/luminate-cookbook/internal/browser"
	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

// ContextFactory opens a fresh automated browser for a new session. A
// non-empty storageStatePath seeds the browser with a previously saved
// login.
type ContextFactory func(ctx context.Context, storageStatePath string) (AutomationContext, error)

// Options are the lifecycle knobs, all configuration rather than constants.
type Options struct {
	SessionTTL       time.Duration // inactivity window before expiry
	SecondFactorWait time.Duration // deadline for the one-time code
	CleanupInterval  time.Duration // sweep period
	RemovalGrace     time.Duration // how long terminal records stay visible
	Workers          int           // bounded automation worker pool size
}

// Manager orchestrates the per-session state machine: initiate login, detect
// the second-factor requirement, accept a submitted code, run the upload
// phase, and tear everything down. Blocking automation calls are gated by a
// bounded semaphore so one stuck browser cannot starve unrelated sessions.
type Manager struct {
	registry *Registry
	factory  ContextFactory
	opts     Options
	workers  *semaphore.Weighted
	auth     *authstate.Store // optional, may be nil
	log      logrus.FieldLogger

	hookMu     sync.Mutex
	sweepHooks []func(now time.Time)
}

// NewManager wires a lifecycle manager around an explicitly constructed
// registry. auth may be nil to disable saved-login persistence.
func NewManager(registry *Registry, factory ContextFactory, auth *authstate.Store, opts Options, log logrus.FieldLogger) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	return &Manager{
		registry: registry,
		factory:  factory,
		opts:     opts,
		workers:  semaphore.NewWeighted(int64(opts.Workers)),
		auth:     auth,
		log:      log,
	}
}

// Registry exposes the underlying store for health reporting.
func (m *Manager) Registry() *Registry { return m.registry }

// Start creates a session, opens its browser, and performs the initial login
// attempt. It returns as soon as the attempt is classified; the caller never
// waits on the second-factor step. Capacity and launch failures surface as
// ErrCapacity and browser.ErrLaunch with no session left behind.
func (m *Manager) Start(ctx context.Context, creds models.Credentials, payload []models.WorkItem, cleanup func()) (View, error) {
	now := time.Now()
	rec, err := m.registry.Create(creds.Username, payload, now)
	if err != nil {
		return View{}, err
	}
	rec.setCleanup(cleanup)
	log := m.log.WithField("session", shortID(rec.ID))

	if err := m.workers.Acquire(ctx, 1); err != nil {
		m.registry.Remove(rec.ID)
		return View{}, err
	}

	// A saved login for this account lets the browser skip the interactive
	// flow when the cookies are still honored.
	statePath, restored := "", false
	if m.auth != nil {
		statePath, restored = m.auth.Path(creds.Username)
	}

	bc, err := m.factory(ctx, statePath)
	if err != nil {
		m.workers.Release(1)
		m.registry.Remove(rec.ID)
		log.WithError(err).Error("browser launch failed")
		return View{}, err
	}
	rec.attachBrowser(bc)

	rec.transition(StateInitializing, StateAwaitingCredentialCheck, "Logging in...", time.Now())
	outcome, err := bc.AttemptLogin(ctx, creds)
	m.workers.Release(1)

	if err != nil {
		log.WithError(err).Error("login attempt failed")
		m.finalize(rec, StateFailed, &Failure{
			Kind:    FailBrowserCrashed,
			Message: "Browser automation failed during login.",
		}, "")
		return m.view(rec), nil
	}

	switch outcome {
	case browser.LoginSuccess:
		rec.transition(StateAwaitingCredentialCheck, StateAuthenticated,
			"Login successful. Starting uploads...", time.Now())
		log.Info("authenticated without second factor")
		m.beginProcessing(rec, bc)

	case browser.LoginSecondFactorRequired:
		rec.armCodeDeadline(
			"Two-factor authentication required. Enter your security code.",
			time.Now(), m.opts.SecondFactorWait)
		log.Info("awaiting second factor")

	case browser.LoginInvalidCredentials:
		log.Warn("credentials rejected")
		m.invalidateSavedState(restored, creds.Username)
		m.finalize(rec, StateFailed, &Failure{
			Kind:    FailInvalidCredentials,
			Message: "Login failed. Check your credentials.",
		}, "")

	default:
		log.Warn("login outcome unclassified")
		m.invalidateSavedState(restored, creds.Username)
		m.finalize(rec, StateFailed, &Failure{
			Kind:    FailUnknown,
			Message: "Login verification failed.",
		}, "")
	}

	return m.view(rec), nil
}

// SubmitCode resumes a session pending its second factor. The state gate is
// a single atomic check-and-flip, so of two racing submissions exactly one
// reaches the browser; the other observes ErrInvalidState.
func (m *Manager) SubmitCode(ctx context.Context, id, code string) (View, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return View{}, err
	}
	log := m.log.WithField("session", shortID(rec.ID))

	if err := rec.claimSecondFactor(time.Now()); err != nil {
		if errors.Is(err, ErrExpired) {
			// Detecting the lapsed deadline expires the session.
			m.finalize(rec, StateExpired, nil, "Session expired waiting for the security code.")
			log.Info("expired at second-factor deadline")
		}
		return m.view(rec), err
	}

	if err := m.workers.Acquire(ctx, 1); err != nil {
		// Caller went away; put the session back where it was.
		rec.armCodeDeadline("Two-factor authentication required. Enter your security code.",
			time.Now(), m.opts.SecondFactorWait)
		return View{}, err
	}
	bc := rec.currentBrowser()
	if bc == nil {
		m.workers.Release(1)
		return m.view(rec), ErrInvalidState
	}

	ok, err := bc.SubmitSecondFactor(ctx, code)
	m.workers.Release(1)

	if err != nil {
		log.WithError(err).Error("second factor submission failed")
		m.finalize(rec, StateFailed, &Failure{
			Kind:    FailBrowserCrashed,
			Message: "Browser automation failed during code verification.",
		}, "")
		return m.view(rec), nil
	}
	if !ok {
		log.Warn("second factor rejected")
		m.finalize(rec, StateFailed, &Failure{
			Kind:    FailSecondFactorRejected,
			Message: "The security code was not accepted.",
		}, "")
		return m.view(rec), nil
	}

	rec.transition(StateAwaitingCredentialCheck, StateAuthenticated,
		"Authentication successful. Starting uploads...", time.Now())
	log.Info("authenticated via second factor")
	m.beginProcessing(rec, bc)
	return m.view(rec), nil
}

// Status never refreshes the activity timestamp: polling must not keep a
// session alive indefinitely. It does detect a lapsed deadline, so a read
// observes EXPIRED immediately instead of waiting for the next sweep.
func (m *Manager) Status(id string) (View, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return View{}, err
	}
	if rec.staleAt(time.Now(), m.opts.SessionTTL) {
		msg := "Session expired due to inactivity."
		if rec.State() == StateAwaitingSecondFactor {
			msg = "Session expired waiting for the security code."
		}
		if m.finalize(rec, StateExpired, nil, msg) {
			m.log.WithField("session", shortID(rec.ID)).Info("expired on status read")
		}
	}
	return m.view(rec), nil
}

// Cancel moves any non-terminal session to CANCELLED and releases its
// browser. Cancelling an already-terminal session is a no-op returning
// false.
func (m *Manager) Cancel(id string) (bool, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return false, err
	}
	cancelled := m.finalize(rec, StateCancelled, nil, "Session cancelled.")
	if cancelled {
		m.log.WithField("session", shortID(rec.ID)).Info("session cancelled")
	}
	return cancelled, nil
}

// Run drives the periodic cleanup sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCleanupOnce(time.Now())
		}
	}
}

// OnSweep registers fn to run at the end of every cleanup sweep. Used to
// piggyback other periodic housekeeping (rate limit bucket pruning) on the
// session cadence.
func (m *Manager) OnSweep(fn func(now time.Time)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.sweepHooks = append(m.sweepHooks, fn)
}

// RunCleanupOnce expires stale sessions, removes terminal records that have
// outlived the grace period, and runs the registered sweep hooks. Expired
// records linger briefly so a final Status call observes EXPIRED rather
// than NotFound.
func (m *Manager) RunCleanupOnce(now time.Time) {
	for _, rec := range m.registry.ListStale(now, m.opts.SessionTTL) {
		if m.finalize(rec, StateExpired, nil, "Session expired due to inactivity.") {
			m.log.WithField("session", shortID(rec.ID)).Info("session expired by sweep")
		}
	}
	for _, rec := range m.registry.ListAll() {
		if rec.removableAt(now, m.opts.RemovalGrace) {
			m.registry.Remove(rec.ID)
		}
	}

	m.hookMu.Lock()
	hooks := append(([]func(time.Time))(nil), m.sweepHooks...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(now)
	}
}

// Shutdown cancels every remaining session and empties the registry.
func (m *Manager) Shutdown() {
	for _, rec := range m.registry.ListAll() {
		m.finalize(rec, StateCancelled, nil, "Server shutting down.")
		m.registry.Remove(rec.ID)
	}
}

// beginProcessing saves the authenticated state for reuse, then runs the
// upload phase on a background goroutine. Item processing is strictly
// sequential within a session; the target site tolerates no parallelism.
func (m *Manager) beginProcessing(rec *Record, bc AutomationContext) {
	if m.auth != nil {
		if err := m.auth.Save(rec.Username, bc); err != nil {
			m.log.WithField("session", shortID(rec.ID)).
				WithError(err).Warn("could not persist auth state")
		}
	}
	go m.process(rec, bc)
}

func (m *Manager) process(rec *Record, bc AutomationContext) {
	log := m.log.WithField("session", shortID(rec.ID))

	if !rec.transition(StateAuthenticated, StateProcessing, "Starting uploads...", time.Now()) {
		// Cancelled or expired before processing began.
		return
	}

	if err := m.workers.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer m.workers.Release(1)

	items := rec.payloadItems()
	for i, item := range items {
		if rec.State() != StateProcessing {
			return // cancel or expiry interrupted the session
		}
		rec.setMessage(fmt.Sprintf("Uploading %s... (%d/%d)", item.Filename, i+1, len(items)))

		res, err := bc.UploadImage(context.Background(), item)
		if err != nil {
			// The browser itself is gone; the whole session fails.
			log.WithError(err).Error("browser lost during processing")
			m.finalize(rec, StateFailed, &Failure{
				Kind:    FailBrowserCrashed,
				Message: "Browser automation failed during upload.",
			}, "")
			return
		}
		if !rec.appendResult(res) {
			return
		}
		if !res.Success {
			log.WithField("file", item.Filename).Warn("item upload failed")
		}
	}

	final := m.view(rec)
	ok := 0
	for _, r := range final.Results {
		if r.Success {
			ok++
		}
	}
	m.finalize(rec, StateCompleted, nil,
		fmt.Sprintf("Upload complete. %d/%d files uploaded successfully.", ok, final.TotalFiles))
	log.WithField("succeeded", ok).WithField("total", final.TotalFiles).Info("session completed")
}

// finalize is the single place a session becomes terminal and the only call
// site of Close on its browser context, regardless of which path (failure,
// cancel, expiry, completion) got here. Returns false if the record was
// already terminal.
func (m *Manager) finalize(rec *Record, to State, fail *Failure, msg string) bool {
	bc, cleanup, ok := rec.markTerminal(to, fail, msg, time.Now())
	if !ok {
		return false
	}
	if bc != nil {
		if err := bc.Close(); err != nil {
			m.log.WithField("session", shortID(rec.ID)).
				WithError(err).Warn("browser close failed")
		}
	}
	if cleanup != nil {
		cleanup()
	}
	return true
}

// invalidateSavedState drops the saved login after the site rejected a
// session that was seeded with it; stale cookies only waste attempts.
func (m *Manager) invalidateSavedState(restored bool, username string) {
	if restored && m.auth != nil {
		m.auth.Invalidate(username)
	}
}

func (m *Manager) view(rec *Record) View {
	return rec.Snapshot(time.Now(), m.opts.SessionTTL)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
