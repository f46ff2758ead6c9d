package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfci-online/luminate-cookbook/internal/authstate"
	"github.com/dfci-online/luminate-cookbook/internal/browser"
	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

// fakeContext is a scripted AutomationContext for exercising the state
// machine without a real browser.
type fakeContext struct {
	mu sync.Mutex

	loginOutcome browser.LoginOutcome
	loginErr     error
	codeAccepted bool
	codeErr      error
	codeDelay    time.Duration
	uploadErr    error
	failUploads  bool

	closed  int
	uploads []string
}

func (f *fakeContext) AttemptLogin(ctx context.Context, creds models.Credentials) (browser.LoginOutcome, error) {
	return f.loginOutcome, f.loginErr
}

func (f *fakeContext) SubmitSecondFactor(ctx context.Context, code string) (bool, error) {
	if f.codeDelay > 0 {
		time.Sleep(f.codeDelay)
	}
	return f.codeAccepted, f.codeErr
}

func (f *fakeContext) UploadImage(ctx context.Context, item models.WorkItem) (models.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return models.UploadResult{Filename: item.Filename}, f.uploadErr
	}
	f.uploads = append(f.uploads, item.Filename)
	if f.failUploads {
		return models.UploadResult{Filename: item.Filename, Error: "verification failed"}, nil
	}
	return models.UploadResult{Filename: item.Filename, Success: true, URL: "https://example.org/" + item.Filename}, nil
}

func (f *fakeContext) SaveAuthState(path string) error {
	return os.WriteFile(path, []byte(`{"cookies":[]}`), 0o600)
}

func (f *fakeContext) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeContext) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testManager(t *testing.T, capacity int, fc *fakeContext) *Manager {
	t.Helper()
	factory := func(ctx context.Context, storageStatePath string) (AutomationContext, error) {
		if fc == nil {
			return nil, browser.ErrLaunch
		}
		return fc, nil
	}
	return testManagerWithAuth(t, capacity, factory, nil)
}

func testManagerWithAuth(t *testing.T, capacity int, factory ContextFactory, auth *authstate.Store) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewManager(NewRegistry(capacity), factory, auth, Options{
		SessionTTL:       500 * time.Millisecond,
		SecondFactorWait: 100 * time.Millisecond,
		CleanupInterval:  time.Hour, // sweeps run manually in tests
		RemovalGrace:     time.Hour,
		Workers:          4,
	}, log)
}

func waitForState(t *testing.T, m *Manager, id string, want State) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.Status(id)
		require.NoError(t, err)
		if view.State == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := m.Status(id)
	t.Fatalf("session never reached %s, stuck at %s", want, view.State)
	return View{}
}

func creds() models.Credentials {
	return models.Credentials{Username: "u", Password: "p"}
}

func items(names ...string) []models.WorkItem {
	out := make([]models.WorkItem, 0, len(names))
	for _, n := range names {
		out = append(out, models.WorkItem{Filename: n, Path: "/tmp/" + n})
	}
	return out
}

func TestStartDirectLoginRunsToCompletion(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSuccess}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	assert.False(t, view.Needs2FA)

	final := waitForState(t, m, view.ID, StateCompleted)
	require.Len(t, final.Results, 1)
	assert.Equal(t, "a.jpg", final.Results[0].Filename)
	assert.True(t, final.Results[0].Success)
	assert.Equal(t, 1, fc.closeCount())
}

func TestStartSecondFactorRequired(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired, codeAccepted: true}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg", "b.png"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingSecondFactor, view.State)
	assert.True(t, view.Needs2FA)
	assert.Equal(t, 0, fc.closeCount())

	_, err = m.SubmitCode(context.Background(), view.ID, "123456")
	require.NoError(t, err)

	final := waitForState(t, m, view.ID, StateCompleted)
	assert.Len(t, final.Results, 2)
	assert.Equal(t, 1, fc.closeCount())
}

func TestWrongCodeFailsSession(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired, codeAccepted: false}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	got, err := m.SubmitCode(context.Background(), view.ID, "000000")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.Failure)
	assert.Equal(t, FailSecondFactorRejected, got.Failure.Kind)
	assert.Equal(t, 1, fc.closeCount())
}

func TestInvalidCredentialsFailSession(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginInvalidCredentials}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, view.State)
	require.NotNil(t, view.Failure)
	assert.Equal(t, FailInvalidCredentials, view.Failure.Kind)
	assert.Equal(t, 1, fc.closeCount())
}

func TestLaunchFailureCreatesNoSession(t *testing.T) {
	m := testManager(t, 10, nil) // factory always fails

	_, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.ErrorIs(t, err, browser.ErrLaunch)
	assert.Equal(t, 0, m.Registry().ActiveCount())
	assert.Empty(t, m.Registry().ListAll())
}

func TestSubmitCodeWrongState(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSuccess}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	waitForState(t, m, view.ID, StateCompleted)

	_, err = m.SubmitCode(context.Background(), view.ID, "123456")
	assert.ErrorIs(t, err, ErrInvalidState)
	// No side effects: still completed, context not re-closed.
	final, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 1, fc.closeCount())
}

func TestSubmitCodeUnknownSession(t *testing.T) {
	m := testManager(t, 10, &fakeContext{})
	_, err := m.SubmitCode(context.Background(), "nope", "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSubmitCodeOnlyOneProceeds(t *testing.T) {
	fc := &fakeContext{
		loginOutcome: browser.LoginSecondFactorRequired,
		codeAccepted: true,
		codeDelay:    30 * time.Millisecond,
	}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.SubmitCode(context.Background(), view.ID, "123456")
			errs <- err
		}()
	}

	var accepted, rejected int
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			accepted++
		} else if errors.Is(err, ErrInvalidState) {
			rejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one submission must advance the session")
	assert.Equal(t, 1, rejected)

	waitForState(t, m, view.ID, StateCompleted)
	assert.Equal(t, 1, fc.closeCount())
}

func TestCodeDeadlineExpiresOnSubmit(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired, codeAccepted: true}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond) // past the 100ms wait window

	_, err = m.SubmitCode(context.Background(), view.ID, "123456")
	assert.ErrorIs(t, err, ErrExpired)

	final, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, final.State)
	assert.Equal(t, 1, fc.closeCount())
}

func TestCodeDeadlineExpiresViaSweep(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	// Polling status before the deadline must not keep the session alive.
	for i := 0; i < 3; i++ {
		got, err := m.Status(view.ID)
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingSecondFactor, got.State)
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond) // past the 100ms wait window
	m.RunCleanupOnce(time.Now())
	final, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, final.State)
	assert.Equal(t, 1, fc.closeCount())
}

func TestSessionTTLExpiry(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	// Simulate a sweep far in the future.
	m.RunCleanupOnce(time.Now().Add(time.Hour))

	final, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, final.State)
	assert.Equal(t, 1, fc.closeCount())
}

func TestExpiredRecordRemovedAfterGrace(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	m.RunCleanupOnce(time.Now().Add(time.Hour))
	// Still observable immediately after expiry.
	_, err = m.Status(view.ID)
	require.NoError(t, err)

	// Beyond the grace period the record is gone.
	m.RunCleanupOnce(time.Now().Add(3 * time.Hour))
	_, err = m.Status(view.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelNonTerminal(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	cancelled, err := m.Cancel(view.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 1, fc.closeCount())

	// Cancelling again is a no-op and never double-closes.
	cancelled, err = m.Cancel(view.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, 1, fc.closeCount())

	final, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)
}

func TestCapacityLimit(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 2, fc)

	first, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	_, err = m.Start(context.Background(), creds(), items("b.jpg"), nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), creds(), items("c.jpg"), nil)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, m.Registry().ActiveCount())

	// Cancelling one frees a slot.
	_, err = m.Cancel(first.ID)
	require.NoError(t, err)
	_, err = m.Start(context.Background(), creds(), items("c.jpg"), nil)
	assert.NoError(t, err)
}

func TestBrowserCrashDuringProcessingFailsSession(t *testing.T) {
	fc := &fakeContext{
		loginOutcome: browser.LoginSuccess,
		uploadErr:    errors.New("browser disconnected"),
	}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg", "b.jpg"), nil)
	require.NoError(t, err)

	final := waitForState(t, m, view.ID, StateFailed)
	require.NotNil(t, final.Failure)
	assert.Equal(t, FailBrowserCrashed, final.Failure.Kind)
	assert.Empty(t, final.Results)
	assert.Equal(t, 1, fc.closeCount())
}

func TestPerItemFailureDoesNotAbortSession(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSuccess, failUploads: true}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg", "b.jpg"), nil)
	require.NoError(t, err)

	final := waitForState(t, m, view.ID, StateCompleted)
	require.Len(t, final.Results, 2)
	for _, res := range final.Results {
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	}
}

func TestStatusDetectsLapsedDeadline(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond) // past the 100ms wait window

	// No sweep has run; the read itself must observe the expiry.
	got, err := m.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
	assert.Equal(t, 1, fc.closeCount())
}

func TestSweepHooksRunEverySweep(t *testing.T) {
	m := testManager(t, 10, &fakeContext{})

	runs := 0
	m.OnSweep(func(time.Time) { runs++ })

	m.RunCleanupOnce(time.Now())
	m.RunCleanupOnce(time.Now())
	assert.Equal(t, 2, runs)
}

func TestStartPassesSavedAuthStateToFactory(t *testing.T) {
	store, err := authstate.NewStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	fc := &fakeContext{loginOutcome: browser.LoginSuccess}
	require.NoError(t, store.Save("u", fc))

	var gotPath string
	factory := func(ctx context.Context, storageStatePath string) (AutomationContext, error) {
		gotPath = storageStatePath
		return fc, nil
	}
	m := testManagerWithAuth(t, 10, factory, store)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	waitForState(t, m, view.ID, StateCompleted)

	want, ok := store.Path("u")
	require.True(t, ok)
	assert.Equal(t, want, gotPath)
}

func TestFailedRestoredLoginInvalidatesSavedState(t *testing.T) {
	store, err := authstate.NewStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	fc := &fakeContext{loginOutcome: browser.LoginInvalidCredentials}
	require.NoError(t, store.Save("u", fc))

	var gotPath string
	factory := func(ctx context.Context, storageStatePath string) (AutomationContext, error) {
		gotPath = storageStatePath
		return fc, nil
	}
	m := testManagerWithAuth(t, 10, factory, store)

	view, err := m.Start(context.Background(), creds(), items("a.jpg"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, view.State)
	assert.NotEmpty(t, gotPath, "factory should have been seeded with the saved state")

	_, ok := store.Path("u")
	assert.False(t, ok, "rejected saved state must be dropped")
}

func TestCleanupHookRunsOnceOnTerminal(t *testing.T) {
	fc := &fakeContext{loginOutcome: browser.LoginSecondFactorRequired}
	m := testManager(t, 10, fc)

	var mu sync.Mutex
	runs := 0
	view, err := m.Start(context.Background(), creds(), items("a.jpg"), func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = m.Cancel(view.ID)
	require.NoError(t, err)
	_, err = m.Cancel(view.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}
