// Package browser wraps a single automated browser behind the primitives an
// interactive admin-console login needs: navigate, fill the credential form,
// classify the resulting page, submit a one-time code, and push files through
// the image library upload form.
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// The admin console refuses logins from pages that look automated, so the
// context masks the usual webdriver giveaways before any navigation.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = { runtime: {} };
`

// uploadRetries is the number of extra verification attempts after an upload
// before the item is reported failed.
const uploadRetries = 2

// Config carries the target-site addresses and automation settings.
type Config struct {
	LoginURL         string
	ImageLibraryURL  string
	ImageBaseURL     string
	Headless         bool
	OperationTimeout time.Duration
	Delay            DelayStrategy
}

// ErrLaunch is wrapped by launcher failures so callers can classify them as
// "automation unavailable" rather than a session-level fault.
var ErrLaunch = fmt.Errorf("browser launch failed")

// Launcher owns the shared Playwright driver and creates one Context per
// session. Start must be called once before NewContext.
type Launcher struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	pw      *playwright.Playwright
	started bool
}

// NewLauncher creates a launcher. The driver is not started yet.
func NewLauncher(cfg Config, log logrus.FieldLogger) *Launcher {
	if cfg.Delay == nil {
		cfg.Delay = DefaultHumanDelay()
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &Launcher{cfg: cfg, log: log}
}

// Start installs (if needed) and boots the Playwright driver.
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("%w: install: %v", ErrLaunch, err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("%w: run driver: %v", ErrLaunch, err)
	}

	l.pw = pw
	l.started = true
	return nil
}

// Stop shuts the driver down. Contexts created earlier become unusable.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}
	l.started = false
	return l.pw.Stop()
}

// NewContext launches a fresh browser with a realistic fingerprint. A
// non-empty storageStatePath seeds the context with previously saved
// cookies and storage, which lets the login attempt short-circuit when the
// saved session is still valid. The returned Context is exclusively owned
// by its caller and must be closed exactly once.
func (l *Launcher) NewContext(ctx context.Context, storageStatePath string) (*Context, error) {
	l.mu.Lock()
	pw, started := l.pw, l.started
	l.mu.Unlock()

	if !started {
		return nil, fmt.Errorf("%w: launcher not started", ErrLaunch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chromium: %v", ErrLaunch, err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{
		UserAgent:  playwright.String(userAgent),
		Viewport:   &playwright.Size{Width: 1920, Height: 1080},
		Locale:     playwright.String("en-US"),
		TimezoneId: playwright.String("America/New_York"),
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		},
	}
	if storageStatePath != "" {
		ctxOpts.StorageStatePath = playwright.String(storageStatePath)
	}

	bctx, err := b.NewContext(ctxOpts)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: browser context: %v", ErrLaunch, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		b.Close()
		return nil, fmt.Errorf("%w: page: %v", ErrLaunch, err)
	}
	if err := page.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		bctx.Close()
		b.Close()
		return nil, fmt.Errorf("%w: init script: %v", ErrLaunch, err)
	}
	page.SetDefaultTimeout(float64(l.cfg.OperationTimeout.Milliseconds()))

	return &Context{
		cfg:      l.cfg,
		log:      l.log,
		browser:  b,
		bctx:     bctx,
		page:     page,
		delay:    l.cfg.Delay,
		restored: storageStatePath != "",
		verify:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Context is one automated browser, owned by exactly one session record.
type Context struct {
	cfg      Config
	log      logrus.FieldLogger
	browser  playwright.Browser
	bctx     playwright.BrowserContext
	page     playwright.Page
	delay    DelayStrategy
	restored bool // context was seeded with saved storage state
	verify   *http.Client

	closeOnce sync.Once
	closeErr  error
}

// AttemptLogin navigates to the login page, submits the credentials, and
// classifies the page that comes back. The error return is reserved for
// mechanical failures (navigation, crashed browser); a rejected login is a
// classification, not an error.
func (c *Context) AttemptLogin(ctx context.Context, creds models.Credentials) (LoginOutcome, error) {
	if err := ctx.Err(); err != nil {
		return LoginUnknown, err
	}

	// Saved cookies may still authenticate the account; probe before
	// touching the login form so a valid saved session skips both factors.
	if c.restored && c.verifyAuthenticated() {
		c.log.Debug("saved session still valid, login skipped")
		return LoginSuccess, nil
	}

	if _, err := c.page.Goto(c.cfg.LoginURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		return LoginUnknown, fmt.Errorf("navigate to login page: %w", err)
	}
	c.delay.Pause()

	username := c.page.GetByRole(*playwright.AriaRoleTextbox).First()
	password := c.page.GetByRole(*playwright.AriaRoleTextbox).Nth(1)

	if err := c.typeInto(username, creds.Username); err != nil {
		return LoginUnknown, fmt.Errorf("fill username: %w", err)
	}
	if err := c.typeInto(password, creds.Password); err != nil {
		return LoginUnknown, fmt.Errorf("fill password: %w", err)
	}
	c.delay.Pause()

	if err := c.page.GetByRole(*playwright.AriaRoleButton, playwright.PageGetByRoleOptions{
		Name: "Log In",
	}).Click(); err != nil {
		return LoginUnknown, fmt.Errorf("submit login form: %w", err)
	}
	c.waitSettled()

	outcome := classifyLoginPage(c.snapshot())

	// A page that merely left the login URL is not proof of success; only
	// reaching the image library confirms the session is usable.
	if outcome == LoginSuccess {
		if !c.verifyAuthenticated() {
			// Re-read signals; slow second-factor redirects can land late.
			reread := classifyLoginPage(c.snapshot())
			if reread == LoginSecondFactorRequired {
				return LoginSecondFactorRequired, nil
			}
			return LoginUnknown, nil
		}
	}
	return outcome, nil
}

// SubmitSecondFactor types the one-time code into the pending form and
// reports whether the session now reads as authenticated.
func (c *Context) SubmitSecondFactor(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	input := c.findCodeInput()
	if input == nil {
		return false, fmt.Errorf("no one-time-code input field on page")
	}

	if err := c.typeInto(*input, code); err != nil {
		return false, fmt.Errorf("fill one-time code: %w", err)
	}
	c.delay.Pause()

	if submit := c.findSubmitButton(); submit != nil {
		if err := (*submit).Click(); err != nil {
			return false, fmt.Errorf("click submit: %w", err)
		}
	} else if err := (*input).Press("Enter"); err != nil {
		return false, fmt.Errorf("press enter: %w", err)
	}
	c.waitSettled()

	if c.verifyAuthenticated() {
		return true, nil
	}

	// Still seeing code markers means the console rejected the code.
	sig := c.snapshot()
	if classifyLoginPage(sig) == LoginSecondFactorRequired {
		return false, nil
	}
	// One more verification pass; the console sometimes redirects slowly.
	c.delay.Pause()
	return c.verifyAuthenticated(), nil
}

// UploadImage pushes one file through the image library form and verifies it
// became publicly reachable. A per-item failure comes back in the result; a
// non-nil error means the browser itself is compromised and the session
// cannot continue.
func (c *Context) UploadImage(ctx context.Context, item models.WorkItem) (models.UploadResult, error) {
	result := models.UploadResult{Filename: item.Filename}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if !c.browser.IsConnected() {
		return result, fmt.Errorf("browser disconnected")
	}

	if err := c.performUpload(item); err != nil {
		if !c.browser.IsConnected() || c.page.IsClosed() {
			return result, fmt.Errorf("browser lost mid-upload: %w", err)
		}
		result.Error = err.Error()
		return result, nil
	}

	url := c.cfg.ImageBaseURL + item.Filename
	for attempt := 0; attempt <= uploadRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
		if c.urlServesImage(url) {
			result.Success = true
			result.URL = url
			return result, nil
		}
	}

	result.Error = "upload completed but verification failed"
	return result, nil
}

func (c *Context) performUpload(item models.WorkItem) error {
	if !strings.Contains(c.page.URL(), c.cfg.ImageLibraryURL) {
		if _, err := c.page.Goto(c.cfg.ImageLibraryURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
		}); err != nil {
			return fmt.Errorf("navigate to image library: %w", err)
		}
	}

	if err := c.page.GetByRole(*playwright.AriaRoleLink, playwright.PageGetByRoleOptions{
		Name: "Upload Image",
	}).Click(); err != nil {
		return fmt.Errorf("open upload dialog: %w", err)
	}
	c.delay.Pause()

	// The upload form lives in the last iframe of the dialog.
	frame := c.page.FrameLocator("iframe").Last()
	fileInput := frame.Locator("#imageFileUpload")
	if err := fileInput.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		return fmt.Errorf("upload form did not appear: %w", err)
	}
	if err := fileInput.SetInputFiles(item.Path); err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	c.delay.Pause()

	submit := frame.Locator(`input[type="submit"][value="Upload"], button:has-text("Upload")`)
	if err := submit.Click(); err != nil {
		return fmt.Errorf("submit upload: %w", err)
	}
	c.waitSettled()

	// Reset the library page so the next item starts from a clean dialog.
	if _, err := c.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		return fmt.Errorf("reload image library: %w", err)
	}
	return nil
}

// SaveAuthState writes the context's cookies and storage to path so a later
// session for the same account can skip the interactive login.
func (c *Context) SaveAuthState(path string) error {
	_, err := c.bctx.StorageState(path)
	if err != nil {
		return fmt.Errorf("save storage state: %w", err)
	}
	return nil
}

// Close releases the browser. Safe to call more than once and from the
// cleanup sweep while an automation call is in flight; Playwright close
// interrupts outstanding operations.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			if err := c.bctx.Close(); err != nil {
				done <- err
				return
			}
			done <- c.browser.Close()
		}()
		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(10 * time.Second):
			c.closeErr = fmt.Errorf("browser close timed out")
		}
	})
	return c.closeErr
}

// snapshot collects the independent page signals the classifier consumes.
func (c *Context) snapshot() pageSignals {
	content, err := c.page.Content()
	if err != nil {
		content = ""
	}
	return pageSignals{
		URL:          c.page.URL(),
		Content:      content,
		HasCodeInput: c.hasVisibleCodeInput(),
	}
}

func (c *Context) hasVisibleCodeInput() bool {
	auth := c.page.Locator(`input[name^="ADDITIONAL_AUTH"]`)
	if n, err := auth.Count(); err == nil && n > 0 {
		if visible, err := auth.First().IsVisible(); err == nil && visible {
			return true
		}
	}

	// The console sometimes renders the code field as a second password
	// input whose name carries an AUTH marker.
	passwords := c.page.Locator(`input[type="password"]`)
	n, err := passwords.Count()
	if err != nil || n < 2 {
		return false
	}
	second := passwords.Nth(1)
	if visible, err := second.IsVisible(); err != nil || !visible {
		return false
	}
	name, err := second.GetAttribute("name")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToUpper(name), "AUTH")
}

// findCodeInput locates the one-time-code field using the same fallbacks the
// console has needed historically.
func (c *Context) findCodeInput() *playwright.Locator {
	auth := c.page.Locator(`input[name^="ADDITIONAL_AUTH"]`)
	_ = auth.First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(5000),
	})
	if n, err := auth.Count(); err == nil && n > 0 {
		first := auth.First()
		return &first
	}

	passwords := c.page.Locator(`input[type="password"]`)
	if n, err := passwords.Count(); err == nil {
		if n > 1 {
			second := passwords.Nth(1)
			return &second
		}
		if n == 1 {
			if content, err := c.page.Content(); err == nil {
				lower := strings.ToLower(content)
				if strings.Contains(lower, "security code") || strings.Contains(lower, "additional") {
					first := passwords.First()
					return &first
				}
			}
		}
	}

	sized := c.page.Locator(`input[maxlength="6"], input[maxlength="99"]`)
	if n, err := sized.Count(); err == nil && n > 0 {
		first := sized.First()
		return &first
	}
	return nil
}

func (c *Context) findSubmitButton() *playwright.Locator {
	for _, sel := range []string{
		`input[type="submit"][name="login"], input[id="login"]`,
		`form[name="lmainLogonForm"] input[type="submit"]`,
		`input[type="submit"], button[type="submit"]`,
	} {
		loc := c.page.Locator(sel)
		if n, err := loc.Count(); err == nil && n > 0 {
			first := loc.First()
			return &first
		}
	}
	return nil
}

// verifyAuthenticated probes the image library, the only reliable signal
// that the login fully stuck.
func (c *Context) verifyAuthenticated() bool {
	if _, err := c.page.Goto(c.cfg.ImageLibraryURL, playwright.PageGotoOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		return false
	}
	c.waitSettled()
	err := c.page.Locator("text=Upload Image").First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(5000),
	})
	return err == nil
}

func (c *Context) urlServesImage(url string) bool {
	resp, err := c.verify.Head(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "image/")
}

func (c *Context) typeInto(loc playwright.Locator, value string) error {
	if err := loc.Click(); err != nil {
		return err
	}
	if err := loc.Clear(); err != nil {
		return err
	}
	return loc.PressSequentially(value, playwright.LocatorPressSequentiallyOptions{
		Delay: playwright.Float(c.delay.KeyDelay()),
	})
}

func (c *Context) waitSettled() {
	_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State: playwright.LoadStateNetworkidle,
	})
	c.delay.Pause()
}
