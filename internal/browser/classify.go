package browser

import "strings"

// LoginOutcome is the classification of the page reached after submitting
// primary credentials.
type LoginOutcome int

const (
	LoginUnknown LoginOutcome = iota
	LoginSuccess
	LoginSecondFactorRequired
	LoginInvalidCredentials
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSuccess:
		return "success"
	case LoginSecondFactorRequired:
		return "second_factor_required"
	case LoginInvalidCredentials:
		return "invalid_credentials"
	default:
		return "unknown"
	}
}

// Textual markers the admin login flow renders when it wants a one-time code.
var secondFactorMarkers = []string{
	"we sent a security code",
	"security code:",
	"two-factor",
	"verification code",
	"authenticator",
	"enter code",
	"verify your identity",
}

// Markers rendered on a rejected credential submission.
var credentialErrorMarkers = []string{
	"invalid username or password",
	"incorrect username or password",
	"login failed",
	"authentication failed",
	"invalid credentials",
}

// pageSignals are the independent observations fed into the classifier. No
// single absent signal should flip the result; the combination decides.
type pageSignals struct {
	URL          string // current page URL
	Content      string // page content, matched case-insensitively
	HasCodeInput bool   // a visible one-time-code input field is present
}

// classifyLoginPage decides what the post-submit page means. Signals are the
// URL pattern, the presence of a code-input field, and textual markers. When
// signals conflict (e.g. an error banner alongside a code prompt) the result
// is LoginSecondFactorRequired: asking the user for a code is recoverable,
// assuming success or failure is not.
func classifyLoginPage(sig pageSignals) LoginOutcome {
	content := strings.ToLower(sig.Content)
	onLoginPage := strings.Contains(sig.URL, "AdminLogin") ||
		strings.Contains(strings.ToLower(sig.URL), "login")

	hasCodePrompt := false
	for _, marker := range secondFactorMarkers {
		if strings.Contains(content, marker) {
			hasCodePrompt = true
			break
		}
	}

	hasCredentialError := false
	for _, marker := range credentialErrorMarkers {
		if strings.Contains(content, marker) {
			hasCredentialError = true
			break
		}
	}

	// A visible code input is the strongest signal and wins outright.
	if sig.HasCodeInput {
		return LoginSecondFactorRequired
	}
	if hasCodePrompt && onLoginPage {
		return LoginSecondFactorRequired
	}
	if hasCredentialError && !hasCodePrompt {
		return LoginInvalidCredentials
	}
	// Conflicting error banner + code prompt: favor the code path.
	if hasCodePrompt {
		return LoginSecondFactorRequired
	}
	if !onLoginPage {
		return LoginSuccess
	}
	return LoginUnknown
}
