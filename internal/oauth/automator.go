package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/relaycheck/relaycheck/internal/browser"
)

const (
	defaultProviderBaseURL  = "https://linux.do"
	defaultConnectBaseURL   = "https://connect.linux.do"
	defaultPollInterval     = 2 * time.Second
	defaultSiteBudget       = 180 * time.Second
	defaultTrustBudget      = 60 * time.Second
	defaultNavigateTimeout  = 30 * time.Second
	sessionCookieName       = "session"
	authorizePathFormat     = "%s/oauth2/authorize?response_type=code&client_id=%s&state=%s"
	errMessageTrustTimeout  = "trust challenge did not clear"
	errMessageEmptyState    = "empty oauth state"
	logMessageLoginOK       = "provider login established"
	logMessageFlowStarting  = "authorization flow starting"
	logMessageSiteCaptured  = "session captured"
	logMessageAllowClicked  = "consent button clicked"
	logFieldSite            = "site"
	logFieldAccount         = "account"
	logFieldState           = "state"
	logFieldElapsedSeconds  = "elapsedSeconds"
)

var (
	// ErrLoginFailed means the provider rejected the credentials. The whole
	// credential group is aborted when it appears.
	ErrLoginFailed = errors.New("provider login failed")
	// ErrAuthorizeTimeout means the per-site budget elapsed with no capture.
	ErrAuthorizeTimeout = errors.New("authorization timed out")
	// ErrRedirectFailure means the provider bounced the flow to its login
	// page, so the provider session is no longer valid.
	ErrRedirectFailure = errors.New("authorization redirected to login")
)

// Capture is the material harvested from a completed authorization.
type Capture struct {
	SessionToken string
	UserID       string
	AuthTokenAlt string
}

// SiteTarget identifies one site inside a credential group's slow path.
type SiteTarget struct {
	Key      string
	Domain   string
	ClientID string
}

// Config configures an Automator. Zero values take the defaults above.
type Config struct {
	ProviderBaseURL string
	ConnectBaseURL  string
	PollInterval    time.Duration
	SiteBudget      time.Duration
	TrustBudget     time.Duration
	Logger          *zap.Logger
}

// Automator walks one browser session through provider login and per-site
// authorizations by repeatedly observing the page and dispatching the state
// machine's actions.
type Automator struct {
	providerBaseURL string
	connectBaseURL  string
	providerHost    string
	pollInterval    time.Duration
	siteBudget      time.Duration
	trustBudget     time.Duration
	logger          *zap.Logger
}

// NewAutomator constructs an Automator with normalized configuration.
func NewAutomator(configuration Config) *Automator {
	providerBaseURL := strings.TrimRight(configuration.ProviderBaseURL, "/")
	if providerBaseURL == "" {
		providerBaseURL = defaultProviderBaseURL
	}
	connectBaseURL := strings.TrimRight(configuration.ConnectBaseURL, "/")
	if connectBaseURL == "" {
		connectBaseURL = defaultConnectBaseURL
	}
	providerHost := providerBaseURL
	if parsed, parseErr := url.Parse(providerBaseURL); parseErr == nil && parsed.Host != "" {
		providerHost = parsed.Host
	}
	pollInterval := configuration.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	siteBudget := configuration.SiteBudget
	if siteBudget <= 0 {
		siteBudget = defaultSiteBudget
	}
	trustBudget := configuration.TrustBudget
	if trustBudget <= 0 {
		trustBudget = defaultTrustBudget
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automator{
		providerBaseURL: providerBaseURL,
		connectBaseURL:  connectBaseURL,
		providerHost:    providerHost,
		pollInterval:    pollInterval,
		siteBudget:      siteBudget,
		trustBudget:     trustBudget,
		logger:          logger,
	}
}

func (automator *Automator) machine() Machine {
	return Machine{ProviderHost: automator.providerHost, SiteBudget: automator.siteBudget}
}

// Login establishes a provider session for the credential. The secret is
// revealed only inside the in-page script and never logged.
func (automator *Automator) Login(ctx context.Context, session browser.Session, login, secret string) error {
	if navErr := session.Navigate(ctx, automator.providerBaseURL+"/login", defaultNavigateTimeout); navErr != nil {
		return fmt.Errorf("navigate provider: %w", navErr)
	}

	machine := automator.machine()
	state, _ := machine.Transition(StateStart, Observation{})

	trustStarted := time.Now()
	for state == StateEstablishTrust {
		pageTitle, _ := session.Title(ctx)
		nextState, action := machine.Transition(state, Observation{PageTitle: pageTitle})
		state = nextState
		if action == ActionWait {
			if time.Since(trustStarted) >= automator.trustBudget {
				return fmt.Errorf("%w: %s", ErrLoginFailed, errMessageTrustTimeout)
			}
			if sleepErr := waitForDuration(ctx, automator.pollInterval); sleepErr != nil {
				return sleepErr
			}
		}
	}

	outcome, submitErr := automator.submitLogin(ctx, session, login, secret)
	if submitErr != nil {
		return fmt.Errorf("submit login: %w", submitErr)
	}
	state, _ = machine.Transition(StateLoginSubmitted, Observation{LoginResult: &outcome})
	if state == StateLoginFailed {
		return fmt.Errorf("%w: %s", ErrLoginFailed, outcome.Message)
	}
	automator.logger.Info(logMessageLoginOK, zap.String(logFieldAccount, login))
	return nil
}

// AuthorizeSite runs one site's authorization and returns the captured
// session material. Only cookies absent from the pre-flow baseline count.
func (automator *Automator) AuthorizeSite(ctx context.Context, session browser.Session, target SiteTarget) (Capture, error) {
	if navErr := session.Navigate(ctx, target.Domain, defaultNavigateTimeout); navErr != nil {
		return Capture{}, fmt.Errorf("navigate site: %w", navErr)
	}

	baseline, baselineErr := automator.snapshotSessionCookies(ctx, session, target.Domain)
	if baselineErr != nil {
		return Capture{}, fmt.Errorf("baseline cookies: %w", baselineErr)
	}

	oauthState, stateErr := automator.fetchOAuthState(ctx, session)
	if stateErr != nil {
		return Capture{}, fmt.Errorf("fetch oauth state: %w", stateErr)
	}
	automator.logger.Debug(logMessageFlowStarting,
		zap.String(logFieldSite, target.Key), zap.String(logFieldState, oauthState))

	authorizeURL := fmt.Sprintf(authorizePathFormat,
		automator.connectBaseURL, url.QueryEscape(target.ClientID), url.QueryEscape(oauthState))
	if navErr := session.Navigate(ctx, authorizeURL, defaultNavigateTimeout); navErr != nil {
		return Capture{}, fmt.Errorf("navigate authorize: %w", navErr)
	}

	machine := automator.machine()
	state, _ := machine.Transition(StateLoggedIn, Observation{})
	started := time.Now()
	consentClicked := false

	for {
		capturedToken, observeErr := automator.newSessionToken(ctx, session, target.Domain, baseline)
		if observeErr != nil {
			return Capture{}, fmt.Errorf("observe cookies: %w", observeErr)
		}
		pageURL, _ := session.CurrentURL(ctx)
		pageTitle, _ := session.Title(ctx)

		observation := Observation{
			PageURL:          pageURL,
			PageTitle:        pageTitle,
			NewSessionCookie: capturedToken != "",
			ConsentClicked:   consentClicked,
			Elapsed:          time.Since(started),
		}
		nextState, action := machine.Transition(state, observation)
		state = nextState

		switch action {
		case ActionFinishSite:
			automator.logger.Info(logMessageSiteCaptured,
				zap.String(logFieldSite, target.Key),
				zap.Int64(logFieldElapsedSeconds, int64(observation.Elapsed.Seconds())))
			capture := Capture{SessionToken: capturedToken}
			automator.discoverIdentity(ctx, session, target, &capture)
			return capture, nil
		case ActionFailSite:
			if state == StateRedirect {
				return Capture{}, ErrRedirectFailure
			}
			return Capture{}, ErrAuthorizeTimeout
		case ActionClickAllow:
			if automator.clickAllow(ctx, session) {
				consentClicked = true
				automator.logger.Debug(logMessageAllowClicked, zap.String(logFieldSite, target.Key))
			}
		}

		if sleepErr := waitForDuration(ctx, automator.pollInterval); sleepErr != nil {
			return Capture{}, sleepErr
		}
	}
}

func (automator *Automator) submitLogin(ctx context.Context, session browser.Session, login, secret string) (LoginOutcome, error) {
	script := fmt.Sprintf(loginScriptTemplate, encodeJSString(login), encodeJSString(secret))
	var rawResult string
	if evalErr := session.Evaluate(ctx, script, &rawResult); evalErr != nil {
		return LoginOutcome{}, evalErr
	}
	var outcome LoginOutcome
	document := gjson.Parse(rawResult)
	outcome.OK = document.Get("ok").Bool()
	outcome.Message = document.Get("message").String()
	return outcome, nil
}

func (automator *Automator) fetchOAuthState(ctx context.Context, session browser.Session) (string, error) {
	var rawResponse string
	if evalErr := session.Evaluate(ctx, oauthStateScript, &rawResponse); evalErr != nil {
		return "", evalErr
	}
	document := gjson.Parse(rawResponse)
	for _, key := range []string{"data", "state"} {
		if value := document.Get(key); value.Exists() && value.String() != "" {
			return value.String(), nil
		}
	}
	trimmed := strings.Trim(strings.TrimSpace(rawResponse), `"`)
	if trimmed == "" || strings.HasPrefix(trimmed, "<") {
		return "", errors.New(errMessageEmptyState)
	}
	return trimmed, nil
}

func (automator *Automator) clickAllow(ctx context.Context, session browser.Session) bool {
	var clicked bool
	if evalErr := session.Evaluate(ctx, allowClickScript, &clicked); evalErr != nil {
		return false
	}
	return clicked
}

// discoverIdentity reads the site's local storage for the numeric user id and
// any bearer token the dashboard stored. Failures are ignored; both fields
// are best-effort refinements of the captured session.
func (automator *Automator) discoverIdentity(ctx context.Context, session browser.Session, target SiteTarget, capture *Capture) {
	if navErr := session.Navigate(ctx, target.Domain, defaultNavigateTimeout); navErr != nil {
		return
	}
	var rawIdentity string
	if evalErr := session.Evaluate(ctx, identityScript, &rawIdentity); evalErr != nil {
		return
	}
	document := gjson.Parse(rawIdentity)
	capture.UserID = document.Get("userId").String()
	capture.AuthTokenAlt = document.Get("token").String()
}

func (automator *Automator) snapshotSessionCookies(ctx context.Context, session browser.Session, siteDomain string) (map[string]bool, error) {
	cookies, cookiesErr := session.Cookies(ctx)
	if cookiesErr != nil {
		return nil, cookiesErr
	}
	rootDomain := RootDomain(siteDomain)
	baseline := make(map[string]bool)
	for _, cookie := range cookies {
		if cookie.Name == sessionCookieName && cookieMatchesRoot(cookie.Domain, rootDomain) {
			baseline[cookie.Value] = true
		}
	}
	return baseline, nil
}

func (automator *Automator) newSessionToken(ctx context.Context, session browser.Session, siteDomain string, baseline map[string]bool) (string, error) {
	cookies, cookiesErr := session.Cookies(ctx)
	if cookiesErr != nil {
		return "", cookiesErr
	}
	rootDomain := RootDomain(siteDomain)
	for _, cookie := range cookies {
		if cookie.Name != sessionCookieName || !cookieMatchesRoot(cookie.Domain, rootDomain) {
			continue
		}
		if !baseline[cookie.Value] {
			return cookie.Value, nil
		}
	}
	return "", nil
}

// RootDomain reduces a URL or hostname to its last two labels. Multi-label
// public suffixes are knowingly collapsed; the sites under management do not
// use them and the looser match errs toward accepting their cookies.
func RootDomain(domainOrURL string) string {
	host := domainOrURL
	if parsed, parseErr := url.Parse(domainOrURL); parseErr == nil && parsed.Host != "" {
		host = parsed.Host
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		host = host[:colon]
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func cookieMatchesRoot(cookieDomain, rootDomain string) bool {
	normalized := strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	return normalized == rootDomain || strings.HasSuffix(normalized, "."+rootDomain)
}

func encodeJSString(value string) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func waitForDuration(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
