package oauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relaycheck/relaycheck/internal/browser"
)

// pageFrame is one poll tick's worth of fake page state.
type pageFrame struct {
	URL     string
	Title   string
	Cookies []browser.Cookie
}

// fakeSession serves a scripted sequence of page frames. Each poll tick
// starts with a cookie observation, so Cookies advances the script and the
// URL and title reads report the frame those cookies came from.
type fakeSession struct {
	frames       []pageFrame
	nextFrame    int
	servedFrame  int
	navigations  []string
	allowClicks  int
	loginResult  string
	stateResult  string
	identityJSON string
}

var _ browser.Session = (*fakeSession)(nil)

func (session *fakeSession) frameAt(index int) pageFrame {
	if len(session.frames) == 0 {
		return pageFrame{}
	}
	if index >= len(session.frames) {
		index = len(session.frames) - 1
	}
	return session.frames[index]
}

func (session *fakeSession) Navigate(_ context.Context, pageURL string, _ time.Duration) error {
	session.navigations = append(session.navigations, pageURL)
	return nil
}

func (session *fakeSession) CurrentURL(context.Context) (string, error) {
	return session.frameAt(session.servedFrame).URL, nil
}

func (session *fakeSession) Title(context.Context) (string, error) {
	return session.frameAt(session.servedFrame).Title, nil
}

func (session *fakeSession) Cookies(context.Context) ([]browser.Cookie, error) {
	frame := session.frameAt(session.nextFrame)
	session.servedFrame = session.nextFrame
	session.nextFrame++
	return frame.Cookies, nil
}

func (session *fakeSession) Evaluate(_ context.Context, expression string, out any) error {
	target, _ := out.(*string)
	switch {
	case strings.Contains(expression, "/session/csrf"):
		if target != nil {
			*target = session.loginResult
		}
	case strings.Contains(expression, "/api/oauth/state"):
		if target != nil {
			*target = session.stateResult
		}
	case strings.Contains(expression, "markers"):
		session.allowClicks++
		if clicked, ok := out.(*bool); ok {
			*clicked = true
		}
	case strings.Contains(expression, "localStorage"):
		if target != nil {
			*target = session.identityJSON
		}
	}
	return nil
}

func (session *fakeSession) Close() error { return nil }

func testAutomator(budget time.Duration) *Automator {
	return NewAutomator(Config{
		PollInterval: time.Millisecond,
		SiteBudget:   budget,
		TrustBudget:  50 * time.Millisecond,
	})
}

func TestLoginSucceeds(t *testing.T) {
	session := &fakeSession{
		frames:      []pageFrame{{Title: "LINUX DO"}},
		loginResult: `{"ok":true,"message":""}`,
	}
	if err := testAutomator(time.Second).Login(context.Background(), session, "ann", "secret-1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(session.navigations) != 1 || !strings.HasSuffix(session.navigations[0], "/login") {
		t.Fatalf("unexpected navigations: %v", session.navigations)
	}
}

func TestLoginFailureCarriesProviderMessage(t *testing.T) {
	session := &fakeSession{
		frames:      []pageFrame{{Title: "LINUX DO"}},
		loginResult: `{"ok":false,"message":"账号或密码错误"}`,
	}
	err := testAutomator(time.Second).Login(context.Background(), session, "ann", "bad-secret")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "账号或密码错误") {
		t.Fatalf("provider message lost: %v", err)
	}
}

func TestLoginTrustChallengeNeverClears(t *testing.T) {
	session := &fakeSession{
		frames: []pageFrame{{Title: "Just a moment..."}},
	}
	err := testAutomator(time.Second).Login(context.Background(), session, "ann", "secret-1")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed after trust budget, got %v", err)
	}
}

func TestAuthorizeSiteCapturesOnlyNewCookie(t *testing.T) {
	staleCookie := browser.Cookie{Name: "session", Value: "stale-token", Domain: ".example.com"}
	session := &fakeSession{
		frames: []pageFrame{
			// Baseline snapshot sees the stale cookie.
			{URL: "https://api.example.com", Cookies: []browser.Cookie{staleCookie}},
			// Consent page; stale cookie still present and must not count.
			{URL: "https://connect.linux.do/oauth2/authorize?client_id=cid", Title: "授权",
				Cookies: []browser.Cookie{staleCookie}},
			// Redirect landed and minted a fresh session.
			{URL: "https://api.example.com/console", Title: "控制台",
				Cookies: []browser.Cookie{staleCookie, {Name: "session", Value: "fresh-token", Domain: ".example.com"}}},
		},
		stateResult:  `{"data":"state-abc"}`,
		identityJSON: `{"userId":"42","token":"alt-bearer"}`,
	}

	capture, err := testAutomator(time.Second).AuthorizeSite(context.Background(), session, SiteTarget{
		Key: "alpha", Domain: "https://api.example.com", ClientID: "cid",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if capture.SessionToken != "fresh-token" {
		t.Fatalf("wrong token captured: %q", capture.SessionToken)
	}
	if capture.UserID != "42" || capture.AuthTokenAlt != "alt-bearer" {
		t.Fatalf("identity discovery wrong: %+v", capture)
	}
	if session.allowClicks == 0 {
		t.Fatal("consent button never clicked")
	}
	authorizeNav := session.navigations[1]
	if !strings.Contains(authorizeNav, "client_id=cid") || !strings.Contains(authorizeNav, "state=state-abc") {
		t.Fatalf("authorize url wrong: %q", authorizeNav)
	}
}

func TestConsentButtonClickedOnlyOnce(t *testing.T) {
	session := &fakeSession{
		frames: []pageFrame{
			{URL: "https://api.example.com"},
			// The consent page lingers for every remaining tick.
			{URL: "https://connect.linux.do/oauth2/authorize", Title: "授权"},
		},
		stateResult: `{"data":"s"}`,
	}
	_, err := testAutomator(25 * time.Millisecond).AuthorizeSite(context.Background(), session, SiteTarget{
		Key: "alpha", Domain: "https://api.example.com", ClientID: "cid",
	})
	if !errors.Is(err, ErrAuthorizeTimeout) {
		t.Fatalf("expected timeout on a stuck consent page, got %v", err)
	}
	if session.allowClicks != 1 {
		t.Fatalf("consent clicked %d times, want 1", session.allowClicks)
	}
}

func TestAuthorizeSiteIgnoresForeignDomainCookie(t *testing.T) {
	session := &fakeSession{
		frames: []pageFrame{
			{URL: "https://api.example.com"},
			{URL: "https://connect.linux.do/oauth2/authorize", Title: "授权",
				Cookies: []browser.Cookie{{Name: "session", Value: "provider-token", Domain: ".linux.do"}}},
		},
		stateResult: `{"data":"s"}`,
	}
	_, err := testAutomator(20 * time.Millisecond).AuthorizeSite(context.Background(), session, SiteTarget{
		Key: "alpha", Domain: "https://api.example.com", ClientID: "cid",
	})
	if !errors.Is(err, ErrAuthorizeTimeout) {
		t.Fatalf("foreign cookie must not be captured; got %v", err)
	}
}

func TestAuthorizeSiteRedirectToProviderLoginFails(t *testing.T) {
	session := &fakeSession{
		frames: []pageFrame{
			{URL: "https://api.example.com"},
			{URL: "https://linux.do/login?return=..."},
		},
		stateResult: `{"data":"s"}`,
	}
	_, err := testAutomator(time.Second).AuthorizeSite(context.Background(), session, SiteTarget{
		Key: "alpha", Domain: "https://api.example.com", ClientID: "cid",
	})
	if !errors.Is(err, ErrRedirectFailure) {
		t.Fatalf("expected redirect failure, got %v", err)
	}
}

func TestAuthorizeSiteTimesOutOnEndlessChallenge(t *testing.T) {
	session := &fakeSession{
		frames: []pageFrame{
			{URL: "https://api.example.com"},
			{URL: "https://connect.linux.do/oauth2/authorize", Title: "Just a moment..."},
		},
		stateResult: `{"data":"s"}`,
	}
	_, err := testAutomator(15 * time.Millisecond).AuthorizeSite(context.Background(), session, SiteTarget{
		Key: "alpha", Domain: "https://api.example.com", ClientID: "cid",
	})
	if !errors.Is(err, ErrAuthorizeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFetchOAuthStateShapes(t *testing.T) {
	automator := testAutomator(time.Second)
	for raw, want := range map[string]string{
		`{"data":"abc"}`:  "abc",
		`{"state":"xyz"}`: "xyz",
		`"bare-quoted"`:   "bare-quoted",
		`plain-token`:     "plain-token",
	} {
		session := &fakeSession{stateResult: raw}
		got, err := automator.fetchOAuthState(context.Background(), session)
		if err != nil {
			t.Errorf("state %q: %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("state %q parsed as %q, want %q", raw, got, want)
		}
	}

	session := &fakeSession{stateResult: `<html>error page</html>`}
	if _, err := automator.fetchOAuthState(context.Background(), session); err == nil {
		t.Fatal("html error page must not yield a state")
	}
}
