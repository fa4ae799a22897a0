package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaycheck/relaycheck/internal/browser"
	"github.com/relaycheck/relaycheck/internal/config"
	"github.com/relaycheck/relaycheck/internal/fastpath"
	"github.com/relaycheck/relaycheck/internal/oauth"
	"github.com/relaycheck/relaycheck/internal/probe"
	"github.com/relaycheck/relaycheck/internal/state"
)

type stubValidator struct {
	mutex sync.Mutex
	fn    func(fastpath.Target, fastpath.SessionCredentials) fastpath.Result
	calls []fastpath.SessionCredentials
}

func (validator *stubValidator) ValidateAndCheckin(_ context.Context, target fastpath.Target, credentials fastpath.SessionCredentials) fastpath.Result {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	validator.calls = append(validator.calls, credentials)
	if validator.fn == nil {
		return fastpath.Result{Class: fastpath.ClassSuccess, Message: "ok"}
	}
	return validator.fn(target, credentials)
}

func (validator *stubValidator) callCount() int {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	return len(validator.calls)
}

type stubProber struct {
	findings map[string]probe.Finding
}

func (prober *stubProber) ProbeAll(_ context.Context, sites []config.Site) map[string]probe.Finding {
	return prober.findings
}

type nopSession struct{}

func (nopSession) Navigate(context.Context, string, time.Duration) error { return nil }
func (nopSession) CurrentURL(context.Context) (string, error)           { return "", nil }
func (nopSession) Title(context.Context) (string, error)                { return "", nil }
func (nopSession) Cookies(context.Context) ([]browser.Cookie, error)    { return nil, nil }
func (nopSession) Evaluate(context.Context, string, any) error          { return nil }
func (nopSession) Close() error                                         { return nil }

type stubOpener struct {
	mutex    sync.Mutex
	sessions int
}

func (opener *stubOpener) NewSession() (browser.Session, error) {
	opener.mutex.Lock()
	defer opener.mutex.Unlock()
	opener.sessions++
	return nopSession{}, nil
}

func (opener *stubOpener) Close() {}

func (opener *stubOpener) sessionCount() int {
	opener.mutex.Lock()
	defer opener.mutex.Unlock()
	return opener.sessions
}

// stubAuthorizer is safe for concurrent groups; loginHook, when set, runs
// inside Login without the lock held.
type stubAuthorizer struct {
	mutex      sync.Mutex
	loginErrs  map[string]error
	captures   map[string]oauth.Capture
	authErrs   map[string]error
	loginHook  func()
	logins     []string
	authorized []string
}

func (authorizer *stubAuthorizer) Login(_ context.Context, _ browser.Session, login, secret string) error {
	authorizer.mutex.Lock()
	authorizer.logins = append(authorizer.logins, login)
	hook := authorizer.loginHook
	loginErr := authorizer.loginErrs[login]
	authorizer.mutex.Unlock()
	if hook != nil {
		hook()
	}
	return loginErr
}

func (authorizer *stubAuthorizer) AuthorizeSite(_ context.Context, _ browser.Session, target oauth.SiteTarget) (oauth.Capture, error) {
	authorizer.mutex.Lock()
	defer authorizer.mutex.Unlock()
	authorizer.authorized = append(authorizer.authorized, target.Key)
	if err := authorizer.authErrs[target.Key]; err != nil {
		return oauth.Capture{}, err
	}
	return authorizer.captures[target.Key], nil
}

type fixture struct {
	provider   *config.Provider
	store      *state.Store
	results    *state.ResultLog
	validator  *stubValidator
	authorizer *stubAuthorizer
	opener     *stubOpener
}

func newFixture(t *testing.T, sitesJSON, accountsJSON string) *fixture {
	t.Helper()
	directory := t.TempDir()
	sitesPath := filepath.Join(directory, "sites.json")
	accountsPath := filepath.Join(directory, "accounts.json")
	if err := os.WriteFile(sitesPath, []byte(sitesJSON), 0o644); err != nil {
		t.Fatalf("write sites: %v", err)
	}
	if err := os.WriteFile(accountsPath, []byte(accountsJSON), 0o644); err != nil {
		t.Fatalf("write accounts: %v", err)
	}

	provider, loadErr := config.Load(config.LoadOptions{SitesPath: sitesPath, AccountsPath: accountsPath})
	if loadErr != nil {
		t.Fatalf("load config: %v", loadErr)
	}
	store, storeErr := state.Open(state.Options{Path: filepath.Join(directory, "site_state.json")})
	if storeErr != nil {
		t.Fatalf("open store: %v", storeErr)
	}
	results, logErr := state.OpenResultLog(state.ResultLogOptions{Path: filepath.Join(directory, "checkin_results.json")})
	if logErr != nil {
		t.Fatalf("open result log: %v", logErr)
	}
	return &fixture{
		provider:   provider,
		store:      store,
		results:    results,
		validator:  &stubValidator{},
		authorizer: &stubAuthorizer{captures: map[string]oauth.Capture{}, authErrs: map[string]error{}, loginErrs: map[string]error{}},
		opener:     &stubOpener{},
	}
}

func (fx *fixture) orchestrator(options ...func(*Config)) *Orchestrator {
	cfg := Config{
		Provider:   fx.provider,
		Store:      fx.store,
		Results:    fx.results,
		FastPath:   fx.validator,
		Authorizer: fx.authorizer,
		Browser: func(context.Context) (BrowserOpener, error) {
			return fx.opener, nil
		},
		// Tests never read the host's real meminfo.
		MemInfoPath: filepath.Join("testdata", "missing"),
	}
	for _, option := range options {
		option(&cfg)
	}
	return New(cfg)
}

// seedSession plants a cached session token so the fast path has material.
func (fx *fixture) seedSession(t *testing.T, siteKey, label, token string) {
	t.Helper()
	if err := fx.store.Sync(fx.provider.Sites(), fx.provider.Labels()); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	if err := fx.store.UpdateAccount(siteKey, label, state.AccountUpdate{SessionToken: &token}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

const singleSiteJSON = `{"alpha":{"name":"Alpha","domain":"https://alpha.example.com","client_id":"cid-a"}}`
const singleAccountJSON = `[{"login":"ann@example.com","secret":"pw-1","label":"ann"}]`

func TestRunResolvesEverythingOnFastPath(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.seedSession(t, "alpha", "ann", "cached-token")

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if !report.Succeeded() || report.Summary.Success != 1 {
		t.Fatalf("report wrong: %+v", report.Summary)
	}
	if fx.opener.sessionCount() != 0 {
		t.Fatal("browser must not start when the fast path resolves everything")
	}
	account, _ := fx.store.Account("alpha", "ann")
	if account.CheckinStatus != state.StatusSuccess || account.Message != "ok" {
		t.Fatalf("account state wrong: %+v", account)
	}
	records := fx.results.Records()
	if len(records) != 1 || !records[0].CheckinOK || records[0].SiteKey != "alpha" {
		t.Fatalf("result log wrong: %+v", records)
	}
}

func TestRunRecoversExpiredSessionThroughBrowser(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.seedSession(t, "alpha", "ann", "stale-token")
	fx.validator.fn = func(_ fastpath.Target, credentials fastpath.SessionCredentials) fastpath.Result {
		if credentials.SessionToken == "stale-token" {
			return fastpath.Result{Class: fastpath.ClassExpired, Message: "session expired (401)"}
		}
		return fastpath.Result{Class: fastpath.ClassSuccess, Message: "签到成功"}
	}
	fx.authorizer.captures["alpha"] = oauth.Capture{SessionToken: "fresh-token", UserID: "7"}

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if report.Summary.Success != 1 {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
	if got := fx.authorizer.logins; len(got) != 1 || got[0] != "ann@example.com" {
		t.Fatalf("logins wrong: %v", got)
	}
	if got := fx.authorizer.authorized; len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("authorized wrong: %v", got)
	}
	account, _ := fx.store.Account("alpha", "ann")
	if account.SessionToken != "fresh-token" || account.UserID != "7" {
		t.Fatalf("captured session not persisted: %+v", account)
	}
	if account.CheckinStatus != state.StatusSuccess {
		t.Fatalf("status wrong: %+v", account)
	}
}

func TestRunSkipsFastValidateWithoutCachedSession(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.authorizer.captures["alpha"] = oauth.Capture{SessionToken: "fresh-token"}

	if _, runErr := fx.orchestrator().Run(context.Background()); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	// Only the post-capture check-in may hit the validator.
	if fx.validator.callCount() != 1 {
		t.Fatalf("validator calls = %d, want 1", fx.validator.callCount())
	}
	if fx.validator.calls[0].SessionToken != "fresh-token" {
		t.Fatalf("post-capture call used wrong token: %+v", fx.validator.calls[0])
	}
}

func TestOneLoginServesEverySiteInTheGroup(t *testing.T) {
	sitesJSON := `{
		"alpha":{"name":"Alpha","domain":"https://alpha.example.com","client_id":"cid-a"},
		"beta":{"name":"Beta","domain":"https://beta.example.com","client_id":"cid-b"}
	}`
	fx := newFixture(t, sitesJSON, singleAccountJSON)
	fx.authorizer.captures["alpha"] = oauth.Capture{SessionToken: "token-a"}
	fx.authorizer.captures["beta"] = oauth.Capture{SessionToken: "token-b"}

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.logins) != 1 {
		t.Fatalf("login must run once per credential, got %d", len(fx.authorizer.logins))
	}
	if len(fx.authorizer.authorized) != 2 {
		t.Fatalf("both sites must be authorized, got %v", fx.authorizer.authorized)
	}
	if report.Summary.Success != 2 {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
}

func TestLoginFailureFailsWholeGroup(t *testing.T) {
	sitesJSON := `{
		"alpha":{"name":"Alpha","domain":"https://alpha.example.com","client_id":"cid-a"},
		"beta":{"name":"Beta","domain":"https://beta.example.com","client_id":"cid-b"}
	}`
	fx := newFixture(t, sitesJSON, singleAccountJSON)
	fx.authorizer.loginErrs["ann@example.com"] = fmt.Errorf("%w: 账号或密码错误", oauth.ErrLoginFailed)

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.authorized) != 0 {
		t.Fatalf("no site may be authorized after a failed login: %v", fx.authorizer.authorized)
	}
	if report.Summary.Failed != 2 || report.Succeeded() {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
	for _, key := range []string{"alpha", "beta"} {
		account, _ := fx.store.Account(key, "ann")
		if account.CheckinStatus != state.StatusFailed || !strings.Contains(account.Message, "账号或密码错误") {
			t.Fatalf("%s account wrong: %+v", key, account)
		}
	}
}

func TestDeadSiteShortCircuitsWithoutNetworkAttempt(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.seedSession(t, "alpha", "ann", "cached-token")
	if err := fx.store.MarkSiteDead("alpha"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if fx.validator.callCount() != 0 {
		t.Fatal("dead site must not be contacted")
	}
	if fx.opener.sessionCount() != 0 {
		t.Fatal("dead site must not reach the browser phase")
	}
	account, _ := fx.store.Account("alpha", "ann")
	if account.CheckinStatus != state.StatusFailed || account.Message != "site unreachable" {
		t.Fatalf("account wrong: %+v", account)
	}
	if report.Summary.Failed != 1 {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
}

func TestFailedProbeDoesNotMarkSiteDead(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.seedSession(t, "alpha", "ann", "cached-token")

	// A probe that never reached /api/status yields the zero finding.
	failed := &stubProber{findings: map[string]probe.Finding{"alpha": {}}}
	report, runErr := fx.orchestrator(func(cfg *Config) { cfg.Prober = failed }).Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if !fx.store.SiteAlive("alpha") {
		t.Fatal("failed probe must leave the site undiscovered, not dead")
	}
	if fx.validator.callCount() != 1 {
		t.Fatalf("fast path skipped after failed probe, validator calls = %d", fx.validator.callCount())
	}
	if report.Summary.Success != 1 {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
}

func TestUnreachableResultMarksSiteDeadForLaterTasks(t *testing.T) {
	accountsJSON := `[
		{"login":"ann@example.com","secret":"pw-1","label":"ann"},
		{"login":"bob@example.com","secret":"pw-2","label":"bob"}
	]`
	fx := newFixture(t, singleSiteJSON, accountsJSON)
	fx.seedSession(t, "alpha", "ann", "token-ann")
	token := "token-bob"
	if err := fx.store.UpdateAccount("alpha", "bob", state.AccountUpdate{SessionToken: &token}); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	fx.validator.fn = func(fastpath.Target, fastpath.SessionCredentials) fastpath.Result {
		return fastpath.Result{Class: fastpath.ClassUnreachable, Message: "site unreachable"}
	}

	serial := func(cfg *Config) { cfg.ForceSerial = true }
	if _, runErr := fx.orchestrator(serial).Run(context.Background()); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if fx.validator.callCount() != 1 {
		t.Fatalf("second task should short-circuit, validator calls = %d", fx.validator.callCount())
	}
	if fx.store.SiteAlive("alpha") {
		t.Fatal("site should be marked dead after a connect failure")
	}
}

func TestBreakerStopsAuthorizationAfterConsecutiveFailures(t *testing.T) {
	var siteEntries []string
	for index := 1; index <= 7; index++ {
		siteEntries = append(siteEntries, fmt.Sprintf(
			`"s%d":{"name":"S%d","domain":"https://s%d.example.com","client_id":"cid-%d"}`,
			index, index, index, index))
	}
	fx := newFixture(t, "{"+strings.Join(siteEntries, ",")+"}", singleAccountJSON)
	for index := 1; index <= 7; index++ {
		fx.authorizer.authErrs[fmt.Sprintf("s%d", index)] = oauth.ErrAuthorizeTimeout
	}

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.authorized) != 5 {
		t.Fatalf("breaker should stop after 5 attempts, got %d", len(fx.authorizer.authorized))
	}
	if report.Summary.Failed != 7 {
		t.Fatalf("all pairs must end failed: %+v", report.Summary)
	}
	account, _ := fx.store.Account("s7", "ann")
	if account.Message != "authorization breaker open" {
		t.Fatalf("breaker message wrong: %+v", account)
	}
}

func TestRedirectFailureIsSiteLevelWithinTheGroup(t *testing.T) {
	sitesJSON := `{
		"s1":{"name":"S1","domain":"https://s1.example.com","client_id":"cid-1"},
		"s2":{"name":"S2","domain":"https://s2.example.com","client_id":"cid-2"},
		"s3":{"name":"S3","domain":"https://s3.example.com","client_id":"cid-3"}
	}`
	fx := newFixture(t, sitesJSON, singleAccountJSON)
	fx.authorizer.authErrs["s1"] = oauth.ErrRedirectFailure
	fx.authorizer.captures["s2"] = oauth.Capture{SessionToken: "token-2"}
	fx.authorizer.captures["s3"] = oauth.Capture{SessionToken: "token-3"}

	report, runErr := fx.orchestrator().Run(context.Background())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.authorized) != 3 {
		t.Fatalf("every site must still be attempted, got %v", fx.authorizer.authorized)
	}
	account, _ := fx.store.Account("s1", "ann")
	if account.CheckinStatus != state.StatusFailed || account.Message != "provider session lost" {
		t.Fatalf("s1 account wrong: %+v", account)
	}
	if report.Summary.Success != 2 || report.Summary.Failed != 1 {
		t.Fatalf("summary wrong: %+v", report.Summary)
	}
}

func TestBreakerDoesNotCrossCredentialGroups(t *testing.T) {
	var siteEntries []string
	for index := 1; index <= 5; index++ {
		siteEntries = append(siteEntries, fmt.Sprintf(
			`"s%d":{"name":"S%d","domain":"https://s%d.example.com","client_id":"cid-%d"}`,
			index, index, index, index))
	}
	accountsJSON := `[
		{"login":"ann@example.com","secret":"pw-1","label":"ann"},
		{"login":"bob@example.com","secret":"pw-2","label":"bob"}
	]`
	fx := newFixture(t, "{"+strings.Join(siteEntries, ",")+"}", accountsJSON)
	for index := 1; index <= 5; index++ {
		fx.authorizer.authErrs[fmt.Sprintf("s%d", index)] = oauth.ErrAuthorizeTimeout
	}

	if _, runErr := fx.orchestrator().Run(context.Background()); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.logins) != 2 {
		t.Fatalf("one group's failures must not abandon another credential, logins = %v", fx.authorizer.logins)
	}
	if len(fx.authorizer.authorized) != 10 {
		t.Fatalf("each group must attempt all its sites, got %d attempts", len(fx.authorizer.authorized))
	}
}

func TestCredentialGroupsRunInParallel(t *testing.T) {
	accountsJSON := `[
		{"login":"ann@example.com","secret":"pw-1","label":"ann"},
		{"login":"bob@example.com","secret":"pw-2","label":"bob"}
	]`
	fx := newFixture(t, singleSiteJSON, accountsJSON)
	fx.authorizer.captures["alpha"] = oauth.Capture{SessionToken: "fresh-token"}

	// Both logins must be in flight at once; a serial phase would block the
	// first login forever and trip the test timeout.
	var bothStarted sync.WaitGroup
	bothStarted.Add(2)
	fx.authorizer.loginHook = func() {
		bothStarted.Done()
		bothStarted.Wait()
	}

	if _, runErr := fx.orchestrator().Run(context.Background()); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(fx.authorizer.logins) != 2 {
		t.Fatalf("logins = %v, want both credentials", fx.authorizer.logins)
	}
	if fx.opener.sessionCount() != 2 {
		t.Fatalf("sessions = %d, want one per group", fx.opener.sessionCount())
	}
}

func TestCheckinDisabledSiteIsSkipped(t *testing.T) {
	fx := newFixture(t, singleSiteJSON, singleAccountJSON)
	fx.seedSession(t, "alpha", "ann", "cached-token")
	disabled := false
	prober := &stubProber{findings: map[string]probe.Finding{"alpha": {Alive: true, CheckinEnabled: &disabled}}}

	if _, runErr := fx.orchestrator(func(cfg *Config) { cfg.Prober = prober }).Run(context.Background()); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if fx.validator.callCount() != 0 {
		t.Fatal("disabled check-in must not be attempted")
	}
	account, _ := fx.store.Account("alpha", "ann")
	if account.CheckinStatus != state.StatusPending {
		t.Fatalf("disabled site should leave the pair pending: %+v", account)
	}
}

func TestLowMemoryDetection(t *testing.T) {
	directory := t.TempDir()
	smallPath := filepath.Join(directory, "meminfo-small")
	largePath := filepath.Join(directory, "meminfo-large")
	os.WriteFile(smallPath, []byte("MemTotal:        2048000 kB\nMemFree:  100 kB\n"), 0o644)
	os.WriteFile(largePath, []byte("MemTotal:        8388608 kB\nMemFree:  100 kB\n"), 0o644)

	if !lowMemory(smallPath) {
		t.Fatal("2GB host should force serial mode")
	}
	if lowMemory(largePath) {
		t.Fatal("8GB host should allow parallel mode")
	}
	if lowMemory(filepath.Join(directory, "missing")) {
		t.Fatal("unreadable meminfo must not force serial mode")
	}
}

func TestReportFormatRanksFailures(t *testing.T) {
	report := Report{
		Summary: state.RunSummary{ActiveSites: 3, TotalTasks: 5, Success: 1, Failed: 4},
		Failures: []FailureCount{
			{Message: "site unreachable", Count: 3},
			{Message: "quota exhausted", Count: 1},
		},
	}
	rendered := report.Format()
	unreachableIndex := strings.Index(rendered, "site unreachable")
	quotaIndex := strings.Index(rendered, "quota exhausted")
	if unreachableIndex < 0 || quotaIndex < 0 || unreachableIndex > quotaIndex {
		t.Fatalf("failures not ranked:\n%s", rendered)
	}
}
