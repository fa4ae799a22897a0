// Package orchestrator runs a full check-in pass: a concurrent fast phase of
// direct HTTP attempts with cached sessions, then a browser phase that logs
// in once per credential and re-authorizes every site whose session expired.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaycheck/relaycheck/internal/browser"
	"github.com/relaycheck/relaycheck/internal/config"
	"github.com/relaycheck/relaycheck/internal/fastpath"
	"github.com/relaycheck/relaycheck/internal/grouping"
	"github.com/relaycheck/relaycheck/internal/oauth"
	"github.com/relaycheck/relaycheck/internal/probe"
	"github.com/relaycheck/relaycheck/internal/state"
)

const (
	defaultConcurrency        = 4
	defaultBreakerLimit       = 5
	defaultMemInfoPath        = "/proc/meminfo"
	serialMemoryThresholdKB   = 3 * 1024 * 1024
	messageSiteUnreachable    = "site unreachable"
	messageCheckinDisabled    = "check-in disabled by site"
	messageClientIDUnknown    = "oauth client id unknown"
	messageBreakerOpen        = "authorization breaker open"
	messageProviderLost       = "provider session lost"
	messageBrowserUnavailable = "browser unavailable"
	messageSessionRejected    = "captured session rejected"
	logMessageRunStarting     = "run starting"
	logMessageFastPhaseDone   = "fast phase done"
	logMessageSlowPhase       = "browser phase starting"
	logMessageGroupAborted    = "credential group aborted"
	logMessageBreakerTripped  = "authorization breaker tripped"
	logMessageSerialMode      = "low memory, forcing serial mode"
	logFieldSite              = "site"
	logFieldLabel             = "label"
	logFieldGroups            = "groups"
	logFieldPending           = "pending"
	logFieldConcurrency       = "concurrency"
)

// SessionValidator is the fast-path client surface the orchestrator drives.
type SessionValidator interface {
	ValidateAndCheckin(ctx context.Context, target fastpath.Target, credentials fastpath.SessionCredentials) fastpath.Result
}

// SiteProber discovers per-site capabilities before the fast phase.
type SiteProber interface {
	ProbeAll(ctx context.Context, sites []config.Site) map[string]probe.Finding
}

// Authorizer drives a browser session through login and authorization.
type Authorizer interface {
	Login(ctx context.Context, session browser.Session, login, secret string) error
	AuthorizeSite(ctx context.Context, session browser.Session, target oauth.SiteTarget) (oauth.Capture, error)
}

// BrowserOpener hands out tabs of a running browser.
type BrowserOpener interface {
	NewSession() (browser.Session, error)
	Close()
}

// BrowserFactory starts the browser lazily; it is only invoked when at least
// one pair reaches the browser phase.
type BrowserFactory func(ctx context.Context) (BrowserOpener, error)

// Config wires an Orchestrator. Provider, Store, FastPath and Prober are
// required; a nil Browser factory fails slow-phase pairs as browser
// unavailable.
type Config struct {
	Provider     *config.Provider
	Store        *state.Store
	Results      *state.ResultLog
	FastPath     SessionValidator
	Prober       SiteProber
	Authorizer   Authorizer
	Browser      BrowserFactory
	Concurrency  int
	ForceSerial  bool
	MemInfoPath  string
	BreakerLimit int
	Logger       *zap.Logger
}

// Orchestrator coordinates one run end to end.
type Orchestrator struct {
	provider     *config.Provider
	store        *state.Store
	results      *state.ResultLog
	fastPath     SessionValidator
	prober       SiteProber
	authorizer   Authorizer
	browser      BrowserFactory
	concurrency  int
	forceSerial  bool
	memInfoPath  string
	breakerLimit int
	logger       *zap.Logger
}

// New constructs an Orchestrator with normalized configuration.
func New(configuration Config) *Orchestrator {
	concurrency := configuration.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	breakerLimit := configuration.BreakerLimit
	if breakerLimit <= 0 {
		breakerLimit = defaultBreakerLimit
	}
	memInfoPath := configuration.MemInfoPath
	if memInfoPath == "" {
		memInfoPath = defaultMemInfoPath
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		provider:     configuration.Provider,
		store:        configuration.Store,
		results:      configuration.Results,
		fastPath:     configuration.FastPath,
		prober:       configuration.Prober,
		authorizer:   configuration.Authorizer,
		browser:      configuration.Browser,
		concurrency:  concurrency,
		forceSerial:  configuration.ForceSerial,
		memInfoPath:  memInfoPath,
		breakerLimit: breakerLimit,
		logger:       logger,
	}
}

// task is one (site, label) attempt within a run.
type task struct {
	site  config.Site
	label string
}

// Run executes both phases and returns the end-of-run report. Only a broken
// environment (state file, context cancellation) is an error; per-task
// failures land in the report.
func (orchestrator *Orchestrator) Run(ctx context.Context) (Report, error) {
	sites := orchestrator.provider.Sites()
	labels := orchestrator.provider.Labels()
	if syncErr := orchestrator.store.Sync(sites, labels); syncErr != nil {
		return Report{}, syncErr
	}

	activeSites := make([]config.Site, 0, len(sites))
	for _, site := range sites {
		if !site.Skip {
			activeSites = append(activeSites, site)
		}
	}
	orchestrator.logger.Info(logMessageRunStarting,
		zap.Int("sites", len(activeSites)), zap.Int("accounts", len(labels)))

	orchestrator.applyProbeFindings(ctx, activeSites)

	serial := orchestrator.forceSerial
	if !serial && lowMemory(orchestrator.memInfoPath) {
		orchestrator.logger.Warn(logMessageSerialMode)
		serial = true
	}

	tasks := orchestrator.collectTasks(activeSites, labels)
	pending := orchestrator.runFastPhase(ctx, tasks, serial)
	orchestrator.logger.Info(logMessageFastPhaseDone,
		zap.Int("tasks", len(tasks)), zap.Int(logFieldPending, len(pending)))

	if len(pending) > 0 {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		orchestrator.runBrowserPhase(ctx, pending, serial)
	}

	if ctx.Err() != nil {
		return Report{}, ctx.Err()
	}
	return orchestrator.report(), nil
}

func (orchestrator *Orchestrator) applyProbeFindings(ctx context.Context, activeSites []config.Site) {
	if orchestrator.prober == nil {
		return
	}
	findings := orchestrator.prober.ProbeAll(ctx, activeSites)
	for _, site := range activeSites {
		finding, probed := findings[site.Key]
		if !probed || !finding.Alive {
			// A failed probe leaves the site undiscovered rather than dead;
			// only a fast-path connect failure marks a site unreachable.
			continue
		}
		update := state.SiteUpdate{Alive: &finding.Alive}
		if finding.ClientID != "" {
			update.ClientID = &finding.ClientID
		}
		if finding.SystemName != "" {
			update.Name = &finding.SystemName
		}
		if finding.Version != "" {
			update.Version = &finding.Version
		}
		if finding.HasAntiBot {
			hasAntiBot := true
			update.HasAntiBot = &hasAntiBot
		}
		update.CheckinEnabled = finding.CheckinEnabled
		update.MinTrustLevel = finding.MinTrustLevel
		if updateErr := orchestrator.store.UpdateSite(site.Key, update); updateErr != nil {
			orchestrator.logger.Error("persist probe finding", zap.Error(updateErr))
		}
	}
}

func (orchestrator *Orchestrator) collectTasks(activeSites []config.Site, labels []string) []task {
	var tasks []task
	for _, site := range activeSites {
		siteState, known := orchestrator.store.Site(site.Key)
		if known && siteState.CheckinEnabled != nil && !*siteState.CheckinEnabled {
			orchestrator.logger.Info(messageCheckinDisabled, zap.String(logFieldSite, site.Key))
			continue
		}
		for _, label := range labels {
			account, present := orchestrator.store.Account(site.Key, label)
			if !present || account.Excluded {
				continue
			}
			if orchestrator.store.DoneToday(site.Key, label) {
				continue
			}
			tasks = append(tasks, task{site: site, label: label})
		}
	}
	return tasks
}

// runFastPhase attempts every task over plain HTTP and returns the pairs
// whose cached session expired, which are the browser phase's input.
func (orchestrator *Orchestrator) runFastPhase(ctx context.Context, tasks []task, serial bool) []grouping.Pair {
	concurrency := orchestrator.concurrency
	if serial {
		concurrency = 1
	}
	orchestrator.logger.Debug("fast phase", zap.Int(logFieldConcurrency, concurrency))

	var pendingMutex sync.Mutex
	var pending []grouping.Pair

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, current := range tasks {
		group.Go(func() error {
			if expired := orchestrator.attemptFast(groupCtx, current); expired {
				pendingMutex.Lock()
				pending = append(pending, grouping.Pair{Site: current.site, Label: current.label})
				pendingMutex.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return pending
}

// attemptFast runs one task's fast path and reports whether the pair needs
// the browser phase.
func (orchestrator *Orchestrator) attemptFast(ctx context.Context, current task) bool {
	if !orchestrator.store.SiteAlive(current.site.Key) {
		orchestrator.recordFailure(current, messageSiteUnreachable, false)
		return false
	}

	account, _ := orchestrator.store.Account(current.site.Key, current.label)
	if account.SessionToken == "" {
		// Nothing cached; the pair goes straight to the browser phase.
		return true
	}

	result := orchestrator.fastPath.ValidateAndCheckin(ctx,
		orchestrator.fastTarget(current.site),
		fastpath.SessionCredentials{
			SessionToken: account.SessionToken,
			AuthTokenAlt: account.AuthTokenAlt,
			UserID:       account.UserID,
		})
	return orchestrator.applyFastResult(current, result, true)
}

// applyFastResult folds a fast-path result into state and the result log and
// reports whether the pair is still pending (expired session).
func (orchestrator *Orchestrator) applyFastResult(current task, result fastpath.Result, allowRetry bool) bool {
	switch result.Class {
	case fastpath.ClassSuccess:
		orchestrator.recordOutcome(current, state.StatusSuccess, result.Message)
	case fastpath.ClassAlready:
		orchestrator.recordOutcome(current, state.StatusAlreadyChecked, result.Message)
	case fastpath.ClassFailed:
		orchestrator.recordFailure(current, result.Message, true)
	case fastpath.ClassUnreachable:
		if markErr := orchestrator.store.MarkSiteDead(current.site.Key); markErr != nil {
			orchestrator.logger.Error("mark site dead", zap.Error(markErr))
		}
		orchestrator.recordFailure(current, messageSiteUnreachable, false)
	case fastpath.ClassTransient:
		// Leave the pair pending; the next run retries it.
		orchestrator.appendResult(current, state.ResultRecord{Error: result.Message})
	case fastpath.ClassExpired:
		if allowRetry {
			return true
		}
		orchestrator.recordFailure(current, messageSessionRejected, true)
	}
	return false
}

func (orchestrator *Orchestrator) fastTarget(site config.Site) fastpath.Target {
	target := fastpath.Target{
		Domain:       site.Domain,
		CheckinPath:  site.CheckinPath,
		NeedsAntiBot: site.NeedsAntiBot,
	}
	if siteState, known := orchestrator.store.Site(site.Key); known {
		if siteState.CheckinPath != "" {
			target.CheckinPath = siteState.CheckinPath
		}
		if siteState.HasAntiBot != nil && *siteState.HasAntiBot {
			target.NeedsAntiBot = true
		}
	}
	return target
}

// runBrowserPhase logs in once per credential and authorizes each of its
// pending sites. Credential groups run in parallel, one browser session each,
// unless the run is serial; sites inside a group stay sequential because they
// share that session.
func (orchestrator *Orchestrator) runBrowserPhase(ctx context.Context, pending []grouping.Pair, serial bool) {
	groups := grouping.Partition(pending, orchestrator.provider.Credentials(), orchestrator.logger)
	orchestrator.logger.Info(logMessageSlowPhase,
		zap.Int(logFieldGroups, len(groups)), zap.Int(logFieldPending, len(pending)))
	if len(groups) == 0 {
		return
	}

	if orchestrator.browser == nil || orchestrator.authorizer == nil {
		orchestrator.failGroups(groups, messageBrowserUnavailable)
		return
	}
	opener, openErr := orchestrator.browser(ctx)
	if openErr != nil {
		orchestrator.failGroups(groups, fmt.Sprintf("%s: %v", messageBrowserUnavailable, openErr))
		return
	}
	defer opener.Close()

	limit := len(groups)
	if serial {
		limit = 1
	}
	workers, workersCtx := errgroup.WithContext(ctx)
	workers.SetLimit(limit)
	for _, credentialGroup := range groups {
		workers.Go(func() error {
			orchestrator.runGroup(workersCtx, opener, credentialGroup)
			return nil
		})
	}
	_ = workers.Wait()
}

// runGroup logs one credential in and walks its pending sites. The failure
// breaker is scoped to this group's browser session; other credentials start
// from zero.
func (orchestrator *Orchestrator) runGroup(ctx context.Context, opener BrowserOpener, group grouping.Group) {
	session, sessionErr := opener.NewSession()
	if sessionErr != nil {
		orchestrator.failPairs(group.Pairs, fmt.Sprintf("%s: %v", messageBrowserUnavailable, sessionErr))
		return
	}
	defer session.Close()

	loginErr := orchestrator.authorizer.Login(ctx, session,
		group.Credential.Login, group.Credential.Secret.Reveal())
	if loginErr != nil {
		if ctx.Err() != nil {
			return
		}
		orchestrator.logger.Warn(logMessageGroupAborted,
			zap.String(logFieldLabel, group.Credential.Label), zap.Error(loginErr))
		orchestrator.failPairs(group.Pairs, loginErr.Error())
		return
	}

	consecutiveFailures := 0
	for pairIndex, pair := range group.Pairs {
		if ctx.Err() != nil {
			return
		}
		if consecutiveFailures >= orchestrator.breakerLimit {
			orchestrator.logger.Warn(logMessageBreakerTripped,
				zap.String(logFieldLabel, group.Credential.Label))
			orchestrator.failPairs(group.Pairs[pairIndex:], messageBreakerOpen)
			return
		}
		if authErr := orchestrator.authorizePair(ctx, session, task{site: pair.Site, label: pair.Label}); authErr != nil {
			consecutiveFailures++
			continue
		}
		consecutiveFailures = 0
	}
}

// authorizePair runs one site's browser authorization and immediately spends
// the captured session on a check-in.
func (orchestrator *Orchestrator) authorizePair(ctx context.Context, session browser.Session, current task) error {
	// Another pair may have found the site dead since the fast phase.
	if !orchestrator.store.SiteAlive(current.site.Key) {
		orchestrator.recordFailure(current, messageSiteUnreachable, false)
		return nil
	}

	clientID := current.site.OAuthClientID
	if siteState, known := orchestrator.store.Site(current.site.Key); known && siteState.ClientID != "" {
		clientID = siteState.ClientID
	}
	if clientID == "" {
		orchestrator.recordFailure(current, messageClientIDUnknown, true)
		return nil
	}

	capture, authErr := orchestrator.authorizer.AuthorizeSite(ctx, session, oauth.SiteTarget{
		Key:      current.site.Key,
		Domain:   current.site.Domain,
		ClientID: clientID,
	})
	if authErr != nil {
		if ctx.Err() != nil {
			return authErr
		}
		message := authErr.Error()
		// A bounce back to the provider login is a per-site failure; the
		// group moves on and the breaker counts it like a timeout.
		if errors.Is(authErr, oauth.ErrRedirectFailure) {
			message = messageProviderLost
		}
		orchestrator.appendResult(current, state.ResultRecord{Error: message})
		orchestrator.updateStatus(current.site.Key, current.label, state.StatusFailed, message)
		return authErr
	}

	update := state.AccountUpdate{SessionToken: &capture.SessionToken}
	if capture.UserID != "" {
		update.UserID = &capture.UserID
	}
	if capture.AuthTokenAlt != "" {
		update.AuthTokenAlt = &capture.AuthTokenAlt
	}
	if updateErr := orchestrator.store.UpdateAccount(current.site.Key, current.label, update); updateErr != nil {
		orchestrator.logger.Error("persist captured session", zap.Error(updateErr))
	}

	result := orchestrator.fastPath.ValidateAndCheckin(ctx,
		orchestrator.fastTarget(current.site),
		fastpath.SessionCredentials{
			SessionToken: capture.SessionToken,
			AuthTokenAlt: capture.AuthTokenAlt,
			UserID:       capture.UserID,
		})
	orchestrator.applyFastResult(current, result, false)
	return nil
}

func (orchestrator *Orchestrator) failGroups(groups []grouping.Group, message string) {
	for _, group := range groups {
		orchestrator.failPairs(group.Pairs, message)
	}
}

func (orchestrator *Orchestrator) failPairs(pairs []grouping.Pair, message string) {
	for _, pair := range pairs {
		current := task{site: pair.Site, label: pair.Label}
		orchestrator.appendResult(current, state.ResultRecord{Error: message})
		orchestrator.updateStatus(pair.Site.Key, pair.Label, state.StatusFailed, message)
	}
}

func (orchestrator *Orchestrator) recordOutcome(current task, status state.CheckinStatus, message string) {
	orchestrator.updateStatus(current.site.Key, current.label, status, message)
	orchestrator.appendResult(current, state.ResultRecord{LoginOK: true, CheckinOK: true, Message: message})
}

// recordFailure marks the pair failed. loginOK distinguishes a working
// session whose check-in failed from a pair that never authenticated.
func (orchestrator *Orchestrator) recordFailure(current task, message string, loginOK bool) {
	orchestrator.updateStatus(current.site.Key, current.label, state.StatusFailed, message)
	orchestrator.appendResult(current, state.ResultRecord{LoginOK: loginOK, Error: message})
}

func (orchestrator *Orchestrator) updateStatus(siteKey, label string, status state.CheckinStatus, message string) {
	if updateErr := orchestrator.store.UpdateAccount(siteKey, label, state.AccountUpdate{
		CheckinStatus: &status,
		Message:       &message,
	}); updateErr != nil {
		orchestrator.logger.Error("persist account status", zap.Error(updateErr))
	}
}

func (orchestrator *Orchestrator) appendResult(current task, record state.ResultRecord) {
	if orchestrator.results == nil {
		return
	}
	record.Account = current.label
	record.SiteKey = current.site.Key
	record.SiteName = current.site.Name
	record.Domain = current.site.Domain
	if appendErr := orchestrator.results.Append(record); appendErr != nil {
		orchestrator.logger.Error("append result record", zap.Error(appendErr))
	}
}

// lowMemory reports whether the host has too little RAM for parallel browser
// and HTTP work. Unknown or unreadable meminfo counts as enough.
func lowMemory(memInfoPath string) bool {
	contents, readErr := os.ReadFile(memInfoPath)
	if readErr != nil {
		return false
	}
	for _, line := range strings.Split(string(contents), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return false
		}
		totalKB, parseErr := strconv.ParseInt(fields[1], 10, 64)
		if parseErr != nil {
			return false
		}
		return totalKB < serialMemoryThresholdKB
	}
	return false
}
