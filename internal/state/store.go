package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycheck/relaycheck/internal/config"
)

const (
	errMessageReadState    = "read state file"
	errMessageDecodeState  = "decode state file"
	errMessageEncodeState  = "encode state file"
	errMessageWriteState   = "write state file"
	errMessageRenameState  = "rename state file"
	logMessageNewSite      = "new site"
	logMessageNewAccount   = "new account"
	logMessageSiteRemoved  = "site removed from config"
	logMessageSiteRestored = "site restored by config"
	logFieldSite           = "site"
	logFieldLabel          = "label"
	stateFileMode          = 0o644
	stateTempPattern       = "state-*.json"
)

// Store is the single writer for the snapshot file. All credential groups in
// a run share one Store; its mutex serializes their load-merge-save cycles so
// no update is lost and no partially written file is ever observable.
type Store struct {
	path   string
	logger *zap.Logger
	clock  func() time.Time

	mutex    sync.Mutex
	snapshot Snapshot
}

// Options configures a Store.
type Options struct {
	Path   string
	Logger *zap.Logger
	// Clock overrides time.Now, used by tests to pin the calendar day.
	Clock func() time.Time
}

// Open loads the snapshot at path, tolerating a missing file (first run).
func Open(options Options) (*Store, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}

	store := &Store{path: options.Path, logger: logger, clock: clock}
	store.snapshot = Snapshot{Sites: make(map[string]*SiteState)}

	fileBytes, readErr := os.ReadFile(options.Path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("%s: %w", errMessageReadState, readErr)
	}
	if err := json.Unmarshal(fileBytes, &store.snapshot); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageDecodeState, err)
	}
	return store, nil
}

// Today returns the calendar day of this run.
func (store *Store) Today() string { return Today(store.clock()) }

// Sync merges the config provider's site catalog into the snapshot:
// unknown sites are created with pending accounts, known sites get only their
// config-controlled fields overwritten, day-old non-pending statuses are
// cleared back to pending, labels no longer allowed are marked excluded, and
// sites absent from the catalog are soft-deleted via the removed flag.
// Running Sync twice with the same catalog yields an identical snapshot.
func (store *Store) Sync(sites []config.Site, allLabels []string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	today := Today(store.clock())
	store.snapshot.Meta.CheckinDate = today

	seen := make(map[string]struct{}, len(sites))
	for _, site := range sites {
		seen[site.Key] = struct{}{}
		allowed := site.AllowedAccounts
		if len(allowed) == 0 {
			allowed = allLabels
		}

		existing, known := store.snapshot.Sites[site.Key]
		if !known {
			store.createSiteState(site, allowed)
			continue
		}
		store.mergeSiteState(existing, site, allowed, today)
	}

	for key, site := range store.snapshot.Sites {
		if _, stillConfigured := seen[key]; stillConfigured || site.Removed {
			continue
		}
		site.Removed = true
		store.logger.Info(logMessageSiteRemoved, zap.String(logFieldSite, key))
	}

	return store.saveLocked()
}

func (store *Store) createSiteState(site config.Site, allowed []string) {
	siteState := &SiteState{
		Domain:      site.Domain,
		Name:        site.Name,
		ClientID:    site.OAuthClientID,
		CheckinPath: site.CheckinPath,
		Skip:        site.Skip,
		SkipReason:  site.SkipReason,
		Accounts:    make(map[string]*AccountState, len(allowed)),
	}
	if site.NeedsAntiBot {
		siteState.HasAntiBot = boolPtr(true)
	}
	for _, label := range allowed {
		siteState.Accounts[label] = &AccountState{CheckinStatus: StatusPending}
	}
	store.snapshot.Sites[site.Key] = siteState
	store.logger.Info(logMessageNewSite, zap.String(logFieldSite, site.Key))
}

func (store *Store) mergeSiteState(existing *SiteState, site config.Site, allowed []string, today string) {
	if existing.Removed {
		existing.Removed = false
		store.logger.Info(logMessageSiteRestored, zap.String(logFieldSite, site.Key))
	}

	// Config-controlled fields only; probe results stay as observed.
	existing.Domain = site.Domain
	existing.Name = site.Name
	existing.CheckinPath = site.CheckinPath
	if site.OAuthClientID != "" {
		existing.ClientID = site.OAuthClientID
	}
	if site.NeedsAntiBot {
		existing.HasAntiBot = boolPtr(true)
	}
	existing.Skip = site.Skip
	existing.SkipReason = site.SkipReason

	if existing.Accounts == nil {
		existing.Accounts = make(map[string]*AccountState)
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, label := range allowed {
		allowedSet[label] = struct{}{}
		account, present := existing.Accounts[label]
		if !present {
			existing.Accounts[label] = &AccountState{CheckinStatus: StatusPending}
			store.logger.Info(logMessageNewAccount,
				zap.String(logFieldSite, site.Key), zap.String(logFieldLabel, label))
			continue
		}
		account.Excluded = false
		if account.CheckinStatus != StatusPending && account.CheckinDate != today {
			account.CheckinStatus = StatusPending
		}
	}
	for label, account := range existing.Accounts {
		if _, stillAllowed := allowedSet[label]; !stillAllowed {
			account.Excluded = true
		}
	}
}

// SiteUpdate names the probe-result fields a caller may set. Nil fields are
// left untouched so stale probes never erase fresher observations.
type SiteUpdate struct {
	ClientID       *string
	Name           *string
	Alive          *bool
	HasAntiBot     *bool
	Version        *string
	CheckinEnabled *bool
	MinTrustLevel  *int
}

// UpdateSite applies probe results to a site and saves the snapshot.
func (store *Store) UpdateSite(key string, update SiteUpdate) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	site, known := store.snapshot.Sites[key]
	if !known {
		return nil
	}
	if update.ClientID != nil {
		site.ClientID = *update.ClientID
	}
	if update.Name != nil && *update.Name != "" {
		site.Name = *update.Name
	}
	if update.Alive != nil {
		site.Alive = update.Alive
	}
	if update.HasAntiBot != nil {
		site.HasAntiBot = update.HasAntiBot
	}
	if update.Version != nil {
		site.Version = *update.Version
	}
	if update.CheckinEnabled != nil {
		site.CheckinEnabled = update.CheckinEnabled
	}
	if update.MinTrustLevel != nil {
		site.MinTrustLevel = update.MinTrustLevel
	}
	return store.saveLocked()
}

// AccountUpdate names the per-account fields a caller may set.
type AccountUpdate struct {
	SessionToken  *string
	AuthTokenAlt  *string
	UserID        *string
	CheckinStatus *CheckinStatus
	Message       *string
}

// UpdateAccount applies an attempt outcome to one (site, label) pair and
// saves the snapshot. Status changes stamp today's date.
func (store *Store) UpdateAccount(key, label string, update AccountUpdate) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	site, known := store.snapshot.Sites[key]
	if !known {
		return nil
	}
	account, present := site.Accounts[label]
	if !present {
		account = &AccountState{CheckinStatus: StatusPending}
		site.Accounts[label] = account
	}
	if update.SessionToken != nil {
		account.SessionToken = *update.SessionToken
	}
	if update.AuthTokenAlt != nil {
		account.AuthTokenAlt = *update.AuthTokenAlt
	}
	if update.UserID != nil {
		account.UserID = *update.UserID
	}
	if update.Message != nil {
		account.Message = *update.Message
	}
	if update.CheckinStatus != nil {
		account.CheckinStatus = *update.CheckinStatus
		account.CheckinDate = Today(store.clock())
	}
	return store.saveLocked()
}

// MarkSiteDead records a site as unreachable for the remainder of the run.
func (store *Store) MarkSiteDead(key string) error {
	return store.UpdateSite(key, SiteUpdate{Alive: boolPtr(false)})
}

// SiteAlive reports whether a site has not been marked unreachable. A site
// with no probe observation counts as alive.
func (store *Store) SiteAlive(key string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	site, known := store.snapshot.Sites[key]
	if !known || site.Alive == nil {
		return true
	}
	return *site.Alive
}

// Site returns a copy of one site's state.
func (store *Store) Site(key string) (SiteState, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	site, known := store.snapshot.Sites[key]
	if !known {
		return SiteState{}, false
	}
	return copySite(site), true
}

// Account returns a copy of one account's state.
func (store *Store) Account(key, label string) (AccountState, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	site, known := store.snapshot.Sites[key]
	if !known {
		return AccountState{}, false
	}
	account, present := site.Accounts[label]
	if !present {
		return AccountState{}, false
	}
	return *account, true
}

// DoneToday reports whether the pair already ended usefully this calendar day.
func (store *Store) DoneToday(key, label string) bool {
	account, present := store.Account(key, label)
	if !present {
		return false
	}
	return account.CheckinDate == store.Today() &&
		(account.CheckinStatus == StatusSuccess || account.CheckinStatus == StatusAlreadyChecked)
}

// Snapshot returns a deep copy of the current state for read-only consumers.
func (store *Store) Snapshot() Snapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	copied := Snapshot{Meta: store.snapshot.Meta, Sites: make(map[string]*SiteState, len(store.snapshot.Sites))}
	for key, site := range store.snapshot.Sites {
		siteCopy := copySite(site)
		copied.Sites[key] = &siteCopy
	}
	return copied
}

// Save recomputes the summary and rewrites the snapshot file atomically.
func (store *Store) Save() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.saveLocked()
}

// Summary recomputes the derived run summary from the live snapshot.
func (store *Store) Summary() RunSummary {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return summarize(store.snapshot, Today(store.clock()))
}

func (store *Store) saveLocked() error {
	now := store.clock()
	store.snapshot.Meta.LastRun = now.Format(timeLayout)
	store.snapshot.Meta.Summary = summarize(store.snapshot, Today(now))

	encoded, encodeErr := json.Marshal(store.snapshot)
	if encodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeState, encodeErr)
	}

	directory := filepath.Dir(store.path)
	tempFile, tempErr := os.CreateTemp(directory, stateTempPattern)
	if tempErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteState, tempErr)
	}
	tempPath := tempFile.Name()
	if _, writeErr := tempFile.Write(encoded); writeErr != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteState, writeErr)
	}
	if closeErr := tempFile.Close(); closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteState, closeErr)
	}
	if chmodErr := os.Chmod(tempPath, stateFileMode); chmodErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteState, chmodErr)
	}
	if renameErr := os.Rename(tempPath, store.path); renameErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageRenameState, renameErr)
	}
	return nil
}

func summarize(snapshot Snapshot, today string) RunSummary {
	var summary RunSummary
	for _, site := range snapshot.Sites {
		if site.Removed {
			summary.RemovedSites++
			continue
		}
		summary.TotalSites++
		if site.Skip {
			summary.SkippedSites++
			continue
		}
		summary.ActiveSites++
		for _, account := range site.Accounts {
			if account.Excluded {
				continue
			}
			summary.TotalTasks++
			status := account.CheckinStatus
			if status != StatusPending && account.CheckinDate != today {
				status = StatusPending
			}
			switch status {
			case StatusSuccess:
				summary.Success++
			case StatusAlreadyChecked:
				summary.Already++
			case StatusFailed:
				summary.Failed++
			default:
				summary.Pending++
			}
		}
	}
	return summary
}

func copySite(site *SiteState) SiteState {
	copied := *site
	copied.Accounts = make(map[string]*AccountState, len(site.Accounts))
	for label, account := range site.Accounts {
		accountCopy := *account
		copied.Accounts[label] = &accountCopy
	}
	return copied
}
