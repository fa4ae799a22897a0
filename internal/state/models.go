// Package state owns the durable snapshot of per-site, per-account check-in
// progress and the append-only result log. The snapshot file is the single
// source of truth read at the start of every run; all mutations go through a
// Store so concurrent credential groups share one in-memory view.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// CheckinStatus is the lifecycle of one (site, account) task.
type CheckinStatus string

const (
	StatusPending        CheckinStatus = "pending"
	StatusSuccess        CheckinStatus = "success"
	StatusAlreadyChecked CheckinStatus = "already_checked"
	StatusFailed         CheckinStatus = "failed"
)

const (
	metaKey        = "_meta"
	dateLayout     = "2006-01-02"
	timeLayout     = "2006-01-02 15:04:05"
	errMessageMeta = "decode state meta"
	errMessageSite = "decode site state"
)

// AccountState tracks one credential label's progress against one site.
// A non-pending CheckinStatus is only trusted while CheckinDate equals the
// current calendar day; older values are treated as pending without being
// rewritten until a fresh attempt resolves them.
type AccountState struct {
	SessionToken  string        `json:"sessionToken,omitempty"`
	AuthTokenAlt  string        `json:"authTokenAlt,omitempty"`
	UserID        string        `json:"userId,omitempty"`
	CheckinStatus CheckinStatus `json:"checkinStatus"`
	CheckinDate   string        `json:"checkinDate,omitempty"`
	Message       string        `json:"message,omitempty"`
	Excluded      bool          `json:"excluded,omitempty"`
}

// SiteState mirrors the config-controlled site fields and layers the sticky
// probe results on top. Probe fields are only written by a probe or a live
// browser observation, never by a config sync.
type SiteState struct {
	Domain         string                   `json:"domain"`
	Name           string                   `json:"name"`
	ClientID       string                   `json:"clientId,omitempty"`
	CheckinPath    string                   `json:"checkinPath,omitempty"`
	Alive          *bool                    `json:"alive,omitempty"`
	HasAntiBot     *bool                    `json:"hasAntiBot,omitempty"`
	Version        string                   `json:"version,omitempty"`
	CheckinEnabled *bool                    `json:"checkinEnabled,omitempty"`
	MinTrustLevel  *int                     `json:"minTrustLevel,omitempty"`
	Skip           bool                     `json:"skip,omitempty"`
	SkipReason     string                   `json:"skipReason,omitempty"`
	Removed        bool                     `json:"removed,omitempty"`
	Accounts       map[string]*AccountState `json:"accounts,omitempty"`
}

// RunSummary is derived from the snapshot on every save and never stored as
// an independent source of truth.
type RunSummary struct {
	TotalSites   int `json:"totalSites"`
	ActiveSites  int `json:"activeSites"`
	SkippedSites int `json:"skippedSites"`
	RemovedSites int `json:"removedSites"`
	TotalTasks   int `json:"totalTasks"`
	Success      int `json:"success"`
	Already      int `json:"already"`
	Failed       int `json:"failed"`
	Pending      int `json:"pending"`
}

// Effective is the number of tasks that ended usefully this day.
func (summary RunSummary) Effective() int { return summary.Success + summary.Already }

// Meta is the reserved bookkeeping entry of the snapshot file.
type Meta struct {
	LastRun     string     `json:"lastRun,omitempty"`
	CheckinDate string     `json:"checkinDate,omitempty"`
	Summary     RunSummary `json:"summary"`
}

// Snapshot is the full persisted state document.
type Snapshot struct {
	Meta  Meta
	Sites map[string]*SiteState
}

// ResultRecord is one append-only log entry per attempt.
type ResultRecord struct {
	RunID     string `json:"runId"`
	Account   string `json:"account"`
	SiteKey   string `json:"siteKey"`
	SiteName  string `json:"site"`
	Domain    string `json:"domain"`
	LoginOK   bool   `json:"loginOk"`
	CheckinOK bool   `json:"checkinOk"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Today formats the current local calendar day the way the snapshot stores it.
func Today(now time.Time) string { return now.Format(dateLayout) }

// MarshalJSON flattens the snapshot into one object keyed by site key plus
// the reserved _meta entry.
func (snapshot Snapshot) MarshalJSON() ([]byte, error) {
	document := make(map[string]json.RawMessage, len(snapshot.Sites)+1)
	metaBytes, metaErr := json.Marshal(snapshot.Meta)
	if metaErr != nil {
		return nil, metaErr
	}
	document[metaKey] = metaBytes
	for key, site := range snapshot.Sites {
		siteBytes, siteErr := json.Marshal(site)
		if siteErr != nil {
			return nil, siteErr
		}
		document[key] = siteBytes
	}
	return json.MarshalIndent(document, "", "  ")
}

// UnmarshalJSON restores a snapshot from the flattened document form.
func (snapshot *Snapshot) UnmarshalJSON(data []byte) error {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return err
	}
	snapshot.Sites = make(map[string]*SiteState, len(document))
	for key, raw := range document {
		if key == metaKey {
			if err := json.Unmarshal(raw, &snapshot.Meta); err != nil {
				return fmt.Errorf("%s: %w", errMessageMeta, err)
			}
			continue
		}
		site := &SiteState{}
		if err := json.Unmarshal(raw, site); err != nil {
			return fmt.Errorf("%s %q: %w", errMessageSite, key, err)
		}
		if site.Accounts == nil {
			site.Accounts = make(map[string]*AccountState)
		}
		snapshot.Sites[key] = site
	}
	return nil
}

func boolPtr(value bool) *bool { return &value }
