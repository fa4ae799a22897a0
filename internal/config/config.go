// Package config loads the site catalog and credential roster consumed by the
// check-in engine. The engine treats both documents as read-only input: sites
// and credentials are owned by the operator, never written back.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultCheckinPath          = "/api/user/checkin"
	errMessageReadSitesFile     = "read sites file"
	errMessageParseSitesFile    = "parse sites file"
	errMessageReadAccountsFile  = "read accounts file"
	errMessageParseAccountsFile = "parse accounts file"
	errMessageNoSites           = "sites file contains no sites"
	errMessageNoCredentials     = "accounts file contains no credentials"
	logMessageUnknownLabel      = "site allows unknown account label"
	logFieldSite                = "site"
	logFieldLabel               = "label"
)

// Secret holds a credential secret and redacts itself in formatted output so
// passwords cannot leak through logs or error messages.
type Secret string

// String implements fmt.Stringer with a fixed placeholder.
func (Secret) String() string { return "[redacted]" }

// GoString mirrors String so %#v output stays redacted too.
func (Secret) GoString() string { return `config.Secret("[redacted]")` }

// Reveal returns the underlying secret for the single call site that submits
// credentials to the identity provider.
func (secret Secret) Reveal() string { return string(secret) }

// Site describes one target service from the operator's catalog.
type Site struct {
	Key             string
	Name            string
	Domain          string
	CheckinPath     string
	OAuthClientID   string
	NeedsAntiBot    bool
	Skip            bool
	SkipReason      string
	AllowedAccounts []string
}

// Credential is one identity-provider login shared across sites. Label is the
// human-readable grouping key used throughout persisted state.
type Credential struct {
	Login  string `json:"login"`
	Secret Secret `json:"secret"`
	Label  string `json:"label"`
}

type siteDocument struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	CheckinPath  string   `json:"checkin_path"`
	ClientID     string   `json:"client_id"`
	NeedsAntiBot bool     `json:"needs_antibot"`
	Skip         bool     `json:"skip"`
	SkipReason   string   `json:"skip_reason"`
	Accounts     []string `json:"accounts"`
}

// Provider supplies Site and Credential records to the engine.
type Provider struct {
	sites       []Site
	credentials []Credential
	logger      *zap.Logger
}

// LoadOptions configures a Provider load.
type LoadOptions struct {
	SitesPath    string
	AccountsPath string
	Logger       *zap.Logger
}

// Load reads both configuration documents and validates their cross
// references. Site order is the sorted key order so runs are deterministic.
func Load(options LoadOptions) (*Provider, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sites, sitesErr := loadSites(options.SitesPath)
	if sitesErr != nil {
		return nil, sitesErr
	}
	credentials, credentialsErr := loadCredentials(options.AccountsPath)
	if credentialsErr != nil {
		return nil, credentialsErr
	}

	provider := &Provider{sites: sites, credentials: credentials, logger: logger}
	provider.filterUnknownLabels()
	return provider, nil
}

// Sites returns the site catalog in deterministic order.
func (provider *Provider) Sites() []Site { return provider.sites }

// Credentials returns the credential roster.
func (provider *Provider) Credentials() []Credential { return provider.credentials }

// Labels returns every known credential label in roster order.
func (provider *Provider) Labels() []string {
	labels := make([]string, 0, len(provider.credentials))
	for _, credential := range provider.credentials {
		labels = append(labels, credential.Label)
	}
	return labels
}

// CredentialByLabel looks a credential up by its grouping label.
func (provider *Provider) CredentialByLabel(label string) (Credential, bool) {
	for _, credential := range provider.credentials {
		if credential.Label == label {
			return credential, true
		}
	}
	return Credential{}, false
}

func (provider *Provider) filterUnknownLabels() {
	known := make(map[string]struct{}, len(provider.credentials))
	for _, credential := range provider.credentials {
		known[credential.Label] = struct{}{}
	}
	for index := range provider.sites {
		site := &provider.sites[index]
		if len(site.AllowedAccounts) == 0 {
			continue
		}
		kept := site.AllowedAccounts[:0]
		for _, label := range site.AllowedAccounts {
			if _, ok := known[label]; ok {
				kept = append(kept, label)
				continue
			}
			provider.logger.Warn(logMessageUnknownLabel,
				zap.String(logFieldSite, site.Key),
				zap.String(logFieldLabel, label))
		}
		site.AllowedAccounts = kept
	}
}

func loadSites(path string) ([]Site, error) {
	fileBytes, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageReadSitesFile, readErr)
	}

	var documents map[string]siteDocument
	if unmarshalErr := json.Unmarshal(fileBytes, &documents); unmarshalErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseSitesFile, unmarshalErr)
	}
	if len(documents) == 0 {
		return nil, errors.New(errMessageNoSites)
	}

	keys := make([]string, 0, len(documents))
	for key := range documents {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sites := make([]Site, 0, len(keys))
	for _, key := range keys {
		document := documents[key]
		site := Site{
			Key:             key,
			Name:            document.Name,
			Domain:          strings.TrimRight(strings.TrimSpace(document.Domain), "/"),
			CheckinPath:     document.CheckinPath,
			OAuthClientID:   document.ClientID,
			NeedsAntiBot:    document.NeedsAntiBot,
			Skip:            document.Skip,
			SkipReason:      document.SkipReason,
			AllowedAccounts: document.Accounts,
		}
		if site.Name == "" {
			site.Name = key
		}
		if site.CheckinPath == "" {
			site.CheckinPath = defaultCheckinPath
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func loadCredentials(path string) ([]Credential, error) {
	fileBytes, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageReadAccountsFile, readErr)
	}

	var credentials []Credential
	if unmarshalErr := json.Unmarshal(fileBytes, &credentials); unmarshalErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseAccountsFile, unmarshalErr)
	}

	valid := credentials[:0]
	for _, credential := range credentials {
		if strings.TrimSpace(credential.Login) == "" || strings.TrimSpace(credential.Label) == "" {
			continue
		}
		valid = append(valid, credential)
	}
	if len(valid) == 0 {
		return nil, errors.New(errMessageNoCredentials)
	}
	return valid, nil
}
