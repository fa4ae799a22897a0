// Package probe discovers per-site capabilities from the public status
// endpoint: the OAuth client id, software version, whether check-in is
// enabled, and the trust level the site demands.
package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/relaycheck/relaycheck/internal/challenge"
	"github.com/relaycheck/relaycheck/internal/config"
)

const (
	statusPath             = "/api/status"
	defaultProbeTimeout    = 15 * time.Second
	defaultConcurrentLimit = 8
	maxStatusBodyBytes     = 256 * 1024
	logMessageProbed       = "site probed"
	logMessageProbeFailed  = "site probe failed"
	logFieldSite           = "site"
	logFieldVersion        = "version"
	logFieldReason         = "reason"
)

// Finding is one site's discovered capability surface. Pointer fields stay
// nil when the status payload does not carry them, so stale state is never
// overwritten with a guess.
type Finding struct {
	Alive          bool
	HasAntiBot     bool
	ClientID       string
	SystemName     string
	Version        string
	CheckinEnabled *bool
	MinTrustLevel  *int
}

// Config configures a Prober.
type Config struct {
	HTTPClient      *http.Client
	ConcurrentLimit int
	Logger          *zap.Logger
}

// Prober fetches status endpoints with bounded concurrency; concurrent
// probes of the same domain collapse into a single request.
type Prober struct {
	httpClient      *http.Client
	concurrentLimit int
	logger          *zap.Logger
	flightGroup     singleflight.Group
}

// NewProber constructs a Prober with normalized configuration.
func NewProber(configuration Config) *Prober {
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultProbeTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        100,
			},
		}
	}
	concurrentLimit := configuration.ConcurrentLimit
	if concurrentLimit <= 0 {
		concurrentLimit = defaultConcurrentLimit
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{httpClient: httpClient, concurrentLimit: concurrentLimit, logger: logger}
}

// ProbeAll probes every site concurrently and returns findings keyed by site
// key. An unreachable site yields a Finding with Alive false rather than an
// error; the run proceeds without it.
func (prober *Prober) ProbeAll(ctx context.Context, sites []config.Site) map[string]Finding {
	findings := make([]Finding, len(sites))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prober.concurrentLimit)
	for index, site := range sites {
		group.Go(func() error {
			findings[index] = prober.Probe(groupCtx, site)
			return nil
		})
	}
	_ = group.Wait()

	findingsByKey := make(map[string]Finding, len(sites))
	for index, site := range sites {
		findingsByKey[site.Key] = findings[index]
	}
	return findingsByKey
}

// Probe fetches one site's status document.
func (prober *Prober) Probe(ctx context.Context, site config.Site) Finding {
	result, _, _ := prober.flightGroup.Do(site.Domain, func() (any, error) {
		return prober.fetchStatus(ctx, site), nil
	})
	finding, _ := result.(Finding)
	return finding
}

func (prober *Prober) fetchStatus(ctx context.Context, site config.Site) Finding {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, site.Domain+statusPath, nil)
	if buildErr != nil {
		return Finding{}
	}
	request.Header.Set("Accept", "application/json")

	response, doErr := prober.httpClient.Do(request)
	if doErr != nil {
		prober.logger.Warn(logMessageProbeFailed,
			zap.String(logFieldSite, site.Key), zap.String(logFieldReason, doErr.Error()))
		return Finding{}
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(response.Body, maxStatusBodyBytes))
	if readErr != nil {
		return Finding{}
	}
	body := string(bodyBytes)

	if challenge.LooksLikeChallenge(body) {
		return Finding{Alive: true, HasAntiBot: true}
	}
	if response.StatusCode != http.StatusOK {
		prober.logger.Warn(logMessageProbeFailed,
			zap.String(logFieldSite, site.Key), zap.Int("status", response.StatusCode))
		return Finding{}
	}

	finding := parseStatusDocument(body)
	finding.Alive = true
	prober.logger.Debug(logMessageProbed,
		zap.String(logFieldSite, site.Key), zap.String(logFieldVersion, finding.Version))
	return finding
}

// parseStatusDocument tolerates both enveloped ({"data": {...}}) and flat
// status payloads.
func parseStatusDocument(body string) Finding {
	document := gjson.Parse(body)
	finding := Finding{
		ClientID:   firstString(document, "data.linuxdo_client_id", "linuxdo_client_id", "data.oauth_client_id"),
		SystemName: firstString(document, "data.system_name", "system_name"),
		Version:    firstString(document, "data.version", "version"),
	}
	if enabled := firstResult(document, "data.checkin_enabled", "checkin_enabled", "data.quota_for_checkin_enabled"); enabled.Exists() {
		value := enabled.Bool()
		finding.CheckinEnabled = &value
	}
	if trustLevel := firstResult(document, "data.min_trust_level", "min_trust_level"); trustLevel.Exists() {
		value := int(trustLevel.Int())
		finding.MinTrustLevel = &value
	}
	return finding
}

func firstString(document gjson.Result, paths ...string) string {
	return strings.TrimSpace(firstResult(document, paths...).String())
}

func firstResult(document gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if value := document.Get(path); value.Exists() {
			return value
		}
	}
	return gjson.Result{}
}
