package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycheck/relaycheck/internal/config"
)

func TestProbeParsesEnvelopedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{
			"system_name":"AlphaAPI",
			"version":"v0.6.3",
			"linuxdo_client_id":"cid-123",
			"checkin_enabled":true,
			"min_trust_level":2
		}}`))
	}))
	defer server.Close()

	prober := NewProber(Config{HTTPClient: server.Client()})
	finding := prober.Probe(context.Background(), config.Site{Key: "alpha", Domain: server.URL})
	if !finding.Alive || finding.HasAntiBot {
		t.Fatalf("liveness wrong: %+v", finding)
	}
	if finding.ClientID != "cid-123" || finding.SystemName != "AlphaAPI" || finding.Version != "v0.6.3" {
		t.Fatalf("fields wrong: %+v", finding)
	}
	if finding.CheckinEnabled == nil || !*finding.CheckinEnabled {
		t.Fatalf("checkin_enabled wrong: %+v", finding)
	}
	if finding.MinTrustLevel == nil || *finding.MinTrustLevel != 2 {
		t.Fatalf("min_trust_level wrong: %+v", finding)
	}
}

func TestProbeParsesFlatStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"system_name":"Beta","version":"v1.0.0"}`))
	}))
	defer server.Close()

	finding := NewProber(Config{HTTPClient: server.Client()}).
		Probe(context.Background(), config.Site{Key: "beta", Domain: server.URL})
	if finding.SystemName != "Beta" || finding.Version != "v1.0.0" {
		t.Fatalf("flat payload fields wrong: %+v", finding)
	}
	if finding.CheckinEnabled != nil || finding.MinTrustLevel != nil {
		t.Fatalf("absent fields must stay nil: %+v", finding)
	}
}

func TestProbeDetectsAntiBotChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><script>var arg1='0A1B'; document.cookie='x';</script></html>`))
	}))
	defer server.Close()

	finding := NewProber(Config{HTTPClient: server.Client()}).
		Probe(context.Background(), config.Site{Key: "gamma", Domain: server.URL})
	if !finding.Alive || !finding.HasAntiBot {
		t.Fatalf("challenge page should mean alive with anti-bot: %+v", finding)
	}
}

func TestProbeUnreachableSiteIsDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serverURL := server.URL
	server.Close()

	finding := NewProber(Config{}).Probe(context.Background(), config.Site{Key: "dead", Domain: serverURL})
	if finding.Alive {
		t.Fatalf("unreachable site reported alive: %+v", finding)
	}
}

func TestProbeAllReturnsFindingPerKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"version":"v1"}}`))
	}))
	defer server.Close()

	sites := []config.Site{
		{Key: "one", Domain: server.URL},
		{Key: "two", Domain: server.URL},
	}
	findings := NewProber(Config{HTTPClient: server.Client()}).ProbeAll(context.Background(), sites)
	if len(findings) != 2 {
		t.Fatalf("expected findings for both keys, got %d", len(findings))
	}
	for key, finding := range findings {
		if !finding.Alive || finding.Version != "v1" {
			t.Fatalf("finding for %s wrong: %+v", key, finding)
		}
	}
}

func TestConcurrentProbesOfOneDomainCollapse(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"data":{"version":"v1"}}`))
	}))
	defer server.Close()

	prober := NewProber(Config{HTTPClient: server.Client()})
	site := config.Site{Key: "one", Domain: server.URL}
	done := make(chan Finding, 2)
	for range 2 {
		go func() { done <- prober.Probe(context.Background(), site) }()
	}
	// Let both probes reach the flight group before the request completes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		if finding := <-done; !finding.Alive {
			t.Fatalf("collapsed probe lost the finding: %+v", finding)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("same domain probed %d times, want 1", hits.Load())
	}
}
