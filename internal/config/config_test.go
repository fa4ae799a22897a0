package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleSites = `{
  "beta": {"domain": "https://beta.example.com/", "client_id": "cid-b"},
  "alpha": {"name": "Alpha API", "domain": "https://alpha.example.com", "checkin_path": "/api/user/check_in", "accounts": ["ann", "ghost"]}
}`

const sampleAccounts = `[
  {"login": "ann@example.com", "secret": "pw-one", "label": "ann"},
  {"login": "bob@example.com", "secret": "pw-two", "label": "bob"}
]`

func TestLoadAppliesDefaultsAndOrder(t *testing.T) {
	provider, err := Load(LoadOptions{
		SitesPath:    writeFile(t, "sites.json", sampleSites),
		AccountsPath: writeFile(t, "accounts.json", sampleAccounts),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sites := provider.Sites()
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
	if sites[0].Key != "alpha" || sites[1].Key != "beta" {
		t.Fatalf("sites not sorted by key: %s, %s", sites[0].Key, sites[1].Key)
	}
	if sites[0].Name != "Alpha API" || sites[1].Name != "beta" {
		t.Fatalf("name defaulting wrong: %q, %q", sites[0].Name, sites[1].Name)
	}
	if sites[0].CheckinPath != "/api/user/check_in" {
		t.Fatalf("explicit checkin path lost: %q", sites[0].CheckinPath)
	}
	if sites[1].CheckinPath != defaultCheckinPath {
		t.Fatalf("checkin path not defaulted: %q", sites[1].CheckinPath)
	}
	if sites[1].Domain != "https://beta.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", sites[1].Domain)
	}
}

func TestLoadDropsUnknownAllowedLabels(t *testing.T) {
	provider, err := Load(LoadOptions{
		SitesPath:    writeFile(t, "sites.json", sampleSites),
		AccountsPath: writeFile(t, "accounts.json", sampleAccounts),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	alpha := provider.Sites()[0]
	if len(alpha.AllowedAccounts) != 1 || alpha.AllowedAccounts[0] != "ann" {
		t.Fatalf("unknown label not filtered: %v", alpha.AllowedAccounts)
	}
}

func TestCredentialLookup(t *testing.T) {
	provider, err := Load(LoadOptions{
		SitesPath:    writeFile(t, "sites.json", sampleSites),
		AccountsPath: writeFile(t, "accounts.json", sampleAccounts),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	credential, ok := provider.CredentialByLabel("bob")
	if !ok || credential.Login != "bob@example.com" {
		t.Fatalf("lookup failed: %+v ok=%v", credential, ok)
	}
	if _, ok := provider.CredentialByLabel("ghost"); ok {
		t.Fatal("lookup of unknown label should fail")
	}
	labels := provider.Labels()
	if len(labels) != 2 || labels[0] != "ann" || labels[1] != "bob" {
		t.Fatalf("labels wrong: %v", labels)
	}
}

func TestSecretNeverFormatsItsValue(t *testing.T) {
	secret := Secret("hunter2")
	for _, rendered := range []string{
		fmt.Sprint(secret),
		fmt.Sprintf("%v", secret),
		fmt.Sprintf("%#v", secret),
		fmt.Sprintf("%s", secret),
	} {
		if strings.Contains(rendered, "hunter2") {
			t.Fatalf("secret leaked through formatting: %q", rendered)
		}
	}
	if secret.Reveal() != "hunter2" {
		t.Fatal("Reveal must return the raw secret")
	}
}

func TestLoadRejectsEmptyDocuments(t *testing.T) {
	if _, err := Load(LoadOptions{
		SitesPath:    writeFile(t, "sites.json", `{}`),
		AccountsPath: writeFile(t, "accounts.json", sampleAccounts),
	}); err == nil {
		t.Fatal("expected error for empty sites document")
	}
	if _, err := Load(LoadOptions{
		SitesPath:    writeFile(t, "sites.json", sampleSites),
		AccountsPath: writeFile(t, "accounts.json", `[{"login": " ", "secret": "x", "label": ""}]`),
	}); err == nil {
		t.Fatal("expected error for empty credential roster")
	}
}
