// Package grouping partitions the site and account pairs that need a browser
// login by credential, so each credential logs in exactly once per run.
package grouping

import (
	"sort"

	"go.uber.org/zap"

	"github.com/relaycheck/relaycheck/internal/config"
)

const (
	logMessageUnknownLabel = "no credential for label, pair skipped"
	logFieldLabel          = "label"
	logFieldSite           = "site"
)

// Pair is one site and account combination awaiting the slow path.
type Pair struct {
	Site  config.Site
	Label string
}

// Group is every pending pair sharing one credential.
type Group struct {
	Credential config.Credential
	Pairs      []Pair
}

// Partition splits pairs into per-credential groups. Pairs whose label has no
// credential are logged and dropped. Output order is deterministic: groups by
// label, pairs by site key.
func Partition(pairs []Pair, credentials []config.Credential, logger *zap.Logger) []Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	credentialsByLabel := make(map[string]config.Credential, len(credentials))
	for _, credential := range credentials {
		credentialsByLabel[credential.Label] = credential
	}

	pairsByLabel := make(map[string][]Pair)
	for _, pair := range pairs {
		if _, known := credentialsByLabel[pair.Label]; !known {
			logger.Warn(logMessageUnknownLabel,
				zap.String(logFieldLabel, pair.Label),
				zap.String(logFieldSite, pair.Site.Key))
			continue
		}
		pairsByLabel[pair.Label] = append(pairsByLabel[pair.Label], pair)
	}

	labels := make([]string, 0, len(pairsByLabel))
	for label := range pairsByLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	groups := make([]Group, 0, len(labels))
	for _, label := range labels {
		grouped := pairsByLabel[label]
		sort.Slice(grouped, func(first, second int) bool {
			return grouped[first].Site.Key < grouped[second].Site.Key
		})
		groups = append(groups, Group{Credential: credentialsByLabel[label], Pairs: grouped})
	}
	return groups
}
