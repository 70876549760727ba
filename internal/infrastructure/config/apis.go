package config

import (
	"slices"
	"strings"
)

// API names a capability group of HTTP endpoints.
type API string

// Known capability groups.
const (
	APIQuery     API = "query"
	APIMetadata  API = "metadata"
	APIGraphQL   API = "graphql"
	APIPGDump    API = "pgdump"
	APIConfig    API = "config"
	APIDeveloper API = "developer"
	APIMetrics   API = "metrics"
)

var knownAPIs = []API{APIQuery, APIMetadata, APIGraphQL, APIPGDump, APIConfig, APIDeveloper, APIMetrics}

// Known reports whether a is a recognised capability group.
func (a API) Known() bool {
	return slices.Contains(knownAPIs, a)
}

// APISet is the set of capability groups the server exposes.
type APISet []API

// Has reports whether api is enabled.
func (s APISet) Has(api API) bool {
	return slices.Contains(s, api)
}

// ParseAPISet parses a comma separated list such as "graphql,metadata".
func ParseAPISet(raw string) APISet {
	var set APISet
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		api := API(part)
		if !set.Has(api) {
			set = append(set, api)
		}
	}
	return set
}

// FeatureFlags holds experimental feature toggles keyed by name.
type FeatureFlags map[string]bool

// Feature names consulted by the server.
const (
	FeatureAllowlist      = "allowlist"
	FeatureOperationNames = "log_operation_names"
)

// Enabled reports whether the named feature is switched on.
func (f FeatureFlags) Enabled(name string) bool {
	return f[name]
}
