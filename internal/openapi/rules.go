package openapi

import "strings"

// HealthSuffix is the tag suffix used when no rule matches.
const HealthSuffix = "Health"

// TagRule tags a path with Label + " - " + Suffix when Match is a substring of it.
type TagRule struct {
	Match  string
	Suffix string
}

// RuleTable holds the ordered rules of each service label.
type RuleTable map[string][]TagRule

// DefaultRules returns the classification used by the Secure Chain backends.
func DefaultRules() RuleTable {
	return RuleTable{
		"Secure Chain Auth": {
			{Match: "/user", Suffix: "User"},
			{Match: "/api-keys", Suffix: "API Keys"},
		},
		"Secure Chain Depex": {
			{Match: "/graph/", Suffix: "Graph"},
			{Match: "/operation/ssc/", Suffix: "Operation/SSC"},
			{Match: "/operation/smt/", Suffix: "Operation/SMT"},
		},
		"Secure Chain VEXGen": {
			{Match: "/vex/", Suffix: "VEX"},
			{Match: "/tix/", Suffix: "TIX"},
			{Match: "/vex_tix/", Suffix: "VEX/TIX"},
		},
	}
}

// DetermineTag returns the single tag for an un-prefixed path of the service
// labelled label. Rules are tried in order and the first match wins; a path
// matching nothing, or a label without rules, gets label + " - Health".
func (t RuleTable) DetermineTag(path, label string) string {
	for _, r := range t[label] {
		if strings.Contains(path, r.Match) {
			return label + " - " + r.Suffix
		}
	}
	return label + " - " + HealthSuffix
}
