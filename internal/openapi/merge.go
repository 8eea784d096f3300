package openapi

import (
	"sort"
	"strings"
)

// httpMethods are the path-item keys that hold operations.
var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

// Source is one backend document together with its routing prefix and service label.
type Source struct {
	Document Document
	Prefix   string
	Label    string
}

// Aggregator merges backend documents. It holds only immutable configuration
// and is safe for concurrent use.
type Aggregator struct {
	info  Info
	rules RuleTable
}

// NewAggregator creates an Aggregator emitting info and classifying paths with rules.
func NewAggregator(info Info, rules RuleTable) *Aggregator {
	if rules == nil {
		rules = RuleTable{}
	}
	return &Aggregator{info: info, rules: rules}
}

// Merge combines sources in order. Paths are re-rooted under each source's
// prefix and re-tagged; schemas are unioned by name. Later sources overwrite
// earlier ones on path or schema name collisions.
func (a *Aggregator) Merge(sources []Source) *MergedDocument {
	paths := make(map[string]map[string]any)
	schemas := make(map[string]any)
	used := make(map[string]bool)

	for _, src := range sources {
		tagged, tags := a.prefixAndTag(src)
		for p, item := range tagged {
			paths[p] = item
		}
		for tag := range tags {
			used[tag] = true
		}
		for name, schema := range src.Document.Schemas() {
			schemas[name] = schema
		}
	}

	return &MergedDocument{
		OpenAPI:    Version,
		Info:       a.info,
		Paths:      paths,
		Components: &Components{Schemas: schemas},
		Tags:       sortedTags(used),
	}
}

// prefixAndTag re-roots and re-tags every path of one source and returns the
// set of tags it produced.
func (a *Aggregator) prefixAndTag(src Source) (map[string]map[string]any, map[string]bool) {
	tagged := make(map[string]map[string]any)
	tags := make(map[string]bool)

	for path, raw := range src.Document.Paths() {
		fullPath := path
		if !strings.HasPrefix(path, src.Prefix) {
			fullPath = src.Prefix + path
		}
		tag := a.rules.DetermineTag(path, src.Label)
		tags[tag] = true

		item, _ := raw.(map[string]any)
		out := make(map[string]any, len(item))
		for key, value := range item {
			op, ok := value.(map[string]any)
			if !ok || !httpMethods[strings.ToLower(key)] {
				out[key] = value
				continue
			}
			copied := make(map[string]any, len(op)+1)
			for k, v := range op {
				copied[k] = v
			}
			copied["tags"] = []string{tag}
			out[key] = copied
		}
		tagged[fullPath] = out
	}

	return tagged, tags
}

func sortedTags(used map[string]bool) []Tag {
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := make([]Tag, 0, len(names))
	for _, name := range names {
		tags = append(tags, Tag{Name: name, Description: "Endpoints for " + name})
	}
	return tags
}
