// Package openapi merges the OpenAPI documents of several backends into one
// gateway document.
//
// Each backend document is re-rooted under its routing prefix, every operation
// is re-tagged by an ordered substring rule table, and component schemas are
// unioned by name. Merging is a pure function of its inputs: no I/O, and the
// same inputs in the same order always encode to the same bytes.
package openapi

// Version is the OpenAPI version declared by merged and placeholder documents.
const Version = "3.1.0"

// Document is a decoded backend OpenAPI document. Only paths and
// components.schemas are read; everything else is ignored.
type Document map[string]any

// Paths returns the document's path map, or nil when absent or malformed.
func (d Document) Paths() map[string]any {
	paths, _ := d["paths"].(map[string]any)
	return paths
}

// Schemas returns components.schemas, or nil when absent or malformed.
func (d Document) Schemas() map[string]any {
	components, _ := d["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	return schemas
}

// Contact is the info.contact object.
type Contact struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// License is the info.license object.
type License struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Info is the gateway-owned info block. Upstream info blocks are discarded.
type Info struct {
	Title   string   `json:"title" yaml:"title"`
	Version string   `json:"version" yaml:"version"`
	Contact *Contact `json:"contact,omitempty" yaml:"contact,omitempty"`
	License *License `json:"license,omitempty" yaml:"license,omitempty"`
}

// Tag is a top-level tag entry.
type Tag struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Components holds the merged component schemas.
type Components struct {
	Schemas map[string]any `json:"schemas" yaml:"schemas"`
}

// MergedDocument is the gateway's OpenAPI document. Field order is fixed and
// maps encode with sorted keys, so encoding is deterministic.
type MergedDocument struct {
	OpenAPI    string                    `json:"openapi" yaml:"openapi"`
	Info       Info                      `json:"info" yaml:"info"`
	Paths      map[string]map[string]any `json:"paths" yaml:"paths"`
	Components *Components               `json:"components,omitempty" yaml:"components,omitempty"`
	Tags       []Tag                     `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Placeholder returns the document served when any backend document could not
// be fetched.
func Placeholder() *MergedDocument {
	return &MergedDocument{
		OpenAPI: Version,
		Info:    Info{Title: "Error", Version: "0.0.0"},
		Paths:   map[string]map[string]any{},
	}
}

// IsPlaceholder reports whether d is a degraded placeholder document.
func (d *MergedDocument) IsPlaceholder() bool {
	return d.Components == nil && len(d.Paths) == 0 && d.Info.Title == "Error"
}
