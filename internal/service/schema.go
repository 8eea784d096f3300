package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"securechain-gateway/internal/client"
	"securechain-gateway/internal/config"
	"securechain-gateway/internal/metrics"
	"securechain-gateway/internal/openapi"
)

// DocumentPath is where every backend serves its OpenAPI document.
const DocumentPath = "/openapi.json"

// SchemaService fetches every backend document, merges them and caches the
// result. If any fetch fails the placeholder document is cached instead and
// rebuilt on the first request after the retry interval.
type SchemaService struct {
	client     *client.UpstreamClient
	aggregator *openapi.Aggregator
	services   []config.ServiceConfig
	timeout    time.Duration
	retry      time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	doc     *openapi.MergedDocument
	builtAt time.Time
}

// NewSchemaService creates a SchemaService. The metrics parameter is optional.
func NewSchemaService(c *client.UpstreamClient, agg *openapi.Aggregator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SchemaService {
	return &SchemaService{
		client:     c,
		aggregator: agg,
		services:   cfg.Services,
		timeout:    time.Duration(cfg.OpenAPI.FetchTimeoutSeconds) * time.Second,
		retry:      time.Duration(cfg.OpenAPI.PlaceholderRetrySeconds) * time.Second,
		logger:     logger.With("component", "schema_service"),
		metrics:    m,
	}
}

// NewAggregator builds the aggregator from configuration: the info block comes
// from [openapi] and each service's tag_rules replace the built-in rules for
// its label.
func NewAggregator(cfg *config.Config) *openapi.Aggregator {
	info := openapi.Info{
		Title:   cfg.OpenAPI.Title,
		Version: cfg.OpenAPI.Version,
	}
	if cfg.OpenAPI.ContactName != "" || cfg.OpenAPI.ContactURL != "" || cfg.OpenAPI.ContactEmail != "" {
		info.Contact = &openapi.Contact{
			Name:  cfg.OpenAPI.ContactName,
			URL:   cfg.OpenAPI.ContactURL,
			Email: cfg.OpenAPI.ContactEmail,
		}
	}
	if cfg.OpenAPI.LicenseName != "" {
		info.License = &openapi.License{Name: cfg.OpenAPI.LicenseName, URL: cfg.OpenAPI.LicenseURL}
	}

	rules := openapi.DefaultRules()
	for _, svc := range cfg.Services {
		if len(svc.TagRules) == 0 {
			continue
		}
		list := make([]openapi.TagRule, 0, len(svc.TagRules))
		for _, r := range svc.TagRules {
			list = append(list, openapi.TagRule{Match: r.Match, Suffix: r.Tag})
		}
		rules[svc.Tag] = list
	}

	return openapi.NewAggregator(info, rules)
}

// Document returns the cached merged document, building it on first use.
// Concurrent callers wait for a single build. The build is detached from
// ctx cancellation so a disconnecting caller cannot cache the placeholder;
// the fetch timeout still bounds it.
func (s *SchemaService) Document(ctx context.Context) *openapi.MergedDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil || s.placeholderExpired() {
		s.rebuild(context.WithoutCancel(ctx))
	}
	return s.doc
}

// placeholderExpired reports whether a cached placeholder is due for another fetch.
func (s *SchemaService) placeholderExpired() bool {
	return s.doc.IsPlaceholder() && time.Since(s.builtAt) >= s.retry
}

// rebuild replaces the cached document. Callers hold s.mu.
func (s *SchemaService) rebuild(ctx context.Context) {
	if s.doc != nil {
		s.logger.Info("retrying OpenAPI document fetch after placeholder")
	}
	s.doc = s.build(ctx)
	s.builtAt = time.Now()
}

func (s *SchemaService) build(ctx context.Context) *openapi.MergedDocument {
	docs, err := s.fetchAll(ctx)
	if err != nil {
		s.logger.Error("failed to fetch OpenAPI documents; serving placeholder", "err", err)
		s.record("placeholder")
		return openapi.Placeholder()
	}

	sources := make([]openapi.Source, len(s.services))
	for i, svc := range s.services {
		sources[i] = openapi.Source{Document: docs[i], Prefix: svc.Prefix, Label: svc.Tag}
	}
	s.warnSchemaCollisions(sources)

	merged := s.aggregator.Merge(sources)
	s.logger.Info("merged OpenAPI documents",
		"services", len(sources),
		"paths", len(merged.Paths),
		"tags", len(merged.Tags),
	)
	s.record("merged")
	return merged
}

// fetchAll fetches every backend document concurrently. Results keep service
// order; the first failure cancels the rest.
func (s *SchemaService) fetchAll(ctx context.Context) ([]openapi.Document, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	docs := make([]openapi.Document, len(s.services))
	g, ctx := errgroup.WithContext(ctx)
	for i, svc := range s.services {
		g.Go(func() error {
			url := strings.TrimSuffix(svc.BaseURL, "/") + DocumentPath
			var doc openapi.Document
			if err := s.client.FetchJSON(ctx, url, &doc); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
			if doc == nil {
				doc = openapi.Document{}
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// warnSchemaCollisions logs schema names defined by more than one backend.
// The later backend's schema silently replaces the earlier one in the merge.
func (s *SchemaService) warnSchemaCollisions(sources []openapi.Source) {
	owner := make(map[string]string)
	for _, src := range sources {
		for name := range src.Document.Schemas() {
			if prev, ok := owner[name]; ok && prev != src.Prefix {
				s.logger.Warn("schema name defined by several services; last one wins",
					"schema", name,
					"overwritten", prev,
					"winner", src.Prefix,
				)
			}
			owner[name] = src.Prefix
		}
	}
}

func (s *SchemaService) record(result string) {
	if s.metrics != nil {
		s.metrics.SchemaBuilds.WithLabelValues(result).Inc()
	}
}
