package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"securechain-gateway/internal/client"
	"securechain-gateway/internal/config"
	"securechain-gateway/internal/metrics"
	"securechain-gateway/internal/openapi"
)

// docServer serves body at /openapi.json with the given status and counts hits.
func docServer(t *testing.T, status int, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DocumentPath {
			t.Errorf("fetched %q, want %q", r.URL.Path, DocumentPath)
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func schemaConfig(auth, depex, vexgen string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
		Services: []config.ServiceConfig{
			{Name: "auth", Prefix: "/auth", BaseURL: auth, Tag: "Secure Chain Auth"},
			{Name: "depex", Prefix: "/depex", BaseURL: depex, Tag: "Secure Chain Depex"},
			{Name: "vexgen", Prefix: "/vexgen", BaseURL: vexgen, Tag: "Secure Chain VEXGen"},
		},
		OpenAPI: config.OpenAPIConfig{
			Title:               "Secure Chain API Gateway",
			Version:             "1.1.0",
			LicenseName:         "GPLv3+",
			FetchTimeoutSeconds: 5,
		},
	}
}

func newTestSchemaService(cfg *config.Config, m *metrics.Metrics) *SchemaService {
	logger := discardLogger()
	c := client.NewUpstreamClient(cfg, logger, nil)
	return NewSchemaService(c, NewAggregator(cfg), cfg, logger, m)
}

const (
	authJSON   = `{"paths":{"/users":{"get":{}}},"components":{"schemas":{"User":{"type":"object"}}}}`
	depexJSON  = `{"paths":{"/graph/nodes":{"get":{}}},"components":{"schemas":{"Node":{"type":"object"}}}}`
	vexgenJSON = `{"paths":{"/vex/generate":{"post":{}}}}`
)

func TestSchemaService_Merges(t *testing.T) {
	auth := docServer(t, http.StatusOK, authJSON, nil)
	depex := docServer(t, http.StatusOK, depexJSON, nil)
	vexgen := docServer(t, http.StatusOK, vexgenJSON, nil)

	m := metrics.New()
	svc := newTestSchemaService(schemaConfig(auth.URL, depex.URL, vexgen.URL), m)

	doc := svc.Document(context.Background())

	if doc.IsPlaceholder() {
		t.Fatal("Document() returned placeholder, want merged document")
	}
	for _, p := range []string{"/auth/users", "/depex/graph/nodes", "/vexgen/vex/generate"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("paths missing %q", p)
		}
	}
	if _, ok := doc.Components.Schemas["Node"]; !ok {
		t.Error("schemas missing Node")
	}
	if doc.Info.Title != "Secure Chain API Gateway" || doc.Info.License == nil {
		t.Errorf("info = %+v, want configured title and license", doc.Info)
	}
	if doc.Info.Contact != nil {
		t.Errorf("info.contact = %+v, want omitted when not configured", doc.Info.Contact)
	}
}

func TestSchemaService_PlaceholderWhenAnyFetchFails(t *testing.T) {
	ok := func() *httptest.Server { return docServer(t, http.StatusOK, authJSON, nil) }
	bad := func() *httptest.Server { return docServer(t, http.StatusInternalServerError, `{}`, nil) }

	tests := []struct {
		name                string
		auth, depex, vexgen string
	}{
		{"auth fails", bad().URL, ok().URL, ok().URL},
		{"depex fails", ok().URL, bad().URL, ok().URL},
		{"vexgen fails", ok().URL, ok().URL, bad().URL},
		{"vexgen unreachable", ok().URL, ok().URL, "http://127.0.0.1:1"},
		{"invalid json", ok().URL, docServer(t, http.StatusOK, `{oops`, nil).URL, ok().URL},
	}

	want := `{"openapi":"3.1.0","info":{"title":"Error","version":"0.0.0"},"paths":{}}`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestSchemaService(schemaConfig(tt.auth, tt.depex, tt.vexgen), nil)

			b, err := json.Marshal(svc.Document(context.Background()))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(b) != want {
				t.Errorf("document = %s, want %s", b, want)
			}
		})
	}
}

func TestSchemaService_CachesDocument(t *testing.T) {
	var hits atomic.Int64
	srv := docServer(t, http.StatusOK, authJSON, &hits)

	svc := newTestSchemaService(schemaConfig(srv.URL, srv.URL, srv.URL), nil)

	var wg sync.WaitGroup
	docs := make([]*openapi.MergedDocument, 8)
	for i := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs[i] = svc.Document(context.Background())
		}()
	}
	wg.Wait()

	for i := 1; i < len(docs); i++ {
		if docs[i] != docs[0] {
			t.Fatal("concurrent callers received different documents")
		}
	}
	if hits.Load() != 3 {
		t.Errorf("upstream fetches = %d, want 3 (one per service)", hits.Load())
	}

	svc.Document(context.Background())
	if hits.Load() != 3 {
		t.Errorf("upstream fetches after a cached call = %d, want 3", hits.Load())
	}
}

func TestSchemaService_RetriesPlaceholderAfterInterval(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(authJSON))
	}))
	t.Cleanup(srv.Close)

	cfg := schemaConfig(srv.URL, srv.URL, srv.URL)
	cfg.OpenAPI.PlaceholderRetrySeconds = 3600
	svc := newTestSchemaService(cfg, nil)

	if doc := svc.Document(context.Background()); !doc.IsPlaceholder() {
		t.Fatal("Document() = merged, want placeholder while backends are down")
	}

	down.Store(false)
	before := hits.Load()
	if doc := svc.Document(context.Background()); !doc.IsPlaceholder() {
		t.Error("Document() rebuilt before the retry interval elapsed")
	}
	if hits.Load() != before {
		t.Errorf("upstream fetches inside retry interval = %d, want %d", hits.Load(), before)
	}

	svc.retry = 0
	if doc := svc.Document(context.Background()); doc.IsPlaceholder() {
		t.Error("Document() = placeholder, want merged after the retry interval")
	}
	merged := hits.Load()
	svc.Document(context.Background())
	if hits.Load() != merged {
		t.Error("merged document was refetched, want it cached")
	}
}

func TestSchemaService_BuildIgnoresCallerCancel(t *testing.T) {
	auth := docServer(t, http.StatusOK, authJSON, nil)
	depex := docServer(t, http.StatusOK, depexJSON, nil)
	vexgen := docServer(t, http.StatusOK, vexgenJSON, nil)
	svc := newTestSchemaService(schemaConfig(auth.URL, depex.URL, vexgen.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if doc := svc.Document(ctx); doc.IsPlaceholder() {
		t.Error("Document() with a canceled caller context = placeholder, want merged")
	}
}

func TestSchemaService_KeepsLargeIntegers(t *testing.T) {
	const big = `{"paths":{},"components":{"schemas":{"Id":{"type":"integer","maximum":9223372036854775807}}}}`
	auth := docServer(t, http.StatusOK, big, nil)
	depex := docServer(t, http.StatusOK, depexJSON, nil)
	vexgen := docServer(t, http.StatusOK, vexgenJSON, nil)
	svc := newTestSchemaService(schemaConfig(auth.URL, depex.URL, vexgen.URL), nil)

	doc := svc.Document(context.Background())

	b, err := json.Marshal(doc.Components.Schemas["Id"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"maximum":9223372036854775807,"type":"integer"}`; string(b) != want {
		t.Errorf("schema Id = %s, want %s", b, want)
	}
}

func TestSchemaService_RecordsBuildMetrics(t *testing.T) {
	srv := docServer(t, http.StatusOK, authJSON, nil)
	m := metrics.New()
	svc := newTestSchemaService(schemaConfig(srv.URL, srv.URL, "http://127.0.0.1:1"), m)

	svc.Document(context.Background())

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "securechain_gateway_openapi_builds_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == "placeholder" {
					return
				}
			}
		}
	}
	t.Error("expected securechain_gateway_openapi_builds_total{result=placeholder}")
}

func TestNewAggregator_ConfiguredRules(t *testing.T) {
	cfg := schemaConfig("http://a", "http://d", "http://v")
	cfg.Services[1].TagRules = []config.TagRule{{Match: "/operation/", Tag: "Operation"}}

	doc := openapi.Document{"paths": map[string]any{
		"/operation/ssc/x": map[string]any{"get": map[string]any{}},
		"/graph/nodes":     map[string]any{"get": map[string]any{}},
	}}
	merged := NewAggregator(cfg).Merge([]openapi.Source{
		{Document: doc, Prefix: "/depex", Label: "Secure Chain Depex"},
		{Document: openapi.Document{"paths": map[string]any{"/users": map[string]any{"get": map[string]any{}}}}, Prefix: "/auth", Label: "Secure Chain Auth"},
	})

	tests := []struct {
		path, want string
	}{
		{"/depex/operation/ssc/x", "Secure Chain Depex - Operation"},
		{"/depex/graph/nodes", "Secure Chain Depex - Health"},
		{"/auth/users", "Secure Chain Auth - User"},
	}
	for _, tt := range tests {
		op, _ := merged.Paths[tt.path]["get"].(map[string]any)
		tags, _ := op["tags"].([]string)
		if len(tags) != 1 || tags[0] != tt.want {
			t.Errorf("%s tags = %v, want [%s]", tt.path, tags, tt.want)
		}
	}
}
