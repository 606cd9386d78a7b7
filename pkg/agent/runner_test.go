package agent

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/report"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// testTelemetry returns a quiet telemetry stack for runner tests.
func testTelemetry(t *testing.T) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "converge", "test", "production")
	if err != nil {
		t.Fatal(err)
	}
	return logger, metrics, tracer
}

// testSettings builds settings rooted in a temp var dir, trusting the
// given test server.
func testSettings(t *testing.T, ts *httptest.Server) *config.Settings {
	t.Helper()
	varDir := t.TempDir()

	s := &config.Settings{
		NodeName:        "web01",
		Environment:     "production",
		Timeout:         5 * time.Second,
		VarDir:          varDir,
		Report:          true,
		DeferredTimeout: time.Second,
		Telemetry:       telemetry.DefaultConfig(),
	}
	if ts != nil {
		s.Server = strings.TrimPrefix(ts.URL, "https://")
		s.CABundle = writeCABundle(t, ts)
	}
	return s
}

func writeCABundle(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	cert := ts.Certificate()
	if cert == nil {
		t.Fatal("test server has no certificate")
	}
	path := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// serveCatalog returns a handler serving a status probe and a catalog
// whose single file resource manages the given path.
func serveCatalog(environment, filePath, content string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/catalog/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        "web01",
			"environment": environment,
			"version":     "v1",
			"resources": []map[string]any{
				{"type": "file", "title": filePath, "parameters": map[string]any{
					"content": content,
				}},
			},
		})
	})
	mux.HandleFunc("/v1/report/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func newTestRunner(t *testing.T, settings *config.Settings) *Runner {
	t.Helper()
	logger, metrics, tracer := testTelemetry(t)
	return NewRunner(settings, logger, metrics, tracer, nil, "test")
}

func TestConverge_AppliesCatalogAndCaches(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")
	ts := httptest.NewTLSServer(serveCatalog("production", managed, "hello"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	runner := newTestRunner(t, settings)

	outcome, rep, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if outcome != OutcomeAppliedWithChanges {
		t.Errorf("outcome = %s, want applied_with_changes", outcome)
	}

	data, rerr := os.ReadFile(managed)
	if rerr != nil || string(data) != "hello" {
		t.Errorf("managed file = %q, %v", data, rerr)
	}

	// The good catalog was cached.
	cache := catalog.NewCache(settings.CachePath())
	if !cache.Exists() {
		t.Error("catalog cache not written")
	}

	// The report was persisted.
	persisted, perr := report.Load(settings.ReportPath())
	if perr != nil {
		t.Fatalf("report not persisted: %v", perr)
	}
	if persisted.ID != rep.ID || persisted.Status != report.StatusChanged {
		t.Errorf("persisted report = %+v", persisted)
	}
	if persisted.Server != "" {
		t.Errorf("single-server run attributed a server: %s", persisted.Server)
	}
}

func TestConverge_SecondRunIsNoChanges(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")
	ts := httptest.NewTLSServer(serveCatalog("production", managed, "hello"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	runner := newTestRunner(t, settings)

	if outcome, _, err := runner.Converge(context.Background()); err != nil || outcome != OutcomeAppliedWithChanges {
		t.Fatalf("first run = %s, %v", outcome, err)
	}
	outcome, _, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if outcome != OutcomeNoChanges {
		t.Errorf("second run outcome = %s, want no_changes", outcome)
	}
}

func TestConverge_LockContention(t *testing.T) {
	settings := testSettings(t, nil)
	settings.Server = "localhost:1"

	lock := NewRunLock(settings.LockPath())
	if state, err := lock.Acquire(context.Background(), false, 0); err != nil || state != LockOwned {
		t.Fatalf("pre-acquire = %s, %v", state, err)
	}
	defer func() { _ = lock.Release() }()

	runner := newTestRunner(t, settings)
	outcome, _, err := runner.Converge(context.Background())
	if outcome != OutcomeLockContention {
		t.Errorf("outcome = %s, want lock_contention", outcome)
	}
	if !IsClass(err, ErrorClassLockContention) {
		t.Errorf("error class = %s", ClassOf(err))
	}
	if outcome.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode())
	}
}

func TestConverge_CacheFallback(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")

	settings := testSettings(t, nil)
	settings.Server = "localhost:1" // connection refused
	settings.UseCacheOnFailure = true

	cached := &catalog.Catalog{
		Name:        "web01",
		Environment: "production",
		Version:     "cached-v1",
		Resources: []catalog.Resource{
			{Type: "file", Title: managed, Parameters: map[string]any{"content": "from cache"}},
		},
	}
	if err := catalog.NewCache(settings.CachePath()).Store(cached); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if outcome != OutcomeAppliedWithChanges {
		t.Errorf("outcome = %s", outcome)
	}
	if !rep.FromCache {
		t.Error("report not marked from_cache")
	}
	if data, _ := os.ReadFile(managed); string(data) != "from cache" {
		t.Errorf("managed file = %q", data)
	}
}

func TestConverge_NoCatalogNoCacheFails(t *testing.T) {
	settings := testSettings(t, nil)
	settings.Server = "localhost:1"
	settings.UseCacheOnFailure = true // enabled, but the cache is empty

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s", outcome)
	}
	if rep != nil {
		t.Error("run without a catalog must not produce a report")
	}
	if !IsClass(err, ErrorClassServerUnreachable) {
		t.Errorf("error class = %s", ClassOf(err))
	}
	if _, perr := report.Load(settings.ReportPath()); perr == nil {
		t.Error("report file written for a catalog-less run")
	}
}

func TestConverge_TrustFailure(t *testing.T) {
	ts := httptest.NewTLSServer(serveCatalog("production", "/tmp/x", "x"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	// Trust a different certificate than the one the server presents.
	other := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(other.Close)
	settings.CABundle = writeCABundle(t, other)
	settings.UseCacheOnFailure = true

	// Even a populated cache must not mask a trust failure.
	if err := catalog.NewCache(settings.CachePath()).Store(&catalog.Catalog{
		Name: "web01", Environment: "production", Version: "v1",
	}); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if outcome != OutcomeTransportOrTrustFailure {
		t.Errorf("outcome = %s, want transport_or_trust_failure", outcome)
	}
	if rep != nil {
		t.Error("trust failure must not produce a report")
	}
	if !IsClass(err, ErrorClassTransportTrust) {
		t.Errorf("error class = %s", ClassOf(err))
	}
	if outcome.ExitCode() != 4 {
		t.Errorf("exit code = %d, want 4", outcome.ExitCode())
	}
}

func TestConverge_EnvironmentSwitchRestartsOnce(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")

	var fetchEnvs []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/catalog/", func(w http.ResponseWriter, r *http.Request) {
		fetchEnvs = append(fetchEnvs, r.URL.Query().Get("environment"))
		// The server always compiles for staging regardless of the
		// requested environment.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        "web01",
			"environment": "staging",
			"version":     "v2",
			"resources": []map[string]any{
				{"type": "file", "title": managed, "parameters": map[string]any{"content": "staged"}},
			},
		})
	})

	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	runner := newTestRunner(t, settings)

	outcome, rep, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if outcome != OutcomeAppliedWithChanges {
		t.Errorf("outcome = %s", outcome)
	}

	// First fetch under the configured environment, one restart under
	// the served one, then apply.
	if len(fetchEnvs) != 2 || fetchEnvs[0] != "production" || fetchEnvs[1] != "staging" {
		t.Errorf("fetch environments = %v", fetchEnvs)
	}
	if rep.Environment != "staging" {
		t.Errorf("report environment = %s", rep.Environment)
	}
}

func TestConverge_PolicyInvalidCatalogLeavesCacheUntouched(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/catalog/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        "web01",
			"environment": "production",
			"version":     "bad-v2",
			"resources": []map[string]any{
				{"type": "exec", "title": "reload", "parameters": map[string]any{
					"command": "systemctl reload nginx", // unqualified
				}},
			},
		})
	})
	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	if err := catalog.NewCache(settings.CachePath()).Store(&catalog.Catalog{
		Name: "web01", Environment: "production", Version: "good-v1",
	}); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s", outcome)
	}
	if !IsClass(err, ErrorClassGraphInvalid) {
		t.Errorf("error class = %s", ClassOf(err))
	}

	// A report was still written.
	if rep == nil || rep.Status != report.StatusFailed {
		t.Fatalf("report = %+v", rep)
	}
	if _, perr := report.Load(settings.ReportPath()); perr != nil {
		t.Errorf("report not persisted: %v", perr)
	}

	// The rejected catalog must not replace the cached one.
	cached, cerr := catalog.NewCache(settings.CachePath()).Load()
	if cerr != nil {
		t.Fatal(cerr)
	}
	if cached.Version != "good-v1" {
		t.Errorf("cache version = %s, want good-v1", cached.Version)
	}
}

func TestConverge_NoopDoesNotTouchSystemOrCache(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")
	ts := httptest.NewTLSServer(serveCatalog("production", managed, "hello"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	settings.Noop = true

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	// The file is absent, so a real run would create it: the noop run
	// reports the pending change without making it.
	if outcome != OutcomeAppliedWithChanges {
		t.Errorf("outcome = %s, want applied_with_changes", outcome)
	}
	if !rep.Noop {
		t.Error("report not marked noop")
	}
	if rep.Metrics.Changed != 1 {
		t.Errorf("changed = %d, want 1 pending change", rep.Metrics.Changed)
	}
	found := false
	for _, e := range rep.Events {
		if e.Status == "would_change" {
			found = true
		}
	}
	if !found {
		t.Errorf("no would_change event in %+v", rep.Events)
	}
	if _, serr := os.Stat(managed); !os.IsNotExist(serr) {
		t.Error("noop run touched the managed file")
	}
	if catalog.NewCache(settings.CachePath()).Exists() {
		t.Error("noop run wrote the catalog cache")
	}
}

func TestConverge_NoopConvergedSystemIsNoChanges(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(managed, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewTLSServer(serveCatalog("production", managed, "hello"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	settings.Noop = true

	runner := newTestRunner(t, settings)
	outcome, _, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if outcome != OutcomeNoChanges {
		t.Errorf("outcome = %s, want no_changes", outcome)
	}
}

func TestConverge_CachedDeferredReEvaluatedEachRun(t *testing.T) {
	dir := t.TempDir()
	managed := filepath.Join(dir, "rendered")
	src := filepath.Join(dir, "source")
	if err := os.WriteFile(src, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}

	settings := testSettings(t, nil)
	settings.Server = "localhost:1" // unreachable, forces the cache
	settings.UseCacheOnFailure = true

	// The cached catalog carries a deferred call, not its result.
	cached := &catalog.Catalog{
		Name:        "web01",
		Environment: "production",
		Version:     "cached-v1",
		Resources: []catalog.Resource{
			{Type: "file", Title: managed, Parameters: map[string]any{
				"content": &catalog.Deferred{Name: "file", Arguments: []any{src}},
			}},
		},
	}
	if err := catalog.NewCache(settings.CachePath()).Store(cached); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner(t, settings)
	if outcome, rep, err := runner.Converge(context.Background()); err != nil || outcome != OutcomeAppliedWithChanges || !rep.FromCache {
		t.Fatalf("first run = %s, from_cache=%v, %v", outcome, rep != nil && rep.FromCache, err)
	}
	if data, _ := os.ReadFile(managed); string(data) != "v1" {
		t.Fatalf("managed file = %q, want v1", data)
	}

	// The deferred source changes between runs; the same cached catalog
	// must produce the new value.
	if err := os.WriteFile(src, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if outcome, _, err := runner.Converge(context.Background()); err != nil || outcome != OutcomeAppliedWithChanges {
		t.Fatalf("second run = %s, %v", outcome, err)
	}
	if data, _ := os.ReadFile(managed); string(data) != "v2" {
		t.Errorf("managed file = %q, want v2", data)
	}
}

func TestConverge_LockFileUnmanageableIsNotContention(t *testing.T) {
	settings := testSettings(t, nil)
	settings.Server = "localhost:1"
	// A regular file where the var dir should be makes lock creation fail
	// with an I/O error, not a held lock.
	settings.VarDir = filepath.Join(t.TempDir(), "vardir")
	if err := os.WriteFile(settings.VarDir, []byte("not a directory"), 0o600); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner(t, settings)
	outcome, _, err := runner.Converge(context.Background())
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", outcome)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if IsClass(err, ErrorClassLockContention) {
		t.Errorf("lock I/O failure classed as contention: %v", err)
	}
}

func TestConverge_ResourceFailureStillUpdatesCache(t *testing.T) {
	// An exec resource that exits nonzero fails at apply, but the catalog
	// itself passed validation and must still be cached.
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/catalog/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        "web01",
			"environment": "production",
			"version":     "v3",
			"resources": []map[string]any{
				{"type": "exec", "title": "/bin/false"},
			},
		})
	})
	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	runner := newTestRunner(t, settings)

	outcome, rep, err := runner.Converge(context.Background())
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s", outcome)
	}
	if !IsClass(err, ErrorClassResourceFailure) {
		t.Errorf("error class = %s", ClassOf(err))
	}
	if rep == nil || rep.Metrics.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}

	cached, cerr := catalog.NewCache(settings.CachePath()).Load()
	if cerr != nil {
		t.Fatalf("cache not written after resource failure: %v", cerr)
	}
	if cached.Version != "v3" {
		t.Errorf("cache version = %s", cached.Version)
	}
}

func TestConverge_ServerListAttribution(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "motd")
	ts := httptest.NewTLSServer(serveCatalog("production", managed, "hello"))
	t.Cleanup(ts.Close)

	settings := testSettings(t, ts)
	settings.ServerList = []string{"localhost:1", settings.Server}
	settings.Server = ""

	runner := newTestRunner(t, settings)
	outcome, rep, err := runner.Converge(context.Background())
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if outcome != OutcomeAppliedWithChanges {
		t.Errorf("outcome = %s", outcome)
	}
	if rep.Server == "" {
		t.Error("list-based discovery did not attribute the serving server")
	}
}
