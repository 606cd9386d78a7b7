package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// testServer wraps an httptest TLS server whose handler serves catalog
// endpoints, returning a client configured to trust it.
func testServer(t *testing.T, handler http.Handler) (string, *Client) {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)

	c, err := New(Config{
		NodeName:  "web01",
		Timeout:   5 * time.Second,
		Transport: ts.Client().Transport,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return strings.TrimPrefix(ts.URL, "https://"), c
}

func catalogDoc(environment string) map[string]any {
	return map[string]any{
		"name":        "web01",
		"environment": environment,
		"version":     "v1",
		"resources": []map[string]any{
			{"type": "file", "title": "/etc/motd", "parameters": map[string]any{"content": "hi"}},
		},
	}
}

func TestProbe_Healthy(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Probe(context.Background(), server); err != nil {
		t.Errorf("Probe failed: %v", err)
	}
}

func TestProbe_ServerError(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Probe(context.Background(), server)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Errorf("error = %v, want UnreachableError", err)
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	// Reserve a port, then close it so the connection is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	c, err := New(Config{NodeName: "web01", Timeout: 2 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	perr := c.Probe(context.Background(), addr)
	var unreachable *UnreachableError
	if !errors.As(perr, &unreachable) {
		t.Errorf("error = %v, want UnreachableError", perr)
	}
}

func TestProbe_UntrustedCertificate(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	// Default transport: the self-signed test certificate is untrusted.
	c, err := New(Config{NodeName: "web01", Timeout: 5 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	perr := c.Probe(context.Background(), strings.TrimPrefix(ts.URL, "https://"))
	var trust *TrustError
	if !errors.As(perr, &trust) {
		t.Errorf("error = %v, want TrustError", perr)
	}
}

func TestFetchCatalog_SendsFactsAndEnvironment(t *testing.T) {
	var gotPath, gotEnv string
	var gotBody map[string]any

	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEnv = r.URL.Query().Get("environment")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(catalogDoc("production"))
	}))

	facts := map[string]any{"os": map[string]any{"name": "linux"}}
	cat, err := c.FetchCatalog(context.Background(), server, "production", facts)
	if err != nil {
		t.Fatalf("FetchCatalog failed: %v", err)
	}

	if gotPath != "/v1/catalog/web01" {
		t.Errorf("path = %s", gotPath)
	}
	if gotEnv != "production" {
		t.Errorf("environment = %s", gotEnv)
	}
	if gotBody["facts"] == nil {
		t.Error("facts not sent")
	}
	if cat.Environment != "production" || len(cat.Resources) != 1 {
		t.Errorf("catalog = %+v", cat)
	}
}

func TestFetchCatalog_CompileFailure(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "compile failed: syntax error", http.StatusInternalServerError)
	}))

	_, err := c.FetchCatalog(context.Background(), server, "production", nil)
	var compile *CompileError
	if !errors.As(err, &compile) {
		t.Fatalf("error = %v, want CompileError", err)
	}
	if compile.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", compile.StatusCode)
	}
}

func TestFetchCatalog_InvalidDocumentIsCompileError(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resources": [{"type": "", "title": ""}]}`))
	}))

	_, err := c.FetchCatalog(context.Background(), server, "production", nil)
	var compile *CompileError
	if !errors.As(err, &compile) {
		t.Errorf("error = %v, want CompileError", err)
	}
}

func TestSource_StaticCatalogResolvesInline(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("static catalog must not hit the network: %s", r.URL.Path)
	}))

	cat := &catalog.Catalog{
		FileMetadata: map[string]catalog.FileMetadata{
			"app:///files/motd": {Checksum: "sha256:ab", Size: 2, ContentLocation: "blob:ab"},
		},
	}

	src := c.Source(server, cat)
	md, err := src.Metadata(context.Background(), "app:///files/motd")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md.Checksum != "sha256:ab" {
		t.Errorf("checksum = %s", md.Checksum)
	}

	// A miss in a static catalog is a defect, not a fetch.
	if _, err := src.Metadata(context.Background(), "app:///files/other"); err == nil {
		t.Error("expected error for missing static metadata")
	}
}

func TestSource_NonStaticFetchesOnDemand(t *testing.T) {
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/file_metadata" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(catalog.FileMetadata{Checksum: "sha256:cd", Size: 4})
	}))

	src := c.Source(server, &catalog.Catalog{})
	md, err := src.Metadata(context.Background(), "app:///files/motd")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md.Checksum != "sha256:cd" {
		t.Errorf("checksum = %s", md.Checksum)
	}
}

func TestSubmitReport_Accepted(t *testing.T) {
	var gotMethod, gotPath string
	server, c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))

	if err := c.SubmitReport(context.Background(), server, map[string]any{"status": "changed"}); err != nil {
		t.Fatalf("SubmitReport failed: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/report/web01" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}
