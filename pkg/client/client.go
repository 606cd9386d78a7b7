// Package client speaks to catalog compiler servers over verified TLS: a
// lightweight liveness probe for server selection, catalog compilation
// requests carrying node facts, and on-demand file metadata/content
// retrieval for non-static catalogs.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/provider"
)

// Config configures the catalog client.
type Config struct {
	// NodeName identifies this node to the compiler.
	NodeName string

	// Timeout bounds every individual network call.
	Timeout time.Duration

	// CABundle is a PEM file used as the trust anchor for server
	// certificate verification. Empty means the system store.
	CABundle string

	// Transport overrides the HTTP transport, primarily for tests.
	Transport http.RoundTripper
}

// TrustError reports a TLS verification failure. It is a distinct failure
// class from an unreachable server: the peer was never trusted, so neither
// retrying another candidate nor falling back to the cache is appropriate.
type TrustError struct {
	Server string
	Err    error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("server %s failed certificate verification: %v", e.Server, e.Err)
}

func (e *TrustError) Unwrap() error { return e.Err }

// UnreachableError reports a connection or timeout failure against one
// candidate server.
type UnreachableError struct {
	Server string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("server %s is unreachable: %v", e.Server, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// CompileError reports that a reachable server failed to produce a catalog.
type CompileError struct {
	Server     string
	StatusCode int
	Body       string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("server %s failed to compile catalog (status %d): %s", e.Server, e.StatusCode, e.Body)
}

// Client is the HTTP/TLS catalog client. All calls are synchronous with a
// per-call timeout; retry and candidate advancement are the Selector's job.
type Client struct {
	http     *http.Client
	nodeName string
	logger   zerolog.Logger
}

// New builds a client, loading the trust anchor if one is configured.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CABundle != "" {
			pem, err := os.ReadFile(cfg.CABundle)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CABundle)
			}
			tlsConfig.RootCAs = pool
		}
		transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		nodeName: cfg.NodeName,
		logger:   logger.With().Str("component", "client").Logger(),
	}, nil
}

// Probe checks whether a server is alive and able to serve this agent.
func (c *Client) Probe(ctx context.Context, server string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL(server, "/v1/status", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &UnreachableError{Server: server, Err: fmt.Errorf("status probe returned %d", resp.StatusCode)}
	}
	return nil
}

// FetchCatalog requests a catalog compiled for this node in the given
// environment, sending the collected facts with the request.
func (c *Client) FetchCatalog(ctx context.Context, server, environment string, facts map[string]any) (*catalog.Catalog, error) {
	body, err := json.Marshal(map[string]any{
		"environment": environment,
		"facts":       facts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog request: %w", err)
	}

	u := c.serverURL(server, "/v1/catalog/"+url.PathEscape(c.nodeName), url.Values{
		"environment": []string{environment},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Server: server, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CompileError{Server: server, StatusCode: resp.StatusCode, Body: string(data)}
	}

	cat, err := catalog.Decode(data)
	if err != nil {
		return nil, &CompileError{Server: server, StatusCode: resp.StatusCode, Body: err.Error()}
	}

	c.logger.Debug().
		Str("server", server).
		Str("environment", cat.Environment).
		Int("resources", len(cat.Resources)).
		Msg("Catalog fetched")
	return cat, nil
}

// FileMetadata fetches checksum-bearing metadata for a file source locator.
func (c *Client) FileMetadata(ctx context.Context, server, source string) (*catalog.FileMetadata, error) {
	u := c.serverURL(server, "/v1/file_metadata", url.Values{"source": []string{source}})
	data, err := c.get(ctx, server, u)
	if err != nil {
		return nil, err
	}
	var md catalog.FileMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode file metadata: %w", err)
	}
	return &md, nil
}

// FileContent fetches raw content bytes by locator.
func (c *Client) FileContent(ctx context.Context, server, locator string) ([]byte, error) {
	u := c.serverURL(server, "/v1/file_content", url.Values{"locator": []string{locator}})
	return c.get(ctx, server, u)
}

// SubmitReport uploads a finished run report to the server. Local
// persistence is authoritative; submission failures are logged, not fatal.
func (c *Client) SubmitReport(ctx context.Context, server string, r any) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	u := c.serverURL(server, "/v1/report/"+url.PathEscape(c.nodeName), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("report submission returned %d", resp.StatusCode)
	}
	return nil
}

// Source returns a content source for file resources in the given catalog.
// Static catalogs resolve metadata from their inlined map without a round
// trip; everything else is fetched on demand from the serving server.
func (c *Client) Source(server string, cat *catalog.Catalog) provider.ContentSource {
	return &catalogSource{client: c, server: server, cat: cat}
}

type catalogSource struct {
	client *Client
	server string
	cat    *catalog.Catalog
}

func (s *catalogSource) Metadata(ctx context.Context, source string) (*catalog.FileMetadata, error) {
	if md, ok := s.cat.FileMetadata[source]; ok {
		return &md, nil
	}
	if s.cat.Static() {
		// A static catalog must carry metadata for every file source it
		// references; a miss is a compile defect, not a reason to fall
		// back to the network.
		return nil, fmt.Errorf("static catalog has no inlined metadata for %s", source)
	}
	return s.client.FileMetadata(ctx, s.server, source)
}

func (s *catalogSource) Content(ctx context.Context, locator string) ([]byte, error) {
	return s.client.FileContent(ctx, s.server, locator)
}

func (c *Client) get(ctx context.Context, server, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Server: server, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CompileError{Server: server, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) serverURL(server, path string, query url.Values) string {
	u := url.URL{Scheme: "https", Host: server, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// classify separates trust failures from plain unreachability.
func (c *Client) classify(server string, err error) error {
	if isTrustFailure(err) {
		return &TrustError{Server: server, Err: err}
	}
	return &UnreachableError{Server: server, Err: err}
}

func isTrustFailure(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	return errors.As(err, &unknownAuthority) || errors.As(err, &invalid) || errors.As(err, &hostname)
}
