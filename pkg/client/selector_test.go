package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func deadAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestSelect_FirstHealthyCandidateWins(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	healthy := strings.TrimPrefix(ts.URL, "https://")

	c, err := New(Config{NodeName: "web01", Timeout: 2 * time.Second, Transport: ts.Client().Transport}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	selector := NewSelector(c, []string{deadAddress(t), healthy}, "", zerolog.Nop())
	selection, err := selector.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selection.Server != healthy {
		t.Errorf("server = %s, want %s", selection.Server, healthy)
	}
	if !selection.UsedList {
		t.Error("UsedList = false, want true")
	}
}

func TestSelect_SingleServerFallback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	healthy := strings.TrimPrefix(ts.URL, "https://")

	c, err := New(Config{NodeName: "web01", Timeout: 2 * time.Second, Transport: ts.Client().Transport}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	selector := NewSelector(c, nil, healthy, zerolog.Nop())
	selection, err := selector.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selection.UsedList {
		t.Error("UsedList = true for single-server discovery")
	}
}

func TestSelect_ExhaustedListNamesCandidates(t *testing.T) {
	c, err := New(Config{NodeName: "web01", Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	first, second := deadAddress(t), deadAddress(t)
	selector := NewSelector(c, []string{first, second}, "", zerolog.Nop())
	_, serr := selector.Select(context.Background())
	if serr == nil {
		t.Fatal("expected selection failure")
	}
	if !strings.Contains(serr.Error(), first) || !strings.Contains(serr.Error(), second) {
		t.Errorf("error does not name candidates: %v", serr)
	}
}

func TestSelect_TrustFailureAbortsImmediately(t *testing.T) {
	// Untrusted TLS server first in the list; a healthy trusted candidate
	// after it must never be consulted.
	untrusted := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(untrusted.Close)

	var secondProbed bool
	second := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondProbed = true
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(second.Close)

	// Default transport trusts neither test certificate, so the first
	// candidate fails verification.
	c, err := New(Config{NodeName: "web01", Timeout: 2 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	selector := NewSelector(c, []string{
		strings.TrimPrefix(untrusted.URL, "https://"),
		strings.TrimPrefix(second.URL, "https://"),
	}, "", zerolog.Nop())

	_, serr := selector.Select(context.Background())
	var trust *TrustError
	if !errors.As(serr, &trust) {
		t.Fatalf("error = %v, want TrustError", serr)
	}
	if secondProbed {
		t.Error("trust failure did not abort discovery")
	}
}

func TestSelect_NoServersConfigured(t *testing.T) {
	c, err := New(Config{NodeName: "web01"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	selector := NewSelector(c, nil, "", zerolog.Nop())
	if _, err := selector.Select(context.Background()); err == nil {
		t.Fatal("expected error with no servers configured")
	}
}
