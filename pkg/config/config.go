// Package config loads and validates the agent settings file. Settings are
// YAML; every run re-reads them so operators can change servers or the
// environment between runs without restarting a daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// DefaultEnvironment is the environment used when the settings file does
// not name one.
const DefaultEnvironment = "production"

// Settings holds the agent configuration.
type Settings struct {
	// NodeName identifies this node to the server. Defaults to the
	// hostname.
	NodeName string `yaml:"node_name" validate:"required"`

	// Environment is the catalog environment requested from the server.
	// The server may direct the agent to a different one.
	Environment string `yaml:"environment" validate:"required"`

	// Server is the single compile server, used when ServerList is empty.
	Server string `yaml:"server" validate:"required_without=ServerList"`

	// ServerList is an ordered list of candidate compile servers. When
	// set it takes precedence over Server.
	ServerList []string `yaml:"server_list"`

	// CABundle is the path to the PEM bundle used to verify server
	// certificates. Empty means the system trust store.
	CABundle string `yaml:"ca_bundle"`

	// Timeout bounds each HTTP request to a server.
	Timeout time.Duration `yaml:"timeout"`

	// VarDir is the agent working directory: lock file, catalog cache,
	// reports, and the run history database live under it.
	VarDir string `yaml:"var_dir" validate:"required"`

	// PolicyDir holds operator-supplied .rego catalog validation
	// policies. A missing directory is ignored.
	PolicyDir string `yaml:"policy_dir"`

	// UseCacheOnFailure falls back to the cached catalog when no server
	// can produce one.
	UseCacheOnFailure bool `yaml:"use_cache_on_failure"`

	// Report controls whether a report file is written after each run.
	Report bool `yaml:"report"`

	// SubmitReport controls whether the report is also sent to the
	// server that supplied the catalog.
	SubmitReport bool `yaml:"submit_report"`

	// Noop makes the agent evaluate every resource without changing the
	// system.
	Noop bool `yaml:"noop"`

	// WaitForLock makes the agent wait for a concurrent run to finish
	// instead of exiting immediately on lock contention.
	WaitForLock bool `yaml:"wait_for_lock"`

	// MaxWaitForLock bounds the lock wait. Zero means wait forever.
	MaxWaitForLock time.Duration `yaml:"max_wait_for_lock"`

	// RunInterval is the pause between daemon-mode runs.
	RunInterval time.Duration `yaml:"run_interval"`

	// DeferredTimeout bounds each deferred function evaluation.
	DeferredTimeout time.Duration `yaml:"deferred_timeout"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() *Settings {
	hostname, _ := os.Hostname()
	return &Settings{
		NodeName:        hostname,
		Environment:     DefaultEnvironment,
		Timeout:         30 * time.Second,
		VarDir:          "/var/lib/converge",
		Report:          true,
		SubmitReport:    true,
		RunInterval:     30 * time.Minute,
		DeferredTimeout: 10 * time.Second,
		Telemetry:       telemetry.DefaultConfig(),
	}
}

// Load reads the settings file at path, applies defaults, and validates
// the result. A missing file yields the defaults only when path is empty.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
		}
	}
	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.NodeName == "" {
		s.NodeName, _ = os.Hostname()
	}
	if s.Environment == "" {
		s.Environment = DefaultEnvironment
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.RunInterval <= 0 {
		s.RunInterval = 30 * time.Minute
	}
	if s.DeferredTimeout <= 0 {
		s.DeferredTimeout = 10 * time.Second
	}
	if s.PolicyDir == "" && s.VarDir != "" {
		s.PolicyDir = filepath.Join(s.VarDir, "policies")
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.DefaultConfig()
	}
}

// Validate checks the settings for structural problems.
func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry settings: %w", err)
		}
	}
	return nil
}

// Servers returns the ordered server candidates: the list when present,
// otherwise the single server.
func (s *Settings) Servers() []string {
	if len(s.ServerList) > 0 {
		return s.ServerList
	}
	if s.Server != "" {
		return []string{s.Server}
	}
	return nil
}

// UsesServerList reports whether server selection goes through the
// ordered candidate list.
func (s *Settings) UsesServerList() bool {
	return len(s.ServerList) > 0
}

// LockPath returns the run lock file path.
func (s *Settings) LockPath() string {
	return filepath.Join(s.VarDir, "agent_catalog_run.lock")
}

// CachePath returns the cached catalog path.
func (s *Settings) CachePath() string {
	return filepath.Join(s.VarDir, "client_data", "catalog", s.NodeName+".json")
}

// ReportPath returns the last-run report path.
func (s *Settings) ReportPath() string {
	return filepath.Join(s.VarDir, "state", "last_run_report.json")
}

// StorePath returns the run history database path.
func (s *Settings) StorePath() string {
	return filepath.Join(s.VarDir, "state", "history.db")
}
