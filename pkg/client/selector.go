package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Selection is the result of server discovery.
type Selection struct {
	// Server is the first candidate that answered the liveness probe.
	Server string

	// UsedList is true when an ordered candidate list was configured, as
	// opposed to a single server. Reports attribute the serving server
	// only for list-based discovery.
	UsedList bool
}

// Selector walks an ordered list of candidate servers looking for one that
// is alive. With no list configured it degrades to probing the single
// configured server.
type Selector struct {
	client   *Client
	servers  []string
	fallback string
	logger   zerolog.Logger
}

// NewSelector creates a selector. servers is the ordered candidate list and
// may be empty; fallback is the single configured server used in that case.
func NewSelector(c *Client, servers []string, fallback string, logger zerolog.Logger) *Selector {
	return &Selector{
		client:   c,
		servers:  servers,
		fallback: fallback,
		logger:   logger.With().Str("component", "selector").Logger(),
	}
}

// Select probes candidates in order and returns the first responsive one.
// A trust failure aborts discovery immediately: an untrusted peer must not
// be skipped over in case a later candidate accepts the connection.
// Exhausting the list yields an error naming every candidate tried.
func (s *Selector) Select(ctx context.Context) (*Selection, error) {
	candidates := s.servers
	usedList := len(candidates) > 0
	if !usedList {
		if s.fallback == "" {
			return nil, fmt.Errorf("no server configured")
		}
		candidates = []string{s.fallback}
	}

	for _, server := range candidates {
		err := s.client.Probe(ctx, server)
		if err == nil {
			s.logger.Debug().Str("server", server).Bool("from_list", usedList).Msg("Selected server")
			return &Selection{Server: server, UsedList: usedList}, nil
		}

		var trustErr *TrustError
		if errors.As(err, &trustErr) {
			return nil, err
		}

		s.logger.Warn().Err(err).Str("server", server).Msg("Server probe failed, trying next candidate")
	}

	return nil, fmt.Errorf("could not select a functional server from: %s", strings.Join(candidates, ", "))
}
