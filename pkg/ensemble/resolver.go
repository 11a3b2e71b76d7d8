// Package ensemble resolves the coordination-service connection string from a
// discovery endpoint. Resolution happens once, at startup, under a timeout.
package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"seednode/pkg/metrics"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported discovery endpoint scheme")
	ErrEmptyEnsemble     = errors.New("discovery endpoint returned no servers")
)

// Resolver turns a discovery endpoint into a comma-separated connection string.
type Resolver interface {
	Resolve(ctx context.Context, endpoint string, validateCerts bool, timeout time.Duration) (string, error)
}

// Locator dispatches to the HTTP or S3 resolver by endpoint scheme.
type Locator struct {
	HTTP   Resolver
	S3     Resolver
	Logger *zap.Logger
}

func (l *Locator) Resolve(ctx context.Context, endpoint string, validateCerts bool, timeout time.Duration) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid discovery endpoint %q: %w", endpoint, err)
	}

	var r Resolver
	switch u.Scheme {
	case "http", "https":
		r = l.HTTP
	case "s3":
		r = l.S3
	}
	if r == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	start := time.Now()
	conn, err := r.Resolve(ctx, endpoint, validateCerts, timeout)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.EnsembleResolveDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if l.Logger != nil {
		if err != nil {
			l.Logger.Error("ensemble resolution failed", zap.String("endpoint", endpoint), zap.Error(err))
		} else {
			l.Logger.Info("ensemble resolved",
				zap.String("endpoint", endpoint),
				zap.String("ensemble", conn),
				zap.Duration("took", time.Since(start)),
			)
		}
	}
	return conn, err
}

// serverList is the locator document: {"servers": ["h1", "h2"], "port": 2379}.
type serverList struct {
	Servers []string `json:"servers"`
	Port    int      `json:"port"`
}

// parseEnsemble accepts either the JSON server list or a plain connection string.
func parseEnsemble(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ErrEmptyEnsemble
	}

	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	var list serverList
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return "", fmt.Errorf("failed to decode server list: %w", err)
	}
	if len(list.Servers) == 0 {
		return "", ErrEmptyEnsemble
	}

	hosts := make([]string, 0, len(list.Servers))
	for _, s := range list.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if list.Port > 0 && !strings.Contains(s, ":") {
			s = s + ":" + strconv.Itoa(list.Port)
		}
		hosts = append(hosts, s)
	}
	if len(hosts) == 0 {
		return "", ErrEmptyEnsemble
	}
	return strings.Join(hosts, ","), nil
}
