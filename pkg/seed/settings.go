package seed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"seednode/pkg/ensemble"
	"seednode/pkg/membership"
)

const (
	AuthSchemeDigest = "digest"
	AuthSchemeJWT    = "jwt"
)

// Authorization is the optional credential pair handed to the coordination client.
type Authorization struct {
	Scheme string
	Token  string
}

func (a Authorization) Empty() bool {
	return a.Scheme == "" && a.Token == ""
}

// Validate rejects half-configured pairs, unknown schemes, malformed digests
// and JWTs that do not parse or have already expired.
func (a Authorization) Validate(now time.Time) error {
	if a.Empty() {
		return nil
	}
	if a.Scheme == "" || a.Token == "" {
		return fmt.Errorf("%w: scheme and token must both be set", ErrMalformedAuth)
	}

	switch strings.ToLower(a.Scheme) {
	case AuthSchemeDigest:
		user, _, ok := strings.Cut(a.Token, ":")
		if !ok || user == "" {
			return fmt.Errorf("%w: digest token must be user:password", ErrMalformedAuth)
		}
		return nil
	case AuthSchemeJWT:
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(a.Token, &claims); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedAuth, err)
		}
		if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
			return fmt.Errorf("%w: token expired at %s", ErrMalformedAuth, claims.ExpiresAt.Time)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedAuth, a.Scheme)
	}
}

// Digest splits a digest token into user and password.
func (a Authorization) Digest() (string, string, bool) {
	if !strings.EqualFold(a.Scheme, AuthSchemeDigest) {
		return "", "", false
	}
	user, pass, ok := strings.Cut(a.Token, ":")
	return user, pass, ok
}

// BearerToken returns the token for the jwt scheme.
func (a Authorization) BearerToken() (string, bool) {
	if !strings.EqualFold(a.Scheme, AuthSchemeJWT) {
		return "", false
	}
	return a.Token, true
}

// SettingsConfig is the raw configuration the coordinator settings are built from.
type SettingsConfig struct {
	Ensemble       string
	DiscoveryURL   string
	ValidateCerts  bool
	ResolveTimeout time.Duration
	// EnsembleOptional lets in-process backends run without any ensemble.
	EnsembleOptional bool

	BasePath    string
	ClusterName string

	Auth Authorization

	// HostEnvKey and PortEnvKey name environment variables that override the
	// self-reported address, e.g. when running behind NAT or port mapping.
	HostEnvKey string
	PortEnvKey string

	Retry RetryPolicy
}

// Settings are fully resolved and ready for NewCoordinator.
type Settings struct {
	Ensemble  string
	Endpoints []string
	Path      string
	Auth      Authorization
	Identity  NodeIdentity
	Retry     RetryPolicy
}

// LoadSettings resolves everything the coordinator needs before any join attempt.
// Every error it returns is a fatal configuration error.
func LoadSettings(ctx context.Context, cfg SettingsConfig, self membership.Address, resolver ensemble.Resolver) (*Settings, error) {
	path, err := ElectionPath(cfg.BasePath, cfg.ClusterName)
	if err != nil {
		return nil, err
	}

	if err := cfg.Auth.Validate(time.Now()); err != nil {
		return nil, err
	}

	conn, err := resolveEnsemble(ctx, cfg, resolver)
	if err != nil {
		return nil, err
	}

	identity, err := resolveIdentity(cfg, self)
	if err != nil {
		return nil, err
	}

	retry := cfg.Retry
	if retry.Interval <= 0 {
		retry = DefaultRetryPolicy()
	}

	return &Settings{
		Ensemble:  conn,
		Endpoints: SplitEnsemble(conn),
		Path:      path,
		Auth:      cfg.Auth,
		Identity:  identity,
		Retry:     retry,
	}, nil
}

func resolveEnsemble(ctx context.Context, cfg SettingsConfig, resolver ensemble.Resolver) (string, error) {
	if conn := strings.TrimSpace(cfg.Ensemble); conn != "" {
		return conn, nil
	}
	if cfg.DiscoveryURL == "" {
		if cfg.EnsembleOptional {
			return "", nil
		}
		return "", ErrMissingEnsemble
	}
	if resolver == nil {
		return "", fmt.Errorf("%w: discovery endpoint set but no resolver available", ErrMissingEnsemble)
	}

	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := resolver.Resolve(ctx, cfg.DiscoveryURL, cfg.ValidateCerts, timeout)
	if err != nil {
		return "", fmt.Errorf("failed to resolve ensemble from %s: %w", cfg.DiscoveryURL, err)
	}
	if strings.TrimSpace(conn) == "" {
		return "", ErrMissingEnsemble
	}
	return conn, nil
}

func resolveIdentity(cfg SettingsConfig, self membership.Address) (NodeIdentity, error) {
	id := NodeIdentity{Host: self.Host, Port: self.Port}

	if cfg.HostEnvKey != "" {
		if v, ok := os.LookupEnv(cfg.HostEnvKey); ok && strings.TrimSpace(v) != "" {
			id.Host = strings.TrimSpace(v)
		}
	}
	if cfg.PortEnvKey != "" {
		if v, ok := os.LookupEnv(cfg.PortEnvKey); ok && strings.TrimSpace(v) != "" {
			port, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || port < 1 || port > 65535 {
				return NodeIdentity{}, fmt.Errorf("%w: %s=%q", ErrInvalidOverride, cfg.PortEnvKey, v)
			}
			id.Port = port
		}
	}

	if isUnspecified(id.Host) {
		host, err := detectHost()
		if err != nil {
			return NodeIdentity{}, fmt.Errorf("%w: cannot derive host from %q: %v", ErrInvalidOverride, id.Host, err)
		}
		id.Host = host
	}
	if id.Port < 1 || id.Port > 65535 {
		return NodeIdentity{}, fmt.Errorf("%w: port %d", ErrInvalidOverride, id.Port)
	}
	return id, nil
}

// SplitEnsemble splits a comma-separated connection string into endpoints.
func SplitEnsemble(conn string) []string {
	var out []string
	for _, part := range strings.Split(conn, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
