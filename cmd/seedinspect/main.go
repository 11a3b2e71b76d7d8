// Command seedinspect prints the election state of a cluster path without
// registering a candidate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "seednode/configs"
	"seednode/pkg/coordination"
	"seednode/pkg/coordination/etcd"
	"seednode/pkg/coordination/redis"
	"seednode/pkg/logger"
	"seednode/pkg/seed"
)

type options struct {
	backend   string
	endpoints string
	basePath  string
	cluster   string
	scheme    string
	token     string
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	if cfg, err := config.LoadConfig(); err == nil {
		opts.backend = cfg.Backend
		opts.endpoints = cfg.Ensemble
		opts.basePath = cfg.BasePath
		opts.cluster = cfg.ClusterName
		opts.scheme = cfg.AuthScheme
		opts.token = cfg.AuthToken
	}

	root := &cobra.Command{
		Use:           "seedinspect",
		Short:         "Inspect seednode leader elections",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.backend, "backend", opts.backend, "coordination backend: etcd or redis")
	flags.StringVar(&opts.endpoints, "endpoints", opts.endpoints, "comma-separated coordination service addresses")
	flags.StringVar(&opts.basePath, "base-path", opts.basePath, "election base path")
	flags.StringVar(&opts.cluster, "cluster", opts.cluster, "cluster name")
	flags.StringVar(&opts.scheme, "auth-scheme", opts.scheme, "authorization scheme: digest or jwt")
	flags.StringVar(&opts.token, "auth-token", opts.token, "authorization token")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log client activity to stderr")

	root.AddCommand(
		&cobra.Command{
			Use:   "leader",
			Short: "Print the current leader view as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				view, err := observe(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			},
		},
		&cobra.Command{
			Use:   "candidates",
			Short: "Print registered candidates, leader first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				view, err := observe(cmd.Context(), opts)
				if err != nil {
					return err
				}
				for _, id := range view.Candidates {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			},
		},
	)
	return root
}

func observe(parent context.Context, opts *options) (coordination.LeaderView, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	path, err := seed.ElectionPath(opts.basePath, opts.cluster)
	if err != nil {
		return coordination.LeaderView{}, err
	}
	auth := seed.Authorization{Scheme: opts.scheme, Token: opts.token}
	if err := auth.Validate(time.Now()); err != nil {
		return coordination.LeaderView{}, err
	}
	endpoints := seed.SplitEnsemble(opts.endpoints)
	if len(endpoints) == 0 {
		return coordination.LeaderView{}, seed.ErrMissingEnsemble
	}

	lg := zap.NewNop()
	if opts.verbose {
		lcfg := logger.DefaultConfig("seedinspect")
		lcfg.Encoding = "console"
		lcfg.OutputPath = "stderr"
		lcfg.Level = "debug"
		if lg, err = logger.New(lcfg); err != nil {
			return coordination.LeaderView{}, err
		}
	}

	obs, closer, err := connect(opts.backend, endpoints, auth, lg)
	if err != nil {
		return coordination.LeaderView{}, err
	}
	defer func() { _ = closer.Close() }()

	return obs.Observe(ctx, path)
}

func connect(backend string, endpoints []string, auth seed.Authorization, lg *zap.Logger) (coordination.Observer, io.Closer, error) {
	switch backend {
	case "etcd":
		cfg := etcd.Config{Endpoints: endpoints, Logger: lg}
		if user, pass, ok := auth.Digest(); ok {
			cfg.Username, cfg.Password = user, pass
		}
		if token, ok := auth.BearerToken(); ok {
			cfg.Token = token
		}
		c, err := etcd.NewEtcdClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "redis":
		cfg := redis.DefaultRedisClientConfig(endpoints[0])
		cfg.Logger = lg
		if user, pass, ok := auth.Digest(); ok {
			cfg.Username, cfg.Password = user, pass
		}
		c, err := redis.NewRedisClientWithConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("backend %q cannot be inspected from another process", backend)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
