package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	config "seednode/configs"
	"seednode/pkg/coordination"
	"seednode/pkg/coordination/etcd"
	"seednode/pkg/coordination/memory"
	"seednode/pkg/coordination/redis"
	"seednode/pkg/ensemble"
	"seednode/pkg/seed"
)

// newLocator builds the discovery resolver. The S3 client is only created
// when the endpoint needs it, so AWS credentials stay optional.
func newLocator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ensemble.Locator, error) {
	locator := &ensemble.Locator{
		HTTP:   &ensemble.HTTPResolver{},
		Logger: logger.Named("ensemble"),
	}
	if strings.HasPrefix(cfg.DiscoveryURL, "s3://") {
		s3r, err := ensemble.NewS3Resolver(ctx, ensemble.S3ResolverConfig{Region: cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		locator.S3 = s3r
	}
	return locator, nil
}

// newClient connects the configured coordination backend with the resolved settings.
func newClient(cfg *config.Config, settings *seed.Settings, logger *zap.Logger) (coordination.Client, error) {
	switch cfg.Backend {
	case "etcd":
		etcdCfg := etcd.Config{
			Endpoints:  settings.Endpoints,
			SessionTTL: cfg.SessionTTL,
			Logger:     logger,
		}
		if user, pass, ok := settings.Auth.Digest(); ok {
			etcdCfg.Username, etcdCfg.Password = user, pass
		}
		if token, ok := settings.Auth.BearerToken(); ok {
			etcdCfg.Token = token
		}
		return etcd.NewEtcdClient(etcdCfg)

	case "redis":
		if len(settings.Endpoints) == 0 {
			return nil, fmt.Errorf("redis backend needs an address")
		}
		if len(settings.Endpoints) > 1 {
			logger.Warn("redis backend uses the first ensemble address only", zap.Strings("endpoints", settings.Endpoints))
		}
		redisCfg := redis.DefaultRedisClientConfig(settings.Endpoints[0])
		redisCfg.SessionTTL = time.Duration(cfg.SessionTTL) * time.Second
		redisCfg.Logger = logger
		if user, pass, ok := settings.Auth.Digest(); ok {
			redisCfg.Username, redisCfg.Password = user, pass
		}
		if _, ok := settings.Auth.BearerToken(); ok {
			return nil, fmt.Errorf("%w: jwt is not supported by the redis backend", seed.ErrMalformedAuth)
		}
		return redis.NewRedisClientWithConfig(redisCfg)

	case "memory":
		logger.Warn("memory backend elects within this process only")
		return memory.NewStore().Connect(), nil

	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
