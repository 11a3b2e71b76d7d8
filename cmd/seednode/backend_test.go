package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	config "seednode/configs"
	"seednode/pkg/coordination/memory"
	"seednode/pkg/ensemble"
	"seednode/pkg/seed"
)

func TestNewClient_Memory(t *testing.T) {
	cfg := &config.Config{Backend: "memory", SessionTTL: 15}
	client, err := newClient(cfg, &seed.Settings{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Client{}, client)
	assert.NoError(t, client.Close())
}

func TestNewClient_RedisRejectsJWT(t *testing.T) {
	cfg := &config.Config{Backend: "redis", SessionTTL: 15}
	settings := &seed.Settings{
		Endpoints: []string{"localhost:6379"},
		Auth:      seed.Authorization{Scheme: "jwt", Token: "x.y.z"},
	}
	_, err := newClient(cfg, settings, zap.NewNop())
	assert.ErrorIs(t, err, seed.ErrMalformedAuth)
}

func TestNewClient_RedisNeedsAddress(t *testing.T) {
	_, err := newClient(&config.Config{Backend: "redis"}, &seed.Settings{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewClient_UnknownBackend(t *testing.T) {
	_, err := newClient(&config.Config{Backend: "consul"}, &seed.Settings{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewLocator_SkipsS3WithoutS3Endpoint(t *testing.T) {
	locator, err := newLocator(context.Background(), &config.Config{DiscoveryURL: "https://locator/list"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ensemble.HTTPResolver{}, locator.HTTP)
	assert.Nil(t, locator.S3)
}
