package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/one2onelove/billing-sync/api/config"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Level(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		l := newLogger(&config.Config{LogLevel: in, AppEnv: "production"})
		assert.True(t, l.Enabled(context.Background(), want), in)
		if want > slog.LevelDebug {
			assert.False(t, l.Enabled(context.Background(), want-1), in)
		}
	}
}

func TestPingFunc(t *testing.T) {
	boom := errors.New("boom")
	assert.ErrorIs(t, pingFunc(func(context.Context) error { return boom }).Ping(context.Background()), boom)
}
