package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Setenv("PORT", "0") // Random port
	t.Setenv("APP_ENV", "local")

	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() {
		errChan <- Run(ctx)
	}()

	// Wait a bit for startup
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not exit in time")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PIXEL_ID", "")
	t.Setenv("ACCESS_TOKEN", "")

	err := Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Contains(t, err.Error(), "PIXEL_ID")
}

func TestRun_ServerError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	t.Setenv("PORT", port)
	t.Setenv("APP_ENV", "local")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error")
}
