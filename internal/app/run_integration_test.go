package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func localConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.StorageDriver = StorageDriverMemory
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := localConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, cfg)
	}()

	// API и пробы доступны, пока сервис работает.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.MetricsAddr + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.HTTPAddr + "/api/v1/consultations/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := localConfig(t)
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestRun_InvalidGRPCAddr(t *testing.T) {
	cfg := localConfig(t)
	cfg.GRPCAddr = "256.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
}
