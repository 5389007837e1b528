package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/querycache/accelerator"
	"github.com/agentuity/querycache/config"
	"github.com/agentuity/querycache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"role=teacher", "page=2", "q=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"role": "teacher", "page": "2", "q": "a=b"}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestKeyCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"key", "app", "role:query", "role=teacher", "page=2"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "app:role:query:page:2|role:teacher\n", out.String())
}

func newTestServer(t *testing.T) (*accelerator.Accelerator, http.Handler) {
	t.Helper()
	cfg := config.Default()
	acc, err := accelerator.New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })
	registry, err := newRegistry(acc)
	require.NoError(t, err)
	return acc, newServer(acc, logger.NewTestLogger()).handler(registry)
}

func TestStatsEndpoint(t *testing.T) {
	acc, handler := newTestServer(t)
	_, err := accelerator.Query(context.Background(), acc, "dashboard:1", nil, time.Minute, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Cache struct {
			Misses int64 `json:"misses"`
			Sets   int64 `json:"sets"`
		} `json:"cache"`
		Hot []struct {
			Key string `json:"key"`
		} `json:"hot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Cache.Misses)
	assert.Equal(t, int64(1), body.Cache.Sets)
	require.Len(t, body.Hot, 1)
	assert.Equal(t, "dashboard:1", body.Hot[0].Key)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/stats", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, acc.Stats().Cache.Sets)
}

func TestInvalidateEndpoint(t *testing.T) {
	acc, handler := newTestServer(t)
	ctx := context.Background()
	acc.Manager().Set(ctx, "order:1", 1, time.Minute)
	acc.Manager().Set(ctx, "order:2", 2, time.Minute)
	acc.Manager().Set(ctx, "user:1:profile", 3, time.Minute)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invalidate?pattern=order:*", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())
	assert.True(t, acc.Manager().Contains(ctx, "user:1:profile"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invalidate", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invalidate?pattern=x", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, handler := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "querycache_cache_hits_total"))
}
