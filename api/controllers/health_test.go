package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/bookshop-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "test"}}
}

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthLive(testConfig())(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", rec.Header().Get(envHeader))
	assert.JSONEq(t, `{"status":"live"}`, string(decodeEnvelope(t, rec).Data))
}

func TestHealthReady(t *testing.T) {
	rec := httptest.NewRecorder()
	handler := HealthReady(testConfig(), quietLogger(), map[string]Pinger{
		"db":    stubPinger{},
		"redis": stubPinger{},
	})
	handler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"db":"up","redis":"up"}}`, string(decodeEnvelope(t, rec).Data))
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	rec := httptest.NewRecorder()
	handler := HealthReady(testConfig(), quietLogger(), map[string]Pinger{
		"db":    stubPinger{},
		"redis": stubPinger{err: errors.New("connection refused")},
	})
	handler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	if assert.NotNil(t, env.Error) {
		assert.Equal(t, string(pkgerrors.CodeDependency), env.Error.Code)
		assert.Equal(t, map[string]any{"db": "up", "redis": "down"}, env.Error.Details["checks"])
	}
}
