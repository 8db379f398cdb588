package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imadgeboyega/jobchat/internal/messaging"
)

type downBlobs struct{}

func (downBlobs) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	return "", errors.New("unreachable")
}

func (downBlobs) Delete(ctx context.Context, url string) error { return errors.New("unreachable") }

func TestHealthCheckReportsBreaker(t *testing.T) {
	breaker := messaging.NewBreakerBlobStore(downBlobs{}, 1, time.Minute)

	read := func() map[string]interface{} {
		rec := httptest.NewRecorder()
		healthCheck(breaker)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Data
	}

	data := read()
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "closed", data["blobBreaker"])

	_, err := breaker.Upload(context.Background(), "k", bytes.NewReader(nil), 0, "image/png")
	require.Error(t, err)

	data = read()
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, "open", data["blobBreaker"])
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))
	assert.True(t, called)
}

func TestLoggingMiddlewareCapturesStatus(t *testing.T) {
	var seen int
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		seen = w.(*responseWriter).statusCode
	})

	rec := httptest.NewRecorder()
	loggingMiddleware(zap.NewNop())(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusTeapot, seen)

	_, _, err := (&responseWriter{ResponseWriter: rec}).Hijack()
	assert.Error(t, err, "the recorder cannot be hijacked")
}
