package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tickamp.dev/crac"
)

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	crac.NewMetrics(reg)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := httptest.NewServer(newRouter(logger, reg))
	defer srv.Close()

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "Hello, CRaC!"},
		{"/health", http.StatusOK, "OK"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(body))
			}
		})
	}
}

func TestRoutesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	crac.NewMetrics(reg)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rec := httptest.NewRecorder()
	newRouter(logger, reg).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crac_restore_duration_seconds")
}

func TestRoutesRejectOtherMethods(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rec := httptest.NewRecorder()
	newRouter(logger, prometheus.NewRegistry()).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
