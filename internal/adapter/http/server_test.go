package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/grid-met-etl/internal/adapter/http"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockManifests struct {
	byJob map[string][]pipeline.Manifest
	err   error
}

func (m *mockManifests) Manifests(_ context.Context, jobID string) ([]pipeline.Manifest, error) {
	return m.byJob[jobID], m.err
}

func newTestServer(readyErr error, manifests httpadapter.ManifestLister) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, manifests, slog.New(slog.DiscardHandler))
}

func get(srv http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	assert.Equal(t, http.StatusOK, get(newTestServer(nil, nil), "/healthz").Code)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ready", nil, http.StatusOK},
		{"not ready", fmt.Errorf("service is not taking jobs"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(newTestServer(tt.err, nil), "/readyz").Code)
		})
	}
}

func TestAllReady(t *testing.T) {
	ok := &mockReadiness{}
	down := &mockReadiness{err: errors.New("db down")}
	assert.NoError(t, httpadapter.AllReady(ok, ok).CheckReadiness(context.Background()))

	err := httpadapter.AllReady(ok, down, httpadapter.ReadinessFunc(func(context.Context) error {
		return errors.New("kafka down")
	})).CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, err.Error(), "kafka down")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(newTestServer(nil, nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestJobManifests(t *testing.T) {
	lister := &mockManifests{byJob: map[string][]pipeline.Manifest{
		"abc": {{JobID: "abc", RunID: "run-2"}, {JobID: "abc", RunID: "run-1"}},
	}}
	srv := newTestServer(nil, lister)

	rec := get(srv, "/jobs/abc/manifests")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []pipeline.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)

	assert.Equal(t, http.StatusNotFound, get(srv, "/jobs/zzz/manifests").Code)

	lister.err = errors.New("disk full")
	rec = get(srv, "/jobs/abc/manifests")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestJobManifestsDisabledWithoutLister(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(newTestServer(nil, nil), "/jobs/abc/manifests").Code)
}
