package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Routes(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSStatus(true)

	server := NewServer(0, "", registry)
	server.Mount("/v1", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	assert.Equal(t, "http://localhost:9090/metrics", server.Address())
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	server := NewServer(0, "", nil)
	err := server.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry")
}
