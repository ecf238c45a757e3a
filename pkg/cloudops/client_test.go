package cloudops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/models"
)

func TestGetCapacityState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/namespaces/prod/capacity", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"namespace":     "prod",
			"capacity_mode": "provisioned",
			"tru_count":     3,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", false)

	state, err := client.GetCapacityState(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", state.Namespace)
	assert.Equal(t, models.CapacityModeProvisioned, state.Mode)
	assert.Equal(t, 3, state.TRUCount)
}

func TestGetCapacityStateUnknownNamespace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", false)

	_, err := client.GetCapacityState(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNamespaceNotFound)
}

func TestSetCapacityState(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/namespaces/prod/capacity", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"namespace":     "prod",
			"capacity_mode": "provisioned",
			"tru_count":     4,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", false)

	state, err := client.SetCapacityState(context.Background(), "prod", models.CapacityModeProvisioned, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, state.TRUCount)
	assert.Equal(t, "provisioned", received["capacity_mode"])
	assert.Equal(t, float64(4), received["tru_count"])
}

func TestSetCapacityStateDryRunSkipsWrite(t *testing.T) {
	called := false

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", true)

	state, err := client.SetCapacityState(context.Background(), "prod", models.CapacityModeOnDemand, 0)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, models.CapacityModeOnDemand, state.Mode)
}

func TestListNamespaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/namespaces", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"namespaces": []string{"ns-a", "ns-b"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", false)

	namespaces, err := client.ListNamespaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ns-a", "ns-b"}, namespaces)
}
