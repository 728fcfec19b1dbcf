package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gateflow/gateflow/pkg/executor"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepFor(serverURL, path string) (models.StepDefinition, *models.WorkflowInstance) {
	host := strings.TrimPrefix(serverURL, "http://")

	step := models.StepDefinition{
		ID:   "call",
		Kind: models.StepKindAutomated,
		Type: "http",
		Config: map[string]any{
			"host":   host,
			"path":   path,
			"method": "POST",
		},
	}

	return step, &models.WorkflowInstance{ID: "instance-1"}
}

func TestHTTPInvokerParsesJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "instance-1", r.Header.Get("X-Instance-ID"))
		assert.Equal(t, "call", r.Header.Get("X-Step-ID"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"approved": true}`))
	}))
	defer server.Close()

	step, instance := stepFor(server.URL, "/check")

	invoker, err := executor.NewHTTPInvoker(step.Config)
	require.NoError(t, err)

	result, err := invoker.Invoke(context.Background(), instance, step)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Equal(t, map[string]any{"approved": true}, result["body"])
}

func TestHTTPInvokerServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	step, instance := stepFor(server.URL, "/")

	invoker, err := executor.NewHTTPInvoker(step.Config)
	require.NoError(t, err)

	_, err = invoker.Invoke(context.Background(), instance, step)
	require.Error(t, err)
	assert.True(t, executor.IsTransient(err))
}

func TestHTTPInvokerClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	step, instance := stepFor(server.URL, "/")

	invoker, err := executor.NewHTTPInvoker(step.Config)
	require.NoError(t, err)

	_, err = invoker.Invoke(context.Background(), instance, step)
	require.Error(t, err)
	assert.False(t, executor.IsTransient(err))
}

func TestNewHTTPInvokerRequiresHost(t *testing.T) {
	_, err := executor.NewHTTPInvoker(map[string]any{"method": "GET"})
	assert.ErrorIs(t, err, executor.ErrHTTPHostInvalid)
}
