package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTask_PostsInvocation(t *testing.T) {
	var got Invocation
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "ak_exec_test", r.Header.Get("X-Gapscout-Access-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"gaps":["shorts"]}`))
	}))
	defer server.Close()

	tk := NewHTTPTask(server.URL)
	out, err := tk.Run(context.Background(), testInvocation(), nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"gaps":["shorts"]}`, string(out))
	assert.Equal(t, testInvocation(), got)
	assert.Equal(t, "http", tk.Name())
}

func TestHTTPTask_Non2xxIsExecutionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	_, err := NewHTTPTask(server.URL).Run(context.Background(), testInvocation(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskExecution)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestHTTPTask_ErrorBodyIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer server.Close()

	_, err := NewHTTPTask(server.URL).Run(context.Background(), testInvocation(), nil)

	require.Error(t, err)
	assert.Less(t, len(err.Error()), 5000)
}

func TestHTTPTask_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewHTTPTask(url).Run(context.Background(), testInvocation(), nil)

	assert.ErrorIs(t, err, ErrTaskExecution)
}

func TestHTTPTask_ThroughRunnerTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	r := NewRunner(NewHTTPTask(server.URL), 100*time.Millisecond)
	_, err := r.Run(context.Background(), testInvocation(), nil)

	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestHTTPTask_ThroughRunnerRejectsNonJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	r := NewRunner(NewHTTPTask(server.URL), time.Second)
	_, err := r.Run(context.Background(), testInvocation(), nil)

	assert.ErrorIs(t, err, ErrMalformedOutput)
}
