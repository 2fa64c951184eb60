package connect

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

func testConfig(url string) config.ConnectConfig {
	return config.ConnectConfig{
		URL:            url,
		RequestTimeout: 5 * time.Second,
		Reliability: config.ReliabilityConfig{
			RetryAttempts:    2,
			RetryDelay:       time.Millisecond,
			RetryMultiplier:  1,
			MaxRetryDelay:    5 * time.Millisecond,
			CircuitBreaker:   true,
			FailureThreshold: 10,
			BreakerTimeout:   time.Second,
		},
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(config.ConnectConfig{URL: "not a url"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestCreateConnector(t *testing.T) {
	var got createRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connectors", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))

	err := c.CreateConnector(context.Background(), "orders-source", map[string]string{"connector.class": "x"})
	require.NoError(t, err)
	assert.Equal(t, "orders-source", got.Name)
	assert.Equal(t, "x", got.Config["connector.class"])
}

func TestCreateConnectorConflict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	err := c.CreateConnector(context.Background(), "dup", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connectors/running/status":
			_, _ = w.Write([]byte(`{"name":"running","connector":{"state":"RUNNING","worker_id":"w1"},"tasks":[{"id":0,"state":"RUNNING"}],"type":"source"}`))
		case "/connectors/task-failed/status":
			_, _ = w.Write([]byte(`{"name":"task-failed","connector":{"state":"RUNNING"},"tasks":[{"id":0,"state":"FAILED","trace":"boom"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	st, err := c.GetStatus(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorRunning, st.State())
	assert.Equal(t, "source", st.Type)

	st, err = c.GetStatus(ctx, "task-failed")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorFailed, st.State())
	assert.Equal(t, "boom", st.FailureTrace())

	st, err = c.GetStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, models.ConnectorUnknown, st.State())
}

func TestGetConfigAndTopics(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connectors/sink/config":
			_, _ = w.Write([]byte(`{"topics":"a,b","connector.class":"sink"}`))
		case "/connectors/src/topics":
			_, _ = w.Write([]byte(`{"src":{"topics":["p.public.orders","p.public.items"]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	cfg, err := c.GetConfig(ctx, "sink")
	require.NoError(t, err)
	assert.Equal(t, "a,b", cfg["topics"])

	topics, err := c.GetTopics(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"p.public.orders", "p.public.items"}, topics)

	_, err = c.GetConfig(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestCommands(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Path == "/connectors/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	ctx := context.Background()

	require.NoError(t, c.RestartConnector(ctx, "a"))
	require.NoError(t, c.PauseConnector(ctx, "a"))
	require.NoError(t, c.ResumeConnector(ctx, "a"))
	require.NoError(t, c.StopConnector(ctx, "a"))
	require.NoError(t, c.DeleteConnector(ctx, "a"))
	require.NoError(t, c.DeleteConnector(ctx, "gone"))

	assert.Equal(t, []string{
		"POST /connectors/a/restart?includeTasks=true&onlyFailed=false",
		"PUT /connectors/a/pause",
		"PUT /connectors/a/resume",
		"PUT /connectors/a/stop",
		"DELETE /connectors/a",
		"DELETE /connectors/gone",
	}, calls)
}

func TestRetriesServerErrors(t *testing.T) {
	var n int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"topics":"a"}`))
	}))

	cfg, err := c.GetConfig(context.Background(), "sink")
	require.NoError(t, err)
	assert.Equal(t, "a", cfg["topics"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))
}

func TestRetriesExhausted(t *testing.T) {
	var n int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.GetStatus(context.Background(), "src")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))
}

func TestWaitForState(t *testing.T) {
	var polls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		state := "RESTARTING"
		if atomic.AddInt32(&polls, 1) >= 3 {
			state = "RUNNING"
		}
		_, _ = w.Write([]byte(`{"name":"a","connector":{"state":"` + state + `"},"tasks":[]}`))
	}))

	ok, err := c.WaitForState(context.Background(), "a", models.ConnectorRunning, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestWaitForStateTimeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"a","connector":{"state":"FAILED"},"tasks":[]}`))
	}))

	ok, err := c.WaitForState(context.Background(), "a", models.ConnectorRunning, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitForStateCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"a","connector":{"state":"UNASSIGNED"},"tasks":[]}`))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := c.WaitForState(ctx, "a", models.ConnectorRunning, time.Minute, 5*time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
