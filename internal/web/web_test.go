package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/log2"
)

func newTestServer(t testing.TB) (*Server, *broker.Mock) {
	log := log2.NewTest(t, log2.LDebug)
	m := broker.NewMock(log)
	for _, tp := range []string{"devices/a/$online", "devices/a/led/on", "devices/b/$online", "devices/$broadcast/IOTtime"} {
		require.NoError(t, m.Publish(context.Background(), tp, []byte("true"), true))
	}
	return New(log, m, Options{Idle: 20 * time.Millisecond}), m
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method string
		path   string
		setup  func(*broker.Mock)
		status int
		check  func(testing.TB, []byte, *broker.Mock)
	}{
		{"health", "GET", "/health", nil, http.StatusOK, func(t testing.TB, b []byte, _ *broker.Mock) {
			var r HealthResponse
			require.NoError(t, json.Unmarshal(b, &r))
			assert.Equal(t, "healthy", r.Status)
		}},
		{"health-degraded", "GET", "/health", func(m *broker.Mock) { m.SetUnavailable(true) }, http.StatusServiceUnavailable, nil},
		{"devices", "GET", "/devices.json", nil, http.StatusOK, func(t testing.TB, b []byte, _ *broker.Mock) {
			var r DevicesResponse
			require.NoError(t, json.Unmarshal(b, &r))
			assert.Equal(t, 2, r.Count)
			assert.Equal(t, "true", r.Devices["a"]["led/on"])
			assert.NotContains(t, r.Devices, "$broadcast")
		}},
		{"devices-unavailable", "GET", "/devices.json", func(m *broker.Mock) { m.SetUnavailable(true) }, http.StatusServiceUnavailable, nil},
		{"detail", "GET", "/detail/a", nil, http.StatusOK, func(t testing.TB, b []byte, _ *broker.Mock) {
			var r DetailResponse
			require.NoError(t, json.Unmarshal(b, &r))
			assert.Equal(t, "a", r.Device)
			assert.Len(t, r.State, 2)
		}},
		{"detail-unknown", "GET", "/detail/zz", nil, http.StatusNotFound, nil},
		{"detail-reserved", "GET", "/detail/$broadcast", nil, http.StatusBadRequest, nil},
		{"erase-post", "POST", "/erase/a", nil, http.StatusOK, func(t testing.TB, b []byte, m *broker.Mock) {
			var r EraseResponse
			require.NoError(t, json.Unmarshal(b, &r))
			assert.Equal(t, "Device a erased", r.Message)
			assert.Equal(t, []string{"devices/a/$online", "devices/a/led/on"}, r.Topics)
			for _, rm := range m.Retained() {
				assert.NotContains(t, rm.Topic, "devices/a/")
			}
		}},
		{"erase-get", "GET", "/erase/b", nil, http.StatusOK, nil},
		{"erase-unknown", "POST", "/erase/zz", nil, http.StatusNotFound, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s, m := newTestServer(t)
			if c.setup != nil {
				c.setup(m)
			}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(c.method, c.path, nil)
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, c.status, rec.Code, rec.Body.String())
			if c.check != nil {
				c.check(t, rec.Body.Bytes(), m)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	s.opt.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	addrch := make(chan string, 1)
	errch := make(chan error, 1)
	go func() { errch <- s.Run(ctx, func(addr string) { addrch <- addr }) }()

	addr := <-addrch
	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errch)
}
