package server

import (
	"bufio"
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/netpresence/internal/auth"
	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/discovery/probe"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/monitor"
	"github.com/hitushen/netpresence/internal/realtime"
	"github.com/hitushen/netpresence/internal/scanner"
	"github.com/hitushen/netpresence/internal/store"
)

var csrfMeta = regexp.MustCompile(`name="csrf-token" content="([^"]+)"`)

type fakeScanner struct{}

func (fakeScanner) Scan(_ context.Context, cidr string) ([]models.Device, error) {
	hosts, err := netaddr.Hosts(cidr, 256)
	if err != nil {
		return nil, err
	}
	mac := "aa:bb:cc:dd:ee:01"
	return []models.Device{
		{IP: hosts[0], MAC: &mac, Reachable: true},
		{IP: hosts[1]},
	}, nil
}

type staticNetworks []models.NetworkTarget

func (s staticNetworks) Networks() ([]models.NetworkTarget, error) { return s, nil }

type staticMonitors []models.Monitor

func (s staticMonitors) Monitors() ([]models.Monitor, error) { return s, nil }

type upPinger struct{}

func (upPinger) Ping(context.Context, string) (probe.Result, error) {
	return probe.Result{Reachable: true, RTT: 2 * time.Millisecond}, nil
}

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	broker *realtime.Broker
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureAdmin(context.Background(), "admin", "secret"))

	broker := realtime.NewBroker()
	sched := scanner.NewManager(fakeScanner{}, staticNetworks{{Name: "lan", CIDR: "192.168.1.0/24"}}, st, broker, 1)
	t.Cleanup(sched.Close)
	require.True(t, sched.RefreshSync())

	s, err := New(Options{
		CSRFKey:   []byte("abcdef0123456789abcdef0123456789"),
		Store:     st,
		Auth:      auth.NewManager(st, []byte("0123456789abcdef0123456789abcdef")),
		Scheduler: sched,
		Scanner:   fakeScanner{},
		Monitors:  monitor.NewChecker(upPinger{}, staticMonitors{{Name: "gw", Host: "192.168.1.1"}}, st, broker),
		Broker:    broker,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testEnv{srv: ts, client: client, broker: broker}
}

func (e *testEnv) login(t *testing.T, password string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + "/login")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	m := csrfMeta.FindSubmatch(body)
	require.NotNil(t, m)
	e.token = html.UnescapeString(string(m[1]))

	form := url.Values{"username": {"admin"}, "password": {password}, "csrf_token": {e.token}}
	resp, err = e.client.PostForm(e.srv.URL+"/login", form)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", e.token)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.login(t, "wrong")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?error=1", resp.Header.Get("Location"))

	resp = env.login(t, "secret")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "192.168.1.1")
}

func TestAPIRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.client.Get(env.srv.URL + "/api/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = env.client.Get(env.srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.client.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = env.client.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "netpresence_scans_total")
}

func TestPostWithoutCSRFTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")
	env.token = ""
	resp := env.do(t, http.MethodPost, "/api/devices/refresh", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDevicesReadModel(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	var out struct {
		Count    int                 `json:"count"`
		Networks []models.ScanResult `json:"networks"`
		Scanning bool                `json:"scanning"`
		CachedAt *time.Time          `json:"cached_at"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/devices", ""), &out)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Networks, 1)
	assert.Equal(t, "192.168.1.0/24", out.Networks[0].Target.CIDR)
	assert.False(t, out.Scanning)
	assert.NotNil(t, out.CachedAt)

	var status map[string]interface{}
	decode(t, env.do(t, http.MethodGet, "/api/status", ""), &status)
	assert.Equal(t, float64(2), status["devices"])
}

func TestRefreshDevices(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")
	var out map[string]bool
	resp := env.do(t, http.MethodPost, "/api/devices/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "scanning")
}

func TestScanNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	resp := env.do(t, http.MethodPost, "/api/devices/scan", `{"cidr":"10.0.0.0/30"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.ScanResult
	decode(t, resp, &res)
	require.Len(t, res.Devices, 2)
	assert.Equal(t, "10.0.0.1", res.Devices[0].IP)

	for _, body := range []string{`{"cidr":"not-a-network"}`, `{"cidr":"10.0.0.0/8"}`, `{}`} {
		resp = env.do(t, http.MethodPost, "/api/devices/scan", body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestDeviceHistoryAndManualRecord(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	var records []models.DeviceRecord
	decode(t, env.do(t, http.MethodGet, "/api/devices/history?network=192.168.1.0/24", ""), &records)
	require.Len(t, records, 1)
	assert.Equal(t, "192.168.1.1", records[0].IP)

	resp := env.do(t, http.MethodPost, "/api/devices", `{"network":"192.168.1.0/24","ip":"192.168.1.50","hostname":"printer"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/devices", `{"network":"192.168.1.0/24","ip":"printer.lan"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	decode(t, env.do(t, http.MethodGet, "/api/devices/history?network=192.168.1.0/24", ""), &records)
	assert.Len(t, records, 2)

	var runs []models.ScanRun
	decode(t, env.do(t, http.MethodGet, "/api/scans", ""), &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Reachable)
}

func TestMonitorsAndResults(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	var live []models.PingResult
	decode(t, env.do(t, http.MethodGet, "/api/monitors", ""), &live)
	require.Len(t, live, 1)
	assert.True(t, live[0].OK)

	var stored []models.PingResult
	decode(t, env.do(t, http.MethodGet, "/api/results", ""), &stored)
	assert.Empty(t, stored)

	resp := env.do(t, http.MethodPost, "/api/refresh", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decode(t, env.do(t, http.MethodGet, "/api/results", ""), &stored)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].RTTMillis)
	assert.InDelta(t, 2.0, *stored[0].RTTMillis, 0.001)
}

func TestMetricsAPI(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	resp := env.do(t, http.MethodPost, "/api/metrics", `{"metric":"temp_c","value":41.5}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/metrics", `{"metric":"temp_c"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var items []models.HostMetric
	decode(t, env.do(t, http.MethodGet, "/api/metrics?limit=5", ""), &items)
	require.Len(t, items, 1)
	assert.Equal(t, "temp_c", items[0].Metric)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.broker.Publish(realtime.Event{Type: realtime.EventScanCompleted})
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, realtime.EventScanCompleted)
}
