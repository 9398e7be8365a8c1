package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitushen/netpresence/internal/auth"
	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/monitor"
	"github.com/hitushen/netpresence/internal/realtime"
	"github.com/hitushen/netpresence/internal/scanner"
	"github.com/hitushen/netpresence/internal/store"
	"github.com/hitushen/netpresence/internal/targets"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// NetworkScanner 执行一次同步网段扫描。
type NetworkScanner interface {
	Scan(ctx context.Context, cidr string) ([]models.Device, error)
}

// Options 汇总 Server 依赖的组件。
type Options struct {
	CSRFKey   []byte
	Store     *store.Store
	Auth      *auth.Manager
	Scheduler *scanner.Manager
	Scanner   NetworkScanner
	Monitors  *monitor.Checker
	Broker    *realtime.Broker
}

// Server 负责协调 HTTP 路由、模板渲染与业务逻辑。
type Server struct {
	csrfKey   []byte
	store     *store.Store
	auth      *auth.Manager
	scheduler *scanner.Manager
	scanner   NetworkScanner
	monitors  *monitor.Checker
	broker    *realtime.Broker
	templates *template.Template
}

// New 创建并初始化带路由的 Server。
func New(opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	return &Server{
		csrfKey:   opts.CSRFKey,
		store:     opts.Store,
		auth:      opts.Auth,
		scheduler: opts.Scheduler,
		scanner:   opts.Scanner,
		monitors:  opts.Monitors,
		broker:    opts.Broker,
		templates: tmpl,
	}, nil
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
	)

	r.Group(func(pub chi.Router) {
		pub.Get("/login", s.showLogin)
		pub.Post("/login", s.handleLogin)
		pub.Handle("/metrics", promhttp.Handler())
	})

	authRoutes := r.With(s.auth.Middleware)
	authRoutes.Get("/", s.dashboard)
	authRoutes.Post("/logout", s.handleLogout)

	authRoutes.Route("/api", func(api chi.Router) {
		api.Get("/events", s.streamEvents)
		api.Get("/status", s.apiStatus)

		api.Get("/devices", s.apiDevices)
		api.Post("/devices", s.apiSaveDevice)
		api.Post("/devices/refresh", s.apiRefreshDevices)
		api.Post("/devices/scan", s.apiScanNetwork)
		api.Get("/devices/history", s.apiDeviceHistory)
		api.Get("/scans", s.apiScanRuns)

		api.Get("/monitors", s.apiMonitors)
		api.Post("/refresh", s.apiRefreshMonitors)
		api.Get("/results", s.apiResults)

		api.Get("/metrics", s.apiListMetrics)
		api.Post("/metrics", s.apiCreateMetric)
	})

	return csrfMiddleware(r)
}

func (s *Server) showLogin(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"CSRFField": template.HTML(csrf.TemplateField(r)),
		"CSRFToken": csrf.Token(r),
		"Error":     r.URL.Query().Get("error"),
	}
	if err := s.templates.ExecuteTemplate(w, "login", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	if err := s.auth.Authenticate(w, r, username, password); err != nil {
		http.Redirect(w, r, "/login?error=1", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.auth.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	_, username, _ := auth.UserFromContext(r.Context())
	status := s.scheduler.Status()
	data := map[string]interface{}{
		"Username":  username,
		"Status":    status,
		"Count":     deviceCount(status.Networks),
		"CSRFField": template.HTML(csrf.TemplateField(r)),
		"CSRFToken": csrf.Token(r),
	}
	if err := s.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, map[string]interface{}{
		"scanning":    status.Scanning,
		"lastUpdated": status.LastUpdated,
		"networks":    len(status.Networks),
		"devices":     deviceCount(status.Networks),
		"subscribers": s.broker.Subscribers(),
	})
}

func (s *Server) apiDevices(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, map[string]interface{}{
		"count":     deviceCount(status.Networks),
		"networks":  status.Networks,
		"scanning":  status.Scanning,
		"cached_at": status.LastUpdated,
	})
}

func (s *Server) apiRefreshDevices(w http.ResponseWriter, r *http.Request) {
	started := s.scheduler.RefreshAsync()
	writeJSON(w, map[string]bool{
		"started":  started,
		"scanning": s.scheduler.Status().Scanning,
	})
}

func (s *Server) apiScanNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	cidr := strings.TrimSpace(body.CIDR)
	if cidr == "" {
		writeMessage(w, "cidr required", http.StatusBadRequest)
		return
	}
	devices, err := s.scanner.Scan(r.Context(), cidr)
	if err != nil {
		writeErr(w, err, scanStatus(err))
		return
	}
	writeJSON(w, models.ScanResult{
		Target:  models.NetworkTarget{Name: cidr, CIDR: cidr},
		Devices: devices,
	})
}

func (s *Server) apiDeviceHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListDevices(r.Context(), r.URL.Query().Get("network"), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.DeviceRecord{}
	}
	writeJSON(w, records)
}

func (s *Server) apiSaveDevice(w http.ResponseWriter, r *http.Request) {
	var rec models.DeviceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	rec.Network = strings.TrimSpace(rec.Network)
	rec.IP = strings.TrimSpace(rec.IP)
	if rec.Network == "" || rec.IP == "" {
		writeMessage(w, "network and ip required", http.StatusBadRequest)
		return
	}
	if _, err := netaddr.Parse(rec.Network); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	if !targets.IsIP(rec.IP) {
		writeMessage(w, "invalid ip address", http.StatusBadRequest)
		return
	}
	if err := s.store.SaveDeviceRecord(r.Context(), rec); err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) apiScanRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListScanRuns(r.Context(), intParam(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.ScanRun{}
	}
	writeJSON(w, runs)
}

func (s *Server) apiMonitors(w http.ResponseWriter, r *http.Request) {
	results, err := s.monitors.CheckAll(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

func (s *Server) apiRefreshMonitors(w http.ResponseWriter, r *http.Request) {
	results, err := s.monitors.Refresh(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"count": len(results), "results": results})
}

func (s *Server) apiResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.RecentPingResults(r.Context(), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []models.PingResult{}
	}
	writeJSON(w, results)
}

func (s *Server) apiListMetrics(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.RecentMetrics(r.Context(), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.HostMetric{}
	}
	writeJSON(w, items)
}

func (s *Server) apiCreateMetric(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metric string   `json:"metric"`
		Value  *float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	body.Metric = strings.TrimSpace(body.Metric)
	if body.Metric == "" || body.Value == nil {
		writeMessage(w, "metric and value required", http.StatusBadRequest)
		return
	}
	if err := s.store.InsertMetric(r.Context(), models.HostMetric{Metric: body.Metric, Value: *body.Value}); err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ch, cleanup := s.broker.Subscribe()
	defer cleanup()
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case msg := <-ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

func deviceCount(networks []models.ScanResult) int {
	n := 0
	for _, res := range networks {
		n += len(res.Devices)
	}
	return n
}

func scanStatus(err error) int {
	if errors.Is(err, netaddr.ErrInvalidCIDR) || errors.Is(err, netaddr.ErrTooLarge) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func intParam(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
