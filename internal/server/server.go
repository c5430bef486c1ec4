package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/hitushen/modelprobe/internal/auth"
	"github.com/hitushen/modelprobe/internal/config"
	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/metrics"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/realtime"
	"github.com/hitushen/modelprobe/internal/store"
	"github.com/hitushen/modelprobe/internal/targets"
	"github.com/hitushen/modelprobe/internal/verifier"
)

const (
	defaultPageSize = 50
	historyLimit    = 20
)

var validStates = map[string]struct{}{
	"": {}, "all": {}, "eligible": {}, "verified": {}, "unverified": {},
	"invalid": {}, "honeypot": {}, "inactive": {},
}

// Server 负责协调 HTTP 路由与校验引擎。
type Server struct {
	cfg      *config.Config
	store    *store.Store
	auth     *auth.Manager
	verifier *verifier.Manager
	broker   *realtime.Broker
	log      logger.Logger
}

// New 创建 Server，verifier 与 broker 由调用方持有生命周期。
func New(cfg *config.Config, st *store.Store, mgr *verifier.Manager, broker *realtime.Broker, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		auth:     auth.NewManager(st, cfg.SessionKey, cfg.SecureCookies),
		verifier: mgr,
		broker:   broker,
		log:      log.With(logger.Component("http")),
	}
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		s.cfg.CSRFKey,
		csrf.Secure(s.cfg.SecureCookies),
		csrf.Path("/"),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			msg := "invalid csrf token"
			if reason := csrf.FailureReason(r); reason != nil {
				msg += ": " + reason.Error()
			}
			writeMessage(w, msg, http.StatusForbidden)
		})),
	)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/session", s.session)
	r.Post("/login", s.handleLogin)

	authRoutes := r.With(s.auth.Middleware)
	authRoutes.Post("/logout", s.handleLogout)

	authRoutes.Route("/api", func(api chi.Router) {
		api.Get("/events", s.streamEvents)

		api.Get("/endpoints", s.apiListEndpoints)
		api.Post("/endpoints", s.apiImportEndpoints)
		api.Get("/endpoints/stats", s.apiEndpointStats)
		api.Post("/endpoints/recheck", s.apiRecheck)
		api.Get("/endpoints/{endpointID}", s.apiGetEndpoint)
		api.Post("/endpoints/{endpointID}/reinstate", s.apiReinstate)

		api.Get("/runs/current", s.apiRunStatus)
		api.Post("/runs", s.apiTriggerRun)
		api.Post("/sweeps", s.apiSweep)
	})

	return csrfMiddleware(r)
}

// session 返回 CSRF token 与当前登录状态，客户端在修改类请求中回传 X-CSRF-Token。
func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	resp := map[string]interface{}{"csrfToken": token, "authenticated": false}
	if _, name, err := s.auth.CurrentUser(r); err == nil {
		resp["authenticated"] = true
		resp["username"] = name
	}
	writeJSON(w, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	user, err := s.auth.Login(w, r, strings.TrimSpace(body.Username), body.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			writeMessage(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"username": user.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.auth.Logout(w, r)
	writeJSON(w, map[string]string{"status": "logged out"})
}

func (s *Server) apiListEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := strings.ToLower(strings.TrimSpace(q.Get("state")))
	if _, ok := validStates[state]; !ok {
		writeMessage(w, "unknown state filter", http.StatusBadRequest)
		return
	}
	query := &store.EndpointQuery{
		State:    state,
		Search:   q.Get("q"),
		SortBy:   q.Get("sort"),
		SortDesc: q.Get("desc") == "1" || q.Get("desc") == "true",
		Page:     intParam(q.Get("page"), 1),
		PageSize: intParam(q.Get("pageSize"), defaultPageSize),
	}
	list, total, err := s.store.ListEndpoints(r.Context(), query)
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.Endpoint{}
	}
	writeJSON(w, map[string]interface{}{
		"items":    list,
		"total":    total,
		"page":     query.Page,
		"pageSize": query.PageSize,
	})
}

// apiImportEndpoints 登记候选端点，已作废的端点会被重置为未校验。
func (s *Server) apiImportEndpoints(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Targets []string `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	if len(body.Targets) == 0 {
		writeMessage(w, "targets required", http.StatusBadRequest)
		return
	}
	added := make([]models.Endpoint, 0, len(body.Targets))
	rejected := map[string]string{}
	for _, raw := range body.Targets {
		host, port, err := targets.Parse(raw)
		if err != nil {
			rejected[raw] = err.Error()
			continue
		}
		ep, err := s.store.AddCandidate(r.Context(), host, port)
		if err != nil {
			rejected[raw] = err.Error()
			continue
		}
		added = append(added, *ep)
	}
	writeJSON(w, map[string]interface{}{"added": added, "rejected": rejected})
}

func (s *Server) apiEndpointStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountStates(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func (s *Server) apiGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(chi.URLParam(r, "endpointID"))
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		writeErr(w, err, statusFor(err))
		return
	}
	list, err := s.store.ListModels(ctx, id)
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	history, err := s.store.ListVerifications(ctx, id, intParam(r.URL.Query().Get("history"), historyLimit))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.Model{}
	}
	if history == nil {
		history = []models.VerificationRecord{}
	}
	writeJSON(w, map[string]interface{}{
		"endpoint": ep,
		"eligible": ep.Eligible(),
		"models":   list,
		"history":  history,
	})
}

func (s *Server) apiRecheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	host, port, err := targets.Parse(body.Target)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	res, err := s.verifier.RecheckOne(r.Context(), host, port)
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) apiReinstate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(chi.URLParam(r, "endpointID"))
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	res, err := s.verifier.Reinstate(r.Context(), id)
	if err != nil {
		writeErr(w, err, statusFor(err))
		return
	}
	writeJSON(w, res)
}

func (s *Server) apiRunStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"running": s.verifier.Running()}
	if progress, ok := s.verifier.Progress(); ok {
		resp["progress"] = progress
	}
	ctx := r.Context()
	for key, field := range map[string]string{
		"last_run_start": "lastRunStart",
		"last_run_end":   "lastRunEnd",
	} {
		if v, err := s.store.GetMetadata(ctx, key); err == nil {
			resp[field] = v
		}
	}
	if raw, err := s.store.GetMetadata(ctx, "last_run_summary"); err == nil {
		resp["lastRunSummary"] = json.RawMessage(raw)
	}
	writeJSON(w, resp)
}

func (s *Server) apiTriggerRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode  string `json:"mode"`
		Limit int    `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
	}
	mode, ok := models.ParseMode(body.Mode)
	if !ok {
		writeMessage(w, "unknown mode", http.StatusBadRequest)
		return
	}
	opts := verifier.RunOptions{
		BatchSize: s.cfg.BatchSize,
		Workers:   s.cfg.Workers,
		Mode:      mode,
		Limit:     body.Limit,
	}
	if !s.verifier.TriggerPass(opts) {
		writeMessage(w, verifier.ErrRunInProgress.Error(), http.StatusConflict)
		return
	}
	s.log.Info("verification pass triggered", logger.String("mode", string(mode)), logger.Int("limit", body.Limit))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "started", "mode": string(mode)})
}

func (s *Server) apiSweep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
	}
	mode, ok := models.ParseMode(body.Mode)
	if !ok {
		writeMessage(w, "unknown mode", http.StatusBadRequest)
		return
	}
	summary, err := s.verifier.SweepLiveness(r.Context(), mode)
	if err != nil {
		writeErr(w, err, statusFor(err))
		return
	}
	writeJSON(w, summary)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cleanup := s.broker.Subscribe()
	defer cleanup()

	notify := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, verifier.ErrNoScanner):
		return http.StatusServiceUnavailable
	case errors.Is(err, verifier.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseIDParam(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
