package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushgate/internal/apns"
	"pushgate/internal/push"
	"pushgate/internal/push/engine"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
)

const (
	maxBodyBytes      = 64 << 10
	defaultTokenLimit = 1000
)

// Handler builds the router. It is usable without Start, e.g. under httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.cfg.Pprof {
		// Profiles run for seconds; keep them outside the request timeout.
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/healthz", s.healthz)
		r.Get("/stats", s.stats)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/notifications", s.postNotification)
			if s.tokens != nil {
				r.Get("/tokens/expired", s.expiredTokens)
			}
		})
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.pusher != nil && s.pusher.Stats().Stopping {
		status, code = "stopping", http.StatusServiceUnavailable
	}
	var up time.Duration
	s.mu.Lock()
	if !s.started.IsZero() {
		up = time.Since(s.started).Truncate(time.Second)
	}
	s.mu.Unlock()
	writeJSON(w, code, healthResponse{Status: status, Uptime: up.String()})
}

// StatsResponse is GET /stats. Durations are nanoseconds.
type StatsResponse struct {
	Engine   *engine.Stats  `json:"engine,omitempty"`
	Sections map[string]any `json:"sections,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	var resp StatsResponse
	if s.pusher != nil {
		st := s.pusher.Stats()
		resp.Engine = &st
	}
	if len(s.status) > 0 {
		resp.Sections = make(map[string]any, len(s.status))
		for name, fn := range s.status {
			resp.Sections[name] = fn()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	DeviceToken string `json:"device_token"`

	Alert        string `json:"alert,omitempty"`
	ActionLocKey string `json:"action_loc_key,omitempty"`
	LocKey       string `json:"loc_key,omitempty"`
	LocArgs      []any  `json:"loc_args,omitempty"`
	LaunchImage  string `json:"launch_image,omitempty"`

	Badge            *int   `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	Category         string `json:"category,omitempty"`
	ContentAvailable bool   `json:"content_available,omitempty"`

	// Custom keys are written in sorted order.
	Custom map[string]any `json:"custom,omitempty"`

	// Expiry is RFC3339. Empty means the gateway default of one month.
	Expiry     string `json:"expiry,omitempty"`
	DoNotStore bool   `json:"do_not_store,omitempty"`

	// Tag is echoed back on the event bus and in delivery records.
	Tag string `json:"tag,omitempty"`
}

type NotificationAccepted struct {
	Identifier int32  `json:"identifier"`
	Tag        string `json:"tag,omitempty"`
}

// Notification validates the request and maps it onto an apns.Notification.
func (req NotificationRequest) Notification() (*apns.Notification, error) {
	tok := strings.TrimSpace(req.DeviceToken)
	if tok == "" {
		return nil, errors.New("device_token is required")
	}

	p := &apns.Payload{
		Alert: apns.Alert{
			Body:         req.Alert,
			ActionLocKey: req.ActionLocKey,
			LocKey:       req.LocKey,
			LocArgs:      req.LocArgs,
			LaunchImage:  req.LaunchImage,
		},
		Badge:    req.Badge,
		Sound:    req.Sound,
		Category: req.Category,
	}
	if req.ContentAvailable {
		one := 1
		p.ContentAvailable = &one
	}
	keys := make([]string, 0, len(req.Custom))
	for k := range req.Custom {
		if k == "aps" {
			return nil, errors.New(`custom key "aps" is reserved`)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.AddCustom(k, req.Custom[k])
	}

	n := apns.NewNotification(tok, p)
	if !n.IsDeviceRegistrationIDValid() {
		return nil, errors.New("device_token must be hex")
	}
	if req.Expiry != "" {
		at, err := time.Parse(time.RFC3339, req.Expiry)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry: %w", err)
		}
		n.Expiration = &at
	}
	n.DoNotStore = req.DoNotStore
	if req.Tag != "" {
		n.SetTag(req.Tag)
	}
	return n, nil
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	if s.pusher == nil {
		writeErr(w, http.StatusServiceUnavailable, "push service unavailable")
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var req NotificationRequest
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeErr(w, http.StatusBadRequest, "invalid json: trailing data")
		return
	}

	n, err := req.Notification()
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pusher.QueueNotification(n); err != nil {
		if errors.Is(err, push.ErrEngineStopping) {
			writeErr(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Error("enqueue notification", logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "failed to enqueue notification")
		return
	}
	writeJSON(w, http.StatusAccepted, NotificationAccepted{Identifier: n.Identifier, Tag: req.Tag})
}

type ExpiredTokensResponse struct {
	Tokens []storage.ExpiredToken `json:"tokens"`
}

// expiredTokens lists tokens recorded at or after ?since (RFC3339), oldest
// first, at most ?limit of them.
func (s *Server) expiredTokens(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = t
	}
	limit := defaultTokenLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	out, err := s.tokens.ExpiredTokens(r.Context(), since, limit)
	if err != nil {
		s.log.Error("list expired tokens", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "failed to list expired tokens")
		return
	}
	if out == nil {
		out = []storage.ExpiredToken{}
	}
	writeJSON(w, http.StatusOK, ExpiredTokensResponse{Tokens: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
