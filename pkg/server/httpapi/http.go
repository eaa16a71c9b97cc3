// Package httpapi exposes path resolution and archive downloads over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/download"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/resolver"
	"github.com/jacktea/scistore/pkg/server/middleware"
	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

const defaultMaxBody = 1 << 20

// Server exposes a Resolver and a download Engine over HTTP+JSON.
type Server struct {
	Resolver *resolver.Resolver
	Engine   *download.Engine
	Log      *zap.Logger
	// Metrics, when set, receives the HTTP collectors and is served on /metrics.
	Metrics *prometheus.Registry
	Opts    Options

	once    sync.Once
	handler http.Handler
}

// Options configure auth, rate limiting and request limits.
type Options struct {
	APIKey       string
	RateLimit    middleware.RateLimitOptions
	MaxBodyBytes int64
	// ShutdownTimeout bounds graceful shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		timeout := s.Opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("http server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() { s.handler = s.build() })
	return s.handler
}

func (s *Server) build() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		r.Use(mux.MiddlewareFunc(middleware.NewMetrics(s.Metrics).Middleware()))
	}
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/lookup", s.handleLookup).Methods(http.MethodPost)
	r.HandleFunc("/download", s.handleCreateTicket).Methods(http.MethodPost)
	r.HandleFunc("/download", s.handleRedeem).Methods(http.MethodGet).Queries("ticket", "{ticket}")
	r.HandleFunc("/download/summary", s.handleSummary).Methods(http.MethodPost)
	r.HandleFunc("/download/{ticket}", s.handleRedeem).Methods(http.MethodGet)
	r.HandleFunc("/download/{ticket}/targets", s.handleTargets).Methods(http.MethodGet)
	if log := middleware.AccessLog(s.Log); log != nil {
		r.Use(mux.MiddlewareFunc(log))
	}
	return middleware.Wrap(r,
		middleware.APIKeyAuth(s.Opts.APIKey, "/healthz"),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

type pathRequest struct {
	// Path is either a list of segments or a slash separated string.
	Path json.RawMessage `json:"path"`
}

func (p pathRequest) segments() ([]string, error) {
	if len(p.Path) == 0 || string(p.Path) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(p.Path, &list); err == nil {
		return list, nil
	}
	var str string
	if err := json.Unmarshal(p.Path, &str); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "httpapi.path", "", err)
	}
	return resolver.Split(str), nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := s.decode(w, r, &req); err != nil {
		httpError(w, err)
		return
	}
	segs, err := req.segments()
	if err != nil {
		httpError(w, err)
		return
	}
	res, err := s.Resolver.Resolve(r.Context(), principalFromRequest(r), segs)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := s.decode(w, r, &req); err != nil {
		httpError(w, err)
		return
	}
	segs, err := req.segments()
	if err != nil {
		httpError(w, err)
		return
	}
	node, err := s.Resolver.Lookup(r.Context(), principalFromRequest(r), segs)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type bulkRequest struct {
	Files  []download.FileSpec `json:"files"`
	Format string              `json:"format,omitempty"`
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	FileCount int    `json:"file_cnt"`
	Size      int64  `json:"size"`
	Filename  string `json:"filename"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var (
		t   *ticket.Ticket
		err error
	)
	p := principalFromRequest(r)
	ip := middleware.ClientIP(r)
	if isTrue(r.URL.Query().Get("bulk")) {
		var req bulkRequest
		if err := s.decode(w, r, &req); err != nil {
			httpError(w, err)
			return
		}
		t, err = s.Engine.CreateBulkTicket(r.Context(), p, ip, req.Files, req.Format)
	} else {
		var req download.Request
		if err := s.decode(w, r, &req); err != nil {
			httpError(w, err)
			return
		}
		if prefix := r.URL.Query().Get("prefix"); prefix != "" && req.Prefix == "" {
			req.Prefix = prefix
		}
		t, err = s.Engine.CreateTicket(r.Context(), p, ip, req)
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{
		Ticket:    t.ID,
		FileCount: t.Manifest.FileCount,
		Size:      t.Manifest.TotalSize,
		Filename:  t.Filename,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var nodes []hierarchy.Ref
	if err := s.decode(w, r, &nodes); err != nil {
		httpError(w, err)
		return
	}
	sum, err := s.Engine.Summary(r.Context(), principalFromRequest(r), nodes)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type targetsResponse struct {
	Ticket    string         `json:"ticket"`
	Filename  string         `json:"filename"`
	FileCount int            `json:"file_cnt"`
	Size      int64          `json:"size"`
	Expires   time.Time      `json:"expires"`
	Entries   []ticket.Entry `json:"targets"`
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	t, err := s.Engine.Targets(r.Context(), mux.Vars(r)["ticket"])
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targetsResponse{
		Ticket:    t.ID,
		Filename:  t.Filename,
		FileCount: t.Manifest.FileCount,
		Size:      t.Manifest.TotalSize,
		Expires:   t.Expires,
		Entries:   t.Manifest.Entries,
	})
}

// handleRedeem streams the archive of a ticket. Errors found before the
// first byte produce a status code; later failures abort the connection so
// the client never sees a complete archive.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	red, err := s.Engine.Redeem(ctx, mux.Vars(r)["ticket"], middleware.ClientIP(r))
	if err != nil {
		httpError(w, err)
		return
	}
	defer red.Close()
	w.Header().Set("Content-Type", red.Format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": red.Ticket.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := red.WriteTo(ctx, &flushWriter{w: w, rc: http.NewResponseController(w)}); err != nil {
		s.logger().Error("download aborted", zap.String("ticket", red.Ticket.ID), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// flushWriter pushes every archive chunk to the client.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	limit := s.Opts.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, "httpapi.decode", r.URL.Path, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"message"`
	Kind  string `json:"kind"`
	Path  string `json:"path,omitempty"`
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := xerrors.KindOf(err)
	switch kind {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindForbidden:
		status = http.StatusForbidden
	case xerrors.KindConflict:
		status = http.StatusConflict
	case xerrors.KindNotSupported:
		status = http.StatusNotImplemented
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindIO:
		status = http.StatusBadGateway
	}
	body := errorBody{Error: err.Error(), Kind: kind.String()}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		body.Path = xe.Path
	}
	writeJSON(w, status, body)
}

// principalFromRequest reads the caller identity set by the fronting
// authentication layer.
func principalFromRequest(r *http.Request) hierarchy.Principal {
	return hierarchy.Principal{
		ID:    strings.TrimSpace(r.Header.Get("X-User-Id")),
		Admin: isTrue(r.Header.Get("X-User-Admin")),
	}
}

func isTrue(s string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && v
}
