package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/querydag/internal/binding"
	"github.com/hanpama/querydag/internal/ctxlog"
	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/events"
	"github.com/hanpama/querydag/internal/flatten"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/reqid"
)

// RequestIDHeader carries the request ID in responses and outgoing gRPC
// metadata.
const RequestIDHeader = "X-Querydag-Request-Id"

// Handler serves bound queries and ad-hoc graphs over HTTP.
//
//	GET  /queries           list bound query names
//	GET  /queries/{name}    the query's wire form
//	POST /queries/{name}    run a bound query; the body is the parameter object
//	POST /execute           run {"query": <wire tree>, "parameters": {...}}
//	GET  /healthz           liveness
//	GET  /metrics           when WithMetricsHandler is set
type Handler struct {
	set *binding.Set
	opt Options
	mux *http.ServeMux
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers forwarded into outgoing gRPC
	// metadata for remote functions. Names are case-insensitive.
	MetadataHeaders []string

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// AdHoc enables POST /execute.
	AdHoc bool
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithMetricsHandler(h http.Handler) Option { return func(o *Options) { o.Metrics = h } }

// WithAdHoc toggles the /execute endpoint, which is on by default.
func WithAdHoc(enable bool) Option { return func(o *Options) { o.AdHoc = enable } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New returns a handler serving the queries bound in set.
func New(set *binding.Set, opts ...Option) (*Handler, error) {
	if set == nil {
		return nil, errors.New("server: nil query set")
	}
	op := Options{Timeout: 10 * time.Second, AdHoc: true}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{set: set, opt: op, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /queries", h.listQueries)
	h.mux.HandleFunc("GET /queries/{name}", h.describeQuery)
	h.mux.HandleFunc("POST /queries/{name}", h.runQuery)
	if op.AdHoc {
		h.mux.HandleFunc("POST /execute", h.execute)
	}
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	if op.Metrics != nil {
		h.mux.Handle("GET /metrics", op.Metrics)
	}
	return h, nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}
	ctx, rid := reqid.NewContext(ctx)
	logger := ctxlog.FromContext(ctx).With("request_id", reqid.String(rid))
	ctx = ctxlog.WithLogger(ctx, logger)
	ctx = metadata.NewOutgoingContext(ctx, h.outgoingMetadata(r, rid))
	r = r.WithContext(ctx)

	_, route := h.mux.Handler(r)
	sw := &statusWriter{ResponseWriter: w}
	sw.Header().Set(RequestIDHeader, reqid.String(rid))
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r, Route: route})
	defer func() {
		d := time.Since(start)
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Route: route, Status: sw.status, Duration: d})
		logger.InfoContext(ctx, "http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", d)
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(sw, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(sw, r)
}

func (h *Handler) outgoingMetadata(r *http.Request, rid int64) metadata.MD {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md.Set(RequestIDHeader, reqid.String(rid))
	return md
}

func (h *Handler) listQueries(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"queries": h.set.Names()})
}

func (h *Handler) describeQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tree, ok := h.set.Template(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown query %q", name))
		return
	}
	g, _ := h.set.Graph(name)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"query":   query.ToWire(tree),
		"returns": g.Returns,
	})
}

func (h *Handler) runQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	params := map[string]any{}
	if status, msg := h.decodeBody(r, &params, true); status != 0 {
		h.writeError(w, status, msg)
		return
	}
	if params == nil {
		params = map[string]any{}
	}
	res, err := h.set.Run(r.Context(), name, params)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Query      map[string]any `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Returns restricts and orders the names to produce. Empty means every
	// root of Query.
	Returns []string `json:"returns,omitempty"`
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if status, msg := h.decodeBody(r, &req, false); status != 0 {
		h.writeError(w, status, msg)
		return
	}
	if len(req.Query) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing 'query'")
		return
	}
	decoded, err := query.FromWire(req.Query)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tree, err := query.AsTree(decoded)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order := req.Returns
	if len(order) == 0 {
		order = query.SortedKeys(tree)
	}
	g, err := flatten.FlattenOrdered(tree, order)
	if err == nil {
		err = g.Validate()
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	res := h.set.Executor().Execute(r.Context(), g, req.Parameters)
	h.writeJSON(w, http.StatusOK, res)
}

const errBodyTooLargeMessage = "body too large"

// decodeBody reads a JSON body into v. It returns a non-zero status on
// failure. An empty body is accepted when optional is set.
func (h *Handler) decodeBody(r *http.Request, v any, optional bool) (int, string) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return http.StatusUnsupportedMediaType, "unsupported Content-Type"
	}
	reader := io.Reader(r.Body)
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return http.StatusBadRequest, "failed to read body"
	}
	defer r.Body.Close()
	if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, errBodyTooLargeMessage
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return 0, ""
		}
		return http.StatusBadRequest, "empty body"
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return http.StatusBadRequest, "invalid JSON"
	}
	return 0, ""
}

type errorBody struct {
	Data   any            `json:"data"`
	Errors []errorMessage `json:"errors"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorBody{Errors: []errorMessage{{Message: msg}}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	var data []byte
	var err error
	if h.opt.Pretty {
		data, err = sonic.ConfigStd.MarshalIndent(v, "", "  ")
	} else {
		data, err = sonic.ConfigStd.Marshal(v)
	}
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"data":null,"errors":[{"message":"failed to encode response"}]}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
