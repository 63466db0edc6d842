package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parsnips/recording-relay/internal/backends"
	"github.com/parsnips/recording-relay/internal/journal"
	"github.com/parsnips/recording-relay/internal/router"
)

const adminPrefix = "/__admin/"

// DefaultMaxBodyBytes bounds a relayed request body when Options leaves it
// unset.
const DefaultMaxBodyBytes int64 = 32 << 20

// RelayObserver receives one call per relayed exchange. statusCode is 0 when
// the upstream could not be reached.
type RelayObserver interface {
	ObserveRelay(target string, statusCode int, elapsed time.Duration)
}

type Options struct {
	Metrics RelayObserver
	Logger  *slog.Logger
	// MaxBodyBytes caps the inbound body read before relaying. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

type Handler struct {
	router  router.TargetRouter
	client  *http.Client
	journal *journal.Journal
	metrics RelayObserver
	logger  *slog.Logger
	maxBody int64
	mux     *http.ServeMux
}

type proxiedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

type listResponse struct {
	Requests []journal.Exchange `json:"requests"`
	Meta     listMeta           `json:"meta"`
}

type listMeta struct {
	Total int `json:"total"`
}

// NewHandler serves the admin API under /__admin/ and relays every other
// request to the target the router picks, using client for the upstream
// call.
func NewHandler(r router.TargetRouter, client *http.Client, j *journal.Journal, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	h := &Handler{
		router:  r,
		client:  client,
		journal: j,
		metrics: opts.Metrics,
		logger:  logger,
		maxBody: maxBody,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /__admin/requests", h.listRequests)
	h.mux.HandleFunc("DELETE /__admin/requests", h.resetRequests)
	h.mux.HandleFunc("GET /__admin/requests/{id}", h.getRequest)
	h.mux.HandleFunc(adminPrefix, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "unknown admin route "+r.Method+" "+r.URL.Path)
	})
	return h
}

// HandleAdmin adds a route under /__admin/ next to the journal API.
func (h *Handler) HandleAdmin(pattern string, handler http.HandlerFunc) {
	h.mux.HandleFunc(pattern, handler)
}

// ServeHTTP sends /__admin/ to the admin mux and relays everything else
// with the path exactly as received. ServeMux would clean and redirect
// paths such as /a//b instead.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, adminPrefix) {
		h.mux.ServeHTTP(w, r)
		return
	}
	h.relay(w, r)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := journal.Filter{
		Method:     strings.TrimSpace(query.Get("method")),
		PathPrefix: strings.TrimSpace(query.Get("path_prefix")),
		BodyPath:   strings.TrimSpace(query.Get("body_path")),
		BodyEquals: query.Get("body_equals"),
	}
	if filter.BodyEquals != "" && filter.BodyPath == "" {
		writeError(w, http.StatusBadRequest, "body_equals requires body_path")
		return
	}

	requests := h.journal.List(filter)
	writeJSON(w, http.StatusOK, listResponse{
		Requests: requests,
		Meta:     listMeta{Total: len(requests)},
	})
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	exchange, ok := h.journal.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "request "+id.String()+" not found")
		return
	}
	writeJSON(w, http.StatusOK, exchange)
}

func (h *Handler) resetRequests(w http.ResponseWriter, _ *http.Request) {
	h.journal.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	target, err := h.router.Resolve(router.RouteKey(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	exchange := journal.Exchange{
		Method:        r.Method,
		URL:           r.URL.RequestURI(),
		TargetID:      target.ID,
		RequestHeader: outboundHeader(r.Header),
		RequestBody:   string(body),
	}

	started := time.Now()
	response, err := h.proxyToTarget(r.Context(), r, target, body)
	exchange.Duration = time.Since(started)
	if err != nil {
		exchange.Error = err.Error()
		h.journal.Record(exchange)
		h.observe(target, 0, exchange.Duration)
		h.logger.Warn("relay failed",
			"method", r.Method,
			"path", r.URL.Path,
			"target", target.ID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	exchange.Status = response.statusCode
	exchange.ResponseHeader = response.header
	exchange.ResponseBody = string(response.body)
	recorded := h.journal.Record(exchange)
	h.observe(target, response.statusCode, exchange.Duration)
	h.logger.Debug("relayed request",
		"id", recorded.ID,
		"method", r.Method,
		"path", r.URL.Path,
		"target", target.ID,
		"status", response.statusCode,
		"duration", exchange.Duration,
	)

	writeProxiedResponse(w, response)
}

func (h *Handler) observe(target backends.Target, statusCode int, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveRelay(strconv.Itoa(target.ID), statusCode, elapsed)
}

func (h *Handler) proxyToTarget(
	ctx context.Context,
	original *http.Request,
	target backends.Target,
	body []byte,
) (proxiedResponse, error) {
	targetURL := strings.TrimRight(target.Endpoint, "/") + original.URL.EscapedPath()
	if original.URL.RawQuery != "" {
		targetURL += "?" + original.URL.RawQuery
	}

	request, err := http.NewRequestWithContext(ctx, original.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return proxiedResponse{}, fmt.Errorf("build relay request: %w", err)
	}
	request.Header = outboundHeader(original.Header)
	if len(body) == 0 {
		request.Body = http.NoBody
		request.ContentLength = 0
	}

	response, err := h.client.Do(request)
	if err != nil {
		return proxiedResponse{}, fmt.Errorf("relay %s %s to target %d at %s: %w", original.Method, original.URL.Path, target.ID, target.Endpoint, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return proxiedResponse{}, fmt.Errorf("read target response: %w", err)
	}

	return proxiedResponse{
		statusCode: response.StatusCode,
		header:     response.Header.Clone(),
		body:       responseBody,
	}, nil
}

// outboundHeader copies src without hop-by-hop headers, headers named in
// Connection, or the relay's own routing header.
func outboundHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if isHopByHopHeader(key) || key == router.RouteKeyHeader {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	for _, field := range src.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	return dst
}

func writeProxiedResponse(w http.ResponseWriter, response proxiedResponse) {
	for key, values := range response.header {
		if shouldSkipResponseHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(response.statusCode)
	_, _ = w.Write(response.body)
}

func shouldSkipResponseHeader(header string) bool {
	return isHopByHopHeader(header) || http.CanonicalHeaderKey(header) == "Content-Length"
}

func isHopByHopHeader(header string) bool {
	switch http.CanonicalHeaderKey(header) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
