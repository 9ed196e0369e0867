// Package rest exposes methods marked REST over plain HTTP under
// /api/v2.0/. The URL path maps to the method path with slashes for dots:
// POST /api/v2.0/pool/dataset/create calls pool.dataset.create.
//
// Every request authenticates on its own through the Authorization header
// or an auth_token query parameter; no session outlives the request.
package rest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/registry"
)

// TransportName labels sessions and logs
const TransportName = "rest"

// progressInterval is how often a streamed job is polled for progress
const progressInterval = 200 * time.Millisecond

// Backend executes calls and resolves the jobs they start
type Backend interface {
	gateway.Backend
	Job(id uint64) (*jobs.Job, bool)
	Methods() []*registry.Descriptor
	Definitions() map[string]any
}

// Authenticator resolves request credentials
type Authenticator interface {
	VerifyAPIKey(ctx context.Context, source, raw string) (auth.Credentials, error)
	VerifyPassword(ctx context.Context, source, username, password string) (auth.Credentials, error)
	VerifyToken(ctx context.Context, origin, value string) (auth.Credentials, error)
	Grant(s *auth.Session, creds auth.Credentials)
	Sessions() *auth.Sessions
}

// Handler serves the REST shim
type Handler struct {
	cfg     gateway.Config
	backend Backend
	authn   Authenticator
	logger  *slog.Logger
	version string
}

// Option configures a Handler
type Option func(*Handler)

// WithVersion sets the version reported by the OpenAPI document
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

var _ gateway.HTTPHandler = (*Handler)(nil)

// New creates the REST handler. cfg is validated and defaulted.
func New(cfg gateway.Config, backend Backend, authn Authenticator, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "rest", "New", "config validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:     cfg,
		backend: backend,
		authn:   authn,
		logger:  logger.With("component", "rest"),
		version: "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterHTTPHandlers mounts the shim under the configured prefix
func (h *Handler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle(h.cfg.RESTPrefix, h)
}

// getOrGenerateRequestID returns the client's X-Request-ID or a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)
	h.cfg.ApplyCORS(w, r)
	if h.cfg.EnableCORS && r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer r.Body.Close()

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, h.cfg.RESTPrefix), "/")
	if path == OpenAPIPath && r.Method == http.MethodGet {
		doc := BuildOpenAPI(h.cfg.RESTPrefix, h.version, h.backend.Methods(), h.backend.Definitions())
		h.writeJSON(w, http.StatusOK, doc)
		return
	}
	method := strings.ReplaceAll(path, "/", ".")
	logger := h.logger.With("request_id", requestID, "method", method)

	desc, ok := h.backend.Lookup(method)
	if !ok || !desc.REST || desc.Visibility == registry.Private {
		h.writeError(w, nil, errors.NoMethod(method))
		return
	}
	if r.Method != desc.RESTMethod {
		w.Header().Set("Allow", desc.RESTMethod)
		h.writeStatus(w, http.StatusMethodNotAllowed, errors.Invalid("Method %s requires %s", method, desc.RESTMethod))
		return
	}

	params, status, err := h.readParams(r)
	if err != nil {
		h.writeStatus(w, status, err)
		return
	}

	session := auth.NewSession(TransportName, r.RemoteAddr)
	if err := h.authenticate(r, session); err != nil {
		logger.Debug("Authentication failed", "origin", r.RemoteAddr, "error", err)
		h.writeError(w, session, err)
		return
	}
	// jobs may keep using the session; it only leaves the live list
	defer h.authn.Sessions().Forget(session)

	ctx := r.Context()
	cc := &registry.CallContext{Session: session, Transport: TransportName}
	result, err := h.backend.Call(ctx, cc, method, params)
	if err != nil {
		logger.Debug("Call failed", "errno", errors.ErrnoOf(err).String())
		h.writeError(w, session, err)
		return
	}
	if desc.Kind != registry.Job {
		h.writeJSON(w, http.StatusOK, result)
		return
	}

	id, _ := result.(uint64)
	job, found := h.backend.Job(id)
	q := r.URL.Query()
	switch {
	case !found:
		h.writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
	case q.Get("stream") == "true":
		h.streamJob(ctx, w, job)
	case q.Get("wait") == "true":
		result, err := job.Wait(ctx)
		if err != nil {
			h.writeError(w, session, err)
			return
		}
		h.writeJSON(w, http.StatusOK, result)
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
	}
}

// readParams reads the call arguments from the body or, when the body is
// empty, the params query parameter. A JSON array is the argument list; any
// other value is the single argument.
func (h *Handler) readParams(r *http.Request) ([]any, int, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxRequestSize+1))
	if err != nil {
		return nil, http.StatusBadRequest, errors.Invalid("Failed to read request body")
	}
	if int64(len(body)) > h.cfg.MaxRequestSize {
		return nil, http.StatusRequestEntityTooLarge,
			errors.Invalid("Request body exceeds maximum size of %d bytes", h.cfg.MaxRequestSize)
	}
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("params"))
	}
	if raw == "" {
		return []any{}, 0, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, http.StatusBadRequest, errors.Invalid("Malformed JSON parameters: %v", err)
	}
	if list, ok := v.([]any); ok {
		return list, 0, nil
	}
	return []any{v}, 0, nil
}

// authenticate grants session the credentials the request carries. A
// request without credentials stays anonymous.
func (h *Handler) authenticate(r *http.Request, session *auth.Session) error {
	ctx := r.Context()
	source := auth.SourceOf(r.RemoteAddr)

	var creds auth.Credentials
	var err error
	header := r.Header.Get("Authorization")
	scheme, value, _ := strings.Cut(header, " ")
	value = strings.TrimSpace(value)
	switch {
	case header == "":
		token := r.URL.Query().Get("auth_token")
		if token == "" {
			return nil
		}
		creds, err = h.authn.VerifyToken(ctx, r.RemoteAddr, token)
	case strings.EqualFold(scheme, "Bearer"):
		creds, err = h.authn.VerifyAPIKey(ctx, source, value)
	case strings.EqualFold(scheme, "Token"):
		creds, err = h.authn.VerifyToken(ctx, r.RemoteAddr, value)
	case strings.EqualFold(scheme, "Basic"):
		decoded, decodeErr := base64.StdEncoding.DecodeString(value)
		if decodeErr != nil {
			return errors.AuthFailed("Malformed basic credentials")
		}
		user, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return errors.AuthFailed("Malformed basic credentials")
		}
		creds, err = h.authn.VerifyPassword(ctx, source, user, password)
	default:
		return errors.AuthFailed("Unsupported authorization scheme")
	}
	if err != nil {
		return err
	}
	h.authn.Grant(session, creds)
	return nil
}

// streamJob writes one JSON line per progress change and a final line with
// the job record
func (h *Handler) streamJob(ctx context.Context, w http.ResponseWriter, job *jobs.Job) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(v any) bool {
		if err := enc.Encode(v); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	var last *jobs.Progress
	for {
		p := job.Progress()
		if last == nil || p.Percent != last.Percent || p.Description != last.Description {
			if !emit(map[string]any{"job_id": job.ID(), "state": job.State(), "progress": p}) {
				return
			}
			last = &p
		}
		select {
		case <-job.Done():
			emit(job.Record().Map())
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.writeStatus(w, http.StatusInternalServerError, errors.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError maps err to its HTTP status and writes the wire error shape
func (h *Handler) writeError(w http.ResponseWriter, session *auth.Session, err error) {
	status := StatusOf(err)
	if status == http.StatusForbidden && !session.Authenticated() {
		status = http.StatusUnauthorized
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="middlewared"`)
	}
	h.writeStatus(w, status, err)
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, err error) {
	data, _ := json.Marshal(gateway.NewWireError(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// StatusOf maps a call error to an HTTP status
func StatusOf(err error) int {
	switch errors.ErrnoOf(err) {
	case 0:
		return http.StatusOK
	case errors.EINVAL:
		return http.StatusUnprocessableEntity
	case errors.ENOENT, errors.ENOMETHOD:
		return http.StatusNotFound
	case errors.EACCES, errors.EPERM:
		return http.StatusForbidden
	case errors.EAUTH:
		return http.StatusUnauthorized
	case errors.EEXIST, errors.EBUSY:
		return http.StatusConflict
	case errors.EAGAIN:
		return http.StatusServiceUnavailable
	case errors.ETIMEDOUT:
		return http.StatusGatewayTimeout
	case errors.ELOOP:
		return http.StatusLoopDetected
	default:
		return http.StatusInternalServerError
	}
}
