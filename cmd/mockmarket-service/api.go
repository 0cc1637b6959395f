// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/mockmarket/lib/clock"
	"github.com/bureau-foundation/mockmarket/lib/codec"
	"github.com/bureau-foundation/mockmarket/lib/listings"
	"github.com/bureau-foundation/mockmarket/lib/sessionstore"
	"github.com/bureau-foundation/mockmarket/lib/version"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// Service holds the state behind the HTTP API.
type Service struct {
	manager   *sessionstore.Manager
	baseline  *listings.Baseline
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time
}

// Handler returns the routed API with request logging.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionInfo)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/reset", s.handleResetSession)
	mux.HandleFunc("GET /sessions/{id}/state", s.handleSessionState)
	mux.HandleFunc("GET /sessions/{id}/snapshot", s.handleSnapshot)

	mux.Handle("GET /listings/2021-08-01/items", s.requireSession(s.handleSearchListings))
	mux.Handle("GET /listings/2021-08-01/items/{sellerId}/{sku}", s.requireSession(s.handleGetListing))
	mux.Handle("PUT /listings/2021-08-01/items/{sellerId}/{sku}", s.requireSession(s.handlePutListing))
	mux.Handle("DELETE /listings/2021-08-01/items/{sellerId}/{sku}", s.requireSession(s.handleDeleteListing))

	return s.logRequests(mux)
}

type healthResponse struct {
	Status           string            `json:"status"`
	ResidentSessions int               `json:"resident_sessions"`
	BaselineItems    int               `json:"baseline_items"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	Build            version.BuildInfo `json:"build"`
}

func (s *Service) handleHealth(writer http.ResponseWriter, request *http.Request) {
	s.respond(writer, request, http.StatusOK, healthResponse{
		Status:           "ok",
		ResidentSessions: s.manager.ResidentCount(),
		BaselineItems:    s.baseline.Len(),
		UptimeSeconds:    s.clock.Now().Sub(s.startedAt).Seconds(),
		Build:            version.Fields(),
	})
}

// --- Sessions ---

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type sessionInfo struct {
	SessionID        string    `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	StorageSizeBytes int64     `json:"storage_size_bytes"`
	Resident         bool      `json:"resident"`
}

func newSessionInfo(info sessionstore.Info) sessionInfo {
	return sessionInfo{
		SessionID:        info.ID,
		CreatedAt:        info.CreatedAt,
		LastAccessedAt:   info.LastAccessedAt,
		StorageSizeBytes: info.StorageSizeBytes,
		Resident:         info.Resident,
	}
}

type listSessionsResponse struct {
	Sessions []sessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

type resetResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Details listings.Summary `json:"details"`
}

func (s *Service) handleCreateSession(writer http.ResponseWriter, request *http.Request) {
	id, err := s.manager.Create(request.Context())
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	info, err := s.manager.Info(request.Context(), id)
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusCreated, createSessionResponse{
		SessionID: id,
		CreatedAt: info.CreatedAt,
		Message:   "Session created. Send its id in the " + sessionHeader + " header.",
	})
}

func (s *Service) handleListSessions(writer http.ResponseWriter, request *http.Request) {
	infos, err := s.manager.List(request.Context())
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	response := listSessionsResponse{Sessions: make([]sessionInfo, len(infos)), Count: len(infos)}
	for i, info := range infos {
		response.Sessions[i] = newSessionInfo(info)
	}
	s.respond(writer, request, http.StatusOK, response)
}

func (s *Service) handleSessionInfo(writer http.ResponseWriter, request *http.Request) {
	info, err := s.manager.Info(request.Context(), request.PathValue("id"))
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusOK, newSessionInfo(info))
}

func (s *Service) handleDeleteSession(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	if err := s.manager.Delete(request.Context(), id); err != nil {
		s.respondError(writer, request, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleResetSession(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	if err := s.manager.Reset(request.Context(), id); err != nil {
		s.respondError(writer, request, err)
		return
	}
	summary, err := s.summarize(request.Context(), id)
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.logger.Debug("reset session summarized", "session_id", id, "items", summary.TotalItems, "fingerprint", summary.Fingerprint)
	s.respond(writer, request, http.StatusOK, resetResponse{
		Success: true,
		Message: "Session reset to baseline.",
		Details: summary,
	})
}

func (s *Service) handleSessionState(writer http.ResponseWriter, request *http.Request) {
	summary, err := s.summarize(request.Context(), request.PathValue("id"))
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusOK, summary)
}

// summarize reads the listings summary of an existing session.
func (s *Service) summarize(ctx context.Context, id string) (listings.Summary, error) {
	handle, err := s.manager.ResolveExisting(ctx, id)
	if err != nil {
		return listings.Summary{}, err
	}
	var summary listings.Summary
	err = handle.Read(ctx, func(conn *sqlite.Conn) error {
		summary, err = listings.Summarize(conn)
		return err
	})
	return summary, err
}

// snapshotWriter defers the success headers until the first byte of
// the image, so a failure before that can still become an error
// response.
type snapshotWriter struct {
	writer      http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (w *snapshotWriter) Write(data []byte) (int, error) {
	if !w.started {
		w.started = true
		header := w.writer.Header()
		header.Set("Content-Type", w.contentType)
		header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": w.filename}))
		w.writer.WriteHeader(http.StatusOK)
	}
	return w.writer.Write(data)
}

func (s *Service) handleSnapshot(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	compression, err := sessionstore.ParseCompression(request.URL.Query().Get("compression"))
	if err != nil {
		s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput", err.Error())
		return
	}

	output := &snapshotWriter{writer: writer, contentType: "application/vnd.sqlite3", filename: id + ".db"}
	switch compression {
	case sessionstore.CompressionZstd:
		output.contentType, output.filename = "application/zstd", id+".db.zst"
	case sessionstore.CompressionLZ4:
		output.contentType, output.filename = "application/x-lz4", id+".db.lz4"
	}

	if err := s.manager.Snapshot(request.Context(), id, output, compression); err != nil {
		if output.started {
			// The status line is gone; the client sees a truncated body.
			s.logger.Error("snapshot stream failed", "session_id", id, "error", err)
			return
		}
		s.respondError(writer, request, err)
	}
}

// --- Responses ---

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Errors []problem `json:"errors"`
}

// respond encodes body as CBOR when the client accepts it, JSON
// otherwise.
func (s *Service) respond(writer http.ResponseWriter, request *http.Request, status int, body any) {
	var (
		data        []byte
		err         error
		contentType string
	)
	if acceptsCBOR(request) {
		data, err = codec.Marshal(body)
		contentType = contentTypeCBOR
	} else {
		data, err = json.Marshal(body)
		contentType = contentTypeJSON
	}
	if err != nil {
		s.logger.Error("encoding response", "path", request.URL.Path, "error", err)
		http.Error(writer, "internal error", http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", contentType)
	writer.WriteHeader(status)
	if _, err := writer.Write(data); err != nil {
		s.logger.Debug("writing response", "path", request.URL.Path, "error", err)
	}
}

func (s *Service) respondProblem(writer http.ResponseWriter, request *http.Request, status int, code, message string) {
	s.respond(writer, request, status, errorResponse{Errors: []problem{{Code: code, Message: message}}})
}

// respondError maps a session store error to a status code.
func (s *Service) respondError(writer http.ResponseWriter, request *http.Request, err error) {
	switch {
	case errors.Is(err, sessionstore.ErrInvalidID):
		s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput", err.Error())
	case errors.Is(err, sessionstore.ErrNotFound):
		s.respondProblem(writer, request, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, listings.ErrNotFound):
		s.respondProblem(writer, request, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, sessionstore.ErrClosed), sessionstore.Retryable(err):
		writer.Header().Set("Retry-After", "1")
		s.respondProblem(writer, request, http.StatusServiceUnavailable, "ServiceUnavailable", err.Error())
	default:
		s.logger.Error("request failed", "method", request.Method, "path", request.URL.Path, "error", err)
		s.respondProblem(writer, request, http.StatusInternalServerError, "InternalFailure", err.Error())
	}
}

// acceptsCBOR reports whether the Accept header lists CBOR.
func acceptsCBOR(request *http.Request) bool {
	for _, accepted := range strings.Split(request.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accepted))
		if err == nil && mediaType == contentTypeCBOR {
			return true
		}
	}
	return false
}

// decodeBody reads a JSON or CBOR request body into v, by Content-Type.
func decodeBody(request *http.Request, v any) error {
	mediaType := contentTypeJSON
	if header := request.Header.Get("Content-Type"); header != "" {
		parsed, _, err := mime.ParseMediaType(header)
		if err != nil {
			return fmt.Errorf("parsing Content-Type: %w", err)
		}
		mediaType = parsed
	}
	body := http.MaxBytesReader(nil, request.Body, 1<<20)
	switch mediaType {
	case contentTypeJSON:
		decoder := json.NewDecoder(body)
		decoder.DisallowUnknownFields()
		return decoder.Decode(v)
	case contentTypeCBOR:
		return codec.NewDecoder(body).Decode(v)
	default:
		return fmt.Errorf("unsupported Content-Type %q", mediaType)
	}
}

// --- Request logging ---

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(data)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := s.clock.Now()
		recorder := &statusRecorder{ResponseWriter: writer}
		next.ServeHTTP(recorder, request)
		s.logger.Debug("request",
			"method", request.Method,
			"path", request.URL.Path,
			"status", recorder.status,
			"session_id", request.Header.Get(sessionHeader),
			"duration", s.clock.Now().Sub(start),
		)
	})
}
