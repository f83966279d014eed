package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"servicedesk/api/internal/auth"
	"servicedesk/api/internal/stream"
	"servicedesk/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	logger := slog.Default()
	if service != nil && service.logger != nil {
		logger = service.logger
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		tracer:     otel.Tracer("servicedesk/api/internal/app"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/public/services" {
		var body CreateServiceRequestInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.SubmitPublicServiceRequest(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"serviceRequest": created})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) > 0 && parts[0] == "services" {
		admin, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		s.handleServices(w, r, admin, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// A failing hint cache is reported without failing readiness.
	if enabled, err := s.service.PingHints(ctx); enabled {
		hintCheck := map[string]any{"status": "ok"}
		if err != nil {
			hintCheck = map[string]any{"status": "error", "error": err.Error()}
		}
		checks["hints"] = hintCheck
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleServices(w http.ResponseWriter, r *http.Request, admin Admin, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.service.ListServiceRequests(r.Context(), admin.ID, r.URL.Query().Get("q"), limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body CreateServiceRequestInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateServiceRequest(r.Context(), admin.ID, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"serviceRequest": created})

	case len(parts) == 1 && parts[0] == "bulk-delete" && r.Method == http.MethodPost:
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.BulkDelete(r.Context(), admin.ID, body.IDs)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, deletePayload(result))

	case len(parts) == 1 && r.Method == http.MethodGet:
		item, err := s.service.GetServiceRequest(r.Context(), admin.ID, parts[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"serviceRequest": item})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		result, err := s.service.DeleteServiceRequest(r.Context(), admin.ID, parts[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, deletePayload(result))

	case len(parts) == 2 && parts[1] == "review" && r.Method == http.MethodPost:
		var body struct {
			Reviews      []ReviewInput `json:"reviews"`
			EmailMessage string        `json:"emailMessage"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Review(r.Context(), admin, parts[0], body.Reviews, body.EmailMessage)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"serviceRequest": serviceRequestPayload(result.ServiceRequest),
			"emailSent":      result.EmailSent,
		})

	case len(parts) == 4 && parts[1] == "documents" && r.Method == http.MethodGet:
		mode, ok := map[string]stream.Mode{"file": stream.Inline, "download": stream.Attachment}[parts[3]]
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleDocumentStream(w, r, admin, parts[0], parts[2], mode)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleDocumentStream relays the document body. Once the status line is out,
// an upstream failure aborts the connection so the client never mistakes a
// truncated body for a complete one.
func (s *HTTPServer) handleDocumentStream(w http.ResponseWriter, r *http.Request, admin Admin, serviceID, documentID string, mode stream.Mode) {
	doc, err := s.service.OpenDocument(r.Context(), admin.ID, serviceID, documentID)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeMappedError(w, r, err)
		return
	}

	err = stream.Serve(w, r, doc.Source, doc.Meta, mode)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrUpstreamAborted):
		s.logger.WarnContext(r.Context(), "document stream aborted",
			"service_request_id", serviceID,
			"document_id", documentID,
			"strategy", doc.Strategy,
			"err", err,
		)
		panic(http.ErrAbortHandler)
	default:
		s.logger.InfoContext(r.Context(), "document stream ended early",
			"service_request_id", serviceID,
			"document_id", documentID,
			"err", err,
		)
	}
}

func deletePayload(result DeleteResult) map[string]any {
	return map[string]any{
		"deleted": result.Deleted,
		"cleanup": result.Cleanup,
	}
}

func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) (Admin, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Admin{}, false
	}
	admin, err := s.service.AdminFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Admin{}, false
	}
	return admin, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"err", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+routeName(r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request.id", requestID)),
		)
		defer span.End()
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		span.SetAttributes(attribute.Int("http.response.status_code", writer.status))
		s.logger.InfoContext(ctx, "http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"bytes", writer.written,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// routeName collapses ids so span names stay low-cardinality.
func routeName(path string) string {
	parts := splitPath(path)
	if len(parts) < 2 || parts[0] != "services" {
		return path
	}
	if parts[1] != "bulk-delete" {
		parts[1] = ":id"
	}
	if len(parts) >= 3 && parts[2] == "documents" && len(parts) >= 4 {
		parts[3] = ":documentId"
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
