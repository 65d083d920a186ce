// Package api exposes the HTTP surface: content protection, scan lifecycle,
// and the per-user websocket status channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/api/errs"
	appprotection "github.com/copysentry/copysentry/internal/app/protection"
	appscanning "github.com/copysentry/copysentry/internal/app/scanning"
	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/internal/infra/notify"
	"github.com/copysentry/copysentry/pkg/common/logger"
	"github.com/copysentry/copysentry/pkg/common/otel"
)

// maxUploadBytes bounds the content accepted by the protect endpoint.
const maxUploadBytes = 64 << 20

// userIDHeader carries the authenticated caller's identity, injected by the
// external auth layer in front of this service.
const userIDHeader = "X-User-ID"

// ProtectionService is the protection flow the server fronts.
type ProtectionService interface {
	Protect(ctx context.Context, userID uuid.UUID, name string, content []byte) (*appprotection.ProtectResult, error)
	GetRecord(ctx context.Context, recordID, userID uuid.UUID) (*protection.FileRecord, error)
}

// ScanService is the scan lifecycle the server fronts.
type ScanService interface {
	StartScan(ctx context.Context, fileID, userID uuid.UUID, keywords []string) (*scanning.Task, error)
	GetScan(ctx context.Context, taskID, userID uuid.UUID) (*scanning.Task, error)
}

// Config carries the server's listen address.
type Config struct {
	Host string
	Port string
}

// Server binds the HTTP routes to the application services.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer

	protection ProtectionService
	scans      ScanService
	signer     *notify.SessionSigner
	hub        *notify.Hub
	metrics    APIMetrics

	upgrader websocket.Upgrader
}

// NewServer wires routes and middleware around the application services.
func NewServer(
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	protectionSvc ProtectionService,
	scanSvc ScanService,
	signer *notify.SessionSigner,
	hub *notify.Hub,
	metrics APIMetrics,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     log.With("component", "api_server"),
		router:     chi.NewRouter(),
		tracer:     tracer,
		protection: protectionSvc,
		scans:      scanSvc,
		signer:     signer,
		hub:        hub,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 4 << 10,
		},
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggerMiddleware())
	s.router.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/session", s.handleIssueSession)
		r.Get("/ws", s.handleWebsocket)

		r.Post("/protect", s.handleProtect)
		r.Get("/protect/{id}", s.handleGetRecord)

		r.Post("/scan", s.handleStartScan)
		r.Get("/scan/{id}", s.handleGetScan)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				s.metrics.IncRequestsTotal(ctx, r.Method, r.URL.Path, ww.Status())
				s.metrics.ObserveRequestDuration(ctx, r.Method, r.URL.Path, time.Since(start))
				s.logger.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := callerID(r)
	if apiErr != nil {
		s.respondError(w, r, apiErr)
		return
	}

	cred := s.signer.Issue(userID)
	s.respond(w, r, http.StatusOK, sessionResponse{Token: cred.Token, ExpiresAt: cred.ExpiresAt})
}

type recordResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Pointer     string    `json:"pointer"`
	LedgerTxRef *string   `json:"ledger_tx_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

func newRecordResponse(record *protection.FileRecord) recordResponse {
	return recordResponse{
		ID:          record.ID(),
		Name:        record.Name(),
		Fingerprint: record.Fingerprint().String(),
		Pointer:     record.ContentPointer(),
		LedgerTxRef: record.LedgerTxRef(),
		CreatedAt:   record.CreatedAt(),
	}
}

type receiptResponse struct {
	TxHash      string  `json:"tx_hash"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
	Confirmed   bool    `json:"confirmed"`
}

type protectResponse struct {
	Record      recordResponse   `json:"record"`
	Receipt     *receiptResponse `json:"receipt,omitempty"`
	AnchorError string           `json:"anchor_error,omitempty"`
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := callerID(r)
	if apiErr != nil {
		s.respondError(w, r, apiErr)
		return
	}

	name, content, err := readUpload(r)
	if err != nil {
		s.respondError(w, r, errs.New(errs.InvalidArgument, err))
		return
	}

	result, err := s.protection.Protect(r.Context(), userID, name, content)
	if err != nil {
		s.logger.Error(r.Context(), "Protect failed", "error", err)
		s.respondError(w, r, errs.Newf(errs.Internal, "protecting content failed"))
		return
	}

	resp := protectResponse{
		Record:      newRecordResponse(result.Record),
		AnchorError: result.AnchorError,
	}
	if result.Receipt != nil {
		resp.Receipt = &receiptResponse{
			TxHash:      result.Receipt.TxHash,
			BlockNumber: result.Receipt.BlockNumber,
			Confirmed:   result.Receipt.Confirmed,
		}
	}
	s.respond(w, r, http.StatusCreated, resp)
}

// readUpload extracts the content and its display name from either a
// multipart form (field "file") or a raw octet-stream body.
func readUpload(r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return "", nil, fmt.Errorf("parsing multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("reading file field: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return "", nil, fmt.Errorf("reading upload: %w", err)
		}

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		return name, content, nil
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("reading upload: %w", err)
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		return "", nil, fmt.Errorf("missing name query parameter for raw upload")
	}
	return name, content, nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := callerID(r)
	if apiErr != nil {
		s.respondError(w, r, apiErr)
		return
	}

	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, errs.Newf(errs.InvalidArgument, "invalid record id"))
		return
	}

	record, err := s.protection.GetRecord(r.Context(), recordID, userID)
	if err != nil {
		s.respondError(w, r, mapServiceError(err))
		return
	}
	s.respond(w, r, http.StatusOK, newRecordResponse(record))
}

type startScanRequest struct {
	FileID   string   `json:"file_id" validate:"required,uuid"`
	Keywords []string `json:"keywords" validate:"omitempty,dive,min=1,max=128"`
}

type scanResponse struct {
	ID           uuid.UUID       `json:"id"`
	FileID       uuid.UUID       `json:"file_id"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func newScanResponse(task *scanning.Task) scanResponse {
	resp := scanResponse{
		ID:           task.TaskID(),
		FileID:       task.FileID(),
		Status:       task.Status().String(),
		Progress:     task.Progress(),
		Result:       task.Result(),
		ErrorMessage: task.ErrorMessage(),
		CreatedAt:    task.CreatedAt(),
	}
	if !task.StartedAt().IsZero() {
		started := task.StartedAt()
		resp.StartedAt = &started
	}
	if !task.CompletedAt().IsZero() {
		completed := task.CompletedAt()
		resp.CompletedAt = &completed
	}
	return resp
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := callerID(r)
	if apiErr != nil {
		s.respondError(w, r, apiErr)
		return
	}

	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, errs.New(errs.InvalidArgument, err))
		return
	}
	if err := errs.Check(req); err != nil {
		s.respondError(w, r, errs.New(errs.InvalidArgument, err))
		return
	}
	fileID, err := uuid.Parse(req.FileID)
	if err != nil {
		s.respondError(w, r, errs.Newf(errs.InvalidArgument, "invalid file id"))
		return
	}

	s.metrics.IncScanRequestsTotal(r.Context())

	task, err := s.scans.StartScan(r.Context(), fileID, userID, req.Keywords)
	if err != nil {
		s.metrics.IncScanRequestErrors(r.Context(), "start_failed")
		s.respondError(w, r, mapServiceError(err))
		return
	}
	s.respond(w, r, http.StatusAccepted, newScanResponse(task))
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := callerID(r)
	if apiErr != nil {
		s.respondError(w, r, apiErr)
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, errs.Newf(errs.InvalidArgument, "invalid scan id"))
		return
	}

	task, err := s.scans.GetScan(r.Context(), taskID, userID)
	if err != nil {
		s.respondError(w, r, mapServiceError(err))
		return
	}
	s.respond(w, r, http.StatusOK, newScanResponse(task))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.signer.Validate(token)
	if err != nil {
		s.respondError(w, r, errs.Newf(errs.Unauthenticated, "invalid session credential"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Error(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(userID, conn)
	s.logger.Info(r.Context(), "Websocket attached", "user_id", userID)

	// Consume control frames until the client disconnects; status pushes
	// flow only server to client.
	go func() {
		defer func() {
			s.hub.Unregister(userID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// callerID extracts the authenticated user ID injected by the auth layer.
func callerID(r *http.Request) (uuid.UUID, *errs.Error) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		return uuid.Nil, errs.Newf(errs.Unauthenticated, "missing %s header", userIDHeader)
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.Newf(errs.Unauthenticated, "malformed %s header", userIDHeader)
	}
	return userID, nil
}

// mapServiceError translates application errors into API errors. Ownership
// failures are reported as not-found so resource existence does not leak.
func mapServiceError(err error) *errs.Error {
	switch {
	case errors.Is(err, protection.ErrFileRecordNotFound),
		errors.Is(err, scanning.ErrTaskNotFound),
		errors.Is(err, appscanning.ErrNotTaskOwner):
		return errs.Newf(errs.NotFound, "resource not found")
	default:
		return errs.New(errs.Internal, err)
	}
}

type errorResponse struct {
	Error *errs.Error `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, apiErr *errs.Error) {
	if apiErr.Code == errs.Internal {
		s.logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "error", apiErr.Message)
		// Do not leak internals to clients.
		apiErr = errs.Newf(errs.Internal, "internal error")
	}
	s.respond(w, r, apiErr.Code.HTTPStatus(), errorResponse{Error: apiErr})
}

// Start serves HTTP until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "Failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting API server", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
