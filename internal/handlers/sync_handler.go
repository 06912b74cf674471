package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/middleware"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// EntityService is what the HTTP layer needs from one kind's sync engine
type EntityService interface {
	Kind() string
	KnownIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*domain.Entity, error)
	State(id string) domain.SyncState
	SyncEntity(ctx context.Context, id string, override *domain.Entity) domain.SyncResult
	CreateEntity(ctx context.Context, draft *domain.Entity) (domain.SyncResult, error)
	RecordModuleValidation(ctx context.Context, id, moduleID string, update domain.ModuleValidation) (domain.SyncResult, error)
	History(ctx context.Context, id string, limit int) ([]domain.JournalEntry, error)
}

// BatchRunner runs a whole-repository sync
type BatchRunner interface {
	RunAllKnownEntities(ctx context.Context) domain.BatchSummary
}

// syncResponse is the wire form of a domain.SyncResult
type syncResponse struct {
	domain.SyncResult
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SyncHandler handles HTTP requests for synchronized entities
type SyncHandler struct {
	services map[string]EntityService
	batch    BatchRunner
	logger   *zap.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(batch BatchRunner, logger *zap.Logger, services ...EntityService) *SyncHandler {
	byKind := make(map[string]EntityService, len(services))
	for _, s := range services {
		byKind[s.Kind()] = s
	}
	return &SyncHandler{
		services: byKind,
		batch:    batch,
		logger:   logger,
	}
}

// Routes mounts the entity endpoints. syncLimit, when non-nil, wraps the
// endpoints that start a transaction.
func (h *SyncHandler) Routes(r chi.Router, syncLimit func(http.Handler) http.Handler) {
	limited := func(r chi.Router) chi.Router {
		if syncLimit == nil {
			return r
		}
		return r.With(syncLimit)
	}

	r.Get("/kinds", h.ListKinds)
	r.Route("/kinds/{kind}/entities", func(r chi.Router) {
		r.Get("/", h.ListEntities)
		r.Post("/", h.CreateEntity)
		r.Get("/{id}", h.GetEntity)
		r.Get("/{id}/history", h.History)
		limited(r).Post("/{id}/sync", h.SyncEntity)
		r.Put("/{id}/modules/{moduleId}/validation", h.RecordModuleValidation)
	})
	limited(r).Post("/sync", h.SyncAll)
}

func (h *SyncHandler) service(w http.ResponseWriter, r *http.Request) (EntityService, bool) {
	kind := chi.URLParam(r, "kind")
	s, ok := h.services[kind]
	if !ok {
		requestID := middleware.GetRequestID(r.Context())
		respondError(h.logger, w, http.StatusNotFound, fmt.Sprintf("%v: %s", domain.ErrUnknownKind, kind), requestID)
		return nil, false
	}
	return s, true
}

// ListKinds handles GET /kinds
func (h *SyncHandler) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds := make([]string, 0, len(h.services))
	for kind := range h.services {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{"kinds": kinds}, middleware.GetRequestID(r.Context()))
}

// ListEntities handles GET /kinds/{kind}/entities
func (h *SyncHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}

	ids, err := s.KnownIDs(ctx)
	if err != nil {
		h.logger.Error("failed to list entities",
			zap.String("request_id", requestID),
			zap.String("kind", s.Kind()),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to list entities", requestID)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"kind": s.Kind(),
		"ids":  ids,
	}, requestID)
}

// GetEntity handles GET /kinds/{kind}/entities/{id}
func (h *SyncHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	entity, err := s.Get(ctx, id)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to get entity",
				zap.String("request_id", requestID),
				zap.String("kind", s.Kind()),
				zap.String("entity_id", id),
				zap.Error(err),
			)
		}
		respondError(h.logger, w, status, err.Error(), requestID)
		return
	}

	w.Header().Set("X-Sync-State", string(s.State(id)))
	respondJSON(h.logger, w, http.StatusOK, entity, requestID)
}

// CreateEntity handles POST /kinds/{kind}/entities
func (h *SyncHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}

	var draft domain.Entity
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		h.logger.Warn("failed to decode request body",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}

	result, err := s.CreateEntity(ctx, &draft)
	if err != nil {
		respondError(h.logger, w, statusForError(err), err.Error(), requestID)
		return
	}
	h.respondResult(w, result, http.StatusCreated, requestID)
}

// SyncEntity handles POST /kinds/{kind}/entities/{id}/sync
func (h *SyncHandler) SyncEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	result := s.SyncEntity(ctx, id, nil)
	h.respondResult(w, result, http.StatusOK, requestID)
}

// RecordModuleValidation handles PUT /kinds/{kind}/entities/{id}/modules/{moduleId}/validation
func (h *SyncHandler) RecordModuleValidation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	moduleID := chi.URLParam(r, "moduleId")

	var update domain.ModuleValidation
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warn("failed to decode request body",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}

	result, err := s.RecordModuleValidation(ctx, id, moduleID, update)
	if err != nil {
		respondError(h.logger, w, statusForError(err), err.Error(), requestID)
		return
	}
	h.respondResult(w, result, http.StatusOK, requestID)
}

// History handles GET /kinds/{kind}/entities/{id}/history
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	s, ok := h.service(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	limit, err := parseLimit(r)
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	entries, err := s.History(ctx, id, limit)
	if err != nil {
		h.logger.Error("failed to read journal",
			zap.String("request_id", requestID),
			zap.String("kind", s.Kind()),
			zap.String("entity_id", id),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to read journal", requestID)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"kind":    s.Kind(),
		"id":      id,
		"entries": entries,
	}, requestID)
}

// SyncAll handles POST /sync
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	if h.batch == nil {
		respondError(h.logger, w, http.StatusServiceUnavailable, "scheduler not configured", requestID)
		return
	}

	summary := h.batch.RunAllKnownEntities(context.WithoutCancel(r.Context()))
	status := http.StatusOK
	if summary.Skipped {
		status = http.StatusConflict
	}
	respondJSON(h.logger, w, status, summary, requestID)
}

func (h *SyncHandler) respondResult(w http.ResponseWriter, result domain.SyncResult, okStatus int, requestID string) {
	resp := syncResponse{SyncResult: result, RequestID: requestID}
	status := okStatus

	switch result.Outcome {
	case domain.OutcomeSuccess:
	case domain.OutcomeBusy:
		status = http.StatusConflict
	default:
		status = http.StatusBadGateway
		if errors.Is(result.Err, domain.ErrInvalidEntity) {
			status = http.StatusBadRequest
		}
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	respondJSON(h.logger, w, status, resp, requestID)
}

// statusForError maps engine errors to HTTP statuses
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRemoteUnavailable), errors.Is(err, domain.ErrCorruptDocument):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit parameter: must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
