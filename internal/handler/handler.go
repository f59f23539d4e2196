package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opportunity-engine/internal/interaction"
	"opportunity-engine/internal/models"
	"opportunity-engine/internal/service"
	"opportunity-engine/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts every API route on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/opportunities", func(r chi.Router) {
		r.Post("/", h.CreateOpportunity)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{session_id}", h.GetSession)
		r.Get("/{session_id}/opportunities", h.Discover)
	})

	r.Route("/interactions", func(r chi.Router) {
		r.Post("/view", h.RecordView)
		r.Post("/accept", h.Accept)
		r.Post("/dismiss", h.Dismiss)
	})

	r.Route("/claims", func(r chi.Router) {
		r.Post("/{claim_token}/complete", h.Complete)
		r.Post("/{claim_token}/cancel", h.Cancel)
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/{user_id}/history", h.History)
		r.Get("/{user_id}/preferences", h.GetPreferences)
		r.Put("/{user_id}/preferences", h.UpdatePreferences)
	})
}

// CreateOpportunity handles POST /opportunities
func (h *Handler) CreateOpportunity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.Opportunity
	if !h.decode(w, r, &req) {
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.PartnerID = validation.SanitizeString(req.PartnerID)
	req.Title = validation.SanitizeString(req.Title)
	req.Description = validation.SanitizeString(req.Description)

	if err := h.service.CreateOpportunity(r.Context(), req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, req)
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.Session
	if !h.decode(w, r, &req) {
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.UserID = validation.SanitizeString(req.UserID)
	req.SpaceID = validation.SanitizeString(req.SpaceID)

	sess, err := h.service.CreateSession(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /sessions/{session_id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := validation.SanitizeString(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		h.respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, sess)
}

// Discover handles GET /sessions/{session_id}/opportunities
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	sessionID := validation.SanitizeString(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		h.respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	userID := validation.SanitizeString(r.URL.Query().Get("user_id"))

	// The optional 'now' parameter keeps discovery reproducible for
	// clients replaying a context.
	now := time.Now().UTC()
	if nowParam := r.URL.Query().Get("now"); nowParam != "" {
		parsed, err := validation.ValidateTimeString(validation.SanitizeString(nowParam))
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'now' parameter, must be RFC3339 format")
			return
		}
		now = parsed.UTC()
	}

	response, err := h.service.Discover(r.Context(), sessionID, userID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// RecordView handles POST /interactions/view
func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeInteraction(w, r)
	if !ok {
		return
	}

	if err := h.service.RecordView(r.Context(), req.UserID, req.OpportunityID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Accept handles POST /interactions/accept
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.AcceptRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.UserID = validation.SanitizeString(req.UserID)
	req.OpportunityID = validation.SanitizeString(req.OpportunityID)
	req.SessionID = validation.SanitizeString(req.SessionID)

	if req.UserID == "" || req.OpportunityID == "" || req.SessionID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id, opportunity_id and session_id are required")
		return
	}

	resp, err := h.service.Accept(r.Context(), req.UserID, req.OpportunityID, req.SessionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Dismiss handles POST /interactions/dismiss
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeInteraction(w, r)
	if !ok {
		return
	}

	if err := h.service.Dismiss(r.Context(), req.UserID, req.OpportunityID, req.Reason); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Complete handles POST /claims/{claim_token}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	claimToken := validation.SanitizeString(chi.URLParam(r, "claim_token"))

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	receipt, err := h.service.Complete(r.Context(), claimToken, req.RedeemedValueCents)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, receipt)
}

// Cancel handles POST /claims/{claim_token}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	claimToken := validation.SanitizeString(chi.URLParam(r, "claim_token"))

	if err := h.service.CancelClaim(r.Context(), claimToken); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /users/{user_id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	response, err := h.service.History(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// GetPreferences handles GET /users/{user_id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	prefs, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /users/{user_id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.UserPreferences
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = userID

	if err := h.service.UpdatePreferences(r.Context(), req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, req)
}

func (h *Handler) decodeInteraction(w http.ResponseWriter, r *http.Request) (models.InteractionRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.InteractionRequest
	if !h.decode(w, r, &req) {
		return models.InteractionRequest{}, false
	}

	req.UserID = validation.SanitizeString(req.UserID)
	req.OpportunityID = validation.SanitizeString(req.OpportunityID)
	req.Reason = validation.SanitizeString(req.Reason)

	if req.UserID == "" || req.OpportunityID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id and opportunity_id are required")
		return models.InteractionRequest{}, false
	}

	return req, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// respondServiceError maps the service error taxonomy onto HTTP status
// codes.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *validation.ValidationError
	var transitionErr *interaction.TransitionError

	switch {
	case errors.Is(err, service.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidContext):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCapacityExhausted):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoLongerEligible):
		h.respondError(w, http.StatusGone, err.Error())
	case errors.As(err, &transitionErr):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
