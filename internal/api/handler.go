package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
	"github.com/cgk-platform/courier/internal/metrics"
	"github.com/cgk-platform/courier/internal/redis"
	"github.com/cgk-platform/courier/internal/template"
)

// phonePattern matches E.164: a plus sign, a non-zero leading digit, and
// up to 15 digits total.
var phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// emailPattern is a shape check, not RFC validation. The provider is the
// final authority on deliverability.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// stopKeywords are the inbound SMS bodies that record an opt-out.
var stopKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// MessageRepository defines the interface for message database operations
type MessageRepository interface {
	Enqueue(ctx context.Context, msg *db.Message) error
	Get(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Message, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, providerMessageID string, deliveredAt time.Time) (*db.Message, error)
}

// OptOutRepository records and answers recipient suppressions.
type OptOutRepository interface {
	RecordOptOut(ctx context.Context, tenantID uuid.UUID, recipient, method string, rawMessage *string) error
}

// TemplateResolver renders notification content at enqueue time.
type TemplateResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, notificationType, channel string, variables map[string]string) (*template.Rendered, error)
}

// MessageRequest represents the incoming enqueue request body
type MessageRequest struct {
	TenantID         string            `json:"tenant_id"`
	Recipient        string            `json:"recipient"`
	RecipientType    string            `json:"recipient_type"`
	Channel          string            `json:"channel"`
	NotificationType string            `json:"notification_type"`
	Variables        map[string]string `json:"variables"`
	Transactional    bool              `json:"transactional"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
}

// MessageResponse is returned after enqueueing a message
type MessageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        MessageRepository
	optOuts     OptOutRepository
	resolver    TemplateResolver
	idempotency *redis.IdempotencyService // nil if Redis not configured
	maxAttempts int
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, repo MessageRepository, optOuts OptOutRepository, resolver TemplateResolver, idempotency *redis.IdempotencyService, maxAttempts int) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Handler{
		logger:      logger,
		repo:        repo,
		optOuts:     optOuts,
		resolver:    resolver,
		idempotency: idempotency,
		maxAttempts: maxAttempts,
	}
}

// EnqueueMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID, err := h.validate(&req)
	if err != nil {
		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+ve.Field, ve.Reason)
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
		return
	}

	// Replay or reserve before doing any work under this key.
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, req.TenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			replayStatus := cachedResult.Status
			if replayStatus == "" {
				replayStatus = db.StatusPending
			}
			resp := MessageResponse{ID: cachedResult.MessageID, Status: replayStatus}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	// Content is rendered now so a missing variable fails the request,
	// not a delivery attempt hours later.
	rendered, err := h.resolver.Resolve(ctx, tenantID, req.NotificationType, req.Channel, req.Variables)
	if err != nil {
		if errors.Is(err, db.ErrTemplateNotFound) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown notification type",
				"no template exists for this notification type and channel")
			return
		}
		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+ve.Field, ve.Reason)
			return
		}
		h.logger.Error("failed to render template",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("notification_type", req.NotificationType),
		)
		h.writeError(w, http.StatusInternalServerError, "template_error", "Failed to render message", "")
		return
	}

	now := time.Now()
	scheduledAt := now
	status := db.StatusPending
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = *req.ScheduledAt
		status = db.StatusScheduled
	}

	recipientType := req.RecipientType
	if recipientType == "" {
		recipientType = db.RecipientCustomer
	}

	msg := &db.Message{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Recipient:        req.Recipient,
		RecipientType:    recipientType,
		Channel:          req.Channel,
		NotificationType: req.NotificationType,
		Subject:          rendered.Subject,
		Body:             rendered.Body,
		Transactional:    req.Transactional,
		Status:           status,
		ScheduledAt:      scheduledAt,
		MaxAttempts:      h.maxAttempts,
	}

	if err := h.repo.Enqueue(ctx, msg); err != nil {
		h.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("channel", req.Channel),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue message", "")
		return
	}

	h.logger.Info("message enqueued",
		zap.String("id", msg.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("channel", req.Channel),
		zap.String("status", status),
	)
	metrics.RecordMessageEnqueued(req.TenantID, req.Channel)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			MessageID:  msg.ID.String(),
			Status:     status,
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.TenantID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := MessageResponse{
		ID:     msg.ID.String(),
		Status: status,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// validate checks the enqueue request and returns the parsed tenant id.
func (h *Handler) validate(req *MessageRequest) (uuid.UUID, error) {
	if req.TenantID == "" {
		return uuid.Nil, errs.NewValidation("tenant_id", "tenant_id is required")
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return uuid.Nil, errs.NewValidation("tenant_id", "tenant_id must be a valid UUID")
	}

	if req.NotificationType == "" {
		return uuid.Nil, errs.NewValidation("notification_type", "notification_type is required")
	}

	switch req.Channel {
	case db.ChannelSMS:
		if !phonePattern.MatchString(req.Recipient) {
			return uuid.Nil, errs.NewValidation("recipient", "recipient must be an E.164 phone number")
		}
	case db.ChannelEmail:
		if !emailPattern.MatchString(req.Recipient) {
			return uuid.Nil, errs.NewValidation("recipient", "recipient must be a valid email address")
		}
	case "":
		return uuid.Nil, errs.NewValidation("channel", "channel is required")
	default:
		return uuid.Nil, errs.NewValidation("channel", "channel must be sms or email")
	}

	switch req.RecipientType {
	case "", db.RecipientCustomer, db.RecipientCreator, db.RecipientContractor, db.RecipientVendor:
	default:
		return uuid.Nil, errs.NewValidation("recipient_type", "recipient_type must be customer, creator, contractor, or vendor")
	}

	return tenantID, nil
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.repo.Get(ctx, msgID)
	if err != nil {
		h.logger.Error("failed to get message",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}

// ListMessages handles GET /v1/messages?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	messages, err := h.repo.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   messages,
		"limit":  limit,
		"offset": offset,
		"count":  len(messages),
	})
}

// CancelMessage handles POST /v1/messages/{id}/cancel. Only messages
// that have not yet been claimed can be cancelled.
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.Cancel(ctx, msgID); err != nil {
		if errors.Is(err, db.ErrNotCancellable) {
			h.writeError(w, http.StatusConflict, "not_cancellable",
				"Message cannot be cancelled",
				"only pending or scheduled messages can be cancelled")
			return
		}
		h.logger.Error("failed to cancel message",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel message", "")
		return
	}

	h.logger.Info("message cancelled", zap.String("id", idStr))
	metrics.RecordMessageSkipped(db.SkipReasonCancelled)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.StatusSkipped,
	})
}

// DeliveryCallbackRequest is the provider's delivery receipt payload.
type DeliveryCallbackRequest struct {
	ProviderMessageID string     `json:"provider_message_id"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// DeliveryCallback handles POST /v1/callbacks/delivery. Receipts are
// idempotent and unknown ids are acknowledged so providers stop
// retrying them.
func (h *Handler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DeliveryCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ProviderMessageID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing provider_message_id", "provider_message_id is required")
		return
	}

	deliveredAt := time.Now()
	if req.DeliveredAt != nil {
		deliveredAt = *req.DeliveredAt
	}

	msg, err := h.repo.MarkDelivered(ctx, req.ProviderMessageID, deliveredAt)
	if err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			h.logger.Warn("delivery receipt for unknown message",
				zap.String("provider_message_id", req.ProviderMessageID),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ignored"})
			return
		}
		h.logger.Error("failed to record delivery",
			zap.Error(err),
			zap.String("provider_message_id", req.ProviderMessageID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record delivery", "")
		return
	}

	h.logger.Info("delivery recorded",
		zap.String("message_id", msg.ID.String()),
		zap.String("provider_message_id", req.ProviderMessageID),
	)
	if msg.SentAt != nil {
		metrics.RecordDeliveryLatency(msg.Channel, deliveredAt.Sub(*msg.SentAt))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     msg.ID.String(),
		"status": msg.Status,
	})
}

// InboundCallbackRequest is an inbound SMS relayed by the provider.
type InboundCallbackRequest struct {
	TenantID string `json:"tenant_id"`
	From     string `json:"from"`
	Body     string `json:"body"`
}

// InboundCallback handles POST /v1/callbacks/inbound. A STOP keyword
// records an opt-out for the sender; anything else is acknowledged and
// dropped.
func (h *Handler) InboundCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InboundCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == "" || req.From == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and from are required")
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	keyword := strings.ToUpper(strings.TrimSpace(req.Body))
	if !stopKeywords[keyword] {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"opted_out": false})
		return
	}

	raw := req.Body
	if err := h.optOuts.RecordOptOut(ctx, tenantID, req.From, db.OptOutMethodStopKeyword, &raw); err != nil {
		h.logger.Error("failed to record opt-out",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record opt-out", "")
		return
	}

	h.logger.Info("opt-out recorded",
		zap.String("tenant_id", req.TenantID),
		zap.String("keyword", keyword),
	)
	metrics.RecordOptOut(db.OptOutMethodStopKeyword)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"opted_out": true})
}

// OptOutRequest records an administrative suppression.
type OptOutRequest struct {
	TenantID  string `json:"tenant_id"`
	Recipient string `json:"recipient"`
}

// CreateOptOut handles POST /v1/opt-outs for support-driven suppressions.
func (h *Handler) CreateOptOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OptOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == "" || req.Recipient == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and recipient are required")
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	if err := h.optOuts.RecordOptOut(ctx, tenantID, req.Recipient, db.OptOutMethodAdmin, nil); err != nil {
		h.logger.Error("failed to record opt-out",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record opt-out", "")
		return
	}

	metrics.RecordOptOut(db.OptOutMethodAdmin)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
