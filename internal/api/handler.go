package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/analytics"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/scheduler"
	"github.com/heraldhq/herald/internal/tracker"
)

// Repository defines the database operations the handlers use directly.
// Everything that involves a decision goes through the scheduler or tracker
// instead.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	GetDeliveryByNotification(ctx context.Context, notificationID uuid.UUID) (*db.Delivery, error)
	GetPreference(ctx context.Context, userID uuid.UUID, notifType string) (*db.Preference, error)
	UpsertPreference(ctx context.Context, p *db.Preference) error
	GetABTest(ctx context.Context, id uuid.UUID) (*db.ABTest, error)
	CreateABTest(ctx context.Context, t *db.ABTest) error
	ListABTests(ctx context.Context) ([]*db.ABTest, error)
}

// Scheduler is the delivery decision engine.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*scheduler.Decision, error)
	Broadcast(ctx context.Context, template *db.Notification, userIDs []uuid.UUID, req scheduler.Request) []scheduler.BroadcastResult
}

// Tracker records user interactions.
type Tracker interface {
	Record(ctx context.Context, in tracker.Interaction) error
}

// Analytics builds engagement reports.
type Analytics interface {
	Engagement(ctx context.Context, q analytics.Query) (*analytics.Report, error)
}

// Pinger reports storage health.
type Pinger interface {
	Health(ctx context.Context) error
}

// SubmitRequest is the incoming notification payload.
type SubmitRequest struct {
	UserID       string          `json:"user_id"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority"`
	ActionURL    string          `json:"action_url,omitempty"`
	ActionText   string          `json:"action_text,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ForceChannel string          `json:"force_channel,omitempty"`
	SkipScoring  bool            `json:"skip_scoring,omitempty"`
	ABTest       string          `json:"ab_test,omitempty"`
}

// SubmitResponse is returned after scheduling a notification.
type SubmitResponse struct {
	NotificationID string           `json:"notification_id"`
	DeliveryID     string           `json:"delivery_id"`
	Channel        string           `json:"channel"`
	Status         string           `json:"status"`
	ScheduledAt    time.Time        `json:"scheduled_at"`
	Score          *float64         `json:"score,omitempty"`
	Factors        *db.ScoreFactors `json:"factors,omitempty"`
	Variant        string           `json:"variant,omitempty"`
}

// BroadcastRequest fans one notification out to many users.
type BroadcastRequest struct {
	UserIDs      []string        `json:"user_ids"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority"`
	ActionURL    string          `json:"action_url,omitempty"`
	ActionText   string          `json:"action_text,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ForceChannel string          `json:"force_channel,omitempty"`
	SkipScoring  bool            `json:"skip_scoring,omitempty"`
	ABTest       string          `json:"ab_test,omitempty"`
}

// InteractionRequest reports a user reaction to a notification. Callers
// normally identify it by notification_id; delivery_id is accepted as an
// alias since a notification has exactly one delivery.
type InteractionRequest struct {
	NotificationID  string   `json:"notification_id,omitempty"`
	DeliveryID      string   `json:"delivery_id,omitempty"`
	Type            string   `json:"type"`
	ResponseSeconds *float64 `json:"response_seconds,omitempty"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// maxBroadcastRecipients caps a single broadcast request.
const maxBroadcastRecipients = 10000

// Handler holds dependencies for API handlers.
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	scheduler   Scheduler
	tracker     Tracker
	analytics   Analytics
	health      Pinger
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, repo Repository, sched Scheduler, track Tracker, agg Analytics, health Pinger) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		scheduler: sched,
		tracker:   track,
		analytics: agg,
		health:    health,
	}
}

// WithIdempotency enables idempotent submits backed by Redis.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// Routes mounts every endpoint on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", h.SubmitNotification)
		r.Post("/notifications/broadcast", h.BroadcastNotification)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/interactions", h.RecordInteraction)
		r.Get("/users/{userID}/preferences", h.GetPreferences)
		r.Put("/users/{userID}/preferences", h.PutPreferences)
		r.Post("/abtests", h.CreateABTest)
		r.Get("/abtests", h.ListABTests)
		r.Get("/abtests/{id}", h.GetABTest)
		r.Get("/analytics/engagement", h.EngagementReport)
	})
}

// SubmitNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	notif, detail := buildNotification(req.UserID, req.Title, req.Message, req.Type, req.Priority,
		req.ActionURL, req.ActionText, req.Metadata)
	if detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", detail)
		return
	}
	if req.ForceChannel != "" && !db.ValidChannel(req.ForceChannel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
			"force_channel must be one of: in_app, email, sms, push")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
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
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(SubmitResponse{
				NotificationID: cached.NotificationID,
				Channel:        cached.Channel,
			})
			return
		}
	}

	decision, err := h.scheduler.Schedule(ctx, scheduler.Request{
		Notification: notif,
		ForceChannel: req.ForceChannel,
		SkipScoring:  req.SkipScoring,
		ABTestName:   req.ABTest,
	})
	if err != nil {
		h.logger.Error("failed to schedule notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Release(ctx, req.UserID, idempotencyKey)
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule notification", "")
		return
	}

	h.logger.Info("notification scheduled",
		zap.String("id", notif.ID.String()),
		zap.String("user_id", req.UserID),
		zap.String("channel", decision.Delivery.Channel),
		zap.String("status", decision.Delivery.Status),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: notif.ID.String(),
			Channel:        decision.Delivery.Channel,
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := SubmitResponse{
		NotificationID: notif.ID.String(),
		DeliveryID:     decision.Delivery.ID.String(),
		Channel:        decision.Delivery.Channel,
		Status:         decision.Delivery.Status,
		ScheduledAt:    decision.Delivery.ScheduledAt,
		Variant:        decision.Variant,
	}
	if decision.Score != nil {
		resp.Score = &decision.Score.Score
		resp.Factors = &decision.Score.Factors
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// BroadcastNotification handles POST /v1/notifications/broadcast.
func (h *Handler) BroadcastNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "user_ids must not be empty")
		return
	}
	if len(req.UserIDs) > maxBroadcastRecipients {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Too many recipients",
			"user_ids must not exceed "+strconv.Itoa(maxBroadcastRecipients))
		return
	}

	userIDs := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id",
				raw+" is not a valid UUID")
			return
		}
		userIDs = append(userIDs, id)
	}

	// The template is validated like a single submit, with a placeholder
	// recipient; each copy gets its real user at fan-out time.
	template, detail := buildNotification(userIDs[0].String(), req.Title, req.Message, req.Type,
		req.Priority, req.ActionURL, req.ActionText, req.Metadata)
	if detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", detail)
		return
	}
	if req.ForceChannel != "" && !db.ValidChannel(req.ForceChannel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
			"force_channel must be one of: in_app, email, sms, push")
		return
	}

	results := h.scheduler.Broadcast(ctx, template, userIDs, scheduler.Request{
		ForceChannel: req.ForceChannel,
		SkipScoring:  req.SkipScoring,
		ABTestName:   req.ABTest,
	})

	delivered := 0
	for _, res := range results {
		if res.Status != db.StatusFailed {
			delivered++
		}
	}

	h.logger.Info("broadcast scheduled",
		zap.Int("recipients", len(userIDs)),
		zap.Int("accepted", delivered),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"results":  results,
		"count":    len(results),
		"accepted": delivered,
	})
}

// GetNotification handles GET /v1/notifications/{id}. The response includes
// the delivery record when one exists.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	resp := map[string]interface{}{"notification": notif}
	if delivery, err := h.repo.GetDeliveryByNotification(ctx, notifID); err == nil {
		resp["delivery"] = delivery
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
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

	notifications, err := h.repo.ListNotificationsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RecordInteraction handles POST /v1/interactions.
func (h *Handler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var deliveryID uuid.UUID
	switch {
	case req.DeliveryID != "":
		id, err := uuid.Parse(req.DeliveryID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery_id", "delivery_id must be a valid UUID")
			return
		}
		deliveryID = id
	case req.NotificationID != "":
		notifID, err := uuid.Parse(req.NotificationID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification_id", "notification_id must be a valid UUID")
			return
		}
		delivery, err := h.repo.GetDeliveryByNotification(ctx, notifID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Notification has no delivery", "")
				return
			}
			h.logger.Error("failed to resolve delivery for interaction",
				zap.Error(err),
				zap.String("notification_id", req.NotificationID),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record interaction", "")
			return
		}
		deliveryID = delivery.ID
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing identifier",
			"notification_id or delivery_id is required")
		return
	}

	if !db.ValidInteraction(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid interaction type",
			"type must be one of: opened, clicked, dismissed, ignored")
		return
	}
	if req.ResponseSeconds != nil && *req.ResponseSeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid response_seconds", "response_seconds must be >= 0")
		return
	}

	err := h.tracker.Record(ctx, tracker.Interaction{
		DeliveryID:      deliveryID,
		Type:            req.Type,
		ResponseSeconds: req.ResponseSeconds,
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
			return
		}
		h.logger.Error("failed to record interaction",
			zap.Error(err),
			zap.String("delivery_id", deliveryID.String()),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record interaction", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"delivery_id": deliveryID.String(),
		"type":        req.Type,
		"status":      "accepted",
	})
}

// GetPreferences handles GET /v1/users/{userID}/preferences?type=xxx.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "user ID must be a valid UUID")
		return
	}
	notifType := r.URL.Query().Get("type")
	if notifType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing type", "type query parameter is required")
		return
	}

	pref, err := h.repo.GetPreference(ctx, userID, notifType)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Preference not found", "")
			return
		}
		h.logger.Error("failed to get preference", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preference", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// PutPreferences handles PUT /v1/users/{userID}/preferences.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "user ID must be a valid UUID")
		return
	}

	var req struct {
		Type            string   `json:"type"`
		EnabledChannels []string `json:"enabled_channels"`
		QuietStart      int      `json:"quiet_start"`
		QuietEnd        int      `json:"quiet_end"`
		Frequency       string   `json:"frequency"`
		Priority        string   `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing type", "type is required")
		return
	}
	for _, c := range req.EnabledChannels {
		if !db.ValidChannel(c) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
				c+" is not one of: in_app, email, sms, push")
			return
		}
	}
	if req.QuietStart < 0 || req.QuietStart > 23 || req.QuietEnd < 0 || req.QuietEnd > 23 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours", "quiet_start and quiet_end must be hours 0-23")
		return
	}
	if req.Frequency == "" {
		req.Frequency = db.FrequencyNormal
	}
	if req.Frequency != db.FrequencyMinimal && req.Frequency != db.FrequencyNormal && req.Frequency != db.FrequencyFrequent {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid frequency",
			"frequency must be one of: minimal, normal, frequent")
		return
	}
	if req.Priority == "" {
		req.Priority = db.PriorityMedium
	}
	if !db.ValidPriority(req.Priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority",
			"priority must be one of: low, medium, high, urgent")
		return
	}

	pref := &db.Preference{
		UserID:          userID,
		Type:            req.Type,
		EnabledChannels: req.EnabledChannels,
		QuietStart:      req.QuietStart,
		QuietEnd:        req.QuietEnd,
		Frequency:       req.Frequency,
		Priority:        req.Priority,
	}
	if err := h.repo.UpsertPreference(ctx, pref); err != nil {
		h.logger.Error("failed to upsert preference", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preference", "")
		return
	}

	h.logger.Info("preference saved",
		zap.String("user_id", userID.String()),
		zap.String("type", req.Type),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// CreateABTest handles POST /v1/abtests.
func (h *Handler) CreateABTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Name         string   `json:"name"`
		Variants     []string `json:"variants"`
		TrafficSplit []int    `json:"traffic_split"`
		Status       string   `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}
	if len(req.Variants) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing variants", "variants must not be empty")
		return
	}
	if len(req.Variants) != len(req.TrafficSplit) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Mismatched traffic split",
			"traffic_split must have one entry per variant")
		return
	}
	sum := 0
	for _, s := range req.TrafficSplit {
		if s < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid traffic split", "splits must be >= 0")
			return
		}
		sum += s
	}
	if sum != 100 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid traffic split", "traffic_split must sum to 100")
		return
	}
	if req.Status == "" {
		req.Status = db.ABTestActive
	}
	if req.Status != db.ABTestActive && req.Status != db.ABTestInactive {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be active or inactive")
		return
	}

	test := &db.ABTest{
		ID:           uuid.New(),
		Name:         req.Name,
		Variants:     req.Variants,
		TrafficSplit: req.TrafficSplit,
		Status:       req.Status,
	}
	if err := h.repo.CreateABTest(ctx, test); err != nil {
		h.logger.Error("failed to create ab test", zap.Error(err), zap.String("name", req.Name))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create test", "")
		return
	}

	h.logger.Info("ab test created",
		zap.String("id", test.ID.String()),
		zap.String("name", test.Name),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(test)
}

// ListABTests handles GET /v1/abtests.
func (h *Handler) ListABTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.repo.ListABTests(r.Context())
	if err != nil {
		h.logger.Error("failed to list ab tests", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list tests", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  tests,
		"count": len(tests),
	})
}

// GetABTest handles GET /v1/abtests/{id}.
func (h *Handler) GetABTest(w http.ResponseWriter, r *http.Request) {
	testID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid test ID", "ID must be a valid UUID")
		return
	}

	test, err := h.repo.GetABTest(r.Context(), testID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Test not found", "")
			return
		}
		h.logger.Error("failed to get ab test", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get test", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(test)
}

// EngagementReport handles GET /v1/analytics/engagement.
func (h *Handler) EngagementReport(w http.ResponseWriter, r *http.Request) {
	q := analytics.Query{
		Period:  r.URL.Query().Get("period"),
		UserID:  r.URL.Query().Get("user_id"),
		Type:    r.URL.Query().Get("type"),
		Channel: r.URL.Query().Get("channel"),
	}

	report, err := h.analytics.Engagement(r.Context(), q)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid analytics query", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(report)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// buildNotification validates submit fields and assembles the record. The
// returned detail string is empty when the input is valid.
func buildNotification(userIDStr, title, message, notifType, priority, actionURL, actionText string, metadata json.RawMessage) (*db.Notification, string) {
	if userIDStr == "" || title == "" || notifType == "" {
		return nil, "user_id, title, and type are required"
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, "user_id must be a valid UUID"
	}
	if priority == "" {
		priority = db.PriorityMedium
	}
	if !db.ValidPriority(priority) {
		return nil, "priority must be one of: low, medium, high, urgent"
	}
	if len(metadata) > 0 && !json.Valid(metadata) {
		return nil, "metadata must be valid JSON"
	}

	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   userID,
		Title:    title,
		Body:     message,
		Type:     notifType,
		Priority: priority,
		Metadata: metadata,
	}
	if actionURL != "" {
		notif.ActionURL = &actionURL
	}
	if actionText != "" {
		notif.ActionText = &actionText
	}
	return notif, ""
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
