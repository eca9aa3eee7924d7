package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for notifications, deliveries,
// behavior patterns, preferences and A/B tests.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ---------------------------------------------------------------------------
// Notifications

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, title, body, type, priority,
			action_url, action_text, metadata, is_read
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Title,
		notif.Body,
		notif.Type,
		notif.Priority,
		notif.ActionURL,
		notif.ActionText,
		notif.Metadata,
		notif.IsRead,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT id, user_id, title, body, type, priority,
		       action_url, action_text, metadata, is_read, created_at
		FROM notifications
		WHERE id = $1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Title,
		&notif.Body,
		&notif.Type,
		&notif.Priority,
		&notif.ActionURL,
		&notif.ActionText,
		&notif.Metadata,
		&notif.IsRead,
		&notif.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// MarkNotificationRead flags a notification as read. Safe to call repeatedly.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListNotificationsByUser retrieves a user's notification history, newest
// first. This is the durable in-app feed regardless of channel outcome.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, title, body, type, priority,
		       action_url, action_text, metadata, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.UserID,
			&notif.Title,
			&notif.Body,
			&notif.Type,
			&notif.Priority,
			&notif.ActionURL,
			&notif.ActionText,
			&notif.Metadata,
			&notif.IsRead,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// ---------------------------------------------------------------------------
// Deliveries

const deliveryColumns = `
	id, notification_id, user_id, channel, relevance_score, factors,
	ab_variant, status, error_message, scheduled_at, delivered_at,
	opened_at, clicked_at, dismissed_at, ignored_at, created_at, updated_at
`

// The delivery queries are assembled from deliveryColumns, which carries its
// own surrounding newlines so the keywords on either side stay separated.
const (
	getDeliveryQuery = `SELECT` + deliveryColumns + `FROM deliveries WHERE id = $1`

	getDeliveryByNotificationQuery = `SELECT` + deliveryColumns + `FROM deliveries WHERE notification_id = $1`

	claimDueDeliveriesQuery = `
		UPDATE deliveries
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE status = $2 AND scheduled_at <= $3
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + deliveryColumns

	recentDeliveriesQuery = `
		SELECT` + deliveryColumns + `
		FROM deliveries d
		WHERE d.user_id = $1
		  AND d.created_at >= $2
		  AND d.notification_id IN (SELECT id FROM notifications WHERE type = $3)
		ORDER BY d.created_at DESC
	`
)

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var factors []byte
	err := row.Scan(
		&d.ID,
		&d.NotificationID,
		&d.UserID,
		&d.Channel,
		&d.RelevanceScore,
		&factors,
		&d.ABVariant,
		&d.Status,
		&d.ErrorMessage,
		&d.ScheduledAt,
		&d.DeliveredAt,
		&d.OpenedAt,
		&d.ClickedAt,
		&d.DismissedAt,
		&d.IgnoredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &d.Factors); err != nil {
			return nil, fmt.Errorf("decode factors: %w", err)
		}
	}
	return &d, nil
}

// CreateDelivery inserts the delivery record produced by a scheduling
// decision. A notification has at most one delivery (unique constraint).
func (r *Repository) CreateDelivery(ctx context.Context, d *Delivery) error {
	factors, err := json.Marshal(d.Factors)
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}

	query := `
		INSERT INTO deliveries (
			id, notification_id, user_id, channel, relevance_score,
			factors, ab_variant, status, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.NotificationID,
		d.UserID,
		d.Channel,
		d.RelevanceScore,
		factors,
		d.ABVariant,
		d.Status,
		d.ScheduledAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create delivery",
			zap.Error(err),
			zap.String("notification_id", d.NotificationID.String()),
			zap.String("channel", d.Channel),
		)
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves a delivery by ID
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, getDeliveryQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return d, nil
}

// GetDeliveryByNotification retrieves the delivery for a notification
func (r *Repository) GetDeliveryByNotification(ctx context.Context, notificationID uuid.UUID) (*Delivery, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, getDeliveryByNotificationQuery, notificationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery for notification %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return d, nil
}

// UpdateDeliveryStatus records a dispatch outcome. deliveredAt is set for
// successful dispatch, errMsg for failed ones.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string, deliveredAt *time.Time) error {
	query := `
		UPDATE deliveries
		SET status = $1, error_message = $2, delivered_at = COALESCE($3, delivered_at), updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errMsg, deliveredAt, id)
	if err != nil {
		r.logger.Error("failed to update delivery status",
			zap.Error(err),
			zap.String("delivery_id", id.String()),
		)
		return fmt.Errorf("update delivery status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}

	return nil
}

// ClaimDueDeliveries atomically transitions due pending deliveries to
// processing and returns them. SKIP LOCKED keeps concurrent sweepers from
// double-claiming, which is what makes deferred dispatch exactly-once.
func (r *Repository) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := r.db.Pool().Query(ctx, claimDueDeliveriesQuery, StatusProcessing, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

var interactionColumn = map[string]string{
	InteractionOpened:    "opened_at",
	InteractionClicked:   "clicked_at",
	InteractionDismissed: "dismissed_at",
	InteractionIgnored:   "ignored_at",
}

// SetInteractionTimestamp overwrites the timestamp column for the given
// interaction type. Re-reporting the same type updates the same column, so
// the operation is idempotent per type.
func (r *Repository) SetInteractionTimestamp(ctx context.Context, deliveryID uuid.UUID, interactionType string, at time.Time) error {
	column, ok := interactionColumn[interactionType]
	if !ok {
		return fmt.Errorf("unknown interaction type: %s", interactionType)
	}

	query := fmt.Sprintf(
		`UPDATE deliveries SET %s = $1, updated_at = NOW() WHERE id = $2`, column)

	result, err := r.db.Pool().Exec(ctx, query, at, deliveryID)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", deliveryID, ErrNotFound)
	}
	return nil
}

// RecentDeliveries returns a user's deliveries of one notification type
// since the given time, newest first. Used for the engagement factor.
func (r *Repository) RecentDeliveries(ctx context.Context, userID uuid.UUID, notifType string, since time.Time) ([]*Delivery, error) {
	rows, err := r.db.Pool().Query(ctx, recentDeliveriesQuery, userID, since, notifType)
	if err != nil {
		return nil, fmt.Errorf("query recent deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, rows.Err()
}

// CountDeliveredToday counts deliveries of a notification type created for
// the user since the start of the current day. Feeds the frequency factor.
func (r *Repository) CountDeliveredToday(ctx context.Context, userID uuid.UUID, notifType string, dayStart time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.user_id = $1 AND n.type = $2 AND d.created_at >= $3
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID, notifType, dayStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deliveries today: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Behavior patterns

// GetBehaviorPattern retrieves a user's stored behavior pattern.
func (r *Repository) GetBehaviorPattern(ctx context.Context, userID uuid.UUID) (*BehaviorPattern, error) {
	query := `
		SELECT user_id, active_hours, channel_engagement, avg_response_seconds,
		       engagement_rate, optimal_daily_frequency, last_updated
		FROM behavior_patterns
		WHERE user_id = $1
	`

	var p BehaviorPattern
	var engagement []byte
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.ActiveHours,
		&engagement,
		&p.AvgResponseSeconds,
		&p.EngagementRate,
		&p.OptimalDailyFreq,
		&p.LastUpdated,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("behavior pattern for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query behavior pattern: %w", err)
	}

	if len(engagement) > 0 {
		if err := json.Unmarshal(engagement, &p.ChannelEngagement); err != nil {
			return nil, fmt.Errorf("decode channel engagement: %w", err)
		}
	}
	if p.ChannelEngagement == nil {
		p.ChannelEngagement = make(map[string]float64)
	}

	return &p, nil
}

// UpsertBehaviorPattern writes a pattern, replacing any existing row.
// Updates are read-modify-write with no locking; last writer wins.
func (r *Repository) UpsertBehaviorPattern(ctx context.Context, p *BehaviorPattern) error {
	engagement, err := json.Marshal(p.ChannelEngagement)
	if err != nil {
		return fmt.Errorf("encode channel engagement: %w", err)
	}

	query := `
		INSERT INTO behavior_patterns (
			user_id, active_hours, channel_engagement, avg_response_seconds,
			engagement_rate, optimal_daily_frequency, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			active_hours = EXCLUDED.active_hours,
			channel_engagement = EXCLUDED.channel_engagement,
			avg_response_seconds = EXCLUDED.avg_response_seconds,
			engagement_rate = EXCLUDED.engagement_rate,
			optimal_daily_frequency = EXCLUDED.optimal_daily_frequency,
			last_updated = EXCLUDED.last_updated
	`

	_, err = r.db.Pool().Exec(ctx, query,
		p.UserID,
		p.ActiveHours,
		engagement,
		p.AvgResponseSeconds,
		p.EngagementRate,
		p.OptimalDailyFreq,
		p.LastUpdated,
	)
	if err != nil {
		r.logger.Error("failed to upsert behavior pattern",
			zap.Error(err),
			zap.String("user_id", p.UserID.String()),
		)
		return fmt.Errorf("upsert behavior pattern: %w", err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Behavior derivation inputs

// ActivityHourCounts buckets the user's upstream activity events by
// hour-of-day since the given time.
func (r *Repository) ActivityHourCounts(ctx context.Context, userID uuid.UUID, since time.Time) (map[int]int, error) {
	query := `
		SELECT EXTRACT(HOUR FROM occurred_at)::int AS hour, COUNT(*)
		FROM activity_events
		WHERE user_id = $1 AND occurred_at >= $2
		GROUP BY hour
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query activity hours: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("scan activity hour: %w", err)
		}
		counts[hour] = count
	}

	return counts, rows.Err()
}

// ChannelStats tallies engaged (opened or clicked) versus sent deliveries per
// channel over the history window.
func (r *Repository) ChannelStats(ctx context.Context, userID uuid.UUID, since time.Time) ([]*ChannelStat, error) {
	query := `
		SELECT channel,
		       COUNT(*) AS sent,
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL OR clicked_at IS NOT NULL) AS engaged
		FROM deliveries
		WHERE user_id = $1 AND created_at >= $2
		GROUP BY channel
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	defer rows.Close()

	var stats []*ChannelStat
	for rows.Next() {
		var s ChannelStat
		if err := rows.Scan(&s.Channel, &s.Sent, &s.Engaged); err != nil {
			return nil, fmt.Errorf("scan channel stat: %w", err)
		}
		stats = append(stats, &s)
	}

	return stats, rows.Err()
}

// DailyEngagements returns per-day sent and engaged counts over the history
// window, used to pick the optimal daily frequency bucket.
func (r *Repository) DailyEngagements(ctx context.Context, userID uuid.UUID, since time.Time) ([]*DailyEngagement, error) {
	query := `
		SELECT date_trunc('day', created_at) AS day,
		       COUNT(*) AS sent,
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL OR clicked_at IS NOT NULL) AS engaged
		FROM deliveries
		WHERE user_id = $1 AND created_at >= $2
		GROUP BY day
		ORDER BY day
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query daily engagements: %w", err)
	}
	defer rows.Close()

	var days []*DailyEngagement
	for rows.Next() {
		var d DailyEngagement
		if err := rows.Scan(&d.Day, &d.Sent, &d.Engaged); err != nil {
			return nil, fmt.Errorf("scan daily engagement: %w", err)
		}
		days = append(days, &d)
	}

	return days, rows.Err()
}

// ---------------------------------------------------------------------------
// Preferences

// GetPreference retrieves the settings for one (user, type) pair.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID, notifType string) (*Preference, error) {
	query := `
		SELECT user_id, notification_type, enabled_channels, quiet_start,
		       quiet_end, frequency, priority, updated_at
		FROM preferences
		WHERE user_id = $1 AND notification_type = $2
	`

	var p Preference
	err := r.db.Pool().QueryRow(ctx, query, userID, notifType).Scan(
		&p.UserID,
		&p.Type,
		&p.EnabledChannels,
		&p.QuietStart,
		&p.QuietEnd,
		&p.Frequency,
		&p.Priority,
		&p.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preference %s/%s: %w", userID, notifType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	return &p, nil
}

// UpsertPreference writes settings for one (user, type) pair.
func (r *Repository) UpsertPreference(ctx context.Context, p *Preference) error {
	query := `
		INSERT INTO preferences (
			user_id, notification_type, enabled_channels, quiet_start,
			quiet_end, frequency, priority, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id, notification_type) DO UPDATE SET
			enabled_channels = EXCLUDED.enabled_channels,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			frequency = EXCLUDED.frequency,
			priority = EXCLUDED.priority,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.UserID,
		p.Type,
		p.EnabledChannels,
		p.QuietStart,
		p.QuietEnd,
		p.Frequency,
		p.Priority,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// A/B tests

// GetABTest retrieves a test by ID.
func (r *Repository) GetABTest(ctx context.Context, id uuid.UUID) (*ABTest, error) {
	query := `
		SELECT id, name, variants, traffic_split, status, created_at
		FROM ab_tests
		WHERE id = $1
	`

	var t ABTest
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.Variants,
		&t.TrafficSplit,
		&t.Status,
		&t.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ab test %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ab test: %w", err)
	}

	return &t, nil
}

// GetABTestByName retrieves a test by its unique name. Assignment refers to
// tests by name, not ID.
func (r *Repository) GetABTestByName(ctx context.Context, name string) (*ABTest, error) {
	query := `
		SELECT id, name, variants, traffic_split, status, created_at
		FROM ab_tests
		WHERE name = $1
	`

	var t ABTest
	err := r.db.Pool().QueryRow(ctx, query, name).Scan(
		&t.ID,
		&t.Name,
		&t.Variants,
		&t.TrafficSplit,
		&t.Status,
		&t.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ab test %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ab test by name: %w", err)
	}

	return &t, nil
}

// CreateABTest inserts a new test. Traffic split validation happens at the
// API boundary.
func (r *Repository) CreateABTest(ctx context.Context, t *ABTest) error {
	query := `
		INSERT INTO ab_tests (id, name, variants, traffic_split, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID, t.Name, t.Variants, t.TrafficSplit, t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ab test: %w", err)
	}

	return nil
}

// ListABTests returns every test, active first.
func (r *Repository) ListABTests(ctx context.Context) ([]*ABTest, error) {
	query := `
		SELECT id, name, variants, traffic_split, status, created_at
		FROM ab_tests
		ORDER BY status, created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ab tests: %w", err)
	}
	defer rows.Close()

	var tests []*ABTest
	for rows.Next() {
		var t ABTest
		if err := rows.Scan(&t.ID, &t.Name, &t.Variants, &t.TrafficSplit, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ab test: %w", err)
		}
		tests = append(tests, &t)
	}

	return tests, rows.Err()
}

// ---------------------------------------------------------------------------
// Device tokens

// DeviceEndpoints returns the SNS platform endpoint ARNs registered for a
// user's devices.
func (r *Repository) DeviceEndpoints(ctx context.Context, userID uuid.UUID) ([]string, error) {
	query := `SELECT endpoint_arn FROM device_tokens WHERE user_id = $1`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query device endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []string
	for rows.Next() {
		var arn string
		if err := rows.Scan(&arn); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, arn)
	}

	return endpoints, rows.Err()
}

// GetUserContact returns a user's outbound addresses.
func (r *Repository) GetUserContact(ctx context.Context, userID uuid.UUID) (*UserContact, error) {
	query := `SELECT user_id, COALESCE(email, ''), COALESCE(phone, '') FROM user_contacts WHERE user_id = $1`

	var c UserContact
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&c.UserID, &c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user contact: %w", err)
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Analytics read side

// AnalyticsFilter narrows the aggregation window and population.
type AnalyticsFilter struct {
	From    time.Time
	To      time.Time
	UserID  *uuid.UUID
	Type    string
	Channel string
}

// groupExpressions whitelists the GROUP BY dimensions exposed to the
// analytics aggregator.
var groupExpressions = map[string]string{
	"channel": "d.channel",
	"type":    "n.type",
	"hour":    "EXTRACT(HOUR FROM d.created_at)::int::text",
	"day":     "to_char(date_trunc('day', d.created_at), 'YYYY-MM-DD')",
}

// EngagementByDimension aggregates sent/opened/clicked/dismissed counts
// grouped by one whitelisted dimension.
func (r *Repository) EngagementByDimension(ctx context.Context, dimension string, f AnalyticsFilter) ([]*EngagementStat, error) {
	expr, ok := groupExpressions[dimension]
	if !ok {
		return nil, fmt.Errorf("unknown analytics dimension: %s", dimension)
	}

	query := fmt.Sprintf(`
		SELECT %s AS key,
		       COUNT(*) AS sent,
		       COUNT(*) FILTER (WHERE d.opened_at IS NOT NULL) AS opened,
		       COUNT(*) FILTER (WHERE d.clicked_at IS NOT NULL) AS clicked,
		       COUNT(*) FILTER (WHERE d.dismissed_at IS NOT NULL) AS dismissed
		FROM deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.created_at >= $1 AND d.created_at < $2
		  AND ($3::uuid IS NULL OR d.user_id = $3)
		  AND ($4 = '' OR n.type = $4)
		  AND ($5 = '' OR d.channel = $5)
		GROUP BY key
		ORDER BY key
	`, expr)

	rows, err := r.db.Pool().Query(ctx, query, f.From, f.To, f.UserID, f.Type, f.Channel)
	if err != nil {
		return nil, fmt.Errorf("query engagement by %s: %w", dimension, err)
	}
	defer rows.Close()

	var stats []*EngagementStat
	for rows.Next() {
		var s EngagementStat
		if err := rows.Scan(&s.Key, &s.Sent, &s.Opened, &s.Clicked, &s.Dismissed); err != nil {
			return nil, fmt.Errorf("scan engagement stat: %w", err)
		}
		if s.Sent > 0 {
			s.OpenRate = float64(s.Opened) / float64(s.Sent)
			s.ClickRate = float64(s.Clicked) / float64(s.Sent)
		}
		stats = append(stats, &s)
	}

	return stats, rows.Err()
}
