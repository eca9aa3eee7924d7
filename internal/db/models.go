package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is the durable record of a notification request. It exists
// independently of any outbound channel outcome — the in-app history reads
// straight from this table.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Type       string          `json:"type"`
	Priority   string          `json:"priority"`
	ActionURL  *string         `json:"action_url,omitempty"`
	ActionText *string         `json:"action_text,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	IsRead     bool            `json:"is_read"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Priority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Channel constants
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// Delivery status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// Channels lists every supported delivery channel.
var Channels = []string{ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush}

// ValidChannel reports whether name is a known channel.
func ValidChannel(name string) bool {
	for _, c := range Channels {
		if c == name {
			return true
		}
	}
	return false
}

// ValidPriority reports whether p is a known priority tier.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh || p == PriorityUrgent
}

// ScoreFactors is the per-factor breakdown persisted alongside the final
// relevance score. All values lie in [0,1].
type ScoreFactors struct {
	Engagement        float64 `json:"engagement"`
	ContentRelevance  float64 `json:"content_relevance"`
	TimingOptimality  float64 `json:"timing_optimality"`
	ChannelPreference float64 `json:"channel_preference"`
	FrequencyBalance  float64 `json:"frequency_balance"`
}

// Delivery links a notification to its one chosen channel and tracks the
// dispatch outcome plus interaction timestamps. One notification has exactly
// one active delivery.
type Delivery struct {
	ID             uuid.UUID    `json:"id"`
	NotificationID uuid.UUID    `json:"notification_id"`
	UserID         uuid.UUID    `json:"user_id"`
	Channel        string       `json:"channel"`
	RelevanceScore float64      `json:"relevance_score"`
	Factors        ScoreFactors `json:"factors"`
	ABVariant      *string      `json:"ab_variant,omitempty"`
	Status         string       `json:"status"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
	ScheduledAt    time.Time    `json:"scheduled_at"`
	DeliveredAt    *time.Time   `json:"delivered_at,omitempty"`
	OpenedAt       *time.Time   `json:"opened_at,omitempty"`
	ClickedAt      *time.Time   `json:"clicked_at,omitempty"`
	DismissedAt    *time.Time   `json:"dismissed_at,omitempty"`
	IgnoredAt      *time.Time   `json:"ignored_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Interaction type constants
const (
	InteractionOpened    = "opened"
	InteractionClicked   = "clicked"
	InteractionDismissed = "dismissed"
	InteractionIgnored   = "ignored"
)

// ValidInteraction reports whether t is a known interaction type.
func ValidInteraction(t string) bool {
	switch t {
	case InteractionOpened, InteractionClicked, InteractionDismissed, InteractionIgnored:
		return true
	}
	return false
}

// BehaviorPattern is a per-user summary of notification behavior. Created
// lazily with defaults when no history exists, mutated only by interaction
// feedback, never deleted.
type BehaviorPattern struct {
	UserID             uuid.UUID          `json:"user_id"`
	ActiveHours        []int              `json:"active_hours"`
	ChannelEngagement  map[string]float64 `json:"channel_engagement"`
	AvgResponseSeconds float64            `json:"avg_response_seconds"`
	EngagementRate     float64            `json:"engagement_rate"`
	OptimalDailyFreq   int                `json:"optimal_daily_frequency"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// HourActive reports whether hour is one of the pattern's active hours.
func (p *BehaviorPattern) HourActive(hour int) bool {
	for _, h := range p.ActiveHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Frequency tier constants for preferences.
const (
	FrequencyMinimal  = "minimal"
	FrequencyNormal   = "normal"
	FrequencyFrequent = "frequent"
)

// Preference holds the per-(user, notification type) delivery settings.
// It is a scoring input only; it never mutates the behavior pattern.
type Preference struct {
	UserID          uuid.UUID `json:"user_id"`
	Type            string    `json:"type"`
	EnabledChannels []string  `json:"enabled_channels"`
	QuietStart      int       `json:"quiet_start"` // hour 0-23
	QuietEnd        int       `json:"quiet_end"`   // hour 0-23
	Frequency       string    `json:"frequency"`
	Priority        string    `json:"priority"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ABTest status constants
const (
	ABTestActive   = "active"
	ABTestInactive = "inactive"
)

// ABTest defines an experiment splitting users across named variants.
// TrafficSplit is parallel to Variants and must sum to 100.
type ABTest struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Variants     []string  `json:"variants"`
	TrafficSplit []int     `json:"traffic_split"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActivityEvent is a timestamped user-activity sample from the upstream
// activity log. Herald only reads these, for behavior inference.
type ActivityEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"`
}

// UserContact holds a user's outbound addresses. The user store itself is an
// external collaborator; herald only reads contact info for dispatch.
type UserContact struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Phone  string    `json:"phone"`
}

// DeviceToken maps a user to an SNS platform endpoint for push delivery.
type DeviceToken struct {
	UserID      uuid.UUID `json:"user_id"`
	EndpointARN string    `json:"endpoint_arn"`
	CreatedAt   time.Time `json:"created_at"`
}

// EngagementStat is one aggregation bucket of the analytics read side.
type EngagementStat struct {
	Key       string  `json:"key"`
	Sent      int     `json:"sent"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	Dismissed int     `json:"dismissed"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

// DailyEngagement summarizes one observed day of delivery history for a user,
// used when deriving the optimal daily send frequency.
type DailyEngagement struct {
	Day     time.Time `json:"day"`
	Sent    int       `json:"sent"`
	Engaged int       `json:"engaged"`
}

// ChannelStat is the engaged/sent tally for one channel over a history
// window, used when deriving channel engagement rates.
type ChannelStat struct {
	Channel string `json:"channel"`
	Sent    int    `json:"sent"`
	Engaged int    `json:"engaged"`
}
