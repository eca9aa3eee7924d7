// Package behavior owns per-user behavior patterns: lazily derived from
// history, updated from interaction feedback, and read by the relevance
// scorer.
package behavior

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// historyWindow is how far back derivation looks.
const historyWindow = 30 * 24 * time.Hour

// Interaction deltas applied to channel engagement rates.
const (
	deltaOpened    = 0.10
	deltaClicked   = 0.20
	deltaDismissed = -0.10
	deltaIgnored   = -0.05
)

// responseBlend is the weight kept for the old average response time.
const responseBlend = 0.8

// Repo is the slice of the repository the store needs.
type Repo interface {
	GetBehaviorPattern(ctx context.Context, userID uuid.UUID) (*db.BehaviorPattern, error)
	UpsertBehaviorPattern(ctx context.Context, p *db.BehaviorPattern) error
	ActivityHourCounts(ctx context.Context, userID uuid.UUID, since time.Time) (map[int]int, error)
	ChannelStats(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.ChannelStat, error)
	DailyEngagements(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.DailyEngagement, error)
}

// Store computes, persists and updates behavior patterns.
type Store struct {
	repo   Repo
	logger *zap.Logger
	now    func() time.Time
}

// New creates a behavior store.
func New(repo Repo, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the store's clock. Used in tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DefaultPattern returns the documented pattern for a user with no history:
// business hours, neutral engagement, three notifications a day.
func DefaultPattern(userID uuid.UUID, now time.Time) *db.BehaviorPattern {
	engagement := make(map[string]float64, len(db.Channels))
	for _, c := range db.Channels {
		engagement[c] = 0.5
	}
	return &db.BehaviorPattern{
		UserID:            userID,
		ActiveHours:       []int{9, 10, 11, 12, 13, 14, 15, 16, 17, 18},
		ChannelEngagement: engagement,
		EngagementRate:    0.5,
		OptimalDailyFreq:  3,
		LastUpdated:       now,
	}
}

// GetOrCreate returns the stored pattern, deriving and persisting one from
// the last 30 days of history when absent.
func (s *Store) GetOrCreate(ctx context.Context, userID uuid.UUID) (*db.BehaviorPattern, error) {
	pattern, err := s.repo.GetBehaviorPattern(ctx, userID)
	if err == nil {
		return pattern, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	pattern, err = s.derive(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpsertBehaviorPattern(ctx, pattern); err != nil {
		return nil, err
	}

	s.logger.Info("behavior pattern created",
		zap.String("user_id", userID.String()),
		zap.Int("active_hours", len(pattern.ActiveHours)),
		zap.Int("optimal_daily_frequency", pattern.OptimalDailyFreq),
	)

	return pattern, nil
}

// derive computes a pattern from activity and delivery history, falling back
// to the defaults where history is empty.
func (s *Store) derive(ctx context.Context, userID uuid.UUID) (*db.BehaviorPattern, error) {
	now := s.now()
	since := now.Add(-historyWindow)

	hourCounts, err := s.repo.ActivityHourCounts(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	channelStats, err := s.repo.ChannelStats(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	days, err := s.repo.DailyEngagements(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	pattern := DefaultPattern(userID, now)

	if hours := deriveActiveHours(hourCounts); len(hours) > 0 {
		pattern.ActiveHours = hours
	}

	var sent, engaged int
	for _, cs := range channelStats {
		if cs.Sent > 0 {
			pattern.ChannelEngagement[cs.Channel] = clamp01(float64(cs.Engaged) / float64(cs.Sent))
		}
		sent += cs.Sent
		engaged += cs.Engaged
	}
	if sent > 0 {
		pattern.EngagementRate = clamp01(float64(engaged) / float64(sent))
	}

	if freq := deriveOptimalFrequency(days); freq > 0 {
		pattern.OptimalDailyFreq = freq
	}

	return pattern, nil
}

// deriveActiveHours keeps hours whose activity count exceeds 0.7 times the
// 24-hour average. Returns nil when there is no activity at all.
func deriveActiveHours(counts map[int]int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return nil
	}

	threshold := 0.7 * float64(total) / 24.0

	var hours []int
	for h := 0; h < 24; h++ {
		if float64(counts[h]) > threshold {
			hours = append(hours, h)
		}
	}
	return hours
}

// deriveOptimalFrequency buckets observed days by send count (1-10) and
// picks the bucket with the highest mean engagement rate. Returns 0 when no
// day had sends.
func deriveOptimalFrequency(days []*db.DailyEngagement) int {
	sums := make(map[int]float64)
	counts := make(map[int]int)

	for _, d := range days {
		if d.Sent == 0 {
			continue
		}
		bucket := d.Sent
		if bucket > 10 {
			bucket = 10
		}
		sums[bucket] += float64(d.Engaged) / float64(d.Sent)
		counts[bucket]++
	}

	best, bestRate := 0, -1.0
	for bucket := 1; bucket <= 10; bucket++ {
		if counts[bucket] == 0 {
			continue
		}
		rate := sums[bucket] / float64(counts[bucket])
		if rate > bestRate {
			best, bestRate = bucket, rate
		}
	}
	return best
}

// UpdateFromInteraction applies the feedback deltas for one interaction.
// The write is read-modify-write with no lock; concurrent updates for the
// same user are last-writer-wins by design.
func (s *Store) UpdateFromInteraction(ctx context.Context, userID uuid.UUID, channelName, interactionType string, responseSeconds *float64) error {
	pattern, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	var delta float64
	switch interactionType {
	case db.InteractionOpened:
		delta = deltaOpened
	case db.InteractionClicked:
		delta = deltaClicked
	case db.InteractionDismissed:
		delta = deltaDismissed
	case db.InteractionIgnored:
		delta = deltaIgnored
	}

	if pattern.ChannelEngagement == nil {
		pattern.ChannelEngagement = make(map[string]float64)
	}
	current, ok := pattern.ChannelEngagement[channelName]
	if !ok {
		current = 0.5
	}
	pattern.ChannelEngagement[channelName] = clamp01(current + delta)

	engaged := interactionType == db.InteractionOpened || interactionType == db.InteractionClicked
	if engaged {
		pattern.EngagementRate = clamp01(pattern.EngagementRate + 0.05)
	} else {
		pattern.EngagementRate = clamp01(pattern.EngagementRate - 0.02)
	}

	if engaged && responseSeconds != nil {
		pattern.AvgResponseSeconds = responseBlend*pattern.AvgResponseSeconds + (1-responseBlend)*(*responseSeconds)
	}

	pattern.LastUpdated = s.now()

	return s.repo.UpsertBehaviorPattern(ctx, pattern)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
