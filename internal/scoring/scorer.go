// Package scoring computes the weighted relevance score that decides
// whether, when, and through which channel a notification is delivered.
// The model is deterministic, explainable heuristics — no training.
package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
)

// Factor weights. They sum to 1.
const (
	weightEngagement        = 0.30
	weightContentRelevance  = 0.25
	weightTimingOptimality  = 0.20
	weightChannelPreference = 0.15
	weightFrequencyBalance  = 0.10
)

// engagementWindow is how far back the engagement factor looks.
const engagementWindow = 7 * 24 * time.Hour

// maxDelay caps the recommended deferral.
const maxDelay = 12 * time.Hour

// typeImportance is the fixed per-type importance table.
var typeImportance = map[string]float64{
	"urgent":          0.9,
	"task_assignment": 0.8,
	"project_update":  0.7,
	"announcement":    0.6,
	"reminder":        0.5,
	"social":          0.4,
}

const defaultImportance = 0.5

// priorityPreference maps a stored preference priority tier to the numeric
// type preference used by the content relevance factor.
var priorityPreference = map[string]float64{
	db.PriorityLow:    0.3,
	db.PriorityMedium: 0.5,
	db.PriorityHigh:   0.7,
	db.PriorityUrgent: 0.9,
}

// ErrDataFetch wraps store failures during scoring. It never escapes the
// scorer: any fetch failure fails open to the neutral result.
var ErrDataFetch = errors.New("scoring data fetch failed")

// Repo is the slice of the repository the scorer reads. Scoring never
// writes.
type Repo interface {
	GetPreference(ctx context.Context, userID uuid.UUID, notifType string) (*db.Preference, error)
	RecentDeliveries(ctx context.Context, userID uuid.UUID, notifType string, since time.Time) ([]*db.Delivery, error)
	CountDeliveredToday(ctx context.Context, userID uuid.UUID, notifType string, dayStart time.Time) (int, error)
}

// PatternSource supplies the user's behavior pattern.
type PatternSource interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*db.BehaviorPattern, error)
}

// Result is a scoring decision.
type Result struct {
	Score   float64
	Factors db.ScoreFactors
	Channel string
	Delay   time.Duration
}

// Neutral is the fail-open result returned when any scoring input cannot be
// read: deliver now, in-app, with a neutral score.
func Neutral() *Result {
	return &Result{
		Score: 0.5,
		Factors: db.ScoreFactors{
			Engagement:        0.5,
			ContentRelevance:  0.5,
			TimingOptimality:  0.5,
			ChannelPreference: 0.5,
			FrequencyBalance:  0.5,
		},
		Channel: db.ChannelInApp,
		Delay:   0,
	}
}

// Scorer computes relevance scores from behavior, preferences, and history.
type Scorer struct {
	repo     Repo
	patterns PatternSource
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a scorer.
func New(repo Repo, patterns PatternSource, logger *zap.Logger) *Scorer {
	return &Scorer{
		repo:     repo,
		patterns: patterns,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the scorer's clock. Used in tests.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// inputs holds the fanned-out reads.
type inputs struct {
	pattern    *db.BehaviorPattern
	preference *db.Preference // nil when the user has no stored preference
	recent     []*db.Delivery
	todayCount int
}

// Score computes the relevance decision for delivering a notification of the
// given type to the user right now. It is total: on any read failure it logs
// and returns the neutral result, never an error.
func (s *Scorer) Score(ctx context.Context, userID uuid.UUID, notifType string) *Result {
	in, err := s.fetch(ctx, userID, notifType)
	if err != nil {
		s.logger.Warn("scoring fell back to neutral result",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
		)
		metrics.RecordScoringFallback()
		return Neutral()
	}

	now := s.now()

	factors := db.ScoreFactors{
		Engagement:        engagementFactor(in.recent),
		ContentRelevance:  contentRelevanceFactor(notifType, in.preference),
		TimingOptimality:  timingFactor(in.pattern, now.Hour()),
		ChannelPreference: channelPreferenceFactor(in.pattern),
		FrequencyBalance:  frequencyFactor(in.todayCount, in.pattern.OptimalDailyFreq),
	}

	score := clamp01(weightEngagement*factors.Engagement +
		weightContentRelevance*factors.ContentRelevance +
		weightTimingOptimality*factors.TimingOptimality +
		weightChannelPreference*factors.ChannelPreference +
		weightFrequencyBalance*factors.FrequencyBalance)

	return &Result{
		Score:   score,
		Factors: factors,
		Channel: recommendChannel(in.pattern),
		Delay:   recommendDelay(in.pattern, factors.TimingOptimality, now.Hour()),
	}
}

// fetch runs the independent reads concurrently and combines them. A missing
// preference row is not an error; any other failure is.
func (s *Scorer) fetch(ctx context.Context, userID uuid.UUID, notifType string) (*inputs, error) {
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		wg   sync.WaitGroup
		in   inputs
		mu   sync.Mutex
		errs []error
	)

	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(4)

	go func() {
		defer wg.Done()
		pattern, err := s.patterns.GetOrCreate(ctx, userID)
		if err != nil {
			record(err)
			return
		}
		in.pattern = pattern
	}()

	go func() {
		defer wg.Done()
		pref, err := s.repo.GetPreference(ctx, userID, notifType)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				record(err)
			}
			return
		}
		in.preference = pref
	}()

	go func() {
		defer wg.Done()
		recent, err := s.repo.RecentDeliveries(ctx, userID, notifType, now.Add(-engagementWindow))
		if err != nil {
			record(err)
			return
		}
		in.recent = recent
	}()

	go func() {
		defer wg.Done()
		count, err := s.repo.CountDeliveredToday(ctx, userID, notifType, dayStart)
		if err != nil {
			record(err)
			return
		}
		in.todayCount = count
	}()

	wg.Wait()

	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrDataFetch}, errs...)...)
	}
	return &in, nil
}

// engagementFactor is the fraction of recent same-type deliveries that were
// opened or clicked. Neutral without history.
func engagementFactor(recent []*db.Delivery) float64 {
	if len(recent) == 0 {
		return 0.5
	}
	engaged := 0
	for _, d := range recent {
		if d.OpenedAt != nil || d.ClickedAt != nil {
			engaged++
		}
	}
	return clamp01(float64(engaged) / float64(len(recent)))
}

// contentRelevanceFactor averages the fixed type importance with the user's
// stored type preference.
func contentRelevanceFactor(notifType string, pref *db.Preference) float64 {
	importance, ok := typeImportance[notifType]
	if !ok {
		importance = defaultImportance
	}

	userPref := 0.5
	if pref != nil {
		if v, ok := priorityPreference[pref.Priority]; ok {
			userPref = v
		}
	}

	return clamp01((importance + userPref) / 2)
}

// timingFactor scores the current hour against the user's active hours:
// inside them, within two hours of one (wrapping midnight), or neither.
func timingFactor(pattern *db.BehaviorPattern, hour int) float64 {
	if pattern.HourActive(hour) {
		return 0.9
	}
	for _, h := range pattern.ActiveHours {
		diff := hourDistance(hour, h)
		if diff <= 2 {
			return 0.6
		}
	}
	return 0.3
}

// hourDistance is the circular distance between two hours of day.
func hourDistance(a, b int) int {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if wrapped := 24 - diff; wrapped < diff {
		return wrapped
	}
	return diff
}

// channelPreferenceFactor is the mean of the stored channel engagement
// rates. Neutral when none are recorded.
func channelPreferenceFactor(pattern *db.BehaviorPattern) float64 {
	if len(pattern.ChannelEngagement) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, rate := range pattern.ChannelEngagement {
		sum += rate
	}
	return clamp01(sum / float64(len(pattern.ChannelEngagement)))
}

// frequencyFactor scores how close today's send count already is to the
// user's optimal daily frequency. Non-increasing in the ratio.
func frequencyFactor(todayCount, optimalDaily int) float64 {
	if optimalDaily <= 0 {
		optimalDaily = 3
	}
	ratio := float64(todayCount) / float64(optimalDaily)
	switch {
	case ratio < 0.5:
		return 1.0
	case ratio < 0.8:
		return 0.8
	case ratio < 1.0:
		return 0.6
	case ratio < 1.5:
		return 0.3
	default:
		return 0.1
	}
}

// recommendChannel picks the channel with the highest stored engagement
// rate, walking channels in a fixed order so ties are deterministic.
func recommendChannel(pattern *db.BehaviorPattern) string {
	best := db.ChannelInApp
	bestRate := -1.0
	for _, c := range db.Channels {
		rate, ok := pattern.ChannelEngagement[c]
		if !ok {
			continue
		}
		if rate > bestRate {
			best, bestRate = c, rate
		}
	}
	return best
}

// recommendDelay is zero when timing is already good, otherwise the time
// until the next active hour (wrapping past midnight), capped at 12 hours.
func recommendDelay(pattern *db.BehaviorPattern, timing float64, hour int) time.Duration {
	if timing > 0.8 {
		return 0
	}
	if len(pattern.ActiveHours) == 0 {
		return 0
	}

	for i := 1; i <= 24; i++ {
		if pattern.HourActive((hour + i) % 24) {
			delay := time.Duration(i) * time.Hour
			if delay > maxDelay {
				return maxDelay
			}
			return delay
		}
	}
	return 0
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
