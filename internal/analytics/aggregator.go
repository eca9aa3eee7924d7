// Package analytics exposes read-side engagement rollups over the delivery
// history.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// DefaultPeriod is used when a query names no period.
const DefaultPeriod = "7d"

// periods whitelists the supported lookback windows.
var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// reportDimensions are the breakdowns every report carries. They mirror the
// repository's GROUP BY expressions.
var reportDimensions = []string{"channel", "type", "hour", "day"}

// ParsePeriod resolves a period token to its duration. Empty means the
// default window.
func ParsePeriod(period string) (time.Duration, error) {
	if period == "" {
		period = DefaultPeriod
	}
	d, ok := periods[period]
	if !ok {
		return 0, fmt.Errorf("unknown analytics period %q", period)
	}
	return d, nil
}

// Repo is the read side the aggregator queries.
type Repo interface {
	EngagementByDimension(ctx context.Context, dimension string, f db.AnalyticsFilter) ([]*db.EngagementStat, error)
}

// Query narrows an engagement report.
type Query struct {
	Period  string
	UserID  string // optional uuid
	Type    string
	Channel string
}

// Totals sums a report across groups.
type Totals struct {
	Sent      int     `json:"sent"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	Dismissed int     `json:"dismissed"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

// Report is one engagement rollup, broken down by channel, notification
// type, hour of day, and day.
type Report struct {
	Period    string               `json:"period"`
	From      time.Time            `json:"from"`
	To        time.Time            `json:"to"`
	ByChannel []*db.EngagementStat `json:"by_channel"`
	ByType    []*db.EngagementStat `json:"by_type"`
	ByHour    []*db.EngagementStat `json:"by_hour"`
	ByDay     []*db.EngagementStat `json:"by_day"`
	Totals    Totals               `json:"totals"`
}

// Aggregator builds engagement reports.
type Aggregator struct {
	repo   Repo
	logger *zap.Logger
	now    func() time.Time
}

func New(repo Repo, logger *zap.Logger) *Aggregator {
	return &Aggregator{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the aggregator's clock. Used in tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Engagement runs one rollup query. Invalid periods and user IDs are
// rejected before touching the database.
func (a *Aggregator) Engagement(ctx context.Context, q Query) (*Report, error) {
	if q.Period == "" {
		q.Period = DefaultPeriod
	}
	window, err := ParsePeriod(q.Period)
	if err != nil {
		return nil, err
	}

	filter := db.AnalyticsFilter{
		To:      a.now(),
		Type:    q.Type,
		Channel: q.Channel,
	}
	filter.From = filter.To.Add(-window)

	if q.UserID != "" {
		userID, err := uuid.Parse(q.UserID)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", q.UserID)
		}
		filter.UserID = &userID
	}

	byDim := make(map[string][]*db.EngagementStat, len(reportDimensions))
	for _, dim := range reportDimensions {
		groups, err := a.repo.EngagementByDimension(ctx, dim, filter)
		if err != nil {
			return nil, fmt.Errorf("aggregate engagement by %s: %w", dim, err)
		}
		byDim[dim] = groups
	}

	report := &Report{
		Period:    q.Period,
		From:      filter.From,
		To:        filter.To,
		ByChannel: byDim["channel"],
		ByType:    byDim["type"],
		ByHour:    byDim["hour"],
		ByDay:     byDim["day"],
	}
	// The channel buckets partition the deliveries, so totals sum over them
	// exactly once.
	for _, g := range report.ByChannel {
		report.Totals.Sent += g.Sent
		report.Totals.Opened += g.Opened
		report.Totals.Clicked += g.Clicked
		report.Totals.Dismissed += g.Dismissed
	}
	if report.Totals.Sent > 0 {
		report.Totals.OpenRate = float64(report.Totals.Opened) / float64(report.Totals.Sent)
		report.Totals.ClickRate = float64(report.Totals.Clicked) / float64(report.Totals.Sent)
	}

	return report, nil
}
