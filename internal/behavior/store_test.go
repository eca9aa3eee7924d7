package behavior

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

type mockRepo struct {
	patterns   map[uuid.UUID]*db.BehaviorPattern
	hourCounts map[int]int
	channels   []*db.ChannelStat
	days       []*db.DailyEngagement

	getErr    error
	upsertErr error
	upserts   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{patterns: make(map[uuid.UUID]*db.BehaviorPattern)}
}

func (m *mockRepo) GetBehaviorPattern(ctx context.Context, userID uuid.UUID) (*db.BehaviorPattern, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.patterns[userID]
	if !ok {
		return nil, fmt.Errorf("behavior pattern: %w", db.ErrNotFound)
	}
	return p, nil
}

func (m *mockRepo) UpsertBehaviorPattern(ctx context.Context, p *db.BehaviorPattern) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.patterns[p.UserID] = p
	return nil
}

func (m *mockRepo) ActivityHourCounts(ctx context.Context, userID uuid.UUID, since time.Time) (map[int]int, error) {
	if m.hourCounts == nil {
		return map[int]int{}, nil
	}
	return m.hourCounts, nil
}

func (m *mockRepo) ChannelStats(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.ChannelStat, error) {
	return m.channels, nil
}

func (m *mockRepo) DailyEngagements(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.DailyEngagement, error) {
	return m.days, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGetOrCreate_DefaultsWithoutHistory(t *testing.T) {
	repo := newMockRepo()
	store := New(repo, zap.NewNop())
	userID := uuid.New()

	pattern, err := store.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantHours := []int{9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	if len(pattern.ActiveHours) != len(wantHours) {
		t.Fatalf("expected business hours 9-18, got %v", pattern.ActiveHours)
	}
	for i, h := range wantHours {
		if pattern.ActiveHours[i] != h {
			t.Errorf("active hour %d: got %d, want %d", i, pattern.ActiveHours[i], h)
		}
	}
	if pattern.OptimalDailyFreq != 3 {
		t.Errorf("expected default frequency 3, got %d", pattern.OptimalDailyFreq)
	}
	if pattern.EngagementRate != 0.5 {
		t.Errorf("expected neutral engagement 0.5, got %f", pattern.EngagementRate)
	}
	for _, c := range db.Channels {
		if pattern.ChannelEngagement[c] != 0.5 {
			t.Errorf("expected neutral rate for %s, got %f", c, pattern.ChannelEngagement[c])
		}
	}
	if repo.upserts != 1 {
		t.Errorf("derived pattern should be persisted, upserts=%d", repo.upserts)
	}
}

func TestGetOrCreate_ReturnsStoredPattern(t *testing.T) {
	repo := newMockRepo()
	userID := uuid.New()
	repo.patterns[userID] = &db.BehaviorPattern{
		UserID:           userID,
		ActiveHours:      []int{22, 23},
		OptimalDailyFreq: 7,
	}

	store := New(repo, zap.NewNop())
	pattern, err := store.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pattern.OptimalDailyFreq != 7 {
		t.Errorf("expected stored pattern, got %+v", pattern)
	}
	if repo.upserts != 0 {
		t.Error("stored pattern should not be re-derived")
	}
}

func TestGetOrCreate_DerivesActiveHours(t *testing.T) {
	repo := newMockRepo()
	// 40 events at hour 10 and 20, 1 event elsewhere. Average is 84/24 = 3.5;
	// threshold 2.45, so only the busy hours qualify.
	repo.hourCounts = map[int]int{10: 40, 20: 40}
	for h := 0; h < 4; h++ {
		repo.hourCounts[h] = 1
	}

	store := New(repo, zap.NewNop())
	pattern, err := store.GetOrCreate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pattern.ActiveHours) != 2 || pattern.ActiveHours[0] != 10 || pattern.ActiveHours[1] != 20 {
		t.Errorf("expected active hours [10 20], got %v", pattern.ActiveHours)
	}
}

func TestGetOrCreate_DerivesChannelEngagement(t *testing.T) {
	repo := newMockRepo()
	repo.channels = []*db.ChannelStat{
		{Channel: db.ChannelEmail, Sent: 10, Engaged: 8},
		{Channel: db.ChannelSMS, Sent: 4, Engaged: 1},
	}

	store := New(repo, zap.NewNop())
	pattern, err := store.GetOrCreate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pattern.ChannelEngagement[db.ChannelEmail] != 0.8 {
		t.Errorf("expected email rate 0.8, got %f", pattern.ChannelEngagement[db.ChannelEmail])
	}
	if pattern.ChannelEngagement[db.ChannelSMS] != 0.25 {
		t.Errorf("expected sms rate 0.25, got %f", pattern.ChannelEngagement[db.ChannelSMS])
	}
	// Channels never used keep the neutral rate.
	if pattern.ChannelEngagement[db.ChannelPush] != 0.5 {
		t.Errorf("expected neutral push rate, got %f", pattern.ChannelEngagement[db.ChannelPush])
	}
}

func TestGetOrCreate_DerivesOptimalFrequency(t *testing.T) {
	repo := newMockRepo()
	// Days with 2 sends engage better than days with 5.
	repo.days = []*db.DailyEngagement{
		{Sent: 2, Engaged: 2},
		{Sent: 2, Engaged: 1},
		{Sent: 5, Engaged: 1},
		{Sent: 5, Engaged: 0},
	}

	store := New(repo, zap.NewNop())
	pattern, err := store.GetOrCreate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pattern.OptimalDailyFreq != 2 {
		t.Errorf("expected optimal frequency 2, got %d", pattern.OptimalDailyFreq)
	}
}

func TestUpdateFromInteraction_Deltas(t *testing.T) {
	tests := []struct {
		interaction string
		want        float64
	}{
		{db.InteractionOpened, 0.6},
		{db.InteractionClicked, 0.7},
		{db.InteractionDismissed, 0.4},
		{db.InteractionIgnored, 0.45},
	}

	for _, tt := range tests {
		repo := newMockRepo()
		store := New(repo, zap.NewNop())
		userID := uuid.New()

		if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelEmail, tt.interaction, nil); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.interaction, err)
		}

		got := repo.patterns[userID].ChannelEngagement[db.ChannelEmail]
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: engagement = %f, want %f", tt.interaction, got, tt.want)
		}
	}
}

func TestUpdateFromInteraction_ClampsToUnitInterval(t *testing.T) {
	repo := newMockRepo()
	userID := uuid.New()
	repo.patterns[userID] = &db.BehaviorPattern{
		UserID:            userID,
		ChannelEngagement: map[string]float64{db.ChannelPush: 0.95},
		EngagementRate:    0.99,
	}

	store := New(repo, zap.NewNop())
	if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelPush, db.InteractionClicked, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := repo.patterns[userID]
	if p.ChannelEngagement[db.ChannelPush] != 1.0 {
		t.Errorf("channel engagement should clamp to 1.0, got %f", p.ChannelEngagement[db.ChannelPush])
	}
	if p.EngagementRate != 1.0 {
		t.Errorf("engagement rate should clamp to 1.0, got %f", p.EngagementRate)
	}
}

func TestUpdateFromInteraction_MonotonicPerChannel(t *testing.T) {
	repo := newMockRepo()
	userID := uuid.New()
	store := New(repo, zap.NewNop())

	// Positive interactions never decrease the channel rate.
	prev := 0.0
	for i := 0; i < 8; i++ {
		if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelInApp, db.InteractionOpened, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := repo.patterns[userID].ChannelEngagement[db.ChannelInApp]
		if got < prev {
			t.Fatalf("opened decreased engagement: %f -> %f", prev, got)
		}
		prev = got
	}

	// Negative interactions never increase it.
	for i := 0; i < 8; i++ {
		before := repo.patterns[userID].ChannelEngagement[db.ChannelInApp]
		if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelInApp, db.InteractionDismissed, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		after := repo.patterns[userID].ChannelEngagement[db.ChannelInApp]
		if after > before {
			t.Fatalf("dismissed increased engagement: %f -> %f", before, after)
		}
	}
}

func TestUpdateFromInteraction_ResponseTimeBlend(t *testing.T) {
	repo := newMockRepo()
	userID := uuid.New()
	repo.patterns[userID] = &db.BehaviorPattern{
		UserID:             userID,
		ChannelEngagement:  map[string]float64{},
		AvgResponseSeconds: 100,
	}

	store := New(repo, zap.NewNop())
	rt := 200.0
	if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelEmail, db.InteractionOpened, &rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := repo.patterns[userID].AvgResponseSeconds
	if diff := got - 120.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected blended response time 120, got %f", got)
	}
}

func TestUpdateFromInteraction_NoBlendForNegativeInteraction(t *testing.T) {
	repo := newMockRepo()
	userID := uuid.New()
	repo.patterns[userID] = &db.BehaviorPattern{
		UserID:             userID,
		ChannelEngagement:  map[string]float64{},
		AvgResponseSeconds: 100,
	}

	store := New(repo, zap.NewNop())
	rt := 900.0
	if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelEmail, db.InteractionDismissed, &rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := repo.patterns[userID].AvgResponseSeconds; got != 100 {
		t.Errorf("dismissed must not blend response time, got %f", got)
	}
}

func TestUpdateFromInteraction_PropagatesStoreError(t *testing.T) {
	repo := newMockRepo()
	repo.getErr = errors.New("connection refused")

	store := New(repo, zap.NewNop())
	err := store.UpdateFromInteraction(context.Background(), uuid.New(), db.ChannelEmail, db.InteractionOpened, nil)
	if err == nil {
		t.Fatal("expected error to propagate to caller")
	}
}

func TestFixedClockUsedForLastUpdated(t *testing.T) {
	repo := newMockRepo()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := New(repo, zap.NewNop()).WithClock(fixedClock(at))
	userID := uuid.New()

	if err := store.UpdateFromInteraction(context.Background(), userID, db.ChannelEmail, db.InteractionOpened, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.patterns[userID].LastUpdated.Equal(at) {
		t.Errorf("expected LastUpdated %v, got %v", at, repo.patterns[userID].LastUpdated)
	}
}
