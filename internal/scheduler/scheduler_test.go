package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/scoring"
)

type mockRepo struct {
	mu             sync.Mutex
	notifications  map[uuid.UUID]*db.Notification
	deliveries     map[uuid.UUID]*db.Delivery
	statusLog      []string
	createNotifErr error
	createDelivErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		deliveries:    make(map[uuid.UUID]*db.Delivery),
	}
}

func (m *mockRepo) CreateNotification(_ context.Context, notif *db.Notification) error {
	if m.createNotifErr != nil {
		return m.createNotifErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[notif.ID] = notif
	return nil
}

func (m *mockRepo) CreateDelivery(_ context.Context, d *db.Delivery) error {
	if m.createDelivErr != nil {
		return m.createDelivErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *d
	m.deliveries[d.ID] = &copied
	return nil
}

func (m *mockRepo) UpdateDeliveryStatus(_ context.Context, id uuid.UUID, status string, errMsg *string, deliveredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusLog = append(m.statusLog, status)
	if d, ok := m.deliveries[id]; ok {
		d.Status = status
		d.ErrorMessage = errMsg
		if deliveredAt != nil {
			d.DeliveredAt = deliveredAt
		}
	}
	return nil
}

func (m *mockRepo) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if notif, ok := m.notifications[id]; ok {
		return notif, nil
	}
	return nil, db.ErrNotFound
}

type mockScorer struct {
	result *scoring.Result
	calls  int
}

func (m *mockScorer) Score(_ context.Context, _ uuid.UUID, _ string) *scoring.Result {
	m.calls++
	return m.result
}

type mockAssigner struct {
	variant string
	calls   int
}

func (m *mockAssigner) Assign(_ context.Context, _, _ string) string {
	m.calls++
	return m.variant
}

type mockRouter struct {
	mu         sync.Mutex
	err        error
	dispatched []string // channel names in dispatch order
}

func (m *mockRouter) Dispatch(_ context.Context, channelName string, _ *db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, channelName)
	return m.err
}

func (m *mockRouter) Supports(_ string) bool { return true }

func immediateResult(channel string) *scoring.Result {
	r := scoring.Neutral()
	r.Score = 0.7
	r.Channel = channel
	return r
}

func deferredResult(channel string, delay time.Duration) *scoring.Result {
	r := immediateResult(channel)
	r.Delay = delay
	return r
}

func testNotification(priority string) *db.Notification {
	return &db.Notification{
		UserID:   uuid.New(),
		Title:    "Deploy finished",
		Body:     "v2.4.1 is live",
		Type:     "project_update",
		Priority: priority,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
}

func TestSchedule_ImmediateDispatch(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	scorer := &mockScorer{result: immediateResult(db.ChannelEmail)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityMedium)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if decision.Delivery.Status != db.StatusDelivered {
		t.Errorf("status = %q, want delivered", decision.Delivery.Status)
	}
	if decision.Delivery.Channel != db.ChannelEmail {
		t.Errorf("channel = %q, want email", decision.Delivery.Channel)
	}
	if decision.Delivery.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
	if len(router.dispatched) != 1 || router.dispatched[0] != db.ChannelEmail {
		t.Errorf("dispatched = %v, want one email dispatch", router.dispatched)
	}
	if len(repo.notifications) != 1 {
		t.Errorf("notifications persisted = %d, want 1", len(repo.notifications))
	}
}

func TestSchedule_DeferredSkipsDispatch(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	scorer := &mockScorer{result: deferredResult(db.ChannelPush, 3*time.Hour)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityMedium)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if decision.Delivery.Status != db.StatusPending {
		t.Errorf("status = %q, want pending", decision.Delivery.Status)
	}
	want := fixedNow().Add(3 * time.Hour)
	if !decision.Delivery.ScheduledAt.Equal(want) {
		t.Errorf("scheduled_at = %v, want %v", decision.Delivery.ScheduledAt, want)
	}
	if len(router.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none until due", router.dispatched)
	}
}

func TestSchedule_UrgentNeverWaits(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	scorer := &mockScorer{result: deferredResult(db.ChannelEmail, 6*time.Hour)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityUrgent)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if decision.Delivery.Status != db.StatusDelivered {
		t.Errorf("status = %q, want delivered immediately", decision.Delivery.Status)
	}
	if !decision.Delivery.ScheduledAt.Equal(fixedNow()) {
		t.Errorf("scheduled_at = %v, want now", decision.Delivery.ScheduledAt)
	}
}

func TestSchedule_ForceChannelOverridesRecommendation(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	scorer := &mockScorer{result: immediateResult(db.ChannelEmail)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{
		Notification: testNotification(db.PriorityMedium),
		ForceChannel: db.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if decision.Delivery.Channel != db.ChannelSMS {
		t.Errorf("channel = %q, want forced sms", decision.Delivery.Channel)
	}
	if scorer.calls != 1 {
		t.Errorf("scorer calls = %d, want 1 (forcing channel keeps scoring)", scorer.calls)
	}
}

func TestSchedule_SkipScoring(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	scorer := &mockScorer{result: immediateResult(db.ChannelEmail)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{
		Notification: testNotification(db.PriorityMedium),
		SkipScoring:  true,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if scorer.calls != 0 {
		t.Errorf("scorer calls = %d, want 0", scorer.calls)
	}
	if decision.Score != nil {
		t.Error("decision carries a score despite skip")
	}
	if decision.Delivery.Channel != db.ChannelInApp {
		t.Errorf("channel = %q, want in_app default", decision.Delivery.Channel)
	}
	if decision.Delivery.Status != db.StatusDelivered {
		t.Errorf("status = %q, want delivered (skip means no delay)", decision.Delivery.Status)
	}
}

func TestSchedule_SkipScoringWithForcedChannel(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{}
	s := New(repo, &mockScorer{}, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{
		Notification: testNotification(db.PriorityMedium),
		SkipScoring:  true,
		ForceChannel: db.ChannelPush,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if decision.Delivery.Channel != db.ChannelPush {
		t.Errorf("channel = %q, want push", decision.Delivery.Channel)
	}
}

func TestSchedule_DispatchFailureRecordedNotReturned(t *testing.T) {
	repo := newMockRepo()
	router := &mockRouter{err: errors.New("ses throttled")}
	scorer := &mockScorer{result: immediateResult(db.ChannelEmail)}
	s := New(repo, scorer, &mockAssigner{}, router, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityMedium)})
	if err != nil {
		t.Fatalf("Schedule returned error for a channel failure: %v", err)
	}

	if decision.Delivery.Status != db.StatusFailed {
		t.Errorf("status = %q, want failed", decision.Delivery.Status)
	}
	if decision.Delivery.ErrorMessage == nil || *decision.Delivery.ErrorMessage != "ses throttled" {
		t.Errorf("error message = %v, want recorded", decision.Delivery.ErrorMessage)
	}
	// The notification row stays regardless of the channel outcome.
	if len(repo.notifications) != 1 {
		t.Errorf("notifications persisted = %d, want 1", len(repo.notifications))
	}
}

func TestSchedule_VariantAssignment(t *testing.T) {
	repo := newMockRepo()
	assigner := &mockAssigner{variant: "friendly_tone"}
	scorer := &mockScorer{result: immediateResult(db.ChannelInApp)}
	s := New(repo, scorer, assigner, &mockRouter{}, zap.NewNop()).WithClock(fixedNow)

	decision, err := s.Schedule(context.Background(), Request{
		Notification: testNotification(db.PriorityMedium),
		ABTestName:   "tone_experiment",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if decision.Variant != "friendly_tone" {
		t.Errorf("variant = %q, want friendly_tone", decision.Variant)
	}
	if decision.Delivery.ABVariant == nil || *decision.Delivery.ABVariant != "friendly_tone" {
		t.Error("variant not recorded on the delivery")
	}

	// No test name, no assignment.
	assigner.calls = 0
	if _, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityMedium)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if assigner.calls != 0 {
		t.Errorf("assigner calls = %d, want 0", assigner.calls)
	}
}

func TestSchedule_CreateNotificationErrorPropagates(t *testing.T) {
	repo := newMockRepo()
	repo.createNotifErr = errors.New("db down")
	s := New(repo, &mockScorer{result: immediateResult(db.ChannelInApp)}, &mockAssigner{}, &mockRouter{}, zap.NewNop())

	if _, err := s.Schedule(context.Background(), Request{Notification: testNotification(db.PriorityMedium)}); err == nil {
		t.Fatal("expected error when the notification cannot be persisted")
	}
}
