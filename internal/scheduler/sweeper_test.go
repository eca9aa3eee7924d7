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
)

type mockSweepRepo struct {
	mu            sync.Mutex
	due           []*db.Delivery
	claimErr      error
	claims        int
	notifications map[uuid.UUID]*db.Notification
	updates       map[uuid.UUID]string
}

func newMockSweepRepo() *mockSweepRepo {
	return &mockSweepRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		updates:       make(map[uuid.UUID]string),
	}
}

// ClaimDueDeliveries hands out the due set once, like the row locks do.
func (m *mockSweepRepo) ClaimDueDeliveries(_ context.Context, _ time.Time, limit int) ([]*db.Delivery, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	if len(m.due) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(m.due) {
		n = len(m.due)
	}
	claimed := m.due[:n]
	m.due = m.due[n:]
	for _, d := range claimed {
		d.Status = db.StatusProcessing
	}
	return claimed, nil
}

func (m *mockSweepRepo) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if notif, ok := m.notifications[id]; ok {
		return notif, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockSweepRepo) UpdateDeliveryStatus(_ context.Context, id uuid.UUID, status string, _ *string, _ *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = status
	return nil
}

func (m *mockSweepRepo) addDue(channel string) *db.Delivery {
	notif := testNotification(db.PriorityMedium)
	notif.ID = uuid.New()
	delivery := &db.Delivery{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		UserID:         notif.UserID,
		Channel:        channel,
		Status:         db.StatusPending,
	}
	m.notifications[notif.ID] = notif
	m.due = append(m.due, delivery)
	return delivery
}

func TestSweep_DispatchesDueDeliveries(t *testing.T) {
	repo := newMockSweepRepo()
	d1 := repo.addDue(db.ChannelEmail)
	d2 := repo.addDue(db.ChannelPush)
	router := &mockRouter{}

	sw := NewSweeper(repo, router, SweeperConfig{BatchSize: 10}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())

	if len(router.dispatched) != 2 {
		t.Fatalf("dispatched %d deliveries, want 2", len(router.dispatched))
	}
	for _, d := range []*db.Delivery{d1, d2} {
		if repo.updates[d.ID] != db.StatusDelivered {
			t.Errorf("delivery %s status = %q, want delivered", d.ID, repo.updates[d.ID])
		}
	}
}

func TestSweep_EachDeliveryClaimedOnce(t *testing.T) {
	repo := newMockSweepRepo()
	repo.addDue(db.ChannelEmail)
	router := &mockRouter{}

	sw := NewSweeper(repo, router, SweeperConfig{BatchSize: 10}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())
	sw.Sweep(context.Background())

	if len(router.dispatched) != 1 {
		t.Fatalf("dispatched %d times across two sweeps, want 1", len(router.dispatched))
	}
}

func TestSweep_FailureMarksDeliveryFailed(t *testing.T) {
	repo := newMockSweepRepo()
	d := repo.addDue(db.ChannelSMS)
	router := &mockRouter{err: errors.New("sns unavailable")}

	sw := NewSweeper(repo, router, SweeperConfig{}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())

	if repo.updates[d.ID] != db.StatusFailed {
		t.Errorf("status = %q, want failed", repo.updates[d.ID])
	}
}

func TestSweep_MissingNotificationMarksFailed(t *testing.T) {
	repo := newMockSweepRepo()
	d := repo.addDue(db.ChannelEmail)
	delete(repo.notifications, d.NotificationID)
	router := &mockRouter{}

	sw := NewSweeper(repo, router, SweeperConfig{}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())

	if len(router.dispatched) != 0 {
		t.Error("dispatched a delivery whose notification is gone")
	}
	if repo.updates[d.ID] != db.StatusFailed {
		t.Errorf("status = %q, want failed", repo.updates[d.ID])
	}
}

func TestSweep_ClaimErrorLeavesRowsAlone(t *testing.T) {
	repo := newMockSweepRepo()
	repo.claimErr = errors.New("db down")
	router := &mockRouter{}

	sw := NewSweeper(repo, router, SweeperConfig{}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())

	if len(router.dispatched) != 0 {
		t.Error("dispatched despite a failed claim")
	}
}

func TestSweep_HonorsBatchSize(t *testing.T) {
	repo := newMockSweepRepo()
	for i := 0; i < 7; i++ {
		repo.addDue(db.ChannelInApp)
	}
	router := &mockRouter{}

	sw := NewSweeper(repo, router, SweeperConfig{BatchSize: 3}, zap.NewNop()).WithClock(fixedNow)
	sw.Sweep(context.Background())

	if len(router.dispatched) != 3 {
		t.Fatalf("dispatched %d, want batch of 3", len(router.dispatched))
	}
}

func TestSweeper_StartStopsOnCancel(t *testing.T) {
	repo := newMockSweepRepo()
	sw := NewSweeper(repo, &mockRouter{}, SweeperConfig{PollInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
