package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/channel"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/tracker"
)

type fakeSQS struct {
	messages []sqstypes.Message
	deleted  []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeRecorder struct {
	recorded []tracker.Interaction
	err      error
}

func (f *fakeRecorder) Record(_ context.Context, in tracker.Interaction) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, in)
	return nil
}

type fakeRepo struct {
	deliveries map[uuid.UUID]*db.Delivery
}

func (f *fakeRepo) GetDeliveryByNotification(_ context.Context, notificationID uuid.UUID) (*db.Delivery, error) {
	if d, ok := f.deliveries[notificationID]; ok {
		return d, nil
	}
	return nil, db.ErrNotFound
}

func sesEventBody(t *testing.T, eventType string, notificationID uuid.UUID) string {
	t.Helper()
	body := map[string]any{
		"eventType": eventType,
		"mail": map[string]any{
			"tags": map[string][]string{
				channel.NotificationTag: {notificationID.String()},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(raw)
}

func snsWrapped(t *testing.T, inner string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": inner,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

func TestParseEngagement(t *testing.T) {
	notifID := uuid.New()

	tests := []struct {
		name     string
		body     func(t *testing.T) string
		wantType string
		wantOK   bool
	}{
		{"bare open", func(t *testing.T) string { return sesEventBody(t, "Open", notifID) }, db.InteractionOpened, true},
		{"bare click", func(t *testing.T) string { return sesEventBody(t, "Click", notifID) }, db.InteractionClicked, true},
		{"sns wrapped", func(t *testing.T) string { return snsWrapped(t, sesEventBody(t, "Open", notifID)) }, db.InteractionOpened, true},
		{"bounce dropped", func(t *testing.T) string { return sesEventBody(t, "Bounce", notifID) }, "", false},
		{"not json", func(t *testing.T) string { return "definitely not json" }, "", false},
		{"missing tag", func(t *testing.T) string { return `{"eventType":"Open","mail":{"tags":{}}}` }, "", false},
		{"bad uuid", func(t *testing.T) string {
			return fmt.Sprintf(`{"eventType":"Open","mail":{"tags":{"%s":["nope"]}}}`, channel.NotificationTag)
		}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseEngagement(tt.body(t))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}
			if got.NotificationID != notifID {
				t.Errorf("notification = %s, want %s", got.NotificationID, notifID)
			}
		})
	}
}

func TestPoll_RecordsAndDeletes(t *testing.T) {
	notifID := uuid.New()
	delivery := &db.Delivery{ID: uuid.New(), NotificationID: notifID, Channel: db.ChannelEmail}

	client := &fakeSQS{messages: []sqstypes.Message{
		{
			Body:          aws.String(snsWrapped(t, sesEventBody(t, "Open", notifID))),
			ReceiptHandle: aws.String("rh-1"),
		},
	}}
	recorder := &fakeRecorder{}
	repo := &fakeRepo{deliveries: map[uuid.UUID]*db.Delivery{notifID: delivery}}

	c := NewConsumer(client, recorder, repo, Config{QueueURL: "https://sqs.test/q"}, zap.NewNop())
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(recorder.recorded) != 1 {
		t.Fatalf("recorded = %d, want 1", len(recorder.recorded))
	}
	if recorder.recorded[0].DeliveryID != delivery.ID || recorder.recorded[0].Type != db.InteractionOpened {
		t.Errorf("recorded %+v, want opened on delivery %s", recorder.recorded[0], delivery.ID)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-1" {
		t.Errorf("deleted = %v, want the consumed receipt", client.deleted)
	}
}

func TestPoll_MalformedMessageStillDeleted(t *testing.T) {
	client := &fakeSQS{messages: []sqstypes.Message{
		{Body: aws.String("not json"), ReceiptHandle: aws.String("rh-bad")},
	}}
	recorder := &fakeRecorder{}

	c := NewConsumer(client, recorder, &fakeRepo{}, Config{QueueURL: "q"}, zap.NewNop())
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(recorder.recorded) != 0 {
		t.Errorf("recorded = %v, want none", recorder.recorded)
	}
	if len(client.deleted) != 1 {
		t.Errorf("deleted = %v, want poison message removed", client.deleted)
	}
}

func TestPoll_UnknownDeliverySkipped(t *testing.T) {
	client := &fakeSQS{messages: []sqstypes.Message{
		{
			Body:          aws.String(sesEventBody(t, "Click", uuid.New())),
			ReceiptHandle: aws.String("rh-2"),
		},
	}}
	recorder := &fakeRecorder{}

	c := NewConsumer(client, recorder, &fakeRepo{}, Config{QueueURL: "q"}, zap.NewNop())
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recorder.recorded) != 0 {
		t.Errorf("recorded = %v, want none for an unknown notification", recorder.recorded)
	}
}
