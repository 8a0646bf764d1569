package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"salon-loyalty/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	publishErr error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if kind != amqp.ExchangeTopic || !durable {
		return errors.New("unexpected exchange shape")
	}
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func TestRabbitPublisher_PublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewRabbitPublisher(ch, "loyalty_events", logger.Discard())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "loyalty_events" {
		t.Fatalf("expected exchange declared, got %v", ch.declared)
	}

	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	ev := New(TypeSettlementCompleted, "salon-1", "client-1", at, map[string]int64{"final_amount": 0})
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(ch.published) != 1 || ch.keys[0] != TypeSettlementCompleted {
		t.Fatalf("unexpected publish: %v", ch.keys)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != ev.ID {
		t.Fatalf("unexpected message headers: %+v", msg)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("body: %v", err)
	}
	if decoded.TenantID != "salon-1" || decoded.Type != TypeSettlementCompleted {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestRabbitPublisher_WrapsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	p, _ := NewRabbitPublisher(&fakeChannel{publishErr: boom}, "x", nil)
	err := p.Publish(context.Background(), New(TypeWalletToppedUp, "t", "c", time.Now(), nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewRabbitPublisher_Validates(t *testing.T) {
	if _, err := NewRabbitPublisher(nil, "x", nil); err == nil {
		t.Fatalf("expected error for nil channel")
	}
	if _, err := NewRabbitPublisher(&fakeChannel{}, "", nil); err == nil {
		t.Fatalf("expected error for empty exchange")
	}
}
