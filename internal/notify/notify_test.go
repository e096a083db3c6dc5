package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hamed0406/listingwatch/internal/domain"
)

type recordingChannel struct {
	got []domain.Target
}

func (r *recordingChannel) Send(ctx context.Context, target domain.Target, msg Message) error {
	r.got = append(r.got, target)
	return nil
}

func TestRouter_PicksChannelByTarget(t *testing.T) {
	tg, sl := &recordingChannel{}, &recordingChannel{}
	r := Router{"telegram": tg, "slack": sl}

	if err := r.Send(context.Background(), domain.Target{Channel: "slack", Destination: "hook"}, Message{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sl.got) != 1 || len(tg.got) != 0 {
		t.Fatalf("routed to wrong channel: tg=%v slack=%v", tg.got, sl.got)
	}

	var rej *RejectedError
	if err := r.Send(context.Background(), domain.Target{Channel: "email"}, Message{}); !errors.As(err, &rej) {
		t.Fatalf("unknown channel must be rejected, got %v", err)
	}
}

func TestRender(t *testing.T) {
	m := Render(domain.PendingNotification{
		ExternalID: "101",
		Payload:    map[string]string{"title": "Road bike", "price": "250 EUR", "url": "http://market.test/item/101"},
	})
	if m.Title != "Road bike" || m.Text != "250 EUR\nhttp://market.test/item/101" || m.URL == "" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if got := Render(domain.PendingNotification{ExternalID: "7"}); got.Title != "New listing 7" {
		t.Fatalf("fallback title: %+v", got)
	}
}

type fakeAMQPChannel struct {
	key  string
	body []byte
	err  error
}

func (f *fakeAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.key, f.body = key, msg.Body
	return f.err
}

func (f *fakeAMQPChannel) Close() error { return nil }

func TestAMQP_PublishesEnvelope(t *testing.T) {
	ch := &fakeAMQPChannel{}
	a := &AMQP{ch: ch, exchange: "listingwatch"}

	err := a.Send(context.Background(), domain.Target{Channel: "amqp", Destination: "bikes"}, Message{Title: "Road bike"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var env amqpEnvelope
	if err := json.Unmarshal(ch.body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if ch.key != "bikes" || env.Message.Title != "Road bike" {
		t.Fatalf("unexpected publish: key=%s env=%+v", ch.key, env)
	}
}

func TestAMQP_ClassifiesErrors(t *testing.T) {
	a := &AMQP{ch: &fakeAMQPChannel{err: amqp.ErrClosed}, exchange: "x"}
	var te *TransientError
	if err := a.Send(context.Background(), domain.Target{Destination: "k"}, Message{}); !errors.As(err, &te) {
		t.Fatalf("closed channel must be transient, got %v", err)
	}

	a = &AMQP{ch: &fakeAMQPChannel{err: &amqp.Error{Code: amqp.NotFound, Reason: "no exchange 'x'"}}, exchange: "x"}
	var rej *RejectedError
	if err := a.Send(context.Background(), domain.Target{Destination: "k"}, Message{}); !errors.As(err, &rej) {
		t.Fatalf("hard error must be rejected, got %v", err)
	}
}
