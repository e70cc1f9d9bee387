package pubsub

import (
	"context"
	"testing"
	"time"
)

func waitReady(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never became ready")
	}
}

func recv(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return nil
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ctx := context.Background()

	a, err := hub.Subscribe(ctx, "tv-room-AB23CD")
	if err != nil {
		t.Fatal(err)
	}
	b, err := hub.Subscribe(ctx, "tv-room-AB23CD")
	if err != nil {
		t.Fatal(err)
	}
	other, err := hub.Subscribe(ctx, "tv-room-ZZZZZZ")
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, a)
	waitReady(t, b)
	waitReady(t, other)

	msg, err := NewMessage(MsgTypeAnnounce, "controller-1", map[string]string{"name": "phone"})
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(ctx, "tv-room-AB23CD", msg); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []Subscription{a, b} {
		got := recv(t, sub)
		if got.Type != MsgTypeAnnounce || got.From != "controller-1" {
			t.Errorf("got %+v", got)
		}
		var data map[string]string
		if err := got.Decode(&data); err != nil {
			t.Fatal(err)
		}
		if data["name"] != "phone" {
			t.Errorf("data = %v", data)
		}
	}

	select {
	case m := <-other.Messages():
		t.Fatalf("other topic received %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_CloseSubscription(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, sub)

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	// 重复关闭是安全的
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("Messages() should be closed")
	}

	msg, _ := NewMessage(MsgTypeAck, "d", nil)
	if err := hub.Publish(ctx, "t", msg); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryHub_DropFunc(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ctx := context.Background()

	hub.SetDropFunc(func(topic string, msg *Message) bool {
		return msg.Type == MsgTypePlayerState
	})

	sub, _ := hub.Subscribe(ctx, "t")
	waitReady(t, sub)

	state, _ := NewMessage(MsgTypePlayerState, "c", nil)
	ack, _ := NewMessage(MsgTypeAck, "d", nil)
	hub.Publish(ctx, "t", state)
	hub.Publish(ctx, "t", ack)

	if got := recv(t, sub); got.Type != MsgTypeAck {
		t.Fatalf("expected dropped player-state, got %s", got.Type)
	}
}

func TestMemoryHub_ClosedHub(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, _ := hub.Subscribe(ctx, "t")
	waitReady(t, sub)
	hub.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed with hub")
	}

	msg, _ := NewMessage(MsgTypeAck, "d", nil)
	if err := hub.Publish(ctx, "t", msg); err != ErrClosed {
		t.Fatalf("Publish() err = %v, want ErrClosed", err)
	}
	if _, err := hub.Subscribe(ctx, "t"); err != ErrClosed {
		t.Fatalf("Subscribe() err = %v, want ErrClosed", err)
	}
}

func TestMessage_DecodeEmpty(t *testing.T) {
	msg := &Message{Type: MsgTypeAnnounce}
	var v map[string]string
	if err := msg.Decode(&v); err == nil {
		t.Fatal("expected error for empty data")
	}
}
