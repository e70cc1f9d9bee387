package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"QFMCast/cache"
	"QFMCast/core/room"
	"QFMCast/model"
	"QFMCast/pubsub"

	"github.com/jonboulle/clockwork"
)

const testCode = "AB23CD"

var testTrack = model.TrackRef{ID: "t1", Title: "晴天", Artist: "周杰伦", DurationSeconds: 269}

func subscribe(t *testing.T, hub *pubsub.MemoryHub, topic string) pubsub.Subscription {
	t.Helper()
	sub, err := hub.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never confirmed")
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

// next 读取下一条指定类型的消息，跳过其他类型
func next(t *testing.T, sub pubsub.Subscription, msgType pubsub.MessageType) *pubsub.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				t.Fatal("subscription closed")
			}
			if msg.Type == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", msgType)
		}
	}
}

func expectNone(t *testing.T, sub pubsub.Subscription, msgType pubsub.MessageType) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-sub.Messages():
			if msg != nil && msg.Type == msgType {
				t.Fatalf("unexpected %s message", msgType)
			}
		case <-timeout:
			return
		}
	}
}

func decodeState(t *testing.T, msg *pubsub.Message) model.PlayerState {
	t.Helper()
	var st model.PlayerState
	if err := msg.Decode(&st); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return st
}

type fixture struct {
	hub   *pubsub.MemoryHub
	clock *clockwork.FakeClock
	spy   pubsub.Subscription
	ctl   *Controller
	store *cache.MemoryRoomCodeStore
	ctx   context.Context
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	hub := pubsub.NewMemoryHub()
	t.Cleanup(func() { hub.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		hub:   hub,
		clock: clockwork.NewFakeClock(),
		spy:   subscribe(t, hub, room.Topic(testCode)),
		store: cache.NewMemoryRoomCodeStore(),
		ctx:   ctx,
	}
	f.ctl = New(hub, Config{
		DeviceID:         "controller-1",
		Name:             "phone",
		AnnounceInterval: 2 * time.Second,
		AnnounceRetries:  retries,
		PublishInterval:  time.Second,
		Clock:            f.clock,
		Store:            f.store,
	})
	return f
}

// start 连接并运行事件循环，等待两次 announce（立即一次，订阅确认后一次）
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctl.Connect(f.ctx, "ab23cd"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	go f.ctl.Run(f.ctx)
	next(t, f.spy, pubsub.MsgTypeAnnounce)
	next(t, f.spy, pubsub.MsgTypeAnnounce)
	if err := f.clock.BlockUntilContext(f.ctx, 2); err != nil {
		t.Fatalf("tickers not created: %v", err)
	}
}

func (f *fixture) ack(t *testing.T) {
	t.Helper()
	msg, _ := pubsub.NewMessage(pubsub.MsgTypeAck, "display-1", model.AckData{DisplayID: "display-1", RoomCode: testCode})
	if err := f.hub.Publish(f.ctx, room.Topic(testCode), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(f.ctx, 2*time.Second)
	defer cancel()
	if err := f.ctl.WaitPaired(ctx); err != nil {
		t.Fatalf("never paired: %v", err)
	}
}

func TestController_ConnectInvalidCode(t *testing.T) {
	f := newFixture(t, 3)
	for _, code := range []string{"", "AB0CD1", "ABC", "AB23CDE"} {
		if err := f.ctl.Connect(f.ctx, code); !errors.Is(err, room.ErrInvalidCode) {
			t.Errorf("Connect(%q) = %v, want ErrInvalidCode", code, err)
		}
	}
	if err := f.ctl.Run(f.ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Run() = %v, want ErrNotConnected", err)
	}
}

func TestController_AnnounceRetries(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)

	for i := 0; i < 2; i++ {
		f.clock.Advance(2 * time.Second)
		next(t, f.spy, pubsub.MsgTypeAnnounce)
	}
	if n := f.ctl.Announces(); n != 4 {
		t.Fatalf("Announces() = %d, want 4", n)
	}

	// 重试次数用完后停止
	f.clock.Advance(2 * time.Second)
	expectNone(t, f.spy, pubsub.MsgTypeAnnounce)
	if f.ctl.Paired() {
		t.Fatal("should not be paired without ack")
	}
}

func TestController_AnnouncePayload(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.ctl.Connect(f.ctx, testCode); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	msg := next(t, f.spy, pubsub.MsgTypeAnnounce)
	var data model.AnnounceData
	if err := msg.Decode(&data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if data.ControllerID != "controller-1" || data.Name != "phone" || msg.From != "controller-1" {
		t.Fatalf("announce = %+v from %s", data, msg.From)
	}
}

func TestController_AckPairs(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	f.ack(t)

	if f.ctl.DisplayID() != "display-1" {
		t.Fatalf("DisplayID() = %q", f.ctl.DisplayID())
	}
	code, _ := f.store.Recall(f.ctx, "controller-1")
	if code != testCode {
		t.Fatalf("remembered code = %q", code)
	}

	// 配对后立即发布一次状态，并停止 announce
	next(t, f.spy, pubsub.MsgTypePlayerState)
	f.clock.Advance(2 * time.Second)
	expectNone(t, f.spy, pubsub.MsgTypeAnnounce)
}

func TestController_AckForOtherRoomIgnored(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)

	msg, _ := pubsub.NewMessage(pubsub.MsgTypeAck, "display-2", model.AckData{DisplayID: "display-2", RoomCode: "ZZZZZZ"})
	f.hub.Publish(f.ctx, room.Topic(testCode), msg)
	expectNone(t, f.spy, pubsub.MsgTypePlayerState)
	if f.ctl.Paired() {
		t.Fatal("ack for another room must be ignored")
	}
}

func TestController_PublishesState(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	f.ack(t)
	next(t, f.spy, pubsub.MsgTypePlayerState)

	// 切歌立即发布
	f.ctl.SetTrack(testTrack, true)
	st := decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if !st.Track.SameTrack(testTrack) || !st.IsPlaying || st.ProgressSeconds != 0 {
		t.Fatalf("state = %+v", st)
	}
	if st.SentAtMs != f.clock.Now().UnixMilli() {
		t.Fatalf("sentAtMs = %d", st.SentAtMs)
	}

	// 播放中周期性重发
	f.clock.Advance(time.Second)
	st = decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if st.ProgressSeconds != 1 {
		t.Fatalf("tick progress = %v, want 1", st.ProgressSeconds)
	}

	// 暂停立即发布，暂停后不再周期发布
	f.ctl.Pause()
	st = decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if st.IsPlaying || st.ProgressSeconds != 1 {
		t.Fatalf("paused state = %+v", st)
	}
	f.clock.Advance(time.Second)
	expectNone(t, f.spy, pubsub.MsgTypePlayerState)

	// 跳转立即发布
	f.ctl.Seek(30 * time.Second)
	st = decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if st.ProgressSeconds != 30 || st.IsPlaying {
		t.Fatalf("seek state = %+v", st)
	}

	f.ctl.Toggle()
	st = decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if !st.IsPlaying {
		t.Fatalf("toggle state = %+v", st)
	}

	sent, failed := f.ctl.publisher.Stats()
	if sent < 5 || failed != 0 {
		t.Fatalf("stats sent=%d failed=%d", sent, failed)
	}
}

func TestController_BurstOfChangesPublishesLatest(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.ctl.Connect(f.ctx, testCode); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// 事件循环尚未运行，期间的变更都不能丢
	f.ctl.SetTrack(testTrack, true)
	for i := 0; i < 11; i++ {
		f.ctl.Toggle()
	}
	f.ctl.Seek(42 * time.Second)
	if f.ctl.session.Playing() {
		t.Fatal("session should end paused")
	}
	if n := len(f.ctl.changed); n != 1 {
		t.Fatalf("pending signals = %d, want 1", n)
	}

	go f.ctl.Run(f.ctx)
	st := decodeState(t, next(t, f.spy, pubsub.MsgTypePlayerState))
	if st.IsPlaying || st.ProgressSeconds != 42 || !st.Track.SameTrack(testTrack) {
		t.Fatalf("state = %+v, want paused at 42s", st)
	}
	expectNone(t, f.spy, pubsub.MsgTypePlayerState)
}

func TestController_IgnoresOwnEcho(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)

	// 自己发出的 ack 形状的消息不能让自己配对
	msg, _ := pubsub.NewMessage(pubsub.MsgTypeAck, "controller-1", model.AckData{RoomCode: testCode})
	f.hub.Publish(f.ctx, room.Topic(testCode), msg)
	next(t, f.spy, pubsub.MsgTypeAck)
	time.Sleep(50 * time.Millisecond)
	if f.ctl.Paired() {
		t.Fatal("echo must be ignored")
	}
}

func TestController_Reconnect(t *testing.T) {
	t.Run("no remembered code", func(t *testing.T) {
		f := newFixture(t, 3)
		if _, err := f.ctl.Reconnect(f.ctx); !errors.Is(err, ErrNoRememberedCode) {
			t.Fatalf("Reconnect() = %v", err)
		}
	})

	t.Run("remembered code", func(t *testing.T) {
		f := newFixture(t, 3)
		f.store.Remember(f.ctx, "controller-1", testCode)
		code, err := f.ctl.Reconnect(f.ctx)
		if err != nil || code != testCode {
			t.Fatalf("Reconnect() = %q, %v", code, err)
		}
		next(t, f.spy, pubsub.MsgTypeAnnounce)
		if f.ctl.Code() != testCode {
			t.Fatalf("Code() = %q", f.ctl.Code())
		}
	})

	t.Run("invalid remembered code is forgotten", func(t *testing.T) {
		f := newFixture(t, 3)
		f.store.Remember(f.ctx, "controller-1", "0OI1")
		if _, err := f.ctl.Reconnect(f.ctx); !errors.Is(err, room.ErrInvalidCode) {
			t.Fatalf("Reconnect() = %v", err)
		}
		if code, _ := f.store.Recall(f.ctx, "controller-1"); code != "" {
			t.Fatalf("code %q should have been forgotten", code)
		}
	})
}
