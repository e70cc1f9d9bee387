package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"QFMCast/config"
	"QFMCast/core/auth"
	"QFMCast/model"
	"QFMCast/pubsub"
)

const testTopic = "tv-room-AB23CD"

func newTestRelay(t *testing.T, secret string) (*httptest.Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewRelayHub()
	go hub.Run()

	cfg := &config.Config{Origin: "https://fm.example", RelayJWTSecret: secret}
	srv := httptest.NewServer(NewRouter(ctx, hub, cfg))
	t.Cleanup(func() {
		cancel()
		hub.Stop()
		srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func subscribeReady(t *testing.T, tr pubsub.Transport, topic string) pubsub.Subscription {
	t.Helper()
	sub, err := tr.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never confirmed subscription")
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func receive(t *testing.T, sub pubsub.Subscription) *pubsub.Message {
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

func TestRelay_ForwardsToOtherSubscribers(t *testing.T) {
	_, wsURL := newTestRelay(t, "")
	tv := pubsub.NewWSTransport(wsURL, "")
	phone := pubsub.NewWSTransport(wsURL, "")
	defer tv.Close()
	defer phone.Close()

	tvSub := subscribeReady(t, tv, testTopic)
	phoneSub := subscribeReady(t, phone, testTopic)

	msg, _ := pubsub.NewMessage(pubsub.MsgTypePlayerState, "phone", model.PlayerState{
		Track:     model.TrackRef{Title: "晴天", Artist: "周杰伦"},
		IsPlaying: true,
	})
	if err := phone.Publish(context.Background(), testTopic, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, tvSub)
	var st model.PlayerState
	if err := got.Decode(&st); err != nil || got.From != "phone" || st.Track.Title != "晴天" || !st.IsPlaying {
		t.Fatalf("received %+v (%v)", st, err)
	}

	// 发送者不会收到自己的帧
	select {
	case m := <-phoneSub.Messages():
		t.Fatalf("sender received its own frame: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_BurstIsDelivered(t *testing.T) {
	_, wsURL := newTestRelay(t, "")
	tv := pubsub.NewWSTransport(wsURL, "")
	phone := pubsub.NewWSTransport(wsURL, "")
	defer tv.Close()
	defer phone.Close()

	tvSub := subscribeReady(t, tv, testTopic)
	subscribeReady(t, phone, testTopic)

	// 排队的帧可能被合并为一个 WebSocket 消息
	for i := 0; i < 20; i++ {
		msg, _ := pubsub.NewMessage(pubsub.MsgTypeAnnounce, "phone", model.AnnounceData{ControllerID: "phone"})
		if err := phone.Publish(context.Background(), testTopic, msg); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if m := receive(t, tvSub); m.Type != pubsub.MsgTypeAnnounce {
			t.Fatalf("message %d type = %s", i, m.Type)
		}
	}
}

func TestRelay_HTTPPublish(t *testing.T) {
	srv, wsURL := newTestRelay(t, "")
	tv := pubsub.NewWSTransport(wsURL, "")
	defer tv.Close()
	tvSub := subscribeReady(t, tv, testTopic)

	// 未订阅的传输走 HTTP 发布
	phone := pubsub.NewWSTransport(wsURL, "")
	msg, _ := pubsub.NewMessage(pubsub.MsgTypeAnnounce, "phone", model.AnnounceData{ControllerID: "phone"})
	if err := phone.Publish(context.Background(), testTopic, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := receive(t, tvSub); got.Type != pubsub.MsgTypeAnnounce || got.From != "phone" {
		t.Fatalf("received %+v", got)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad topic", "/api/topics/lobby/publish", `{"type":"announce"}`, http.StatusBadRequest},
		{"not json", "/api/topics/" + testTopic + "/publish", `hello`, http.StatusBadRequest},
		{"missing type", "/api/topics/" + testTopic + "/publish", `{"from":"x"}`, http.StatusBadRequest},
		{"control frame", "/api/topics/" + testTopic + "/publish", `{"type":"subscribed"}`, http.StatusBadRequest},
		{"too large", "/api/topics/" + testTopic + "/publish", `{"type":"announce","from":"` + strings.Repeat("x", maxFrameSize) + `"}`, http.StatusRequestEntityTooLarge},
		{"ok", "/api/topics/" + testTopic + "/publish", `{"type":"announce","from":"x"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRelay_RejectsInvalidTopic(t *testing.T) {
	srv, _ := newTestRelay(t, "")
	resp, err := http.Get(srv.URL + "/ws/lobby")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRelay_Auth(t *testing.T) {
	srv, wsURL := newTestRelay(t, "s3cret")

	anon := pubsub.NewWSTransport(wsURL, "")
	if _, err := anon.Subscribe(context.Background(), testTopic); err == nil {
		t.Fatal("Subscribe() without token should fail")
	}
	msg, _ := pubsub.NewMessage(pubsub.MsgTypeAnnounce, "phone", nil)
	if err := anon.Publish(context.Background(), testTopic, msg); err == nil {
		t.Fatal("Publish() without token should fail")
	}

	token, err := auth.GenerateToken("s3cret", "tv", "display", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	tv := pubsub.NewWSTransport(wsURL, token)
	defer tv.Close()
	subscribeReady(t, tv, testTopic)

	// 浏览器使用 ?token=
	resp, err := http.Post(srv.URL+"/api/topics/"+testTopic+"/publish?token="+token, "application/json",
		bytes.NewBufferString(`{"type":"announce","from":"phone"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// /tv 与 /healthz 不需要令牌
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestRelay_TVPage(t *testing.T) {
	srv, _ := newTestRelay(t, "")

	tests := []struct {
		name     string
		query    string
		want     int
		contains string
	}{
		{"valid", "?room=ab23cd", http.StatusOK, "https://fm.example/tv?room=AB23CD"},
		{"invalid", "?room=AB0CD1", http.StatusBadRequest, "AB0CD1"},
		{"missing", "", http.StatusBadRequest, "无效的房间码"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/tv" + tt.query)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body does not contain %q:\n%s", tt.contains, body)
			}
		})
	}
}
