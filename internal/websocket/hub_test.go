package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
)

func TestBroadcastStatusReachesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Nop())
	go hub.Run(ctx)

	sub := &Client{JobID: "job-1", Send: make(chan []byte, 4)}
	other := &Client{JobID: "job-2", Send: make(chan []byte, 4)}
	hub.Register(sub)
	hub.Register(other)

	hub.BroadcastStatus(&model.Job{
		ID:            "job-1",
		Status:        model.JobStatusCompleted,
		VideoLocation: model.StringPtr("videos/op1/sample_0.mp4"),
	})

	select {
	case data := <-sub.Send:
		var msg model.WSStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != model.WSMessageTypeStatus || msg.Status != model.JobStatusCompleted || *msg.VideoLocation != "videos/op1/sample_0.mp4" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the update")
	}

	select {
	case <-other.Send:
		t.Error("other job's subscriber must not receive the update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Nop())
	go hub.Run(ctx)

	sub := &Client{JobID: "job-1", Send: make(chan []byte, 1)}
	hub.Register(sub)
	hub.Unregister(sub)

	select {
	case _, ok := <-sub.Send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
	if n := hub.Subscribers("job-1"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger.Nop())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	sub := &Client{JobID: "job-1", Send: make(chan []byte, 1)}
	hub.Register(sub)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	// must not block once the hub is gone
	hub.Unregister(sub)
}
