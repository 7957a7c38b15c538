package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
)

func startHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus(0)
	hub := NewHub(bus, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not subscribe to the bus")
		}
		time.Sleep(time.Millisecond)
	}
	return hub, bus
}

func receive(t *testing.T, c *Client) Outbound {
	t.Helper()
	select {
	case out, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return Outbound{}
}

func TestHubRoutesEventsByJob(t *testing.T) {
	hub, bus := startHub(t)

	a := &Client{JobID: "job-a", Send: make(chan Outbound, 8)}
	b := &Client{JobID: "job-b", Send: make(chan Outbound, 8)}
	hub.Register(a)
	hub.Register(b)

	bus.Publish(model.JobEvent{JobID: "job-a", Kind: model.EventSubmitted, Status: model.JobStatusProcessing})
	bus.Publish(model.JobEvent{JobID: "job-b", Kind: model.EventCompleted, Status: model.JobStatusCompleted,
		Data: map[string]any{"result_url": "https://cdn.test/b.mp4"}})

	var evMsg model.WSEventMessage
	if err := json.Unmarshal(receive(t, a).Data, &evMsg); err != nil {
		t.Fatal(err)
	}
	if evMsg.Type != model.WSMessageTypeEvent || evMsg.Event.Kind != model.EventSubmitted {
		t.Errorf("job-a message = %+v", evMsg)
	}

	var done model.WSCompleteMessage
	if err := json.Unmarshal(receive(t, b).Data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Type != model.WSMessageTypeComplete || done.ResultURL != "https://cdn.test/b.mp4" {
		t.Errorf("job-b message = %+v", done)
	}

	select {
	case out := <-a.Send:
		t.Errorf("job-a received event for another job: %s", out.Data)
	default:
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub, _ := startHub(t)

	c := &Client{JobID: "job-a", Send: make(chan Outbound, 1)}
	hub.Register(c)
	waitClients(t, hub, "job-a", 1)
	hub.Unregister(c)

	if _, ok := <-c.Send; ok {
		t.Error("send channel still open after unregister")
	}
	waitClients(t, hub, "job-a", 0)
}

func waitClients(t *testing.T, hub *Hub, jobID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients(jobID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients(%s) = %d, want %d", jobID, hub.Clients(jobID), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubAfterStop(t *testing.T) {
	bus := events.NewBus(0)
	hub := NewHub(bus, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := &Client{JobID: "job-a", Send: make(chan Outbound, 1)}
	hub.Register(c)
	cancel()
	<-stopped

	if _, ok := <-c.Send; ok {
		t.Error("registered client not closed on stop")
	}

	late := &Client{JobID: "job-a", Send: make(chan Outbound, 1)}
	hub.Register(late)
	hub.Unregister(late)
	if _, ok := <-late.Send; ok {
		t.Error("late client not closed")
	}
}

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent(model.JobEvent{JobID: "j", Kind: model.EventFailed, Message: "render backend reported FAILED: oom",
		Data: map[string]any{"code": "BACKEND_FAILED"}})
	if err != nil {
		t.Fatal(err)
	}
	var msg model.WSErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != model.WSMessageTypeError || msg.Error.Code != "BACKEND_FAILED" || msg.Error.Message == "" {
		t.Errorf("message = %+v", msg)
	}

	data, _ = EncodeEvent(model.JobEvent{JobID: "j", Kind: model.EventFailed})
	_ = json.Unmarshal(data, &msg)
	if msg.Error.Code != "BACKEND_FAILED" {
		t.Errorf("default code = %q", msg.Error.Code)
	}
}
