package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	_ = c.Publish(ctx, TopicJobCompleted, JobEvent{JobID: "j1"})
	_ = c.Publish(ctx, TopicJobFailed, JobEvent{JobID: "j2"})
	_ = c.Publish(ctx, TopicJobCompleted, JobEvent{JobID: "j3"})

	if got := len(c.Events()); got != 3 {
		t.Fatalf("captured %d events, want 3", got)
	}
	done := c.ByTopic(TopicJobCompleted)
	if len(done) != 2 {
		t.Fatalf("completed events %d, want 2", len(done))
	}
	if done[0].Payload.(JobEvent).JobID != "j1" {
		t.Fatalf("events out of order")
	}
}

func TestRedisPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := client.Subscribe(context.Background(), TopicCampaignProgress)
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := NewRedisPublisher(client)
	want := Progress{CampaignID: "c1", Sent: 2, Pending: 3, Percent: 40, Timestamp: time.Now().UTC()}
	if err := p.Publish(context.Background(), TopicCampaignProgress, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Progress
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.CampaignID != "c1" || got.Sent != 2 {
			t.Fatalf("payload mismatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
}
