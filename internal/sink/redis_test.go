package sink

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"

	"inferd/pkg/types"
)

func TestRedisSink_DeliverAndLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := NewRedis(ctx, RedisOptions{Addr: mr.Addr(), TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer s.Close()

	sub := s.client.Subscribe(ctx, defaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp := types.Response{Success: true, RequestID: "req-9", Response: "hello", Timestamp: 1}
	if err := s.Deliver(ctx, resp); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	raw, err := mr.Get("inferd:response:req-9")
	if err != nil {
		t.Fatalf("stored key: %v", err)
	}
	var stored types.Response
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.Response != "hello" {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if ttl := mr.TTL("inferd:response:req-9"); ttl != time.Minute {
		t.Fatalf("ttl=%v", ttl)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != raw {
			t.Fatalf("published=%s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}

	got, ok, err := s.Lookup(ctx, "req-9")
	if err != nil || !ok || got.RequestID != "req-9" {
		t.Fatalf("Lookup=%+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := s.Lookup(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing lookup ok=%v err=%v", ok, err)
	}
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, RedisOptions{Addr: addr}); err == nil {
		t.Fatal("expected ping error")
	}
}
