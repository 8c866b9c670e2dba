package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	if err := q.Publish(ctx, Message{Type: "sample", Body: []byte("u1")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	select {
	case msg := <-messages:
		if msg.Type != "sample" || string(msg.Body) != "u1" {
			t.Errorf("got %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("no message before timeout")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"plain", Message{Type: "sample", Body: []byte("u1")}},
		{"pipe in body", Message{Type: "sample", Body: []byte("a|b")}},
		{"empty body", Message{Type: "sample", Body: []byte("")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := deserialize(serialize(tc.msg))
			if got.Type != tc.msg.Type || string(got.Body) != string(tc.msg.Body) {
				t.Errorf("round trip %+v -> %+v", tc.msg, got)
			}
		})
	}
}
