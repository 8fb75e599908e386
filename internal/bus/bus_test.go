package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// testClient connects to redis or skips, so the suite stays green on
// machines without a broker.
func testClient(t *testing.T) *Broadcaster {
	t.Helper()

	addr := envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379")
	client, err := Connect(addr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		t.Skipf("skipping: redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewBroadcaster(client)
}

func TestBus_PublishAndReceive(t *testing.T) {
	b := testClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var (
		mu       sync.Mutex
		gotIDs   []int64
		gotAlls  int
		received = make(chan struct{}, 8)
	)

	l := NewListener(b.client, zap.NewNop())
	go func() {
		_ = l.Run(ctx,
			func(ids ...int64) {
				mu.Lock()
				gotIDs = append(gotIDs, ids...)
				mu.Unlock()
				received <- struct{}{}
			},
			func() {
				mu.Lock()
				gotAlls++
				mu.Unlock()
				received <- struct{}{}
			},
		)
	}()

	// Give the subscription a moment to establish before publishing.
	time.Sleep(200 * time.Millisecond)

	if err := b.Reset(ctx, 1, 2, 7); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := b.ResetAll(ctx); err != nil {
		t.Fatalf("reset all: %v", err)
	}

	// The no-id publish is elided entirely.
	if err := b.Reset(ctx); err != nil {
		t.Fatalf("empty reset: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotIDs) != 3 || gotIDs[0] != 1 || gotIDs[1] != 2 || gotIDs[2] != 7 {
		t.Fatalf("ids=%v", gotIDs)
	}
	if gotAlls != 1 {
		t.Fatalf("alls=%d", gotAlls)
	}
}
