package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemorySessionStoreLazyExpiry(t *testing.T) {
	store := NewMemorySessionStore(15*time.Minute, nil)
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	err := store.WithSession(ctx, "u1", func(sess *Session) error {
		sess.State = StateCollecting
		sess.PendingIntent = IntentCreateBooking
		sess.Slots[SlotHotelID] = "h1"
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	// 14 minutes later the draft is intact.
	now = now.Add(14 * time.Minute)
	store.WithSession(ctx, "u1", func(sess *Session) error {
		if sess.WasExpired {
			t.Error("session expired before TTL")
		}
		if sess.Slots[SlotHotelID] != "h1" {
			t.Errorf("slots lost before TTL: %v", sess.Slots)
		}
		return nil
	})

	// past TTL the flow is gone and the restart flag is set once.
	now = now.Add(16 * time.Minute)
	store.WithSession(ctx, "u1", func(sess *Session) error {
		if !sess.WasExpired {
			t.Error("expected WasExpired after TTL eviction of an active flow")
		}
		if sess.State != StateIdle || sess.PendingIntent != "" || len(sess.Slots) != 0 {
			t.Errorf("session not reset after expiry: %+v", sess)
		}
		sess.PendingIntent = IntentCreateBooking
		sess.State = StateCollecting
		return nil
	})
	store.WithSession(ctx, "u1", func(sess *Session) error {
		if sess.WasExpired {
			t.Error("WasExpired must clear after one turn")
		}
		return nil
	})
}

func TestMemorySessionStoreDestroysEmptySessions(t *testing.T) {
	store := NewMemorySessionStore(time.Minute, nil)
	ctx := context.Background()

	store.WithSession(ctx, "u1", func(sess *Session) error { return nil })
	if store.Len() != 0 {
		t.Fatalf("idle session kept alive, len = %d", store.Len())
	}

	store.WithSession(ctx, "u1", func(sess *Session) error {
		sess.State = StateCollecting
		sess.PendingIntent = IntentCancelBooking
		return nil
	})
	if store.Len() != 1 {
		t.Fatalf("active session dropped, len = %d", store.Len())
	}
}

func TestMemorySessionStoreSweepKeepsOutcome(t *testing.T) {
	store := NewMemorySessionStore(time.Minute, nil)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.WithSession(ctx, "expired-flow", func(sess *Session) error {
		sess.State = StateCollecting
		sess.PendingIntent = IntentCreateBooking
		return nil
	})
	store.WithSession(ctx, "expired-outcome", func(sess *Session) error {
		sess.Outcome = &PendingOutcome{Kind: OutcomeBookingCreated, BookingID: "b9"}
		return nil
	})

	now = now.Add(2 * time.Minute)
	evicted := store.Sweep(ctx)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	store.WithSession(ctx, "expired-outcome", func(sess *Session) error {
		if sess.Outcome == nil {
			t.Error("sweep discarded an unreported backend outcome")
		}
		return nil
	})
}

func TestMemorySessionStoreSerializesPerSender(t *testing.T) {
	store := NewMemorySessionStore(time.Minute, nil)
	ctx := context.Background()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			store.WithSession(ctx, "same-sender", func(sess *Session) error {
				sess.PendingIntent = IntentCreateBooking // keep the session alive
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				return nil
			})
		}(i)
	}
	close(start)
	wg.Wait()

	if len(order) != 8 {
		t.Fatalf("expected 8 serialized turns, got %d", len(order))
	}
}

func TestMemorySessionStoreNoOverlapAcrossRemoval(t *testing.T) {
	store := NewMemorySessionStore(time.Minute, nil)
	ctx := context.Background()

	var active, overlaps int32
	guard := func() {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	for i := 0; i < 20; i++ {
		release := make(chan struct{})
		entered := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)

		// Turn one leaves the session empty, so its entry is removed from
		// the map while turn two is still queued on that entry's mutex.
		go func() {
			defer wg.Done()
			store.WithSession(ctx, "u1", func(sess *Session) error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered
		go func() {
			defer wg.Done()
			store.WithSession(ctx, "u1", func(sess *Session) error {
				guard()
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond) // let turn two queue on the held lock
		close(release)
		time.Sleep(time.Millisecond)

		// Turn three arrives after the removal and must not run while the
		// queued waiter's callback is in flight.
		store.WithSession(ctx, "u1", func(sess *Session) error {
			guard()
			return nil
		})
		wg.Wait()
	}

	if n := atomic.LoadInt32(&overlaps); n != 0 {
		t.Fatalf("%d overlapping callbacks for one sender", n)
	}
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStore(client, 15*time.Minute, nil)
	ctx := context.Background()

	err := store.WithSession(ctx, "u1", func(sess *Session) error {
		sess.State = StateConfirming
		sess.PendingIntent = IntentCreateBooking
		sess.Slots = Slots{SlotHotelID: "h1", SlotGuests: "2"}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	err = store.WithSession(ctx, "u1", func(sess *Session) error {
		if sess.State != StateConfirming {
			t.Errorf("state = %s, want confirming", sess.State)
		}
		if sess.Slots[SlotHotelID] != "h1" {
			t.Errorf("slots not persisted: %v", sess.Slots)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession reload: %v", err)
	}
}

func TestRedisSessionStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStore(client, time.Minute, nil)
	ctx := context.Background()

	store.WithSession(ctx, "u1", func(sess *Session) error {
		sess.State = StateCollecting
		sess.PendingIntent = IntentCancelBooking
		return nil
	})

	mr.FastForward(2 * time.Minute)

	store.WithSession(ctx, "u1", func(sess *Session) error {
		if sess.State != StateIdle || sess.PendingIntent != "" {
			t.Errorf("expected fresh session after redis TTL, got %+v", sess)
		}
		return nil
	})
}

func TestRedisSessionStoreSweepPrunesIdleLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStore(client, time.Minute, nil)
	ctx := context.Background()

	// An empty session deletes the redis key but leaves the lock entry.
	store.WithSession(ctx, "u1", func(sess *Session) error { return nil })
	store.mu.Lock()
	_, hadLock := store.locks["u1"]
	store.mu.Unlock()
	if !hadLock {
		t.Fatal("lock entry missing before sweep")
	}

	store.Sweep(ctx)
	store.mu.Lock()
	_, stillThere := store.locks["u1"]
	store.mu.Unlock()
	if stillThere {
		t.Error("idle lock entry survived sweep")
	}

	// The next turn recreates the entry and proceeds normally.
	err := store.WithSession(ctx, "u1", func(sess *Session) error {
		sess.State = StateCollecting
		sess.PendingIntent = IntentCreateBooking
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession after sweep: %v", err)
	}
}
