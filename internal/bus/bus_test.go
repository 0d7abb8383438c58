package bus

import (
	"context"
	"testing"
	"time"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.On("t", func(any) { order = append(order, 1) })
	b.On("t", func(any) { order = append(order, 2) })
	b.On("t", func(any) { order = append(order, 3) })

	if !b.Emit("t", nil) {
		t.Fatal("Emit returned false with listeners registered")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", order)
	}
}

func TestEmitReturnsFalseWithoutListeners(t *testing.T) {
	b := New(nil)
	if b.Emit("nobody:home", nil) {
		t.Error("Emit returned true with no listeners")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(nil)
	ran := false
	b.On("t", func(any) { panic("boom") })
	b.On("t", func(any) { ran = true })

	b.Emit("t", nil)
	if !ran {
		t.Error("second handler did not run after first panicked")
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	b := New(nil)
	count := 0
	b.Once("t", func(any) { count++ })

	b.Emit("t", nil)
	b.Emit("t", nil)
	if count != 1 {
		t.Errorf("once handler ran %d times, want 1", count)
	}
}

func TestOffRemovesHandler(t *testing.T) {
	b := New(nil)
	count := 0
	sub := b.On("t", func(any) { count++ })
	b.Off(sub)
	b.Off(sub) // double-off is a no-op

	b.Emit("t", nil)
	if count != 0 {
		t.Errorf("handler ran %d times after Off, want 0", count)
	}
}

func TestWaitForMatchesPayload(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})

	go func() {
		defer close(done)
		payload, err := b.WaitFor(context.Background(), "r:response", func(p any) bool {
			m, ok := p.(map[string]any)
			return ok && m["toolName"] == "Bash"
		})
		if err != nil {
			t.Errorf("WaitFor error: %v", err)
			return
		}
		if payload.(map[string]any)["selected"] != "allow" {
			t.Errorf("unexpected payload: %v", payload)
		}
	}()

	// Give the waiter time to subscribe, then emit a non-matching and a
	// matching payload.
	time.Sleep(10 * time.Millisecond)
	b.Emit("r:response", map[string]any{"toolName": "Read", "selected": "refuse"})
	b.Emit("r:response", map[string]any{"toolName": "Bash", "selected": "allow"})
	<-done
}

func TestWaitForHonorsCancellation(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.WaitFor(ctx, "never", nil)
	if err == nil {
		t.Fatal("WaitFor returned nil error on cancelled context")
	}
}
