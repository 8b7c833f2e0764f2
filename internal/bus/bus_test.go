package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	responses []string
}

func (r *recordingNotifier) CommandResponse(requestID string, success bool, code, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, requestID)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func TestBus_FIFOOrdering(t *testing.T) {
	b := New(8)
	var mu sync.Mutex
	var order []string

	b.RegisterHandler("a", func(ctx context.Context, op Op) (*Result, error) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		return &Result{}, nil
	})
	b.RegisterHandler("b", func(ctx context.Context, op Op) (*Result, error) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		return &Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "a"}))
	require.NoError(t, b.Enqueue(Op{Type: "b"}))
	require.NoError(t, b.Enqueue(Op{Type: "a"}))

	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a"}, order)
}

func TestBus_QueueEmptyFiresOnceOnDrain(t *testing.T) {
	b := New(8)
	var emptyCount int
	var mu sync.Mutex
	b.OnQueueEmpty(func() {
		mu.Lock()
		emptyCount++
		mu.Unlock()
	})
	b.RegisterHandler("noop", func(ctx context.Context, op Op) (*Result, error) {
		return &Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "noop"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return emptyCount == 1
	}, time.Second, time.Millisecond)
}

func TestBus_NextOpsAppendedAtTail(t *testing.T) {
	b := New(8)
	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, op Op) (*Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return &Result{}, nil
		}
	}
	b.RegisterHandler("first", func(ctx context.Context, op Op) (*Result, error) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return &Result{NextOps: []Op{{Type: "followup"}}}, nil
	})
	b.RegisterHandler("followup", record("followup"))
	b.RegisterHandler("second", record("second"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "first"}))
	require.NoError(t, b.Enqueue(Op{Type: "second"}))

	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	// next_ops append at the tail: "first" enqueues "followup" which lands
	// after the already-queued "second".
	assert.Equal(t, []string{"first", "second", "followup"}, order)
}

func TestBus_InterceptDivertsNextOps(t *testing.T) {
	b := New(8)
	var diverted []Op
	var mu sync.Mutex

	b.RegisterHandler("plan", func(ctx context.Context, op Op) (*Result, error) {
		return &Result{NextOps: []Op{{Type: "continue"}}}, nil
	})
	b.RegisterHandler("continue", func(ctx context.Context, op Op) (*Result, error) {
		t.Error("continue should never reach the normal handler once intercepted")
		return &Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Intercept(func(ctx context.Context, op Op) (*Result, error) {
		mu.Lock()
		diverted = append(diverted, op)
		mu.Unlock()
		return &Result{}, nil
	})

	require.NoError(t, b.Enqueue(Op{Type: "plan"}))
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, diverted, 1)
	assert.Equal(t, OpType("continue"), diverted[0].Type)
}

func TestBus_FatalErrorTearsDownBus(t *testing.T) {
	b := New(8)
	notifier := &recordingNotifier{}
	b.SetNotifier(notifier)
	b.RegisterHandler("boom", func(ctx context.Context, op Op) (*Result, error) {
		return nil, Fatal("boom", assertErr)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "boom", RequestID: "req-1"}))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bus did not tear down after fatal error")
	}
	assert.Equal(t, 1, notifier.count())
	assert.ErrorIs(t, b.Enqueue(Op{Type: "boom"}), ErrStopped)
}

func TestBus_RecoverableErrorKeepsRunning(t *testing.T) {
	b := New(8)
	calls := 0
	var mu sync.Mutex
	b.RegisterHandler("flaky", func(ctx context.Context, op Op) (*Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if op.RequestID == "fail" {
			return nil, assertErr
		}
		return &Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "flaky", RequestID: "fail"}))
	require.NoError(t, b.Enqueue(Op{Type: "flaky", RequestID: "ok"}))

	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestBus_FinishDrainsThenStops(t *testing.T) {
	b := New(8)
	gate := make(chan struct{})
	b.RegisterHandler("slow", func(ctx context.Context, op Op) (*Result, error) {
		<-gate
		return &Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(Op{Type: "slow"}))
	b.Finish()

	assert.ErrorIs(t, b.Enqueue(Op{Type: "slow"}), ErrFinishing)
	close(gate)

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bus did not stop after finish drained")
	}
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
