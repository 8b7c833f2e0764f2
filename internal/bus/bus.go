package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencode-ai/relay/internal/logging"
)

// DefaultCapacity is the bus queue's bounded capacity.
const DefaultCapacity = 256

// Notifier is the narrow slice of Upstream the bus needs: matching
// command_response emits to request_id-bearing operations. Command
// failures with a request_id always produce a matched command_response.
type Notifier interface {
	CommandResponse(requestID string, success bool, code, message string)
}

// noopNotifier is used when a caller never wires one; emits are simply
// dropped rather than panicking, matching Upstream's own fire-and-forget
// contract.
type noopNotifier struct{}

func (noopNotifier) CommandResponse(string, bool, string, string) {}

// Bus is one session's CommandBus: an ordered operation queue, a handler
// table keyed by OpType, and the stopping/finishing/intercepted state
// flags.
//
// State machine: idle(pending=0) --op--> running(pending>0)
// --drain--> idle --finish--> finishing --drain--> stopped; any state
// --stop--> stopped.
type Bus struct {
	queue    chan Op
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	notifier Notifier

	mu               sync.Mutex
	handlers         map[OpType]Handler
	pending          int
	stopping         bool
	finishing        bool
	intercepted      bool
	interceptHandler Handler
	onQueueEmpty     func()
}

// New constructs a Bus with the given queue capacity. Use DefaultCapacity
// unless a test needs a smaller bound to exercise back-pressure.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		queue:    make(chan Op, capacity),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		handlers: make(map[OpType]Handler),
		notifier: noopNotifier{},
	}
}

// SetNotifier wires the command_response sink. Must be called before Run.
func (b *Bus) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	b.notifier = n
}

// RegisterHandler installs the handler for an operation type. Must be
// called before Run starts consuming.
func (b *Bus) RegisterHandler(t OpType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

// OnQueueEmpty installs the hook invoked every time pending drops to zero.
// Per the Open Question resolution, this is the SOLE authority
// that transitions session status to idle; no handler does it directly.
func (b *Bus) OnQueueEmpty(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onQueueEmpty = fn
}

// Intercept installs a one-shot interceptor: the next handler result's
// NextOps are routed to h instead of being enqueued. Used for the `stop`
// command and for the command-success path of
// agent/model changes.
func (b *Bus) Intercept(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.intercepted = true
	b.interceptHandler = h
}

// Enqueue appends op to the queue's tail, blocking if the queue is full
//. External callers (the SessionActor's inbox)
// must leave Internal false; handlers enqueueing next_ops set Internal so
// Finish()'s drain lets them through.
func (b *Bus) Enqueue(op Op) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.finishing && !op.Internal {
		b.mu.Unlock()
		return ErrFinishing
	}
	b.pending++
	b.mu.Unlock()

	select {
	case b.queue <- op:
		return nil
	case <-b.stopCh:
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()
		return ErrStopped
	}
}

// Finish closes the door to new external operations but keeps draining
// internally-enqueued next_ops; once pending reaches zero the bus stops.
func (b *Bus) Finish() {
	b.mu.Lock()
	b.finishing = true
	pending := b.pending
	b.mu.Unlock()
	if pending == 0 {
		b.teardown()
	}
}

// Stop terminates the bus immediately, discarding any still-queued
// operations.
func (b *Bus) Stop() {
	b.teardown()
}

func (b *Bus) teardown() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Done returns a channel closed once the consumer loop (Run) has exited.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Run is the single consumer: it processes operations one at a time until
// Stop is called or Finish's drain completes. Call it in its own
// goroutine; SessionActor selects on Done() alongside its inbox.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.stopCh:
			return
		case op := <-b.queue:
			b.process(ctx, op)
		}
	}
}

func (b *Bus) process(ctx context.Context, op Op) {
	b.mu.Lock()
	handler, ok := b.handlers[op.Type]
	b.mu.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoHandler, op.Type)
		b.notifier.CommandResponse(op.RequestID, false, "fatal", err.Error())
		logging.Error().Str("op", string(op.Type)).Msg("bus: no handler registered")
		b.teardown()
		b.afterOp()
		return
	}

	result, err := handler(ctx, op)
	if err != nil {
		if IsFatal(err) {
			b.notifier.CommandResponse(op.RequestID, false, "fatal", err.Error())
			logging.Error().Str("op", string(op.Type)).Err(err).Msg("bus: fatal error, tearing down")
			b.teardown()
			b.afterOp()
			return
		}
		if op.RequestID != "" {
			b.notifier.CommandResponse(op.RequestID, false, "handler_error", err.Error())
		}
		logging.Warn().Str("op", string(op.Type)).Err(err).Msg("bus: recoverable handler error")
		b.afterOp()
		return
	}

	if result != nil && len(result.NextOps) > 0 {
		b.mu.Lock()
		intercepted := b.intercepted
		interceptor := b.interceptHandler
		if intercepted {
			b.intercepted = false
			b.interceptHandler = nil
		}
		b.mu.Unlock()

		if intercepted && interceptor != nil {
			for _, nop := range result.NextOps {
				nop.Internal = true
				if _, ierr := interceptor(ctx, nop); ierr != nil {
					logging.Warn().Str("op", string(nop.Type)).Err(ierr).Msg("bus: interceptor error")
				}
			}
		} else {
			for _, nop := range result.NextOps {
				nop.Internal = true
				if eerr := b.Enqueue(nop); eerr != nil {
					logging.Warn().Str("op", string(nop.Type)).Err(eerr).Msg("bus: failed to enqueue next_op")
				}
			}
		}
	}

	if op.RequestID != "" {
		b.notifier.CommandResponse(op.RequestID, true, "", "")
	}
	b.afterOp()
}

func (b *Bus) afterOp() {
	b.mu.Lock()
	b.pending--
	pending := b.pending
	finishing := b.finishing
	onEmpty := b.onQueueEmpty
	b.mu.Unlock()

	if pending == 0 {
		if onEmpty != nil {
			onEmpty()
		}
		if finishing {
			b.teardown()
		}
	}
}

// Pending returns the current in-flight+queued operation count, for tests
// and diagnostics.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
