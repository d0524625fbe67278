package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is a single bit flag. Several states may be OR-ed into a mask for
// WaitForState, but a task only ever holds exactly one of them.
type State uint32

const (
	StateIdle State = 1 << iota
	StateRunning
	StateSuccess
	StateError
)

// StateFinished matches both terminal states.
const StateFinished = StateSuccess | StateError

// Is reports whether s is a member of mask.
func (s State) Is(mask State) bool {
	return s&mask != 0
}

// Terminal reports whether s is Success or Error.
func (s State) Terminal() bool {
	return s.Is(StateFinished)
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(0x%x)", uint32(s))
	}
}

func (s State) single() bool {
	return s != 0 && s&(s-1) == 0 && s.Is(StateIdle|StateRunning|StateFinished)
}

// Update is the payload delivered to a Listener on every applied transition.
type Update struct {
	State   State
	Current int64
	Max     int64
	Message string
}

// Listener observes state transitions. It is invoked on the goroutine that
// called SetState (for jobs this is the job's worker goroutine, never the
// goroutine that registered the listener) and outside the task lock, so it
// may query the task but must not block for long.
type Listener func(Update)

// Task is a generic asynchronous unit of work. The work function passed to
// New runs on its own goroutine after Start and reports progress and the
// outcome through SetState.
type Task struct {
	work func(*Task)

	mu       sync.Mutex
	state    State
	last     Update
	changed  chan struct{}
	listener Listener
	started  bool
	done     chan struct{}
}

// New creates an idle task that will run work once started.
func New(work func(*Task)) *Task {
	return &Task{
		work:    work,
		state:   StateIdle,
		last:    Update{State: StateIdle},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Last returns the most recently applied update.
func (t *Task) Last() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// SetListener registers the single listener, replacing any previous one.
func (t *Task) SetListener(listener Listener) {
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
}

// SetState applies a transition, wakes every waiter and then notifies the
// listener. Setting the current state again is a no-op unless the state is
// Running, which is how progress ticks are delivered. Once the task reached a
// terminal state all further transitions are ignored. It returns whether the
// transition was applied.
func (t *Task) SetState(state State, current, max int64, message string) bool {
	if !state.single() {
		return false
	}
	t.mu.Lock()
	if t.state.Terminal() || (t.state == state && state != StateRunning) {
		t.mu.Unlock()
		return false
	}
	upd := Update{State: state, Current: current, Max: max, Message: message}
	t.state = state
	t.last = upd
	close(t.changed)
	t.changed = make(chan struct{})
	listener := t.listener
	t.mu.Unlock()

	if listener != nil {
		listener(upd)
	}
	return true
}

// WaitForState blocks until the current state is a member of mask or ctx is
// done. The check and the capture of the wake-up channel happen under the
// same lock, so a transition racing with the call is never missed.
func (t *Task) WaitForState(ctx context.Context, mask State) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		t.mu.Lock()
		state := t.state
		changed := t.changed
		t.mu.Unlock()

		if state.Is(mask) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Start runs the work function on a new goroutine and returns immediately.
// Subsequent calls are no-ops.
func (t *Task) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
}

func (t *Task) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
			t.SetState(StateError, 0, 0, fmt.Sprintf("task panicked: %v", r))
			return
		}
		if !t.State().Terminal() {
			t.SetState(StateError, 0, 0, "task exited without reporting a result")
		}
	}()
	if t.work == nil {
		panic("task: nil work function")
	}
	t.work(t)
}

// WaitFinished blocks until the worker goroutine has returned, independent of
// the reported state. It returns immediately if the task was never started.
func (t *Task) WaitFinished() {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return
	}
	<-t.done
}

// Done is closed once the worker goroutine has returned. It never closes for a
// task that was not started.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
