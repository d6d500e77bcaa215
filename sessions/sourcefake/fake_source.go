package sourcefake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jrsteele09/go-team-auth/sessions"
)

var _ sessions.Source = (*FakeSource)(nil)

// FakeSource is an in-memory sessions.Source with call counting, error
// injection and an optional gate to hold fetches in flight.
type FakeSource struct {
	mu        sync.Mutex
	session   *sessions.Session
	err       error
	gate      chan struct{}
	listeners map[int]sessions.ChangeListener
	next      int
	calls     atomic.Int32
}

func New(session *sessions.Session) *FakeSource {
	return &FakeSource{
		session:   session,
		listeners: make(map[int]sessions.ChangeListener),
	}
}

func (f *FakeSource) GetSession(ctx context.Context) (*sessions.Session, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.session.Clone(), nil
}

func (f *FakeSource) OnSessionChange(listener sessions.ChangeListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *FakeSource) SetSession(s *sessions.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s.Clone()
}

func (f *FakeSource) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Block holds every GetSession call until the returned release func is called.
func (f *FakeSource) Block() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *FakeSource) Calls() int {
	return int(f.calls.Load())
}

// Emit updates the current session and notifies listeners synchronously.
func (f *FakeSource) Emit(kind sessions.EventKind, s *sessions.Session) {
	f.mu.Lock()
	if kind == sessions.EventSignedOut {
		f.session = nil
	} else {
		f.session = s.Clone()
	}
	listeners := make([]sessions.ChangeListener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(kind, s.Clone())
	}
}
