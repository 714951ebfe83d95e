package lab

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds the authoritative session state. Mutation happens only through
// HandleFrame/Apply, which run the interpreter and apply its effects; readers
// get copies.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	objects []DetectedObject
	alerts  boundedList[SafetyAlert]
	log     boundedList[LogEntry]
	applied uint64

	now   func() time.Time
	newID func() string
	onLog func(LogEntry)
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDs(newID func() string) StoreOption {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLogHook registers fn to observe each appended log entry, oldest first.
// fn runs outside the store lock.
func WithLogHook(fn func(LogEntry)) StoreOption {
	return func(s *Store) {
		s.onLog = fn
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		snap:   NewSnapshot(),
		alerts: newBoundedList[SafetyAlert](MaxEntries),
		log:    newBoundedList[LogEntry](MaxEntries),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleFrame decodes one raw frame and applies it. A malformed frame leaves
// the state untouched and returns an error wrapping ErrMalformedFrame.
func (s *Store) HandleFrame(payload []byte) error {
	msg, err := ParseMessage(payload)
	if err != nil {
		return err
	}
	s.Apply(msg)
	return nil
}

// Apply interprets msg against the current snapshot and applies the result.
func (s *Store) Apply(msg Message) {
	s.mu.Lock()
	next, fx := Interpret(s.snap, msg)
	s.snap = next
	if fx.ReplaceObjects {
		s.objects = append([]DetectedObject(nil), fx.Objects...)
	}
	if fx.ClearAlerts {
		s.alerts.clear()
	}
	at := s.now()
	for _, a := range fx.Alerts {
		s.alerts.push(SafetyAlert{
			ID:        s.newID(),
			Message:   a.Message,
			Severity:  a.Severity,
			Timestamp: at,
		})
	}
	entries := make([]LogEntry, 0, len(fx.Logs))
	for _, l := range fx.Logs {
		entry := LogEntry{
			ID:        s.newID(),
			Kind:      l.Kind,
			Message:   l.Message,
			Timestamp: at,
		}
		s.log.push(entry)
		entries = append(entries, entry)
	}
	s.applied++
	hook := s.onLog
	s.mu.Unlock()

	if hook != nil {
		for _, e := range entries {
			hook(e)
		}
	}
}

// Reset drops all session state back to not-started.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = NewSnapshot()
	s.objects = nil
	s.alerts.clear()
	s.log.clear()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

func (s *Store) Objects() []DetectedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DetectedObject(nil), s.objects...)
}

// Alerts returns the safety alerts, newest first.
func (s *Store) Alerts() []SafetyAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.list()
}

// Log returns the event log, newest first.
func (s *Store) Log() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.list()
}

// View is a consistent copy of the whole store.
type View struct {
	Snapshot Snapshot         `json:"snapshot"`
	Objects  []DetectedObject `json:"objects"`
	Alerts   []SafetyAlert    `json:"alerts"`
	Log      []LogEntry       `json:"log"`
	Applied  uint64           `json:"messages_applied"`
}

func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Snapshot: s.snap.clone(),
		Objects:  append([]DetectedObject{}, s.objects...),
		Alerts:   s.alerts.list(),
		Log:      s.log.list(),
		Applied:  s.applied,
	}
}

// boundedList keeps at most limit items, newest first.
type boundedList[T any] struct {
	limit int
	items []T
}

func newBoundedList[T any](limit int) boundedList[T] {
	return boundedList[T]{limit: limit, items: make([]T, 0, limit)}
}

func (b *boundedList[T]) push(v T) {
	if len(b.items) < b.limit {
		var zero T
		b.items = append(b.items, zero)
	}
	copy(b.items[1:], b.items)
	b.items[0] = v
}

func (b *boundedList[T]) clear() {
	b.items = b.items[:0]
}

func (b *boundedList[T]) list() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}
