package geofence

import (
	"sync/atomic"
	"time"

	"lockpoint/internal/domain"
	"lockpoint/pkg/geo"
)

// Listener receives transitions synchronously
type Listener func(domain.TransitionEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// TransitionManager tracks one soldier's last fix against a set of zones.
// Calls must be serialized by the caller: the last location is unguarded state.
type TransitionManager struct {
	soldierID string
	last      *geo.Coordinate
	zones     []domain.Zone
	listeners []listenerEntry
	subs      []*Subscription
	nextID    uint64
	now       func() time.Time
}

type Option func(*TransitionManager)

// WithClock overrides the clock used to stamp ProcessLocation events
func WithClock(now func() time.Time) Option {
	return func(m *TransitionManager) {
		m.now = now
	}
}

func NewTransitionManager(soldierID string, opts ...Option) *TransitionManager {
	m := &TransitionManager{
		soldierID: soldierID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *TransitionManager) SoldierID() string {
	return m.soldierID
}

// SetZones replaces the working set with the active subset of zones. It takes
// effect on the next fix; past fixes are not re-evaluated.
func (m *TransitionManager) SetZones(zones []domain.Zone) {
	m.zones = domain.ActiveZones(zones)
}

func (m *TransitionManager) Zones() []domain.Zone {
	out := make([]domain.Zone, len(m.zones))
	copy(out, m.zones)
	return out
}

// OnTransition registers fn and returns a function that unregisters it.
func (m *TransitionManager) OnTransition(fn Listener) func() {
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Subscription is a buffered channel of transitions. Delivery never blocks the
// manager: when the buffer is full the event is dropped and counted.
type Subscription struct {
	C       <-chan domain.TransitionEvent
	ch      chan domain.TransitionEvent
	dropped atomic.Int64
	closed  bool
	owner   *TransitionManager
}

// Subscribe opens a channel subscription with the given buffer size (minimum 1).
func (m *TransitionManager) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.TransitionEvent, buffer)
	s := &Subscription{C: ch, ch: ch, owner: m}
	m.subs = append(m.subs, s)
	return s
}

func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel. It must be
// called from the goroutine that drives the manager.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true
	subs := s.owner.subs
	for i, other := range subs {
		if other == s {
			s.owner.subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

func (s *Subscription) deliver(ev domain.TransitionEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// ProcessLocation feeds one fix stamped with the manager clock.
func (m *TransitionManager) ProcessLocation(loc geo.Coordinate, accuracy float64) []domain.TransitionEvent {
	return m.process(domain.PositionSample{Location: loc, AccuracyMeters: accuracy, Timestamp: m.now()})
}

// ProcessSample feeds one fix stamped with its own timestamp (clock when zero).
func (m *TransitionManager) ProcessSample(s domain.PositionSample) []domain.TransitionEvent {
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}
	return m.process(s)
}

func (m *TransitionManager) process(s domain.PositionSample) []domain.TransitionEvent {
	var events []domain.TransitionEvent

	if m.last != nil {
		prev := *m.last
		for _, zone := range m.zones {
			kind := Classify(prev, s.Location, zone)
			if kind == domain.TransitionStay {
				continue
			}

			ev := domain.TransitionEvent{
				SoldierID:      m.soldierID,
				ZoneID:         zone.ID,
				ZoneName:       zone.Name,
				Kind:           kind,
				Location:       s.Location,
				AccuracyMeters: s.AccuracyMeters,
				BatteryLevel:   s.BatteryLevel,
				Timestamp:      s.Timestamp,
			}
			events = append(events, ev)
			m.emit(ev)
		}
	}

	loc := s.Location
	m.last = &loc
	return events
}

func (m *TransitionManager) emit(ev domain.TransitionEvent) {
	// Snapshot so a listener that unsubscribes mid-fan-out does not shift the slice under us.
	listeners := append([]listenerEntry(nil), m.listeners...)
	for _, l := range listeners {
		l.fn(ev)
	}
	for _, s := range m.subs {
		s.deliver(ev)
	}
}

// LastLocation returns the last processed fix, if any.
func (m *TransitionManager) LastLocation() (geo.Coordinate, bool) {
	if m.last == nil {
		return geo.Coordinate{}, false
	}
	return *m.last, true
}

// Reset forgets the last fix so the next one is a baseline.
func (m *TransitionManager) Reset() {
	m.last = nil
}
