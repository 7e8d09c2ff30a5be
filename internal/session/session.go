// Package session holds the process-wide discovery state. The state is an
// explicitly constructed, injectable object rather than package-level
// globals so tests and multiple agents can hold isolated instances.
package session

import (
	"sync"
	"time"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/extract"
)

// State is the single shared record between the traffic observer (writer)
// and the activation controller and bridge (readers). Fields persist until
// overwritten by fresher observations; stale-but-present state still enables
// partial functionality. Only the consumer tab id is ever cleared.
type State struct {
	mu sync.RWMutex

	credential   string
	expiry       time.Time
	endpointBase string

	coordinate     *extract.Coordinate
	observingTabID string

	consumerTabID string
}

// Snapshot is a point-in-time copy of the state for readers.
type Snapshot struct {
	Credential     string
	Expiry         time.Time
	EndpointBase   string
	Coordinate     *extract.Coordinate
	ObservingTabID string
	ConsumerTabID  string
}

func New() *State {
	return &State{}
}

// SetCredential replaces the stored credential wholesale together with its
// derived expiry and endpoint base. The three always change as a unit.
func (s *State) SetCredential(credential string, expiry time.Time, endpointBase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = credential
	s.expiry = expiry
	s.endpointBase = endpointBase
}

// Credential returns the stored credential string, or "" when none has been
// observed yet.
func (s *State) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// SetCoordinate records a successful extraction and the tab it came from.
// Callers must only pass fully-resolved coordinates; partial pairs are never
// stored.
func (s *State) SetCoordinate(c extract.Coordinate, observingTabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.coordinate = &cc
	s.observingTabID = observingTabID
}

// Coordinate returns a copy of the discovered coordinate, if any.
func (s *State) Coordinate() (extract.Coordinate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.coordinate == nil {
		return extract.Coordinate{}, false
	}
	return *s.coordinate, true
}

// ObservingTabID returns the tab the coordinate was last discovered from.
func (s *State) ObservingTabID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observingTabID
}

// SetConsumerTab records the consumer surface tab.
func (s *State) SetConsumerTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerTabID = tabID
}

// ClearConsumerTab clears the consumer tab field if it still refers to the
// given tab. A stale reference is a no-op, so a close event for an old tab
// cannot wipe a newer consumer.
func (s *State) ClearConsumerTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumerTabID == tabID {
		s.consumerTabID = ""
	}
}

// ConsumerTabID returns the consumer surface tab id, or "" when none is open.
func (s *State) ConsumerTabID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consumerTabID
}

// Snapshot returns a consistent copy of all fields.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Credential:     s.credential,
		Expiry:         s.expiry,
		EndpointBase:   s.endpointBase,
		ObservingTabID: s.observingTabID,
		ConsumerTabID:  s.consumerTabID,
	}
	if s.coordinate != nil {
		cc := *s.coordinate
		snap.Coordinate = &cc
	}
	return snap
}
