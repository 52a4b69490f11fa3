package callout

import (
	"sync"
	"time"

	"github.com/pultline/alarm-callout/pkg/types"
)

// callResult pairs a terminal outcome with the correlation id it belongs
// to, so the workflow can tell a fresh result from a stale one left behind
// by an attempt that timed out locally.
type callResult struct {
	actionID string
	outcome  types.CallOutcome
}

// escalation is the in-flight processing state for one claimed alarm event.
// It is owned by the worker goroutine running the workflow; the outcome
// listener only ever touches the outcomes channel.
type escalation struct {
	event        types.AlarmEvent
	responsibles []types.Responsible

	attempt    int
	lastCalled int
	actionID   string
	voiceRef   string
	startedAt  time.Time

	// buffered so the listener never blocks on a slow workflow
	outcomes chan callResult
}

func newEscalation(event types.AlarmEvent) *escalation {
	return &escalation{
		event:      event,
		lastCalled: -1,
		startedAt:  time.Now(),
		outcomes:   make(chan callResult, 1),
	}
}

// stateStore tracks live escalations and the correlation ids of their
// outstanding calls. All access goes through the mutex; the store is owned
// by the service value and never shared as a package global.
type stateStore struct {
	mu       sync.Mutex
	byEvent  map[int64]*escalation
	byAction map[string]int64
}

func newStateStore() *stateStore {
	return &stateStore{
		byEvent:  make(map[int64]*escalation),
		byAction: make(map[string]int64),
	}
}

// add registers an escalation unless the event is already being processed.
func (s *stateStore) add(esc *escalation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEvent[esc.event.EventID]; exists {
		return false
	}

	s.byEvent[esc.event.EventID] = esc
	return true
}

func (s *stateStore) tracking(eventID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.byEvent[eventID]
	return exists
}

func (s *stateStore) remove(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, exists := s.byEvent[eventID]
	if !exists {
		return
	}

	if esc.actionID != "" {
		delete(s.byAction, esc.actionID)
	}
	delete(s.byEvent, eventID)
}

// trackAction points a dispatched call's correlation id at its escalation,
// replacing any previous one for the same event.
func (s *stateStore) trackAction(eventID int64, actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, exists := s.byEvent[eventID]
	if !exists {
		return
	}

	if esc.actionID != "" {
		delete(s.byAction, esc.actionID)
	}

	esc.actionID = actionID
	s.byAction[actionID] = eventID
}

// claimOutcome consumes the correlation id exactly once. The first caller
// gets the escalation back; redeliveries and unknown ids get nothing.
func (s *stateStore) claimOutcome(actionID string) (*escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, exists := s.byAction[actionID]
	if !exists {
		return nil, false
	}

	delete(s.byAction, actionID)

	esc, exists := s.byEvent[eventID]
	if !exists {
		return nil, false
	}

	esc.actionID = ""
	return esc, true
}

// discardAction drops a correlation id without consuming it, used when the
// workflow gives up waiting. A late outcome for it becomes a no-op.
func (s *stateStore) discardAction(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, exists := s.byAction[actionID]
	if !exists {
		return
	}

	delete(s.byAction, actionID)

	if esc, exists := s.byEvent[eventID]; exists && esc.actionID == actionID {
		esc.actionID = ""
	}
}

func (s *stateStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byEvent)
}
