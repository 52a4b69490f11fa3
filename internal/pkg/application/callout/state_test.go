package callout

import (
	"testing"

	"github.com/matryer/is"

	"github.com/pultline/alarm-callout/pkg/types"
)

func TestClaimOutcomeConsumesExactlyOnce(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	esc := newEscalation(types.AlarmEvent{EventID: 17})
	is.True(s.add(esc))

	s.trackAction(17, "originate-abc")

	claimed, ok := s.claimOutcome("originate-abc")
	is.True(ok)
	is.Equal(esc, claimed)

	// redelivery of the same correlation id is a no-op
	_, ok = s.claimOutcome("originate-abc")
	is.True(!ok)
}

func TestClaimOutcomeUnknownActionID(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	_, ok := s.claimOutcome("originate-nope")
	is.True(!ok)
}

func TestAddRejectsDuplicateEvent(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	is.True(s.add(newEscalation(types.AlarmEvent{EventID: 17})))
	is.True(!s.add(newEscalation(types.AlarmEvent{EventID: 17})))
	is.Equal(1, s.activeCount())
}

func TestTrackActionReplacesPreviousCorrelation(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	s.add(newEscalation(types.AlarmEvent{EventID: 17}))

	s.trackAction(17, "originate-first")
	s.trackAction(17, "originate-second")

	_, ok := s.claimOutcome("originate-first")
	is.True(!ok)

	claimed, ok := s.claimOutcome("originate-second")
	is.True(ok)
	is.Equal(int64(17), claimed.event.EventID)
}

func TestDiscardActionDropsLateOutcome(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	s.add(newEscalation(types.AlarmEvent{EventID: 17}))
	s.trackAction(17, "originate-abc")

	s.discardAction("originate-abc")

	_, ok := s.claimOutcome("originate-abc")
	is.True(!ok)
}

func TestRemoveCleansUpCorrelation(t *testing.T) {
	is := is.New(t)
	s := newStateStore()

	s.add(newEscalation(types.AlarmEvent{EventID: 17}))
	s.trackAction(17, "originate-abc")

	s.remove(17)

	is.True(!s.tracking(17))
	_, ok := s.claimOutcome("originate-abc")
	is.True(!ok)
	is.Equal(0, s.activeCount())
}
