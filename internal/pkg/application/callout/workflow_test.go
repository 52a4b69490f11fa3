package callout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"

	"github.com/pultline/alarm-callout/pkg/types"
)

func TestBusyThenExhaustedFallsBackToSMS(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "79001234567"},
		{ListID: 2, Name: "Second Person", Phone: "not-a-number"},
	}
	f.deliverOutcome("BUSY")

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{
		types.ReportAccepted,
		types.ReportCallInitiated,
		types.ReportCallFailed,
		types.ReportSMSSent,
		types.ReportCompleted,
	}, f.report.statuses())

	is.Equal("BUSY", f.report.entryAt(2).Extra)
	is.Equal("First Person", f.report.entryAt(3).Responsible)

	is.Equal(types.EventStateResolved, f.store.stateOf(17))
	is.True(f.store.wasDeleted(17))
	is.Equal([]string{types.ReportAccepted, types.ReportCompleted}, f.arch.records())
	is.Equal([]string{"callout.alarmResolved"}, f.publishedTopics())
	is.Equal(0, f.impl.state.activeCount())
}

func TestAnsweredCallResolvesWithoutSMS(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "79001234567"},
	}
	f.deliverOutcome("ANSWERED")

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{
		types.ReportAccepted,
		types.ReportCallInitiated,
		types.ReportCallAnswered,
		types.ReportCompleted,
	}, f.report.statuses())

	is.Equal(0, f.sms.callCount())
	is.Equal(types.EventStateResolved, f.store.stateOf(17))
}

func TestBridgedOutcomeCountsAsAnswered(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "79001234567"},
	}
	f.deliverOutcome("BRIDGED")

	f.impl.process(ctx, testAlarmEvent())

	is.Equal(types.ReportCallAnswered, f.report.entryAt(2).Status)
	is.Equal(0, f.sms.callCount())
}

func TestOutcomeTimeoutCountsAsFailedAttempt(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	// nobody ever delivers an outcome and the timeout is zero
	f.impl.cfg.CallTimeoutSeconds = 0
	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "79001234567"},
	}

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{
		types.ReportAccepted,
		types.ReportCallInitiated,
		types.ReportCallFailed,
		types.ReportSMSSent,
		types.ReportCompleted,
	}, f.report.statuses())
	is.Equal(string(types.OutcomeTimeout), f.report.entryAt(2).Extra)
}

func TestDuplicateOutcomeDeliveryIsANoOp(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "79001234567"},
	}

	handler := NewCallOutcomeHandler(f.impl.state)
	f.dispatcher.afterDispatch = func(actionID string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			handler(ctx, outcomeMessage(actionID, "ANSWERED"), slog.Default())
			handler(ctx, outcomeMessage(actionID, "BUSY"), slog.Default())
		}()
	}

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{
		types.ReportAccepted,
		types.ReportCallInitiated,
		types.ReportCallAnswered,
		types.ReportCompleted,
	}, f.report.statuses())
}

func TestEmptyResponsibleListFinalizesImmediately(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{}

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{types.ReportAccepted, types.ReportCompleted}, f.report.statuses())
	is.Equal(0, f.dispatcher.callCount())
	is.Equal(0, f.sms.callCount())
	is.Equal(types.EventStateResolved, f.store.stateOf(17))
}

func TestSynthesisFailureRevertsClaim(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.synth.err = fmt.Errorf("tts unreachable")

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{types.ReportAccepted}, f.report.statuses())
	is.Equal(types.EventStateOpen, f.store.stateOf(17))
	is.True(!f.store.wasDeleted(17))
	is.Equal(0, f.impl.state.activeCount())
}

func TestCooldownDeniesSecondRunForSamePanel(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{}

	f.impl.process(ctx, testAlarmEvent())
	rowsAfterFirst := len(f.report.statuses())

	event := testAlarmEvent()
	event.EventID = 18
	f.impl.process(ctx, event)

	is.Equal(rowsAfterFirst, len(f.report.statuses()))
	is.Equal(0, f.store.stateOf(18))
}

func TestAttemptIndexIsStrictlyMonotonic(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.impl.cfg.CallTimeoutSeconds = 0
	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "123456"},
		{ListID: 2, Name: "Skipped", Phone: "bad"},
		{ListID: 3, Name: "Third Person", Phone: "654321"},
	}

	attempts := []int{}
	f.dispatcher.afterDispatch = func(actionID string) {
		attempts = append(attempts, f.impl.currentAttempt(17))
	}

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]int{1, 2}, attempts)
}

func TestSMSFallbackToLastCalled(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.impl.cfg.SMSFallbackToLastCalled = true
	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "123456"},
		{ListID: 2, Name: "Second Person", Phone: "654321"},
	}
	f.deliverOutcome("NO_ANSWER")

	f.impl.process(ctx, testAlarmEvent())

	is.Equal("Second Person", f.sms.lastPhoneOwner(f.store.responsibles))
}

func TestAwaitOutcomeIgnoresStaleResult(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	esc := newEscalation(testAlarmEvent())
	f.impl.state.add(esc)

	// a result for an earlier, already timed out call is still buffered
	esc.outcomes <- callResult{actionID: "originate-1", outcome: types.OutcomeAnswered}

	go func() {
		time.Sleep(20 * time.Millisecond)
		esc.outcomes <- callResult{actionID: "originate-2", outcome: types.OutcomeBusy}
	}()

	is.Equal(types.OutcomeBusy, f.impl.awaitOutcome(ctx, esc, "originate-2"))
}

func TestStaleOutcomeDoesNotResolveNextAttempt(t *testing.T) {
	is, ctx, f := workflowSetupWithConfig(t, func(cfg *Config) {
		cfg.CallTimeoutSeconds = 0
		cfg.CallDelaySeconds = 1
	})

	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "123456"},
		{ListID: 2, Name: "Second Person", Phone: "654321"},
	}

	// the first call's ANSWERED arrives after its local timeout has been
	// recorded, while the workflow sits in the inter-attempt delay
	var once sync.Once
	f.dispatcher.afterDispatch = func(actionID string) {
		once.Do(func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				f.impl.state.mu.Lock()
				esc := f.impl.state.byEvent[17]
				f.impl.state.mu.Unlock()
				if esc != nil {
					esc.outcomes <- callResult{actionID: actionID, outcome: types.OutcomeAnswered}
				}
			}()
		})
	}

	f.impl.process(ctx, testAlarmEvent())

	is.Equal([]string{
		types.ReportAccepted,
		types.ReportCallInitiated,
		types.ReportCallFailed,
		types.ReportCallInitiated,
		types.ReportCallFailed,
		types.ReportSMSSent,
		types.ReportCompleted,
	}, f.report.statuses())
	is.Equal(string(types.OutcomeTimeout), f.report.entryAt(4).Extra)
}

func TestClaimFailureRevertsCooldownAdmission(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.responsibles = []types.Responsible{}
	f.store.stateErr = fmt.Errorf("source db down")

	f.impl.process(ctx, testAlarmEvent())
	is.Equal(0, len(f.report.statuses()))

	f.store.stateErr = nil
	f.impl.process(ctx, testAlarmEvent())
	is.Equal([]string{types.ReportAccepted, types.ReportCompleted}, f.report.statuses())
}

// currentAttempt reads the live attempt counter for a tracked event.
func (svc *calloutSvc) currentAttempt(eventID int64) int {
	svc.state.mu.Lock()
	defer svc.state.mu.Unlock()

	if esc, ok := svc.state.byEvent[eventID]; ok {
		return esc.attempt
	}
	return -1
}

type fixtures struct {
	impl       *calloutSvc
	store      *eventStoreMock
	arch       *archiveMock
	report     *reportMock
	dispatcher *dispatcherMock
	sms        *smsMock
	synth      *synthMock

	mu        sync.Mutex
	published []string
}

func workflowSetup(t *testing.T) (*is.I, context.Context, *fixtures) {
	return workflowSetupWithConfig(t, func(cfg *Config) {})
}

func workflowSetupWithConfig(t *testing.T, tweak func(cfg *Config)) (*is.I, context.Context, *fixtures) {
	is := is.New(t)
	ctx := context.Background()

	f := &fixtures{
		store:      &eventStoreMock{states: map[int64]int{}},
		arch:       &archiveMock{},
		report:     &reportMock{},
		dispatcher: &dispatcherMock{},
		sms:        &smsMock{ok: true},
		synth:      &synthMock{fileRef: "msg-4096"},
	}

	msgCtx := &messaging.MsgContextMock{
		RegisterTopicMessageHandlerFunc: func(routingKey string, handler messaging.TopicMessageHandler) error {
			return nil
		},
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.published = append(f.published, message.TopicName())
			return nil
		},
	}

	cfg := DefaultConfig()
	cfg.EventCodes = []string{"E100"}
	cfg.CallDelaySeconds = 0
	cfg.CallTimeoutSeconds = 2
	tweak(cfg)

	svc := New(cfg, f.store, f.arch, f.report, f.dispatcher, f.sms, f.synth, msgCtx, &notifierMock{})
	f.impl = svc.(*calloutSvc)

	return is, ctx, f
}

// deliverOutcome arranges for the given raw status to arrive through the
// outcome topic handler shortly after each dispatched call.
func (f *fixtures) deliverOutcome(status string) {
	handler := NewCallOutcomeHandler(f.impl.state)
	f.dispatcher.afterDispatch = func(actionID string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			handler(context.Background(), outcomeMessage(actionID, status), slog.Default())
		}()
	}
}

func (f *fixtures) publishedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

func outcomeMessage(actionID, status string) messaging.IncomingTopicMessage {
	return &messaging.IncomingTopicMessageMock{
		BodyFunc: func() []byte {
			return []byte(fmt.Sprintf(`{"actionId":%q,"status":%q}`, actionID, status))
		},
		TopicNameFunc: func() string {
			return "telephony.callOutcome"
		},
		ContentTypeFunc: func() string {
			return "application/json"
		},
	}
}

func testAlarmEvent() types.AlarmEvent {
	return types.AlarmEvent{
		PanelID:     4096,
		EventID:     17,
		Code:        "E100",
		RaisedAt:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Address:     "Main street 1",
		CompanyName: "Acme",
	}
}

type eventStoreMock struct {
	mu           sync.Mutex
	states       map[int64]int
	stateErr     error
	deleted      []int64
	open         []types.AlarmEvent
	responsibles []types.Responsible
}

func (m *eventStoreMock) QueryOpenEvents(ctx context.Context, codes []string) ([]types.AlarmEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open, nil
}

func (m *eventStoreMock) SetEventState(ctx context.Context, panelID, eventID int64, state int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return m.stateErr
	}
	m.states[eventID] = state
	return nil
}

func (m *eventStoreMock) DeleteEvent(ctx context.Context, panelID, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, eventID)
	return nil
}

func (m *eventStoreMock) GetResponsibles(ctx context.Context, panelID int64) ([]types.Responsible, error) {
	return m.responsibles, nil
}

func (m *eventStoreMock) stateOf(eventID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[eventID]
}

func (m *eventStoreMock) wasDeleted(eventID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.deleted {
		if id == eventID {
			return true
		}
	}
	return false
}

type archiveMock struct {
	mu         sync.Mutex
	archived   []int64
	nameStates []string
}

func (m *archiveMock) EnsureArchived(ctx context.Context, event types.AlarmEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, event.EventID)
	return nil
}

func (m *archiveMock) AddServiceRecord(ctx context.Context, eventID int64, nameState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameStates = append(m.nameStates, nameState)
	return nil
}

func (m *archiveMock) records() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nameStates
}

type reportMock struct {
	mu      sync.Mutex
	entries []types.ReportEntry
}

func (m *reportMock) Append(ctx context.Context, entry types.ReportEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *reportMock) statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		s = append(s, e.Status)
	}
	return s
}

func (m *reportMock) entryAt(i int) types.ReportEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[i]
}

type dispatcherMock struct {
	mu            sync.Mutex
	calls         int
	afterDispatch func(actionID string)
}

func (m *dispatcherMock) Dispatch(ctx context.Context, phone, voiceRef string, panelID int64) (string, error) {
	m.mu.Lock()
	m.calls++
	actionID := fmt.Sprintf("originate-%d", m.calls)
	after := m.afterDispatch
	m.mu.Unlock()

	if after != nil {
		after(actionID)
	}
	return actionID, nil
}

func (m *dispatcherMock) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type smsMock struct {
	mu     sync.Mutex
	ok     bool
	phones []string
}

func (m *smsMock) Send(ctx context.Context, phone, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phones = append(m.phones, phone)
	return m.ok
}

func (m *smsMock) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.phones)
}

func (m *smsMock) lastPhoneOwner(responsibles []types.Responsible) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.phones) == 0 {
		return ""
	}
	last := m.phones[len(m.phones)-1]
	for _, r := range responsibles {
		if r.Phone == last {
			return r.Name
		}
	}
	return ""
}

type synthMock struct {
	fileRef string
	err     error
}

func (m *synthMock) Synthesize(ctx context.Context, objectID int64, vars map[string]string, template string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.fileRef, nil
}

type notifierMock struct{}

func (m *notifierMock) Send(ctx context.Context, eventType string, data any) error {
	return nil
}
