package callout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/pultline/alarm-callout/internal/pkg/application/events"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/gateway"
	"github.com/pultline/alarm-callout/pkg/types"
)

var tracer = otel.Tracer("alarm-callout/callout")

// EventStore is the subset of the source store the callout engine needs.
type EventStore interface {
	QueryOpenEvents(ctx context.Context, codes []string) ([]types.AlarmEvent, error)
	SetEventState(ctx context.Context, panelID, eventID int64, state int) error
	DeleteEvent(ctx context.Context, panelID, eventID int64) error
	GetResponsibles(ctx context.Context, panelID int64) ([]types.Responsible, error)
}

// Archiver is the subset of the archive repository the workflow drives.
type Archiver interface {
	EnsureArchived(ctx context.Context, event types.AlarmEvent) error
	AddServiceRecord(ctx context.Context, eventID int64, nameState string) error
}

type ReportSink interface {
	Append(ctx context.Context, entry types.ReportEntry) error
}

type CallOutService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
	QueueDepth() int
}

type calloutSvc struct {
	cfg *Config

	store      EventStore
	archive    Archiver
	report     ReportSink
	dispatcher gateway.CallDispatcher
	sms        gateway.SMSSender
	synth      gateway.Synthesizer
	messenger  messaging.MsgContext
	notifier   events.EventSender

	state *stateStore
	gate  *cooldownGate
	queue chan types.AlarmEvent

	active atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *Config, store EventStore, arch Archiver, report ReportSink, dispatcher gateway.CallDispatcher, sms gateway.SMSSender, synth gateway.Synthesizer, messenger messaging.MsgContext, notifier events.EventSender) CallOutService {
	svc := &calloutSvc{
		cfg:        cfg,
		store:      store,
		archive:    arch,
		report:     report,
		dispatcher: dispatcher,
		sms:        sms,
		synth:      synth,
		messenger:  messenger,
		notifier:   notifier,
		state:      newStateStore(),
		gate:       newCooldownGate(cfg.CooldownMinGap()),
		queue:      make(chan types.AlarmEvent, cfg.QueueSize),
	}

	svc.messenger.RegisterTopicMessageHandler("telephony.callOutcome", NewCallOutcomeHandler(svc.state))

	return svc
}

// Start brings up the worker pool and the poll loop. Calling Start on an
// already active service is a no-op.
func (svc *calloutSvc) Start(ctx context.Context) error {
	if !svc.active.CompareAndSwap(false, true) {
		return nil
	}

	svc.mu.Lock()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.NewContextWithLogger(runCtx, logging.GetFromContext(ctx))
	svc.cancel = cancel
	svc.mu.Unlock()

	for i := 0; i < svc.cfg.MaxConcurrent; i++ {
		svc.wg.Add(1)
		go svc.worker(runCtx)
	}

	svc.wg.Add(1)
	go svc.pollLoop(runCtx)

	svc.publishProcessingState(ctx, true)

	logging.GetFromContext(ctx).Info("callout processing started",
		"poll_interval", svc.cfg.PollInterval().String(),
		"max_concurrent", svc.cfg.MaxConcurrent,
	)

	return nil
}

// Stop disables processing. In-flight workflows are interrupted at their
// next cancellation point and their events stay claimed, so a restart does
// not re-ring sites that were already being handled.
func (svc *calloutSvc) Stop(ctx context.Context) error {
	if !svc.active.CompareAndSwap(true, false) {
		return nil
	}

	svc.mu.Lock()
	if svc.cancel != nil {
		svc.cancel()
		svc.cancel = nil
	}
	svc.mu.Unlock()

	svc.wg.Wait()

	svc.publishProcessingState(ctx, false)

	logging.GetFromContext(ctx).Info("callout processing stopped")

	return nil
}

func (svc *calloutSvc) IsActive() bool {
	return svc.active.Load()
}

func (svc *calloutSvc) QueueDepth() int {
	return len(svc.queue)
}

func (svc *calloutSvc) pollLoop(ctx context.Context) {
	defer svc.wg.Done()

	svc.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(svc.cfg.PollInterval()):
			svc.pollOnce(ctx)
		}
	}
}

// pollOnce fetches open events and hands them to the worker pool. It never
// blocks on a full queue; a dropped event is still open in the source store
// and comes back on the next tick.
func (svc *calloutSvc) pollOnce(ctx context.Context) {
	var err error
	ctx, span := tracer.Start(ctx, "poll-open-events")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	candidates, err := svc.store.QueryOpenEvents(ctx, svc.cfg.EventCodes)
	if err != nil {
		log.Error("could not query open events", "err", err.Error())
		return
	}

	for _, event := range candidates {
		if svc.state.tracking(event.EventID) {
			continue
		}

		select {
		case svc.queue <- event:
		default:
			log.Warn("work queue full, deferring event", "event_id", event.EventID)
		}
	}
}

func (svc *calloutSvc) worker(ctx context.Context) {
	defer svc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-svc.queue:
			svc.process(ctx, event)
		}
	}
}

func (svc *calloutSvc) publishProcessingState(ctx context.Context, enabled bool) {
	log := logging.GetFromContext(ctx)

	err := svc.messenger.PublishOnTopic(ctx, &ProcessingStateChanged{
		Enabled:   enabled,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error("failed to publish processing state", "err", err.Error())
	}

	err = svc.notifier.Send(ctx, "callout.processingState", struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled})
	if err != nil {
		log.Error("failed to notify subscribers of processing state", "err", err.Error())
	}
}
