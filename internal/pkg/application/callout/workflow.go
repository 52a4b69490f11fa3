package callout

import (
	"context"
	"strconv"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"

	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/gateway"
	"github.com/pultline/alarm-callout/internal/pkg/infrastructure/report"
	"github.com/pultline/alarm-callout/pkg/types"
)

const timeSpoken = "2006-01-02 15:04:05"

// process runs the full escalation workflow for one event: claim, archive,
// synthesize, call down the responsible list, fall back to SMS, finalize.
// Every transition is appended to the report. Failures before the calling
// stage revert the claim so the event is retried on a later poll; a
// cancelled context leaves the event claimed on purpose.
func (svc *calloutSvc) process(ctx context.Context, event types.AlarmEvent) {
	var err error
	ctx, span := tracer.Start(ctx, "process-alarm-event")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx).With("panel_id", event.PanelID, "event_id", event.EventID, "code", event.Code)
	ctx = logging.NewContextWithLogger(ctx, log)

	if !svc.gate.TryAdmit(event.PanelID, time.Now()) {
		log.Debug("panel is in cooldown, skipping event")
		return
	}

	err = svc.store.SetEventState(ctx, event.PanelID, event.EventID, types.EventStateInProgress)
	if err != nil {
		log.Error("could not claim event", "err", err.Error())
		svc.gate.Revert(event.PanelID)
		return
	}

	esc := newEscalation(event)
	if !svc.state.add(esc) {
		log.Warn("event is already being processed")
		return
	}

	err = svc.archive.EnsureArchived(ctx, event)
	if err != nil {
		log.Error("could not archive event", "err", err.Error())
		svc.abandon(ctx, event)
		return
	}

	err = svc.archive.AddServiceRecord(ctx, event.EventID, types.ReportAccepted)
	if err != nil {
		log.Error("could not add service record", "err", err.Error())
		svc.abandon(ctx, event)
		return
	}

	svc.appendReport(ctx, report.Entry(event, "", "", types.ReportAccepted, ""))

	vars := templateVars(event)

	esc.voiceRef, err = svc.synth.Synthesize(ctx, event.PanelID, vars, svc.cfg.CallTemplate)
	if err != nil {
		log.Error("could not synthesize voice message", "err", err.Error())
		svc.abandon(ctx, event)
		return
	}

	esc.responsibles, err = svc.store.GetResponsibles(ctx, event.PanelID)
	if err != nil {
		log.Error("could not fetch responsibles", "err", err.Error())
		svc.abandon(ctx, event)
		return
	}

	answeredBy := svc.callResponsibles(ctx, esc)

	if ctx.Err() != nil {
		log.Info("processing interrupted, leaving event claimed")
		return
	}

	if answeredBy == "" && len(esc.responsibles) > 0 {
		svc.sendFallbackSMS(ctx, esc, vars)
	}

	svc.finalize(ctx, esc, answeredBy)
}

// callResponsibles walks the ordered list until someone answers or the list
// is exhausted, returning the name of whoever answered. At most one call is
// outstanding at a time and the attempt counter only moves forward.
func (svc *calloutSvc) callResponsibles(ctx context.Context, esc *escalation) string {
	log := logging.GetFromContext(ctx)
	event := esc.event

	for i, responsible := range esc.responsibles {
		if ctx.Err() != nil {
			return ""
		}

		if !types.ValidPhone(responsible.Phone) {
			log.Warn("skipping responsible with undialable phone", "responsible", responsible.Name)
			continue
		}

		esc.attempt++
		esc.lastCalled = i

		drainOutcomes(esc)

		actionID, err := svc.dispatcher.Dispatch(ctx, responsible.Phone, esc.voiceRef, event.PanelID)
		if err != nil {
			log.Error("call dispatch failed", "responsible", responsible.Name, "err", err.Error())
			svc.appendReport(ctx, report.Entry(event, responsible.Name, responsible.Phone, types.ReportCallFailed, "dispatch failed"))
			if !sleepCtx(ctx, svc.cfg.CallDelay()) {
				return ""
			}
			continue
		}

		svc.state.trackAction(event.EventID, actionID)
		svc.appendReport(ctx, report.Entry(event, responsible.Name, responsible.Phone, types.ReportCallInitiated, ""))

		outcome := svc.awaitOutcome(ctx, esc, actionID)
		if ctx.Err() != nil {
			return ""
		}

		if outcome == types.OutcomeAnswered {
			svc.appendReport(ctx, report.Entry(event, responsible.Name, responsible.Phone, types.ReportCallAnswered, ""))
			return responsible.Name
		}

		svc.appendReport(ctx, report.Entry(event, responsible.Name, responsible.Phone, types.ReportCallFailed, string(outcome)))

		if !sleepCtx(ctx, svc.cfg.CallDelay()) {
			return ""
		}
	}

	return ""
}

// awaitOutcome blocks until the gateway reports a terminal status for the
// outstanding call, or the call timeout elapses. Results carry the
// correlation id they answer; one left behind by an attempt that timed out
// after its id had already been claimed is discarded instead of being
// attributed to the current call. On timeout the correlation id is
// discarded so a late delivery is silently dropped.
func (svc *calloutSvc) awaitOutcome(ctx context.Context, esc *escalation, actionID string) types.CallOutcome {
	timeout := time.After(svc.cfg.CallTimeout())

	for {
		select {
		case result := <-esc.outcomes:
			if result.actionID != actionID {
				continue
			}
			return result.outcome
		case <-timeout:
			svc.state.discardAction(actionID)
			return types.OutcomeTimeout
		case <-ctx.Done():
			svc.state.discardAction(actionID)
			return types.OutcomeCanceled
		}
	}
}

// drainOutcomes empties the result buffer before a new call is dispatched.
func drainOutcomes(esc *escalation) {
	for {
		select {
		case <-esc.outcomes:
		default:
			return
		}
	}
}

func (svc *calloutSvc) sendFallbackSMS(ctx context.Context, esc *escalation, vars map[string]string) {
	log := logging.GetFromContext(ctx)
	event := esc.event

	target := esc.responsibles[0]
	if svc.cfg.SMSFallbackToLastCalled && esc.lastCalled >= 0 {
		target = esc.responsibles[esc.lastCalled]
	}

	if !types.ValidPhone(target.Phone) {
		log.Warn("sms fallback target has undialable phone", "responsible", target.Name)
		return
	}

	text := gateway.RenderTemplate(svc.cfg.SMSTemplate, vars)

	if svc.sms.Send(ctx, target.Phone, text) {
		svc.appendReport(ctx, report.Entry(event, target.Name, target.Phone, types.ReportSMSSent, ""))
	} else {
		svc.appendReport(ctx, report.Entry(event, target.Name, target.Phone, types.ReportSMSFailed, ""))
	}
}

// finalize marks the event resolved, removes it from the source store and
// closes out the audit trail. Finalization is best effort past the state
// flip since the event must not come back on the next poll.
func (svc *calloutSvc) finalize(ctx context.Context, esc *escalation, answeredBy string) {
	log := logging.GetFromContext(ctx)
	event := esc.event

	err := svc.store.SetEventState(ctx, event.PanelID, event.EventID, types.EventStateResolved)
	if err != nil {
		log.Error("could not mark event resolved", "err", err.Error())
	}

	err = svc.store.DeleteEvent(ctx, event.PanelID, event.EventID)
	if err != nil {
		log.Error("could not delete event from source store", "err", err.Error())
	}

	err = svc.archive.AddServiceRecord(ctx, event.EventID, types.ReportCompleted)
	if err != nil {
		log.Error("could not add service record", "err", err.Error())
	}

	svc.appendReport(ctx, report.Entry(event, "", "", types.ReportCompleted, ""))

	svc.state.remove(event.EventID)

	resolved := &AlarmResolved{
		PanelID:    event.PanelID,
		EventID:    event.EventID,
		Code:       event.Code,
		AnsweredBy: answeredBy,
		Timestamp:  time.Now().UTC(),
	}

	err = svc.messenger.PublishOnTopic(ctx, resolved)
	if err != nil {
		log.Error("failed to publish alarm resolved", "err", err.Error())
	}

	err = svc.notifier.Send(ctx, "callout.alarmResolved", resolved)
	if err != nil {
		log.Error("failed to notify subscribers of resolved alarm", "err", err.Error())
	}

	log.Info("event processing completed", "answered_by", answeredBy, "attempts", esc.attempt)
}

// abandon reverts a claim after a pre-calling failure so the event is
// picked up again on a later poll.
func (svc *calloutSvc) abandon(ctx context.Context, event types.AlarmEvent) {
	log := logging.GetFromContext(ctx)

	err := svc.store.SetEventState(ctx, event.PanelID, event.EventID, types.EventStateOpen)
	if err != nil {
		log.Error("could not revert event claim", "err", err.Error())
	}

	svc.state.remove(event.EventID)
}

func (svc *calloutSvc) appendReport(ctx context.Context, entry types.ReportEntry) {
	err := svc.report.Append(ctx, entry)
	if err != nil {
		logging.GetFromContext(ctx).Error("could not append report entry", "err", err.Error())
	}
}

func templateVars(event types.AlarmEvent) map[string]string {
	return map[string]string{
		"object_id":        strconv.FormatInt(event.PanelID, 10),
		"object_id_digits": types.SpelledDigits(event.PanelID),
		"event_code":       event.Code,
		"event_time":       event.RaisedAt.Format(timeSpoken),
		"address":          event.Address,
		"company_name":     event.CompanyName,
	}
}

// sleepCtx waits out the delay unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
