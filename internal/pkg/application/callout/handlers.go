package callout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"

	"github.com/pultline/alarm-callout/pkg/types"
)

type callOutcome struct {
	ActionID string            `json:"actionId"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewCallOutcomeHandler returns the handler for the telephony gateway's
// outcome topic. It only correlates and signals; all transition logic runs
// in the owning workflow goroutine. Deliveries are at least once, so an
// already consumed or unknown action id is dropped without complaint.
func NewCallOutcomeHandler(state *stateStore) messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		var err error

		ctx, span := tracer.Start(ctx, "call-outcome")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		msg := callOutcome{}

		err = json.Unmarshal(itm.Body(), &msg)
		if err != nil {
			log.Error("failed to unmarshal message", "err", err.Error())
			return
		}

		outcome, known := types.NormalizeOutcome(msg.Status)
		if !known {
			log.Warn("unknown call outcome status", "status", msg.Status, "action_id", msg.ActionID)
			return
		}

		esc, claimed := state.claimOutcome(msg.ActionID)
		if !claimed {
			log.Debug("outcome for unknown or already consumed action id", "action_id", msg.ActionID)
			return
		}

		select {
		case esc.outcomes <- callResult{actionID: msg.ActionID, outcome: outcome}:
		default:
			log.Warn("outcome channel full, dropping signal", "action_id", msg.ActionID)
		}
	}
}
