package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("alarm-callout/gateway")

var ErrDispatchFailed = errors.New("call dispatch failed")

// CallDispatcher initiates outbound calls. Dispatch is asynchronous: a nil
// error only means the gateway accepted the request. The terminal outcome
// arrives later on the gateway's outcome topic, keyed by the returned
// correlation id.
type CallDispatcher interface {
	Dispatch(ctx context.Context, phone, voiceRef string, panelID int64) (string, error)
}

type dispatcher struct {
	baseURL  string
	username string
	password string
	channel  string
	exten    string
}

func NewCallDispatcher(baseURL, username, password, channelContext, exten string) CallDispatcher {
	return &dispatcher{
		baseURL:  baseURL,
		username: username,
		password: password,
		channel:  channelContext,
		exten:    exten,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, phone, voiceRef string, panelID int64) (string, error) {
	var err error
	ctx, span := tracer.Start(ctx, "dispatch-call")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	actionID := "originate-" + uuid.NewString()

	variables := fmt.Sprintf("phone_number=%s,vfile=%s,panel_id=%d", phone, voiceRef, panelID)

	params := url.Values{}
	params.Set("action", "Originate")
	params.Set("Channel", fmt.Sprintf("Local/%s@%s", phone, d.channel))
	params.Set("Context", d.channel)
	params.Set("Exten", d.exten)
	params.Set("Priority", "1")
	params.Set("Account", "VOICEBOT")
	params.Set("Async", "true")
	params.Set("ActionID", actionID)
	params.Set("Variable", variables)

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		err = fmt.Errorf("failed to create originate request: %w", err)
		return "", err
	}
	req.SetBasicAuth(d.username, d.password)

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Error("could not reach telephony gateway", "err", err.Error())
		err = fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error("originate rejected", "status_code", strconv.Itoa(resp.StatusCode))
		err = fmt.Errorf("%w: status code %d", ErrDispatchFailed, resp.StatusCode)
		return "", err
	}

	log.Debug("call dispatched", "action_id", actionID)

	return actionID, nil
}
