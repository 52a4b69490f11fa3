package gateway

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SMSSender delivers a rendered text best effort. False means the message
// did not go out; senders never return errors since SMS failure must not
// block alarm resolution.
type SMSSender interface {
	Send(ctx context.Context, phone, text string) bool
}

type smsSender struct {
	url      string
	login    string
	password string
}

func NewSMSSender(apiURL, login, password string) SMSSender {
	return &smsSender{
		url:      apiURL,
		login:    login,
		password: password,
	}
}

func (s *smsSender) Send(ctx context.Context, phone, text string) bool {
	var err error
	ctx, span := tracer.Start(ctx, "send-sms")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	params := url.Values{}
	params.Set("operation", "send")
	params.Set("login", s.login)
	params.Set("password", s.password)
	params.Set("msisdn", phone)
	params.Set("text", text)

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"?"+params.Encode(), nil)
	if err != nil {
		log.Error("failed to create sms request", "err", err.Error())
		return false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Error("could not reach sms gateway", "err", err.Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error("sms gateway rejected request", "status_code", resp.StatusCode)
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read sms gateway response", "err", err.Error())
		return false
	}

	// the gateway reports errors in a 200 body
	if strings.Contains(string(body), "ERROR") {
		log.Error("sms gateway returned an error", "response", strings.TrimSpace(string(body)))
		return false
	}

	return true
}
