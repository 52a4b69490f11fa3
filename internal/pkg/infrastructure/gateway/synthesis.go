package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrSynthesisFailed = errors.New("voice synthesis failed")

// Synthesizer renders the spoken alarm message and returns an opaque voice
// file reference that the telephony gateway can play back. The synthesis
// pipeline itself (TTS vendor, codecs, file hosting) is not our concern.
type Synthesizer interface {
	Synthesize(ctx context.Context, objectID int64, vars map[string]string, template string) (string, error)
}

type synthesizer struct {
	url string
}

func NewSynthesizer(apiURL string) Synthesizer {
	return &synthesizer{url: apiURL}
}

// RenderTemplate substitutes {name} placeholders with their values. Unknown
// placeholders are left in place so that template mistakes are audible
// rather than silently swallowed.
func RenderTemplate(template string, vars map[string]string) string {
	rendered := template
	for name, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", value)
	}
	return rendered
}

func (s *synthesizer) Synthesize(ctx context.Context, objectID int64, vars map[string]string, template string) (string, error) {
	var err error
	ctx, span := tracer.Start(ctx, "synthesize-voice-message")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	request := struct {
		ObjectID int64  `json:"objectId"`
		Text     string `json:"text"`
	}{
		ObjectID: objectID,
		Text:     RenderTemplate(template, vars),
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		return "", err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Error("could not reach synthesis service", "err", err.Error())
		err = fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: status code %d", ErrSynthesisFailed, resp.StatusCode)
		return "", err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		return "", err
	}

	result := struct {
		FileRef string `json:"fileRef"`
	}{}

	err = json.Unmarshal(respBody, &result)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		return "", err
	}

	if result.FileRef == "" {
		err = fmt.Errorf("%w: no file reference in response", ErrSynthesisFailed)
		return "", err
	}

	log.Debug("voice message synthesized", "object_id", objectID, "file_ref", result.FileRef)

	return result.FileRef, nil
}
