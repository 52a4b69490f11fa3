package callout

import (
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

const configYaml string = `
pollIntervalSeconds: 10
eventCodes:
  - E100
  - E130
  - E100
maxConcurrent: 3
callDelaySeconds: 60
callTimeoutSeconds: 30
smsFallbackToLastCalled: true
smsTemplate: "Alarm {event_code} at {address}"
`

func TestLoadConfiguration(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(strings.NewReader(configYaml))
	is.NoErr(err)

	is.Equal(10*time.Second, cfg.PollInterval())
	is.Equal([]string{"E100", "E130"}, cfg.EventCodes)
	is.Equal(3, cfg.MaxConcurrent)
	is.Equal(60*time.Second, cfg.CallDelay())
	is.Equal(30*time.Second, cfg.CallTimeout())
	is.True(cfg.SMSFallbackToLastCalled)
	is.Equal("Alarm {event_code} at {address}", cfg.SMSTemplate)

	// defaults fill in what the file leaves out
	is.Equal(4*time.Hour, cfg.CooldownMinGap())
	is.Equal(32, cfg.QueueSize)
}

func TestLoadConfigurationRequiresEventCodes(t *testing.T) {
	is := is.New(t)

	_, err := LoadConfiguration(strings.NewReader("maxConcurrent: 5"))
	is.True(err != nil)
}

func TestLoadConfigurationRejectsBadYaml(t *testing.T) {
	is := is.New(t)

	_, err := LoadConfiguration(strings.NewReader("eventCodes: [E100"))
	is.True(err != nil)
}
