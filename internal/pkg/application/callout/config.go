package callout

import (
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	yaml "gopkg.in/yaml.v2"
)

// Config controls polling, concurrency and escalation pacing. Durations are
// given in seconds in the config file since that is what operators have
// always tuned them in.
type Config struct {
	PollIntervalSeconds int      `yaml:"pollIntervalSeconds"`
	EventCodes          []string `yaml:"eventCodes"`

	MaxConcurrent int `yaml:"maxConcurrent"`
	QueueSize     int `yaml:"queueSize"`

	CallDelaySeconds   int `yaml:"callDelaySeconds"`
	CallTimeoutSeconds int `yaml:"callTimeoutSeconds"`

	CooldownMinGapHours int `yaml:"cooldownMinGapHours"`

	SMSFallbackToLastCalled bool `yaml:"smsFallbackToLastCalled"`

	CallTemplate string `yaml:"callTemplate"`
	SMSTemplate  string `yaml:"smsTemplate"`
}

func DefaultConfig() *Config {
	return &Config{
		PollIntervalSeconds: 30,
		MaxConcurrent:       5,
		QueueSize:           32,
		CallDelaySeconds:    180,
		CallTimeoutSeconds:  60,
		CooldownMinGapHours: 4,
		CallTemplate:        "Alarm {event_code} at {address}, object {object_id_digits}, raised at {event_time}.",
		SMSTemplate:         "Alarm {event_code} at {address} ({company_name}), object {object_id}, raised at {event_time}. Nobody answered the call.",
	}
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, err
	}

	cfg.EventCodes = lo.Uniq(cfg.EventCodes)
	if len(cfg.EventCodes) == 0 {
		return nil, fmt.Errorf("no event codes configured")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("maxConcurrent must be at least 1")
	}

	return cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) CallDelay() time.Duration {
	return time.Duration(c.CallDelaySeconds) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func (c *Config) CooldownMinGap() time.Duration {
	return time.Duration(c.CooldownMinGapHours) * time.Hour
}
