package callout

import (
	"encoding/json"
	"time"
)

type AlarmResolved struct {
	PanelID    int64     `json:"panelId"`
	EventID    int64     `json:"eventId"`
	Code       string    `json:"code"`
	AnsweredBy string    `json:"answeredBy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (a *AlarmResolved) ContentType() string {
	return "application/json"
}
func (a *AlarmResolved) TopicName() string {
	return "callout.alarmResolved"
}
func (a *AlarmResolved) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}

type ProcessingStateChanged struct {
	Enabled   bool      `json:"enabled"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *ProcessingStateChanged) ContentType() string {
	return "application/json"
}
func (p *ProcessingStateChanged) TopicName() string {
	return "callout.processingState"
}
func (p *ProcessingStateChanged) Body() []byte {
	b, _ := json.Marshal(p)
	return b
}
