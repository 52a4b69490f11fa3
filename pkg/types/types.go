package types

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AlarmEvent is one raised condition read from the monitored-premises store.
// Immutable once fetched; EventID is the natural key for audit correlation.
type AlarmEvent struct {
	PanelID     int64     `json:"panelId"`
	EventID     int64     `json:"eventId"`
	Code        string    `json:"code"`
	RaisedAt    time.Time `json:"raisedAt"`
	Address     string    `json:"address"`
	CompanyName string    `json:"companyName"`
}

// Responsible is one escalation target for a panel. Escalation order is the
// order the directory returns them in.
type Responsible struct {
	ListID int64  `json:"listId"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

// Event states in the source store.
const (
	EventStateOpen       = 0
	EventStateInProgress = 1
	EventStateResolved   = 2
)

// CallOutcome is the terminal status of a dispatched call, delivered
// out-of-band by the telephony gateway.
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "ANSWERED"
	OutcomeNoAnswer CallOutcome = "NO_ANSWER"
	OutcomeBusy     CallOutcome = "BUSY"
	OutcomeFailed   CallOutcome = "FAILED"
	OutcomeCanceled CallOutcome = "CANCELED"
	OutcomeHungUp   CallOutcome = "HUNG_UP"

	// OutcomeTimeout is synthesized locally when no outcome arrives within
	// the configured call timeout. It never appears on the wire.
	OutcomeTimeout CallOutcome = "TIMEOUT"
)

// NormalizeOutcome maps raw gateway statuses onto the known set. BRIDGED is
// reported by some dialplans instead of ANSWERED and is treated as such.
func NormalizeOutcome(raw string) (CallOutcome, bool) {
	switch CallOutcome(raw) {
	case OutcomeAnswered, "BRIDGED":
		return OutcomeAnswered, true
	case OutcomeNoAnswer, "NOANSWER", "NO ANSWER":
		return OutcomeNoAnswer, true
	case OutcomeBusy:
		return OutcomeBusy, true
	case OutcomeFailed:
		return OutcomeFailed, true
	case OutcomeCanceled, "CANCEL":
		return OutcomeCanceled, true
	case OutcomeHungUp, "HUNG UP":
		return OutcomeHungUp, true
	}
	return "", false
}

// Report entry status labels, one per workflow transition.
const (
	ReportAccepted      = "accepted for processing"
	ReportCallInitiated = "call initiated"
	ReportCallAnswered  = "call answered"
	ReportCallFailed    = "call attempt failed"
	ReportSMSSent       = "sms sent"
	ReportSMSFailed     = "sms delivery failed"
	ReportCompleted     = "end of processing"
)

// ReportEntry is one immutable audit line. Appended for every workflow
// transition, never mutated.
type ReportEntry struct {
	ProcessedAt time.Time `json:"processedAt"`
	PanelID     int64     `json:"panelId"`
	EventID     int64     `json:"eventId"`
	Code        string    `json:"code"`
	EventTime   time.Time `json:"eventTime"`
	Address     string    `json:"address"`
	CompanyName string    `json:"companyName"`
	Responsible string    `json:"responsible"`
	Phone       string    `json:"phone"`
	Status      string    `json:"status"`
	Extra       string    `json:"extra,omitempty"`
}

var phonePattern = regexp.MustCompile(`^\d{6}$|^\d{11}$`)

// ValidPhone reports whether a directory phone number is dialable:
// six digit local numbers or eleven digit fully qualified ones.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// SpelledDigits renders a numeric id as space separated digits so the
// synthesizer reads it out one digit at a time.
func SpelledDigits(n int64) string {
	digits := strings.Split(strconv.FormatInt(n, 10), "")
	return strings.Join(digits, " ")
}
