package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"gorm.io/gorm"

	"github.com/pultline/alarm-callout/pkg/types"
)

var ErrNotFound = fmt.Errorf("archive record not found")

// Repository is the long-term archive: an immutable copy of every processed
// alarm event plus free-text service records marking processing milestones.
// The original store rotated physical tables by month; here the month key is
// a column and retention is an external concern.
type Repository interface {
	EnsureArchived(ctx context.Context, event types.AlarmEvent) error
	AddServiceRecord(ctx context.Context, eventID int64, nameState string) error
	GetArchivedEvent(ctx context.Context, eventID int64) (ArchivedEvent, error)
}

type ArchivedEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	EventID   int64     `json:"eventId" gorm:"uniqueIndex"`
	PanelID   int64     `json:"panelId"`
	Code      string    `json:"code"`
	TimeEvent time.Time `json:"timeEvent"`
	DateKey   int       `json:"dateKey"`
	MonthKey  string    `json:"monthKey" gorm:"index"`
}

type ServiceRecord struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	EventID       int64     `json:"eventId" gorm:"index"`
	NameState     string    `json:"nameState"`
	Computer      string    `json:"computer"`
	OperationTime time.Time `json:"operationTime"`
	DateKey       int       `json:"dateKey"`
	PersonName    string    `json:"personName"`
}

type archiveRepository struct {
	db *gorm.DB
}

func NewRepository(connect ConnectorFunc) (Repository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&ArchivedEvent{}, &ServiceRecord{})
	if err != nil {
		return nil, err
	}

	return &archiveRepository{db: impl}, nil
}

// EnsureArchived writes the immutable event copy exactly once. A row already
// present for the event id counts as success so that re-claimed alarms do
// not fail their archive step.
func (r *archiveRepository) EnsureArchived(ctx context.Context, event types.AlarmEvent) error {
	existing := ArchivedEvent{}

	result := r.db.Where(&ArchivedEvent{EventID: event.EventID}).First(&existing)
	if result.Error == nil {
		logging.GetFromContext(ctx).Debug("event already archived", "event_id", event.EventID)
		return nil
	}

	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}

	now := time.Now()

	return r.db.Create(&ArchivedEvent{
		EventID:   event.EventID,
		PanelID:   event.PanelID,
		Code:      event.Code,
		TimeEvent: event.RaisedAt,
		DateKey:   dateKey(now),
		MonthKey:  now.Format("2006.01"),
	}).Error
}

func (r *archiveRepository) AddServiceRecord(ctx context.Context, eventID int64, nameState string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now()

	return r.db.Create(&ServiceRecord{
		EventID:       eventID,
		NameState:     nameState,
		Computer:      hostname,
		OperationTime: now,
		DateKey:       dateKey(now),
		PersonName:    "alarm-callout",
	}).Error
}

func (r *archiveRepository) GetArchivedEvent(ctx context.Context, eventID int64) (ArchivedEvent, error) {
	event := ArchivedEvent{}

	err := r.db.Where(&ArchivedEvent{EventID: eventID}).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ArchivedEvent{}, ErrNotFound
		}
		return ArchivedEvent{}, err
	}

	return event, nil
}

func dateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
