package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/pultline/alarm-callout/pkg/types"
)

const timeLayout = "2006-01-02 15:04:05"

var header = []string{
	"processed at", "panel id", "event id", "code", "event time",
	"address", "company", "responsible", "phone", "status", "extra",
}

// Sink is the durable audit trail. One csv file per calendar month, entries
// appended and flushed before Append returns, a single mutex serializing
// concurrent workflow writers so rows never interleave.
type Sink struct {
	dir  string
	mu   sync.Mutex
	path string
}

func NewSink(dir string) (*Sink, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create report directory: %w", err)
	}

	return &Sink{dir: dir}, nil
}

func (s *Sink) Append(ctx context.Context, entry types.ReportEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, entry.ProcessedAt.Format("2006.01")+".01.csv")
	if path != s.path {
		err := s.ensureHeader(path)
		if err != nil {
			return err
		}
		s.path = path
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	err = w.Write([]string{
		entry.ProcessedAt.Format(timeLayout),
		fmt.Sprintf("%d", entry.PanelID),
		fmt.Sprintf("%d", entry.EventID),
		entry.Code,
		entry.EventTime.Format(timeLayout),
		entry.Address,
		entry.CompanyName,
		entry.Responsible,
		entry.Phone,
		entry.Status,
		entry.Extra,
	})
	if err != nil {
		return fmt.Errorf("could not write report entry: %w", err)
	}

	w.Flush()
	if w.Error() != nil {
		return fmt.Errorf("could not flush report entry: %w", w.Error())
	}

	err = f.Sync()
	if err != nil {
		return fmt.Errorf("could not sync report file: %w", err)
	}

	logging.GetFromContext(ctx).Debug("report entry appended", "event_id", entry.EventID, "status", entry.Status)

	return nil
}

// ensureHeader creates the monthly file with its header row if it does not
// exist yet. Called with the mutex held.
func (s *Sink) ensureHeader(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	err = w.Write(header)
	if err != nil {
		return err
	}

	w.Flush()

	return w.Error()
}

// Entry builds a report row for an event with the processing timestamp set
// to now. Responsible and phone are optional, depending on the transition.
func Entry(event types.AlarmEvent, responsible, phone, status, extra string) types.ReportEntry {
	return types.ReportEntry{
		ProcessedAt: time.Now(),
		PanelID:     event.PanelID,
		EventID:     event.EventID,
		Code:        event.Code,
		EventTime:   event.RaisedAt,
		Address:     event.Address,
		CompanyName: event.CompanyName,
		Responsible: responsible,
		Phone:       phone,
		Status:      status,
		Extra:       extra,
	}
}
