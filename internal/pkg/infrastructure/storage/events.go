package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pultline/alarm-callout/pkg/types"

	"github.com/jackc/pgx/v5"
)

// QueryOpenEvents returns every unresolved alarm event whose code is in the
// configured allow list. It is a pure read; claiming happens separately so
// that an event denied admission stays fetchable on the next poll.
func (s *Store) QueryOpenEvents(ctx context.Context, codes []string) ([]types.AlarmEvent, error) {
	if len(codes) == 0 {
		return []types.AlarmEvent{}, nil
	}

	args := pgx.NamedArgs{
		"codes": codes,
		"state": types.EventStateOpen,
	}

	query := `
		SELECT e.panel_id, e.event_id, e.code, e.time_event,
		       COALESCE(c.address, '') AS address,
		       COALESCE(c.company_name, '') AS company_name
		FROM events e
		LEFT JOIN panels p ON p.panel_id = e.panel_id
		LEFT JOIN panel_groups g ON g.panel_id = p.panel_id
		LEFT JOIN companies c ON c.company_id = g.company_id
		WHERE e.code = any(@codes) AND e.state = @state
		ORDER BY e.time_event ASC`

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	var panelID, eventID int64
	var code, address, companyName string
	var timeEvent time.Time

	events := make([]types.AlarmEvent, 0)

	_, err = pgx.ForEachRow(rows, []any{&panelID, &eventID, &code, &timeEvent, &address, &companyName}, func() error {
		events = append(events, types.AlarmEvent{
			PanelID:     panelID,
			EventID:     eventID,
			Code:        code,
			RaisedAt:    timeEvent,
			Address:     address,
			CompanyName: companyName,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return events, nil
}

// SetEventState moves an event between open, in-progress and resolved.
// Updating a row that no longer exists is not an error; finalize deletes the
// row right after marking it resolved, so retries must stay idempotent.
func (s *Store) SetEventState(ctx context.Context, panelID, eventID int64, state int) error {
	args := pgx.NamedArgs{
		"panel_id": panelID,
		"event_id": eventID,
		"state":    state,
	}

	_, err := s.pool.Exec(ctx, `UPDATE events SET state = @state WHERE panel_id = @panel_id AND event_id = @event_id`, args)
	if err != nil {
		return ErrQueryRow
	}

	return nil
}

// ReopenClaimedEvents reverts every in-progress claim back to open. Run once
// at startup; any claim found at that point belongs to a workflow that did
// not survive the previous process.
func (s *Store) ReopenClaimedEvents(ctx context.Context) (int64, error) {
	args := pgx.NamedArgs{
		"open":    types.EventStateOpen,
		"claimed": types.EventStateInProgress,
	}

	tag, err := s.pool.Exec(ctx, `UPDATE events SET state = @open WHERE state = @claimed`, args)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return tag.RowsAffected(), nil
}

// DeleteEvent removes the live event row together with its dependent detail
// rows in a single transaction, so a failure never leaves details orphaned.
func (s *Store) DeleteEvent(ctx context.Context, panelID, eventID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ErrQueryRow
	}

	var errs []error

	args := pgx.NamedArgs{
		"panel_id": panelID,
		"event_id": eventID,
	}

	_, err = tx.Exec(ctx, `DELETE FROM event_details WHERE event_id = @event_id`, args)
	if err != nil {
		errs = append(errs, err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM events WHERE panel_id = @panel_id AND event_id = @event_id`, args)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err = tx.Rollback(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return tx.Commit(ctx)
}
