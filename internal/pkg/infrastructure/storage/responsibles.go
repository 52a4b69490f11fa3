package storage

import (
	"context"
	"fmt"

	"github.com/pultline/alarm-callout/pkg/types"

	"github.com/jackc/pgx/v5"
)

// GetResponsibles resolves the ordered escalation list for a panel. The
// first row is called first; ordering follows the directory's own priority
// id. No contacts is a valid result, not an error, and the caller is
// responsible for validating phone numbers before dialing.
func (s *Store) GetResponsibles(ctx context.Context, panelID int64) ([]types.Responsible, error) {
	args := pgx.NamedArgs{
		"panel_id": panelID,
	}

	query := `
		SELECT r.list_id, COALESCE(t.phone_no, '') AS phone_no, COALESCE(l.responsible_name, '') AS responsible_name
		FROM responsibles r
		LEFT JOIN responsible_phones t ON t.list_id = r.list_id
		LEFT JOIN responsible_lists l ON l.list_id = r.list_id
		WHERE r.panel_id = @panel_id
		ORDER BY r.responsible_id ASC`

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	var listID int64
	var phone, name string

	responsibles := make([]types.Responsible, 0)

	_, err = pgx.ForEachRow(rows, []any{&listID, &phone, &name}, func() error {
		responsibles = append(responsibles, types.Responsible{
			ListID: listID,
			Name:   name,
			Phone:  phone,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return responsibles, nil
}
