package store

import (
	"context"
	"strings"
)

const tableTelemetryBuffer = "telemetry_buffer"

// TelemetryRow is one mirrored telemetry payload.
type TelemetryRow struct {
	Seq     int64
	Payload []byte
}

// AppendTelemetry mirrors one encoded telemetry item for a channel and
// returns its sequence number.
func (s *Store) AppendTelemetry(ctx context.Context, channel string, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_buffer (channel, payload) VALUES (?, ?)
	`, channel, payload)
	if err != nil {
		return 0, storageErr("append_telemetry", tableTelemetryBuffer, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append_telemetry", tableTelemetryBuffer, err)
	}
	return seq, nil
}

// LoadTelemetry returns every mirrored payload of a channel in append order.
func (s *Store) LoadTelemetry(ctx context.Context, channel string) ([]TelemetryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM telemetry_buffer WHERE channel = ? ORDER BY seq ASC
	`, channel)
	if err != nil {
		return nil, storageErr("load_telemetry", tableTelemetryBuffer, err)
	}
	defer rows.Close()

	out := []TelemetryRow{}
	for rows.Next() {
		var r TelemetryRow
		if err := rows.Scan(&r.Seq, &r.Payload); err != nil {
			return nil, storageErr("load_telemetry", tableTelemetryBuffer, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load_telemetry", tableTelemetryBuffer, err)
	}
	return out, nil
}

// DeleteTelemetry removes delivered payloads of a channel in one statement.
func (s *Store) DeleteTelemetry(ctx context.Context, channel string, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	args := make([]any, 0, len(seqs)+1)
	args = append(args, channel)
	for _, seq := range seqs {
		args = append(args, seq)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_buffer WHERE channel = ? AND seq IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return storageErr("delete_telemetry", tableTelemetryBuffer, err)
	}
	return nil
}
