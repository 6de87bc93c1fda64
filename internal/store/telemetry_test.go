package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryMirror_AppendLoadDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var seqs []int64
	for _, p := range []string{`{"a":1}`, `{"a":2}`, `{"a":3}`} {
		seq, err := s.AppendTelemetry(ctx, "events", []byte(p))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	_, err := s.AppendTelemetry(ctx, "metrics", []byte(`{"m":1}`))
	require.NoError(t, err)

	rows, err := s.LoadTelemetry(ctx, "events")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, `{"a":1}`, string(rows[0].Payload))

	require.NoError(t, s.DeleteTelemetry(ctx, "events", seqs[:2]))

	rows, err = s.LoadTelemetry(ctx, "events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, seqs[2], rows[0].Seq)

	other, err := s.LoadTelemetry(ctx, "metrics")
	require.NoError(t, err)
	assert.Len(t, other, 1, "delete must not cross channels")
}

func TestDeleteTelemetry_Empty(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.DeleteTelemetry(context.Background(), "events", nil))
}
