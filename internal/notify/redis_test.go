package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyReadyAppendsStreamEntry(t *testing.T) {
	mr := miniredis.RunT(t)

	n := NewRedisNotifier(mr.Addr(), "clinigate.payload.ready", zerolog.Nop())
	ev := ReadyEvent{
		PayloadID:     "pay-1",
		GroupKey:      "1.2.840.10008",
		CorrelationID: "corr-1",
		Bucket:        "clinigate-staged",
		Timestamp:     "2026-09-01T00:00:00Z",
		Files: []ReadyFile{
			{ID: "f1", Path: "hl7/f1.txt", Kind: "hl7", ContentType: "text/plain", Size: 9},
			{ID: "f2", Path: "hl7/f2.txt", Kind: "hl7", ContentType: "text/plain", Size: 12},
		},
	}
	require.NoError(t, n.NotifyReady(context.Background(), ev))

	entries, err := mr.Stream("clinigate.payload.ready")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	require.Len(t, values, 4) // two field/value pairs, flattened
	fields := map[string]string{values[0]: values[1], values[2]: values[3]}
	assert.Equal(t, "pay-1", fields["payload_id"])

	var decoded ReadyEvent
	require.NoError(t, json.Unmarshal([]byte(fields["event"]), &decoded))
	assert.Equal(t, ev, decoded)
}

func TestNotifyReadyReturnsTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	n := NewRedisNotifier(mr.Addr(), "clinigate.payload.ready", zerolog.Nop())
	mr.Close()

	err := n.NotifyReady(context.Background(), ReadyEvent{PayloadID: "pay-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pay-1")
}
