package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlertRecordRoundTrip(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"type": "cpu_usage", "value": 87.5})
	require.NoError(t, err)

	rec := &AlertRecord{Identifier: "agent-7", Payload: payload}
	encoded, err := EncodeAlertRecord(rec)
	require.NoError(t, err)
	require.Len(t, encoded, AlertFlowHeaderSize+len(payload))

	decoded, err := DecodeAlertRecord(encoded)
	require.NoError(t, err)
	require.Equal(t, "agent-7", decoded.Identifier)
	require.JSONEq(t, string(payload), string(decoded.Payload))
}

func TestAlertRecordShortRecord(t *testing.T) {
	_, err := DecodeAlertRecord([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrAlertFlowShortRecord)
}

func TestAlertRecordVersionMismatchStillDecodes(t *testing.T) {
	rec := &AlertRecord{Identifier: "x", Payload: json.RawMessage(`{}`)}
	encoded, err := EncodeAlertRecord(rec)
	require.NoError(t, err)
	encoded[0] = 9

	decoded, err := DecodeAlertRecord(encoded)
	require.True(t, errors.Is(err, ErrVersionMismatch))
	require.NotNil(t, decoded)
	require.Equal(t, "x", decoded.Identifier)
}
