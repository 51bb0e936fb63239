package mllp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHL7(ackType string) string {
	return strings.Join([]string{
		"MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20260901120000||ADT^A01|MSG0001|P|2.6|||" + ackType + "|",
		"EVN|A01|20260901120000",
		"PID|1||12345^^^MRN||DOE^JOHN",
	}, "\r") + "\r"
}

func TestParseMessageHeaderFields(t *testing.T) {
	msg, err := ParseMessage(sampleHL7("AL"))
	require.NoError(t, err)

	assert.Equal(t, "SENDAPP", msg.SendingApplication())
	assert.Equal(t, "SENDFAC", msg.SendingFacility())
	assert.Equal(t, "RECVAPP", msg.ReceivingApplication())
	assert.Equal(t, "RECVFAC", msg.ReceivingFacility())
	assert.Equal(t, "ADT^A01", msg.MessageType())
	assert.Equal(t, "MSG0001", msg.ControlID())
	assert.Equal(t, "P", msg.ProcessingID())
	assert.Equal(t, "2.6", msg.Version())
}

func TestParseMessageRejectsMissingHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain text", "HELLO"},
		{"empty", ""},
		{"whitespace only", "\r\n  "},
		{"truncated header", "MSH|^~\\&|APP"},
		{"body without header", "PID|1||12345\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestAckPolicyFromHeader(t *testing.T) {
	tests := []struct {
		value string
		want  AckPolicy
	}{
		{"AL", AckAlways},
		{"NE", AckNever},
		{"ER", AckOnError},
		{"SU", AckOnSuccess},
		{"su", AckOnSuccess},
		{"", AckAlways},
		{"XX", AckAlways},
	}
	for _, tt := range tests {
		t.Run("value "+tt.value, func(t *testing.T) {
			msg, err := ParseMessage(sampleHL7(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.AckPolicy())
		})
	}
}

func TestACKSwapsEndpointsAndEchoesControlID(t *testing.T) {
	msg, err := ParseMessage(sampleHL7("AL"))
	require.NoError(t, err)

	ack := string(msg.ACK())
	segments := strings.Split(strings.TrimRight(ack, "\r"), "\r")
	require.Len(t, segments, 2)

	msh := strings.Split(segments[0], "|")
	require.GreaterOrEqual(t, len(msh), 12)
	assert.Equal(t, "RECVAPP", msh[2])
	assert.Equal(t, "RECVFAC", msh[3])
	assert.Equal(t, "SENDAPP", msh[4])
	assert.Equal(t, "SENDFAC", msh[5])
	assert.Equal(t, "ACK", msh[8])
	assert.Equal(t, "2.6", msh[11])

	assert.Equal(t, "MSA|AA|MSG0001", segments[1])
}

func TestNACKReportsError(t *testing.T) {
	msg, err := ParseMessage(sampleHL7("AL"))
	require.NoError(t, err)
	assert.Contains(t, string(msg.NACK()), "MSA|AE|MSG0001")
}

func TestExtractFrames(t *testing.T) {
	start, end := byte(0x0B), byte(0x1C)

	t.Run("two complete frames in one read", func(t *testing.T) {
		buf := []byte{start, 'a', end, '\r', start, 'b', end, '\r'}
		frames, rest := extractFrames(buf, start, end)
		require.Len(t, frames, 2)
		assert.Equal(t, "a", string(frames[0]))
		assert.Equal(t, "b", string(frames[1]))
		assert.Empty(t, rest)
	})

	t.Run("partial frame kept for next read", func(t *testing.T) {
		buf := []byte{start, 'a', end, '\r', start, 'p', 'a', 'r'}
		frames, rest := extractFrames(buf, start, end)
		require.Len(t, frames, 1)
		assert.Equal(t, []byte{start, 'p', 'a', 'r'}, rest)
	})

	t.Run("noise outside markers is dropped", func(t *testing.T) {
		buf := append([]byte("junk"), start, 'a', end)
		frames, rest := extractFrames(buf, start, end)
		require.Len(t, frames, 1)
		assert.Equal(t, "a", string(frames[0]))
		assert.Empty(t, rest)
	})

	t.Run("no markers", func(t *testing.T) {
		frames, rest := extractFrames([]byte("nothing here"), start, end)
		assert.Empty(t, frames)
		assert.Empty(t, rest)
	})
}
