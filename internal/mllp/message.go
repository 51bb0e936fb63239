// Package mllp implements the minimal lower layer protocol listener for HL7
// v2 messages: frame extraction, header parsing and acknowledgment.
package mllp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AckPolicy is the acknowledgment behavior requested by the sender in
// MSH-15 (accept acknowledgment type).
type AckPolicy string

// Acknowledgment policies.
const (
	AckAlways    AckPolicy = "always"     // AL, or absent
	AckNever     AckPolicy = "never"      // NE
	AckOnError   AckPolicy = "on-error"   // ER
	AckOnSuccess AckPolicy = "on-success" // SU
)

var errMissingHeader = errors.New("message segment header MSH missing")

// Message is a parsed HL7 v2 message. Only header fields the gateway acts on
// are interpreted; the body is carried opaquely.
type Message struct {
	raw      string
	segments map[string][]string // first occurrence of each segment, split on the field separator
}

// ParseMessage splits raw HL7 content into segments and validates the MSH
// header. Segments are delimited by carriage returns per the HL7 standard;
// trailing line feeds from lenient senders are tolerated.
func ParseMessage(raw string) (*Message, error) {
	trimmed := strings.Trim(raw, "\r\n ")
	if trimmed == "" {
		return nil, errMissingHeader
	}

	m := &Message{
		raw:      raw,
		segments: make(map[string][]string),
	}
	for _, seg := range strings.Split(trimmed, "\r") {
		seg = strings.Trim(seg, "\n ")
		if seg == "" {
			continue
		}
		fields := strings.Split(seg, "|")
		name := fields[0]
		if _, ok := m.segments[name]; !ok {
			m.segments[name] = fields
		}
	}

	msh, ok := m.segments["MSH"]
	if !ok || len(msh) < 9 {
		return nil, errMissingHeader
	}
	return m, nil
}

// Raw returns the message exactly as received.
func (m *Message) Raw() string {
	return m.raw
}

// field returns MSH-n using standard HL7 numbering, where MSH-1 is the field
// separator itself.
func (m *Message) field(n int) string {
	msh := m.segments["MSH"]
	if n < 1 || n-1 >= len(msh) {
		return ""
	}
	if n == 1 {
		return "|"
	}
	return msh[n-1]
}

// SendingApplication returns MSH-3.
func (m *Message) SendingApplication() string { return m.field(3) }

// SendingFacility returns MSH-4.
func (m *Message) SendingFacility() string { return m.field(4) }

// ReceivingApplication returns MSH-5.
func (m *Message) ReceivingApplication() string { return m.field(5) }

// ReceivingFacility returns MSH-6.
func (m *Message) ReceivingFacility() string { return m.field(6) }

// MessageType returns MSH-9, e.g. "ADT^A01".
func (m *Message) MessageType() string { return m.field(9) }

// ControlID returns MSH-10.
func (m *Message) ControlID() string { return m.field(10) }

// ProcessingID returns MSH-11.
func (m *Message) ProcessingID() string { return m.field(11) }

// Version returns MSH-12.
func (m *Message) Version() string { return m.field(12) }

// AckPolicy maps MSH-15 to the acknowledgment behavior. Unknown or absent
// values default to always acknowledging.
func (m *Message) AckPolicy() AckPolicy {
	switch strings.ToUpper(m.field(15)) {
	case "NE":
		return AckNever
	case "ER":
		return AckOnError
	case "SU":
		return AckOnSuccess
	case "AL", "":
		return AckAlways
	default:
		return AckAlways
	}
}

// ACK builds the application-accept acknowledgment for this message: an MSH
// header with sender and receiver swapped plus an MSA segment echoing the
// control ID.
func (m *Message) ACK() []byte {
	return m.ack("AA")
}

// NACK builds the application-error acknowledgment.
func (m *Message) NACK() []byte {
	return m.ack("AE")
}

func (m *Message) ack(code string) []byte {
	version := m.Version()
	if version == "" {
		version = "2.3"
	}
	msh := strings.Join([]string{
		"MSH", "^~\\&",
		m.ReceivingApplication(), m.ReceivingFacility(),
		m.SendingApplication(), m.SendingFacility(),
		time.Now().Format("20060102150405"), "",
		"ACK", m.ControlID(), m.ProcessingID(), version,
	}, "|")
	msa := fmt.Sprintf("MSA|%s|%s", code, m.ControlID())
	return []byte(msh + "\r" + msa + "\r")
}
