package events

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the ParticipantEvent wire encoding, used by journal
// backends that store entries as opaque bytes (e.g. redisstore) rather than
// native columns (sqlitestore stores these fields natively instead).
const (
	pFieldKind       = 1
	pFieldStepName   = 2
	pFieldOutput     = 3
	pFieldCompensation = 4
	pFieldReason     = 5
	pFieldRequires   = 6
	pFieldAmbiguous  = 7
	pFieldAttempts   = 8
	pFieldTimestampMillis = 9
)

// EncodeParticipantEvent serializes a journal-local ParticipantEvent.
func EncodeParticipantEvent(ev ParticipantEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, pFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Kind))

	b = appendString(b, pFieldStepName, ev.StepName)
	b = appendBytes(b, pFieldOutput, ev.Output)
	b = appendBytes(b, pFieldCompensation, ev.CompensationData)
	b = appendString(b, pFieldReason, ev.FailureReason)

	b = protowire.AppendTag(b, pFieldRequires, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(ev.RequiresCompensation))

	b = protowire.AppendTag(b, pFieldAmbiguous, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(ev.Ambiguous))

	b = protowire.AppendTag(b, pFieldAttempts, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Attempts))

	b = protowire.AppendTag(b, pFieldTimestampMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Timestamp.UnixMilli()))

	return b
}

// DecodeParticipantEvent parses the wire format from EncodeParticipantEvent.
func DecodeParticipantEvent(data []byte) (ParticipantEvent, error) {
	var ev ParticipantEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ev, fmt.Errorf("events: decode participant tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case pFieldKind, pFieldRequires, pFieldAmbiguous, pFieldAttempts, pFieldTimestampMillis:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ev, fmt.Errorf("events: decode participant varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case pFieldKind:
				ev.Kind = ParticipantKind(v)
			case pFieldRequires:
				ev.RequiresCompensation = v != 0
			case pFieldAmbiguous:
				ev.Ambiguous = v != 0
			case pFieldAttempts:
				ev.Attempts = int(v)
			case pFieldTimestampMillis:
				ev.Timestamp = millisToUTC(int64(v))
			}
		case pFieldStepName, pFieldOutput, pFieldCompensation, pFieldReason:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ev, fmt.Errorf("events: decode participant bytes field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case pFieldStepName:
				ev.StepName = string(v)
			case pFieldOutput:
				ev.Output = append([]byte(nil), v...)
			case pFieldCompensation:
				ev.CompensationData = append([]byte(nil), v...)
			case pFieldReason:
				ev.FailureReason = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ev, fmt.Errorf("events: skip unknown participant field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return ev, nil
}
