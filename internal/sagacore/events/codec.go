package events

import (
	"fmt"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"google.golang.org/protobuf/encoding/protowire"
)

// wireVersion is bumped whenever a breaking change is made to the field
// layout below. Unknown future fields must be dropped silently by old
// participants — DecodeChoreographyEvent skips any field number it doesn't
// recognize rather than erroring.
const wireVersion = 1

// Field numbers for the hand-rolled ChoreographyEvent wire encoding. This
// uses google.golang.org/protobuf's low-level wire primitives directly
// (no .proto/protoc step) to produce a length-prefixed, schema-versioned
// binary encoding without requiring generated message stubs.
const (
	fieldVersion = 1
	fieldKind    = 2
	fieldTraceID = 3

	fieldCtxSagaID             = 4
	fieldCtxSagaType           = 5
	fieldCtxInitiatorPeer      = 6
	fieldCtxCreatedAtMillis    = 7
	fieldCtxPayloadFingerprint = 8

	fieldPayload              = 9
	fieldStepName              = 10
	fieldOutput                = 11
	fieldCompensationData      = 12
	fieldRequiresCompensation  = 13
	fieldOriginatingStep       = 14
	fieldReason                = 15
	fieldAmbiguous             = 16
)

// EncodeChoreographyEvent serializes e into the wire format published on a
// saga topic.
func EncodeChoreographyEvent(e ChoreographyEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, wireVersion)

	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))

	b = appendString(b, fieldTraceID, string(e.TraceID))
	b = appendString(b, fieldCtxSagaID, string(e.Context.SagaID))
	b = appendString(b, fieldCtxSagaType, e.Context.SagaType)
	b = appendString(b, fieldCtxInitiatorPeer, string(e.Context.InitiatorPeer))

	b = protowire.AppendTag(b, fieldCtxCreatedAtMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Context.CreatedAtMillis))

	b = appendString(b, fieldCtxPayloadFingerprint, e.Context.PayloadFingerprint)
	b = appendBytes(b, fieldPayload, e.Payload)
	b = appendString(b, fieldStepName, e.StepName)
	b = appendBytes(b, fieldOutput, e.Output)
	b = appendBytes(b, fieldCompensationData, e.CompensationData)

	b = protowire.AppendTag(b, fieldRequiresCompensation, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(e.RequiresCompensation))

	b = appendString(b, fieldOriginatingStep, e.OriginatingStep)
	b = appendString(b, fieldReason, e.Reason)

	b = protowire.AppendTag(b, fieldAmbiguous, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(e.Ambiguous))

	return b
}

// DecodeChoreographyEvent parses the wire format produced by
// EncodeChoreographyEvent. Unrecognized field numbers (from a newer writer)
// are skipped rather than rejected.
func DecodeChoreographyEvent(data []byte) (ChoreographyEvent, error) {
	var e ChoreographyEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("events: decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldVersion, fieldKind, fieldCtxCreatedAtMillis, fieldRequiresCompensation, fieldAmbiguous:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("events: decode varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldKind:
				e.Kind = Kind(v)
			case fieldCtxCreatedAtMillis:
				e.Context.CreatedAtMillis = int64(v)
			case fieldRequiresCompensation:
				e.RequiresCompensation = v != 0
			case fieldAmbiguous:
				e.Ambiguous = v != 0
			}
		case fieldTraceID, fieldCtxSagaID, fieldCtxSagaType, fieldCtxInitiatorPeer,
			fieldCtxPayloadFingerprint, fieldPayload, fieldStepName, fieldOutput,
			fieldCompensationData, fieldOriginatingStep, fieldReason:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("events: decode bytes field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldTraceID:
				e.TraceID = identity.TraceId(v)
			case fieldCtxSagaID:
				e.Context.SagaID = identity.SagaId(v)
			case fieldCtxSagaType:
				e.Context.SagaType = string(v)
			case fieldCtxInitiatorPeer:
				e.Context.InitiatorPeer = identity.PeerId(v)
			case fieldCtxPayloadFingerprint:
				e.Context.PayloadFingerprint = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			case fieldStepName:
				e.StepName = string(v)
			case fieldOutput:
				e.Output = append([]byte(nil), v...)
			case fieldCompensationData:
				e.CompensationData = append([]byte(nil), v...)
			case fieldOriginatingStep:
				e.OriginatingStep = string(v)
			case fieldReason:
				e.Reason = string(v)
			}
		default:
			// Unknown future field: skip so old participants tolerate new ones.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("events: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}

func appendString(b []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, field protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
