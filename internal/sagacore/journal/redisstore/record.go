package redisstore

import (
	"fmt"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"google.golang.org/protobuf/encoding/protowire"
)

// recordFieldSequence carries the saga-scoped sequence number alongside the
// protowire-encoded ParticipantEvent payload, so a single Redis list element
// is self-describing without a second round trip to the seq key.
const recordFieldSequence = 100

func encodeRecord(seq uint64, ev events.ParticipantEvent) []byte {
	b := protowire.AppendTag(nil, recordFieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = append(b, events.EncodeParticipantEvent(ev)...)
	return b
}

func decodeRecord(data []byte) (uint64, events.ParticipantEvent, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != recordFieldSequence || typ != protowire.VarintType {
		return 0, events.ParticipantEvent{}, fmt.Errorf("redisstore: malformed record header")
	}
	data = data[n:]

	seq, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, events.ParticipantEvent{}, fmt.Errorf("redisstore: malformed record sequence")
	}
	data = data[n:]

	ev, err := events.DecodeParticipantEvent(data)
	if err != nil {
		return 0, events.ParticipantEvent{}, fmt.Errorf("redisstore: decode record event: %w", err)
	}
	return seq, ev, nil
}
