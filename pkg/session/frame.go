// Package session synchronises replicas of a document over websockets. Binary
// messages carry document frames; text messages carry presence records.
package session

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/astromechza/graphsync/pkg/clock"
)

type FrameType uint64

const (
	// FrameHello opens a connection and announces the sender's summary.
	FrameHello FrameType = 1
	// FrameDelta carries an encoded document delta.
	FrameDelta FrameType = 2
	// FrameAck acknowledges a delta with the receiver's new summary.
	FrameAck  FrameType = 3
	FramePing FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameDelta:
		return "delta"
	case FrameAck:
		return "ack"
	case FramePing:
		return "ping"
	}
	return fmt.Sprintf("frame(%d)", uint64(t))
}

// Frame is the envelope of every binary websocket message.
type Frame struct {
	Type     FrameType
	ClientID string
	Summary  clock.VersionVector
	Payload  []byte
}

const (
	frameTypeField     = 1
	frameClientField   = 2
	frameSummaryField  = 3
	framePayloadField  = 4
	summaryOriginField = 1
	summarySeqField    = 2
)

var ErrMalformedFrame = errors.New("malformed frame")

func EncodeFrame(f Frame) []byte {
	b := protowire.AppendTag(nil, frameTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.ClientID != "" {
		b = protowire.AppendTag(b, frameClientField, protowire.BytesType)
		b = protowire.AppendString(b, f.ClientID)
	}
	for _, origin := range f.Summary.Origins() {
		var entry []byte
		entry = protowire.AppendTag(entry, summaryOriginField, protowire.BytesType)
		entry = protowire.AppendString(entry, origin)
		entry = protowire.AppendTag(entry, summarySeqField, protowire.VarintType)
		entry = protowire.AppendVarint(entry, f.Summary[origin])
		b = protowire.AppendTag(b, frameSummaryField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, framePayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// DecodeFrame parses a frame. Unknown fields are skipped so newer peers can
// add to the envelope.
func DecodeFrame(data []byte) (Frame, error) {
	f := Frame{Summary: clock.VersionVector{}}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == frameTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Type = FrameType(v)
			data = data[n:]
		case num == frameClientField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.ClientID = v
			data = data[n:]
		case num == frameSummaryField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			origin, seq, err := decodeSummaryEntry(v)
			if err != nil {
				return Frame{}, err
			}
			f.Summary[origin] = seq
			data = data[n:]
		case num == framePayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Payload = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if f.Type < FrameHello || f.Type > FramePing {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, uint64(f.Type))
	}
	return f, nil
}

func decodeSummaryEntry(data []byte) (string, uint64, error) {
	var origin string
	var seq uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == summaryOriginField && typ == protowire.BytesType:
			origin, n = protowire.ConsumeString(data)
		case num == summarySeqField && typ == protowire.VarintType:
			seq, n = protowire.ConsumeVarint(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]
	}
	if origin == "" {
		return "", 0, fmt.Errorf("%w: summary entry without origin", ErrMalformedFrame)
	}
	return origin, seq, nil
}
