package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// ProtocolVersion is exchanged in the Hello handshake; peers with
// different versions refuse to talk.
const ProtocolVersion uint32 = 2

// FrameType tags every message on a link.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameRoundBegin
	FrameStructure
	FrameAck
	FrameSegment
	FrameRoundEnd
	FrameAbort
	FrameDone
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameRoundBegin:
		return "round-begin"
	case FrameStructure:
		return "structure"
	case FrameAck:
		return "ack"
	case FrameSegment:
		return "segment"
	case FrameRoundEnd:
		return "round-end"
	case FrameAbort:
		return "abort"
	case FrameDone:
		return "done"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// AckStage says which part of a round an Ack confirms.
type AckStage uint8

const (
	AckHello AckStage = iota + 1
	AckStructure
	AckComplete
)

// Frame is the union of all message fields; Type selects which are
// meaningful.
type Frame struct {
	Type  FrameType
	Round string
	Seq   uint64

	// Hello
	Version uint32
	Local   string
	Remote  string
	Role    string

	// RoundBegin carries the number of Structure frames in Count; RoundEnd
	// carries the number of segments in Count and the payload bytes in Size.
	Count uint64

	// Structure
	File string
	Body []byte

	// Segment
	FileIndex  uint64
	Node       uint64
	Offset     int64
	Size       int64
	Compressed bool
	RawLen     uint64
	Checksum   uint64
	Payload    []byte

	// Ack and Abort
	Stage   AckStage
	Message string
}

const (
	fType       protowire.Number = 1
	fRound      protowire.Number = 2
	fSeq        protowire.Number = 3
	fVersion    protowire.Number = 4
	fLocal      protowire.Number = 5
	fRemote     protowire.Number = 6
	fRole       protowire.Number = 7
	fCount      protowire.Number = 8
	fFile       protowire.Number = 9
	fBody       protowire.Number = 10
	fFileIndex  protowire.Number = 11
	fNode       protowire.Number = 12
	fOffset     protowire.Number = 13
	fSize       protowire.Number = 14
	fCompressed protowire.Number = 15
	fRawLen     protowire.Number = 16
	fChecksum   protowire.Number = 17
	fPayload    protowire.Number = 18
	fStage      protowire.Number = 19
	fMessage    protowire.Number = 20
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// Marshal encodes a frame.
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 64+len(f.Body)+len(f.Payload))
	b = appendVarint(b, fType, uint64(f.Type))
	b = appendString(b, fRound, f.Round)
	b = appendVarint(b, fSeq, f.Seq)
	b = appendVarint(b, fVersion, uint64(f.Version))
	b = appendString(b, fLocal, f.Local)
	b = appendString(b, fRemote, f.Remote)
	b = appendString(b, fRole, f.Role)
	b = appendVarint(b, fCount, f.Count)
	b = appendString(b, fFile, f.File)
	b = appendBytes(b, fBody, f.Body)
	b = appendVarint(b, fFileIndex, f.FileIndex)
	b = appendVarint(b, fNode, f.Node)
	b = appendVarint(b, fOffset, protowire.EncodeZigZag(f.Offset))
	b = appendVarint(b, fSize, protowire.EncodeZigZag(f.Size))
	b = appendVarint(b, fCompressed, protowire.EncodeBool(f.Compressed))
	b = appendVarint(b, fRawLen, f.RawLen)
	if f.Checksum != 0 {
		b = protowire.AppendTag(b, fChecksum, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, f.Checksum)
	}
	b = appendBytes(b, fPayload, f.Payload)
	b = appendVarint(b, fStage, uint64(f.Stage))
	b = appendString(b, fMessage, f.Message)
	return b
}

// Unmarshal decodes a frame. Malformed input is a PROTOCOL_MISMATCH.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			f.setVarint(num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			f.setBytes(num, v)
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			if num == fChecksum {
				f.Checksum = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Type < FrameHello || f.Type > FrameDone {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, "unknown frame type %d", f.Type).
			WithComponent("wire")
	}
	return f, nil
}

func (f *Frame) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fType:
		f.Type = FrameType(v)
	case fSeq:
		f.Seq = v
	case fVersion:
		f.Version = uint32(v)
	case fCount:
		f.Count = v
	case fFileIndex:
		f.FileIndex = v
	case fNode:
		f.Node = v
	case fOffset:
		f.Offset = protowire.DecodeZigZag(v)
	case fSize:
		f.Size = protowire.DecodeZigZag(v)
	case fCompressed:
		f.Compressed = protowire.DecodeBool(v)
	case fRawLen:
		f.RawLen = v
	case fStage:
		f.Stage = AckStage(v)
	}
}

func (f *Frame) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fRound:
		f.Round = string(v)
	case fLocal:
		f.Local = string(v)
	case fRemote:
		f.Remote = string(v)
	case fRole:
		f.Role = string(v)
	case fFile:
		f.File = string(v)
	case fBody:
		f.Body = append([]byte(nil), v...)
	case fPayload:
		f.Payload = append([]byte(nil), v...)
	case fMessage:
		f.Message = string(v)
	}
}

func malformed(err error) error {
	return pkgerrors.Wrap(pkgerrors.ErrCodeProtocolMismatch, "malformed frame", err).WithComponent("wire")
}
