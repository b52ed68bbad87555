// Package peer_protocol implements the BitTorrent peer-wire protocol (BEP 3)
// and its fast-peer (BEP 6), extension (BEP 10), peer-exchange (BEP 11),
// metadata-exchange (BEP 9) and v2 hash (BEP 52) extensions.
package peer_protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolString is the fixed protocol tag carried in the handshake. Any peer
// advertising a different string must be rejected.
const ProtocolString = "BitTorrent protocol"

// Integer is the four-byte big-endian integer type used throughout the
// wire protocol.
type Integer uint32

const IntegerMax = Integer(^uint32(0))

func (i Integer) Int() int { return int(i) }

// MessageType identifies the kind of a peer-wire message.
type MessageType byte

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port

	// BEP 6 fast-peer extension.
	SuggestPiece MessageType = 0x0d
	HaveAll      MessageType = 0x0e
	HaveNone     MessageType = 0x0f
	RejectRequest MessageType = 0x10
	AllowedFast  MessageType = 0x11

	// BEP 10 extension protocol.
	Extended MessageType = 0x14

	// BEP 52 v2 hash exchange: top-level message ids, not BEP 10 extended
	// messages. WriteTo writes their body from Message.ExtendedPayload.
	HashRequest MessageType = 0x15
	Hashes      MessageType = 0x16
	HashReject  MessageType = 0x17
)

// ExtensionName identifies a BEP 10 sub-protocol by its handshake key.
type ExtensionName string

const (
	ExtensionNameMetadata     ExtensionName = "ut_metadata"
	ExtensionNamePex          ExtensionName = "ut_pex"
	ExtensionNameChat         ExtensionName = "lt_chat"
)

// ExtendedMessageID identifies the BEP 10 extended-message sub-type carried
// in Message.ExtendedID when Type == Extended.
type ExtendedMessageID byte

const (
	ExtendedHandshakeID ExtendedMessageID = 0
)

// ExtendedMetadataRequestKind is the "msg_type" field of a BEP 9 message.
type ExtendedMetadataRequestKind int

const (
	MetadataRequest ExtendedMetadataRequestKind = 0
	MetadataData    ExtendedMetadataRequestKind = 1
	MetadataReject  ExtendedMetadataRequestKind = 2
)

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case SuggestPiece:
		return "SuggestPiece"
	case HaveAll:
		return "HaveAll"
	case HaveNone:
		return "HaveNone"
	case RejectRequest:
		return "RejectRequest"
	case AllowedFast:
		return "AllowedFast"
	case Extended:
		return "Extended"
	case HashRequest:
		return "HashRequest"
	case Hashes:
		return "Hashes"
	case HashReject:
		return "HashReject"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(mt))
	}
}

// Message is a single decoded peer-wire message. Only the fields relevant to
// Type are meaningful; the rest are zero.
type Message struct {
	Keepalive bool
	Type      MessageType

	Index, Begin, Length Integer
	Piece                []byte
	Bitfield              []bool

	Port Integer

	// Extended protocol (BEP 10).
	ExtendedID      ExtendedMessageID
	ExtendedPayload []byte

	// Fast-peer SuggestPiece/AllowedFast carry only Index, HaveAll/HaveNone
	// carry no fields, and RejectRequest carries Index, Begin and Length.
}

var ErrInvalidMessageLength = errors.New("invalid message length")

// MustMarshalBinary panics on marshaling failure, which should never happen
// for a well-formed Message built by this package's constructors.
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo encodes the message onto w, matching the length-prefixed framing
// of BEP 3.
func (m Message) WriteTo(w io.Writer) error {
	if m.Keepalive {
		return binary.Write(w, binary.BigEndian, Integer(0))
	}
	var body bytes.Buffer
	body.WriteByte(byte(m.Type))
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, SuggestPiece, AllowedFast:
		binary.Write(&body, binary.BigEndian, m.Index)
	case Bitfield:
		body.Write(packBitfield(m.Bitfield))
	case Request, Cancel, RejectRequest:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		binary.Write(&body, binary.BigEndian, m.Length)
	case Piece:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		body.Write(m.Piece)
	case Port:
		binary.Write(&body, binary.BigEndian, uint16(m.Port))
	case Extended:
		body.WriteByte(byte(m.ExtendedID))
		body.Write(m.ExtendedPayload)
	case HashRequest, Hashes, HashReject:
		body.Write(m.ExtendedPayload)
	default:
		return fmt.Errorf("marshaling unsupported message type %v", m.Type)
	}
	if err := binary.Write(w, binary.BigEndian, Integer(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func packBitfield(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// UnpackBitfield expands a packed bitfield payload into numPieces bools.
func UnpackBitfield(b []byte, numPieces int) []bool {
	out := make([]bool, numPieces)
	for i := range out {
		byteIdx, bitIdx := i/8, i%8
		if byteIdx >= len(b) {
			break
		}
		out[i] = b[byteIdx]&(0x80>>uint(bitIdx)) != 0
	}
	return out
}

// MakeCancelMessage builds a Cancel message for the given block.
func MakeCancelMessage(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}
