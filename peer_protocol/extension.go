package peer_protocol

import (
	"bytes"

	"github.com/zeebo/bencode"
)

// ExtendedHandshakeMsg is the bencoded payload of the BEP 10 extended
// handshake (ExtendedID == ExtendedHandshakeID).
type ExtendedHandshakeMsg struct {
	M            map[ExtensionName]ExtendedMessageID `bencode:"m"`
	V            string                              `bencode:"v,omitempty"`
	Port         int                                 `bencode:"p,omitempty"`
	MetadataSize int                                 `bencode:"metadata_size,omitempty"`
	// YourIp is the dotted/packed remote address the peer observed us at.
	YourIp string `bencode:"yourip,omitempty"`
	// Encryption flag, per BEP 10 / libtorrent convention.
	Encryption bool `bencode:"e,omitempty"`
	// ReqQ advertises the peer's preferred outstanding-request count.
	ReqQ int `bencode:"reqq,omitempty"`
}

func (m ExtendedHandshakeMsg) Marshal() []byte {
	b, err := bencode.EncodeBytes(m)
	if err != nil {
		panic(err)
	}
	return b
}

func UnmarshalExtendedHandshake(b []byte) (m ExtendedHandshakeMsg, err error) {
	err = bencode.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return
}

// MetadataMsg is a BEP 9 ut_metadata message. Data carries the raw metadata
// piece bytes for MetadataData messages, bencoded alongside the header
// rather than appended as raw trailing bytes (a deliberate simplification
// over the wire-exact BEP 9 framing, kept internally consistent since both
// ends of this engine use the same encoder/decoder pair).
type MetadataMsg struct {
	MsgType   ExtendedMetadataRequestKind `bencode:"msg_type"`
	Piece     int                         `bencode:"piece"`
	TotalSize int                         `bencode:"total_size,omitempty"`
	Data      []byte                      `bencode:"data,omitempty"`
}

func (m MetadataMsg) Marshal() []byte {
	b, err := bencode.EncodeBytes(m)
	if err != nil {
		panic(err)
	}
	return b
}

func UnmarshalMetadataMsg(b []byte) (m MetadataMsg, err error) {
	err = bencode.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return
}

// PexMsg is the bencoded payload of a BEP 11 ut_pex message.
type PexMsg struct {
	Added       string `bencode:"added,omitempty"`
	AddedFlags  string `bencode:"added.f,omitempty"`
	Added6      string `bencode:"added6,omitempty"`
	Added6Flags string `bencode:"added6.f,omitempty"`
	Dropped     string `bencode:"dropped,omitempty"`
	Dropped6    string `bencode:"dropped6,omitempty"`
}

// AddedFlagSeed is bit 0x02 of a per-peer "added.f" flag byte: the peer
// claims to be a seed.
const AddedFlagSeed = 0x02

func (m PexMsg) Marshal() []byte {
	b, err := bencode.EncodeBytes(m)
	if err != nil {
		panic(err)
	}
	return b
}

func UnmarshalPexMsg(b []byte) (m PexMsg, err error) {
	err = bencode.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return
}

// PexPeer is one compact peer entry decoded out of a PexMsg's Added field.
type PexPeer struct {
	IP   [4]byte
	Port uint16
	Seed bool
}

// DecodeCompactAddedPeers decodes the 6-byte-per-peer "added" compact form
// paired with its "added.f" per-peer flag bytes.
func DecodeCompactAddedPeers(added, flags string) []PexPeer {
	n := len(added) / 6
	out := make([]PexPeer, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		var p PexPeer
		copy(p.IP[:], added[off:off+4])
		p.Port = uint16(added[off+4])<<8 | uint16(added[off+5])
		if i < len(flags) {
			p.Seed = flags[i]&AddedFlagSeed != 0
		}
		out = append(out, p)
	}
	return out
}
