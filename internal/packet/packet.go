package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
)

// Packet Types
const (
	PKT_DATA  uint8 = 0x04 //4
	PKT_PROBE uint8 = 0x08 //8 // phase discovery, dropped by the receiver's framer
	PKT_DIO   uint8 = 0x09 //9 // routing advertisement carrying rank, metric and cycle time
)

const (
	MaxPacketSize = 127 // 802.15.4 frame

	BaseHeaderLen = 12
	DIOHeaderLen  = 12
)

var ErrShortBuffer = errors.New("buffer too short")

// Addr is a two-byte link-layer address, printed as "a.b".
type Addr [2]byte

// Null is the unset address; packets addressed to it are ignored by the
// link estimator.
var Null Addr

// Broadcast is the link-layer broadcast address.
var Broadcast = Addr{0xFF, 0xFF}

func AddrFromUint16(v uint16) Addr {
	return Addr{byte(v >> 8), byte(v)}
}

func (a Addr) Uint16() uint16 { return uint16(a[0])<<8 | uint16(a[1]) }

func (a Addr) String() string { return fmt.Sprintf("%d.%d", a[0], a[1]) }

// Attrs are the addressing and timing attributes a packet carries between layers.
type Attrs struct {
	Sender     Addr
	Receiver   Addr
	PacketType uint8
	PacketID   uint32
	// TxDuration and ListenDuration are in radio ticks.
	TxDuration     uint32
	ListenDuration uint32
}

// Buffer is an outgoing or incoming packet: attributes plus payload.
type Buffer struct {
	Attrs
	Payload []byte
}

// Snapshot is a detached copy of a Buffer that can be parked and restored later.
type Snapshot struct {
	attrs   Attrs
	payload []byte
}

// Snapshot copies the buffer so later changes to b do not leak into it.
func (b *Buffer) Snapshot() *Snapshot {
	s := &Snapshot{attrs: b.Attrs, payload: make([]byte, len(b.Payload))}
	copy(s.payload, b.Payload)
	return s
}

// Restore rebuilds a Buffer from the snapshot.
func (s *Snapshot) Restore() *Buffer {
	p := make([]byte, len(s.payload))
	copy(p, s.payload)
	return &Buffer{Attrs: s.attrs, Payload: p}
}

// BufList is a chain of buffered packets handed to the radio as one burst.
type BufList struct {
	Bufs []*Buffer
}

func (l *BufList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Bufs)
}

// Receiver is the receiver of the first packet in the list.
func (l *BufList) Receiver() Addr {
	if l.Len() == 0 {
		return Null
	}
	return l.Bufs[0].Receiver
}

type BaseHeader struct {
	DestNodeID Addr // destination of the hop
	SrcNodeID  Addr
	PacketID   uint32
	PacketType uint8
	Flags      uint8
	HopCount   uint8
	Reserved   uint8
}

// DIOHeader is the routing advertisement body: the sender's rank, its
// outgoing metric container and its own radio cycle time.
type DIOHeader struct {
	Rank       uint16
	MCType     uint8
	MCFlags    uint8
	MCValue    uint16
	Grounded   uint8
	Preference uint8
	CycleTime  uint32
}

func (bh *BaseHeader) SerialiseBaseHeader() ([]byte, error) {
	buf := make([]byte, BaseHeaderLen)
	copy(buf[0:2], bh.DestNodeID[:])
	copy(buf[2:4], bh.SrcNodeID[:])
	binary.LittleEndian.PutUint32(buf[4:8], bh.PacketID)
	buf[8] = bh.PacketType
	buf[9] = bh.Flags
	buf[10] = bh.HopCount
	buf[11] = bh.Reserved
	return buf, nil
}

func (bh *BaseHeader) DeserialiseBaseHeader(buf []byte) error {
	if len(buf) < BaseHeaderLen {
		return fmt.Errorf("BaseHeader: %w", ErrShortBuffer)
	}
	copy(bh.DestNodeID[:], buf[0:2])
	copy(bh.SrcNodeID[:], buf[2:4])
	bh.PacketID = binary.LittleEndian.Uint32(buf[4:8])
	bh.PacketType = buf[8]
	bh.Flags = buf[9]
	bh.HopCount = buf[10]
	bh.Reserved = buf[11]
	return nil
}

func (d *DIOHeader) SerialiseDIOHeader() ([]byte, error) {
	buf := make([]byte, DIOHeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], d.Rank)
	buf[2] = d.MCType
	buf[3] = d.MCFlags
	binary.LittleEndian.PutUint16(buf[4:6], d.MCValue)
	buf[6] = d.Grounded
	buf[7] = d.Preference
	binary.LittleEndian.PutUint32(buf[8:12], d.CycleTime)
	return buf, nil
}

func (d *DIOHeader) DeserialiseDIOHeader(buf []byte) error {
	if len(buf) < DIOHeaderLen {
		return fmt.Errorf("DIOHeader: %w", ErrShortBuffer)
	}
	d.Rank = binary.LittleEndian.Uint16(buf[0:2])
	d.MCType = buf[2]
	d.MCFlags = buf[3]
	d.MCValue = binary.LittleEndian.Uint16(buf[4:6])
	d.Grounded = buf[6]
	d.Preference = buf[7]
	d.CycleTime = binary.LittleEndian.Uint32(buf[8:12])
	return nil
}

func createPacketID() uint32 {
	return uint32(rand.Int31())
}

func chooseID(ids ...uint32) uint32 {
	if len(ids) > 0 {
		return ids[0]
	}
	return createPacketID()
}

// Encode serialises the buffer as base header followed by payload.
func (b *Buffer) Encode() ([]byte, error) {
	bh := BaseHeader{
		DestNodeID: b.Receiver,
		SrcNodeID:  b.Sender,
		PacketID:   b.PacketID,
		PacketType: b.PacketType,
	}
	bhBytes, err := bh.SerialiseBaseHeader()
	if err != nil {
		return nil, fmt.Errorf("error serialising BaseHeader: %w", err)
	}
	total := len(bhBytes) + len(b.Payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too big (%d B)", total)
	}
	out := make([]byte, total)
	copy(out, bhBytes)
	copy(out[len(bhBytes):], b.Payload)
	return out, nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (*Buffer, error) {
	var bh BaseHeader
	if err := bh.DeserialiseBaseHeader(frame); err != nil {
		return nil, err
	}
	payload := make([]byte, len(frame)-BaseHeaderLen)
	copy(payload, frame[BaseHeaderLen:])
	return &Buffer{
		Attrs: Attrs{
			Sender:     bh.SrcNodeID,
			Receiver:   bh.DestNodeID,
			PacketType: bh.PacketType,
			PacketID:   bh.PacketID,
		},
		Payload: payload,
	}, nil
}

// CreateProbePacket builds the one-byte phase discovery packet. The receiver
// discards it; only the link-layer ACK matters to the sender.
func CreateProbePacket(srcID, destID Addr, packetID ...uint32) *Buffer {
	return &Buffer{
		Attrs: Attrs{
			Sender:     srcID,
			Receiver:   destID,
			PacketType: PKT_PROBE,
			PacketID:   chooseID(packetID...),
		},
		Payload: []byte{1},
	}
}

func CreateDataPacket(srcID, destID Addr, payload []byte, packetID ...uint32) (*Buffer, error) {
	if BaseHeaderLen+len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("data payload too big (%d B)", len(payload))
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Buffer{
		Attrs: Attrs{
			Sender:     srcID,
			Receiver:   destID,
			PacketType: PKT_DATA,
			PacketID:   chooseID(packetID...),
		},
		Payload: p,
	}, nil
}

func CreateDIOPacket(srcID Addr, dio DIOHeader, packetID ...uint32) (*Buffer, error) {
	body, err := dio.SerialiseDIOHeader()
	if err != nil {
		return nil, fmt.Errorf("error serialising DIOHeader: %w", err)
	}
	return &Buffer{
		Attrs: Attrs{
			Sender:     srcID,
			Receiver:   Broadcast,
			PacketType: PKT_DIO,
			PacketID:   chooseID(packetID...),
		},
		Payload: body,
	}, nil
}

func DeserialiseDIOPacket(b *Buffer) (DIOHeader, error) {
	var dio DIOHeader
	if b.PacketType != PKT_DIO {
		return dio, fmt.Errorf("packet type %d is not a DIO", b.PacketType)
	}
	err := dio.DeserialiseDIOHeader(b.Payload)
	return dio, err
}

func (a Addr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Addr) UnmarshalText(text []byte) error {
	var hi, lo uint8
	if _, err := fmt.Sscanf(string(text), "%d.%d", &hi, &lo); err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	a[0], a[1] = hi, lo
	return nil
}
