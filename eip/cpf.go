package eip

// Common Packet Format items carried by SendRRData and SendUnitData.

import (
	"encoding/binary"
)

const (
	ItemNullAddress      uint16 = 0x00
	ItemListIdentity     uint16 = 0x0C
	ItemConnectedAddress uint16 = 0xA1
	ItemConnectedData    uint16 = 0xB1
	ItemUnconnectedData  uint16 = 0xB2
	ItemSockAddrOtoT     uint16 = 0x8000
	ItemSockAddrTtoO     uint16 = 0x8001
	ItemSequencedAddress uint16 = 0x8002
)

// CommonPacket is an ordered list of address and data items.
type CommonPacket struct {
	Items []Item
}

// Item is a single CPF item. Its length is implied by Data.
type Item struct {
	Type uint16
	Data []byte
}

// UnconnectedPacket wraps a CIP request for unconnected (UCMM) messaging.
func UnconnectedPacket(cip []byte) CommonPacket {
	return CommonPacket{Items: []Item{
		{Type: ItemNullAddress},
		{Type: ItemUnconnectedData, Data: cip},
	}}
}

// ConnectedPacket wraps a CIP request for class 3 connected messaging. The
// sequence count precedes the CIP data inside the connected data item.
func ConnectedPacket(connID uint32, seq uint16, cip []byte) CommonPacket {
	data := make([]byte, 0, 2+len(cip))
	data = binary.LittleEndian.AppendUint16(data, seq)
	data = append(data, cip...)
	return CommonPacket{Items: []Item{
		{Type: ItemConnectedAddress, Data: binary.LittleEndian.AppendUint32(nil, connID)},
		{Type: ItemConnectedData, Data: data},
	}}
}

// Marshal encodes the packet.
func (p *CommonPacket) Marshal() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = binary.LittleEndian.AppendUint16(raw, item.Type)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
		raw = append(raw, item.Data...)
	}
	return raw
}

// Find returns the first item of the given type.
func (p *CommonPacket) Find(typ uint16) (Item, bool) {
	for _, item := range p.Items {
		if item.Type == typ {
			return item, true
		}
	}
	return Item{}, false
}

// UnconnectedData returns the CIP reply carried in an unconnected data item.
func (p *CommonPacket) UnconnectedData() ([]byte, error) {
	item, ok := p.Find(ItemUnconnectedData)
	if !ok {
		return nil, malformed("reply has no unconnected data item")
	}
	return item.Data, nil
}

// ConnectedData splits a connected data item into sequence count and CIP reply.
func (p *CommonPacket) ConnectedData() (uint16, []byte, error) {
	item, ok := p.Find(ItemConnectedData)
	if !ok {
		return 0, nil, malformed("reply has no connected data item")
	}
	if len(item.Data) < 2 {
		return 0, nil, malformed("connected data item too short: %d bytes", len(item.Data))
	}
	return binary.LittleEndian.Uint16(item.Data[:2]), item.Data[2:], nil
}

// ParseCommonPacket decodes a CPF item list, bounds-checking every item.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, malformed("common packet too short: %d bytes", len(raw))
	}

	count := int(binary.LittleEndian.Uint16(raw[:2]))
	raw = raw[2:]

	items := make([]Item, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < 4 {
			return nil, malformed("truncated item header at item %d", i)
		}
		typ := binary.LittleEndian.Uint16(raw[:2])
		n := int(binary.LittleEndian.Uint16(raw[2:4]))
		if len(raw) < 4+n {
			return nil, malformed("item %d needs %d bytes, have %d", i, n, len(raw)-4)
		}
		items = append(items, Item{Type: typ, Data: raw[4 : 4+n]})
		raw = raw[4+n:]
	}
	return &CommonPacket{Items: items}, nil
}
