package eip

import (
	"encoding/binary"
	"fmt"
)

// Encapsulation commands.
const (
	CommandNop               uint16 = 0x00
	CommandListIdentity      uint16 = 0x63
	CommandRegisterSession   uint16 = 0x65
	CommandUnregisterSession uint16 = 0x66
	CommandSendRRData        uint16 = 0x6F
	CommandSendUnitData      uint16 = 0x70
)

const (
	HeaderSize = 24

	// MaxPayload is the largest payload a 16-bit length field can carry
	// within a single TCP encapsulation frame.
	MaxPayload = 65511

	protocolVersion uint16 = 1
)

// CommandName returns a short name for an encapsulation command.
func CommandName(cmd uint16) string {
	switch cmd {
	case CommandNop:
		return "NOP"
	case CommandListIdentity:
		return "ListIdentity"
	case CommandRegisterSession:
		return "RegisterSession"
	case CommandUnregisterSession:
		return "UnregisterSession"
	case CommandSendRRData:
		return "SendRRData"
	case CommandSendUnitData:
		return "SendUnitData"
	default:
		return fmt.Sprintf("command 0x%04X", cmd)
	}
}

// Encap is one encapsulation frame: the fixed header plus command data.
type Encap struct {
	Command uint16
	Length  uint16
	Session uint32
	Status  uint32
	Context [8]byte
	Options uint32
	Data    []byte
}

// Marshal encodes the frame. Length is always taken from Data.
func (m *Encap) Marshal() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Data)))
	buf = binary.LittleEndian.AppendUint32(buf, m.Session)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// ParseHeader decodes the fixed 24-byte header. Data is left nil.
func ParseHeader(b []byte) (*Encap, error) {
	if len(b) < HeaderSize {
		return nil, malformed("header too short: %d bytes", len(b))
	}
	m := &Encap{
		Command: binary.LittleEndian.Uint16(b[0:2]),
		Length:  binary.LittleEndian.Uint16(b[2:4]),
		Session: binary.LittleEndian.Uint32(b[4:8]),
		Status:  binary.LittleEndian.Uint32(b[8:12]),
		Options: binary.LittleEndian.Uint32(b[20:24]),
	}
	copy(m.Context[:], b[12:20])
	return m, nil
}

// ParseEncap decodes a complete frame and checks the length field against
// the bytes actually present.
func ParseEncap(b []byte) (*Encap, error) {
	m, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if int(m.Length) != len(b)-HeaderSize {
		return nil, malformed("length field %d does not match payload of %d bytes", m.Length, len(b)-HeaderSize)
	}
	m.Data = b[HeaderSize:]
	return m, nil
}

// EncodeRegisterSession builds a RegisterSession request: protocol version 1,
// option flags zero.
func EncodeRegisterSession() []byte {
	data := binary.LittleEndian.AppendUint16(nil, protocolVersion)
	data = binary.LittleEndian.AppendUint16(data, 0)
	return (&Encap{Command: CommandRegisterSession, Data: data}).Marshal()
}

// DecodeRegisterSessionReply validates a RegisterSession reply and returns
// the session handle assigned by the controller.
func DecodeRegisterSessionReply(b []byte) (uint32, error) {
	m, err := ParseEncap(b)
	if err != nil {
		return 0, err
	}
	if m.Command != CommandRegisterSession {
		return 0, malformed("expected RegisterSession reply, got %s", CommandName(m.Command))
	}
	if m.Status != StatusSuccess {
		return 0, &RejectedError{Command: m.Command, Status: m.Status}
	}
	if len(m.Data) != 4 {
		return 0, malformed("RegisterSession reply carries %d data bytes, want 4", len(m.Data))
	}
	if m.Session == 0 {
		return 0, malformed("RegisterSession reply has zero session handle")
	}
	return m.Session, nil
}

// EncodeUnregisterSession builds the session teardown notification. The
// controller sends no reply.
func EncodeUnregisterSession(handle uint32) []byte {
	return (&Encap{Command: CommandUnregisterSession, Session: handle}).Marshal()
}

// EncodeNop builds a NOP frame. The controller sends no reply.
func EncodeNop(handle uint32) []byte {
	return (&Encap{Command: CommandNop, Session: handle}).Marshal()
}

// EncodeListIdentity builds a ListIdentity request, which needs no session.
func EncodeListIdentity() []byte {
	return (&Encap{Command: CommandListIdentity}).Marshal()
}

// CommandData is the SendRRData/SendUnitData body: interface handle, timeout
// and a common packet.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          CommonPacket
}

// Marshal encodes the command data.
func (r *CommandData) Marshal() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	return append(raw, r.Packet.Marshal()...)
}

// ParseCommandData decodes a SendRRData/SendUnitData body.
func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 8 {
		return nil, malformed("command data too short: %d bytes", len(raw))
	}
	cpf, err := ParseCommonPacket(raw[6:])
	if err != nil {
		return nil, err
	}
	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          *cpf,
	}, nil
}

// EncodeSendRRData frames an unconnected message.
func EncodeSendRRData(handle uint32, timeout uint16, cpf CommonPacket) []byte {
	cd := CommandData{Timeout: timeout, Packet: cpf}
	return (&Encap{Command: CommandSendRRData, Session: handle, Data: cd.Marshal()}).Marshal()
}

// EncodeSendUnitData frames a connected message.
func EncodeSendUnitData(handle uint32, cpf CommonPacket) []byte {
	cd := CommandData{Packet: cpf}
	return (&Encap{Command: CommandSendUnitData, Session: handle, Data: cd.Marshal()}).Marshal()
}
