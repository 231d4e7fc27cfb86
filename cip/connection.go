package cip

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"
)

// Connection Manager services.
const (
	SvcForwardClose     byte = 0x4E
	SvcUnconnectedSend  byte = 0x52
	SvcForwardOpen      byte = 0x54
	SvcForwardOpenLarge byte = 0x5B

	ClassConnectionManager uint16 = 0x06
)

// Connection sizes tried for Logix class 3 connections.
const (
	ConnectionSizeLarge    uint16 = 4002
	ConnectionSizeStandard uint16 = 504

	// maxStandardSize is the largest size a 16-bit Forward Open can request.
	maxStandardSize uint16 = 511
)

const (
	priorityTickTime byte   = 0x0A
	timeoutTicks     byte   = 0x0E
	connParamsBase   uint16 = 0x4200 // point-to-point, low priority, variable size
	transportClass3  byte   = 0xA3
	rpi              uint32 = 0x00201234
	vendorID         uint16 = 0x1337
)

var connectionManagerPath = Path{0x20, 0x06, 0x24, 0x01}

// Connection is an open class 3 connection.
type Connection struct {
	OTConnID         uint32
	TOConnID         uint32
	SerialNumber     uint16
	VendorID         uint16
	OriginatorSerial uint32
	Size             uint16
}

// ForwardOpenConfig describes a connection request.
type ForwardOpenConfig struct {
	Size             uint16
	ConnectionPath   Path
	OriginatorSerial uint32
	SerialNumber     uint16
}

// NewForwardOpenConfig fills in random serial numbers for a connection of
// the given size routed over connPath.
func NewForwardOpenConfig(size uint16, connPath Path) ForwardOpenConfig {
	return ForwardOpenConfig{
		Size:             size,
		ConnectionPath:   connPath,
		OriginatorSerial: rand.Uint32(),
		SerialNumber:     uint16(rand.IntN(65000) + 1),
	}
}

// EncodeForwardOpen builds a Forward Open. Sizes above 511 use the large
// variant with 32-bit connection parameters.
func EncodeForwardOpen(cfg ForwardOpenConfig) Request {
	large := cfg.Size > maxStandardSize

	data := make([]byte, 0, 48+len(cfg.ConnectionPath))
	data = append(data, priorityTickTime, timeoutTicks)
	data = binary.LittleEndian.AppendUint32(data, 0) // O->T id, chosen by target
	data = binary.LittleEndian.AppendUint32(data, rand.Uint32())
	data = binary.LittleEndian.AppendUint16(data, cfg.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, vendorID)
	data = binary.LittleEndian.AppendUint32(data, cfg.OriginatorSerial)
	data = binary.LittleEndian.AppendUint32(data, 0x03) // timeout multiplier + reserved

	for i := 0; i < 2; i++ {
		data = binary.LittleEndian.AppendUint32(data, rpi)
		if large {
			data = binary.LittleEndian.AppendUint32(data, uint32(connParamsBase)<<16|uint32(cfg.Size))
		} else {
			data = binary.LittleEndian.AppendUint16(data, connParamsBase|cfg.Size)
		}
	}
	data = append(data, transportClass3, cfg.ConnectionPath.WordLen())
	data = append(data, cfg.ConnectionPath...)

	svc := SvcForwardOpen
	if large {
		svc = SvcForwardOpenLarge
	}
	return Request{Service: svc, Path: connectionManagerPath, Data: data}
}

// ParseForwardOpenRequest recovers the fields a target needs to answer a
// Forward Open.
func ParseForwardOpenRequest(req Request) (ForwardOpenConfig, uint32, error) {
	d := req.Data
	large := req.Service == SvcForwardOpenLarge
	paramSize := 2
	if large {
		paramSize = 4
	}
	fixed := 2 + 4 + 4 + 2 + 2 + 4 + 4 + 2*(4+paramSize) + 2
	if len(d) < fixed {
		return ForwardOpenConfig{}, 0, fmt.Errorf("%w: forward open too short", ErrMalformed)
	}
	cfg := ForwardOpenConfig{
		SerialNumber:     binary.LittleEndian.Uint16(d[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(d[14:18]),
	}
	toID := binary.LittleEndian.Uint32(d[6:10])
	params := d[26:]
	if large {
		cfg.Size = uint16(binary.LittleEndian.Uint32(params) & 0xFFFF)
	} else {
		cfg.Size = binary.LittleEndian.Uint16(params) & 0x01FF
	}
	pathWords := int(d[fixed-1])
	if len(d) < fixed+2*pathWords {
		return ForwardOpenConfig{}, 0, fmt.Errorf("%w: forward open path truncated", ErrMalformed)
	}
	cfg.ConnectionPath = Path(d[fixed : fixed+2*pathWords])
	return cfg, toID, nil
}

// ParseForwardOpenReply reads the connection ids out of a successful reply.
func ParseForwardOpenReply(resp *Response, cfg ForwardOpenConfig) (*Connection, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if len(resp.Data) < 26 {
		return nil, fmt.Errorf("%w: forward open reply too short: %d bytes", ErrMalformed, len(resp.Data))
	}
	return &Connection{
		OTConnID:         binary.LittleEndian.Uint32(resp.Data[0:4]),
		TOConnID:         binary.LittleEndian.Uint32(resp.Data[4:8]),
		SerialNumber:     binary.LittleEndian.Uint16(resp.Data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(resp.Data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(resp.Data[12:16]),
		Size:             cfg.Size,
	}, nil
}

// EncodeForwardOpenReply builds the success reply for a Forward Open.
func EncodeForwardOpenReply(service byte, otID, toID uint32, cfg ForwardOpenConfig) *Response {
	data := binary.LittleEndian.AppendUint32(nil, otID)
	data = binary.LittleEndian.AppendUint32(data, toID)
	data = binary.LittleEndian.AppendUint16(data, cfg.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, vendorID)
	data = binary.LittleEndian.AppendUint32(data, cfg.OriginatorSerial)
	data = binary.LittleEndian.AppendUint32(data, rpi)
	data = binary.LittleEndian.AppendUint32(data, rpi)
	data = append(data, 0, 0) // application reply size, reserved
	return &Response{Service: service | replyFlag, Data: data}
}

// EncodeForwardClose builds the Forward Close for conn.
func EncodeForwardClose(conn *Connection, connPath Path) Request {
	data := make([]byte, 0, 12+len(connPath))
	data = append(data, priorityTickTime, timeoutTicks)
	data = binary.LittleEndian.AppendUint16(data, conn.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, conn.VendorID)
	data = binary.LittleEndian.AppendUint32(data, conn.OriginatorSerial)
	data = append(data, connPath.WordLen(), 0)
	data = append(data, connPath...)
	return Request{Service: SvcForwardClose, Path: connectionManagerPath, Data: data}
}

// EncodeUnconnectedSend wraps req for delivery through route, typically
// backplane port 1 to a controller slot.
func EncodeUnconnectedSend(req Request, route Path, timeout time.Duration) Request {
	ticks := byte(0x05) // 2^5 ms per tick
	n := timeout.Milliseconds() >> 5
	if n < 1 {
		n = 1
	}
	if n > 0xFF {
		n = 0xFF
	}

	embedded := req.Marshal()
	data := make([]byte, 0, 4+len(embedded)+2+len(route))
	data = append(data, ticks, byte(n))
	data = binary.LittleEndian.AppendUint16(data, uint16(len(embedded)))
	data = append(data, embedded...)
	if len(embedded)%2 != 0 {
		data = append(data, 0)
	}
	data = append(data, route.WordLen(), 0)
	data = append(data, route...)
	return Request{Service: SvcUnconnectedSend, Path: connectionManagerPath, Data: data}
}

// DecodeUnconnectedSend recovers the embedded request and route.
func DecodeUnconnectedSend(req Request) (Request, Path, error) {
	d := req.Data
	if len(d) < 4 {
		return Request{}, nil, fmt.Errorf("%w: unconnected send too short", ErrMalformed)
	}
	n := int(binary.LittleEndian.Uint16(d[2:4]))
	end := 4 + n
	if len(d) < end {
		return Request{}, nil, fmt.Errorf("%w: embedded request truncated", ErrMalformed)
	}
	embedded, err := ParseRequest(d[4:end])
	if err != nil {
		return Request{}, nil, err
	}
	if n%2 != 0 {
		end++
	}
	if len(d) < end+2 {
		return Request{}, nil, fmt.Errorf("%w: route missing", ErrMalformed)
	}
	words := int(d[end])
	if len(d) < end+2+2*words {
		return Request{}, nil, fmt.Errorf("%w: route truncated", ErrMalformed)
	}
	return embedded, Path(d[end+2 : end+2+2*words]), nil
}
