package cip

import (
	"encoding/binary"
	"fmt"
)

// MultipleServiceOverhead is the fixed cost of wrapping services in a
// Multiple Service Packet: service, path size, the message router path and
// the service count.
const MultipleServiceOverhead = 2 + 4 + 2

// routerPath addresses the Message Router, class 2 instance 1.
var routerPath = Path{0x20, 0x02, 0x24, 0x01}

// MultipleServiceSize is the encoded size of a packet carrying services of
// the given encoded sizes.
func MultipleServiceSize(sizes ...int) int {
	n := MultipleServiceOverhead
	for _, s := range sizes {
		n += 2 + s
	}
	return n
}

// EncodeMultipleServicePacket bundles reqs into one Multiple Service Packet
// request. It fails with ErrTooLarge when the encoded request would be
// larger than max; max <= 0 disables the check.
func EncodeMultipleServicePacket(reqs []Request, max int) (Request, error) {
	if len(reqs) == 0 {
		return Request{}, fmt.Errorf("multiple service packet: no requests")
	}

	sizes := make([]int, len(reqs))
	for i, r := range reqs {
		sizes[i] = r.Size()
	}
	total := MultipleServiceSize(sizes...)
	if max > 0 && total > max {
		return Request{}, fmt.Errorf("%w: %d services encode to %d bytes, limit %d", ErrTooLarge, len(reqs), total, max)
	}
	if total > 0xFFFF {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}

	data := make([]byte, 0, total-4)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(reqs)))
	offset := 2 + 2*len(reqs)
	for _, s := range sizes {
		data = binary.LittleEndian.AppendUint16(data, uint16(offset))
		offset += s
	}
	for _, r := range reqs {
		data = append(data, r.Marshal()...)
	}
	return Request{Service: SvcMultipleServicePacket, Path: routerPath, Data: data}, nil
}

// DecodeMultipleServicePacket splits a Multiple Service Packet reply into
// its embedded replies. The envelope must carry exactly expected replies
// behind a well-formed offset table; anything else is ErrMalformed. Embedded
// replies may carry any status, which is data for the caller.
func DecodeMultipleServicePacket(resp *Response, expected int) ([]*Response, error) {
	if resp.Service != SvcMultipleServicePacket|replyFlag {
		return nil, fmt.Errorf("%w: reply service 0x%02X is not a multiple service reply", ErrMalformed, resp.Service)
	}
	switch resp.Status.General {
	case StatusSuccess, StatusEmbeddedServiceError:
	default:
		return nil, resp.Err()
	}

	data := resp.Data
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: multiple service reply too short", ErrMalformed)
	}
	count := int(binary.LittleEndian.Uint16(data))
	if count != expected {
		return nil, fmt.Errorf("%w: reply carries %d services, expected %d", ErrMalformed, count, expected)
	}
	tableEnd := 2 + 2*count
	if len(data) < tableEnd {
		return nil, fmt.Errorf("%w: offset table truncated", ErrMalformed)
	}

	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
	}
	offsets[count] = len(data)

	out := make([]*Response, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if start < tableEnd || end > len(data) || start >= end {
			return nil, fmt.Errorf("%w: bad offset %d for service %d", ErrMalformed, start, i)
		}
		r, err := ParseResponse(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// EncodeMultipleServiceReply builds the reply a controller sends for a
// Multiple Service Packet. The general status is 0x1E when any embedded
// reply failed.
func EncodeMultipleServiceReply(replies []*Response) *Response {
	status := StatusSuccess
	data := binary.LittleEndian.AppendUint16(nil, uint16(len(replies)))
	offset := 2 + 2*len(replies)
	encoded := make([][]byte, len(replies))
	for i, r := range replies {
		encoded[i] = r.Marshal()
		data = binary.LittleEndian.AppendUint16(data, uint16(offset))
		offset += len(encoded[i])
		if !r.Status.OK() && r.Status.General != StatusPartialTransfer {
			status = StatusEmbeddedServiceError
		}
	}
	for _, e := range encoded {
		data = append(data, e...)
	}
	return &Response{Service: SvcMultipleServicePacket | replyFlag, Status: Status{General: status}, Data: data}
}

// DecodeMultipleServiceRequest splits a Multiple Service Packet request.
func DecodeMultipleServiceRequest(data []byte) ([]Request, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: multiple service request too short", ErrMalformed)
	}
	count := int(binary.LittleEndian.Uint16(data))
	tableEnd := 2 + 2*count
	if count == 0 || len(data) < tableEnd {
		return nil, fmt.Errorf("%w: offset table truncated", ErrMalformed)
	}
	reqs := make([]Request, count)
	for i := 0; i < count; i++ {
		start := int(binary.LittleEndian.Uint16(data[2+2*i:]))
		end := len(data)
		if i+1 < count {
			end = int(binary.LittleEndian.Uint16(data[4+2*i:]))
		}
		if start < tableEnd || end > len(data) || start >= end {
			return nil, fmt.Errorf("%w: bad offset %d for service %d", ErrMalformed, start, i)
		}
		r, err := ParseRequest(data[start:end])
		if err != nil {
			return nil, err
		}
		reqs[i] = r
	}
	return reqs, nil
}
