package cip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed marks a reply whose framing cannot be trusted.
	ErrMalformed = errors.New("cip: malformed reply")

	// ErrTooLarge is returned when an encoded request would exceed the
	// message size limit.
	ErrTooLarge = errors.New("cip: request exceeds maximum message size")

	// ErrInvalidTagName marks a tag name that cannot be encoded as a path.
	ErrInvalidTagName = errors.New("cip: invalid tag name")
)

// Common services.
const (
	SvcGetAttributesAll      byte = 0x01
	SvcGetAttributeList      byte = 0x03
	SvcGetAttributeSingle    byte = 0x0E
	SvcMultipleServicePacket byte = 0x0A

	replyFlag byte = 0x80
)

// Request is a message router request.
type Request struct {
	Service byte
	Path    Path
	Data    []byte
}

// Size is the encoded length of the request.
func (r Request) Size() int {
	return 2 + len(r.Path) + len(r.Data)
}

// Marshal encodes service, path size in words, path and data.
func (r Request) Marshal() []byte {
	out := make([]byte, 0, r.Size())
	out = append(out, r.Service, r.Path.WordLen())
	out = append(out, r.Path...)
	return append(out, r.Data...)
}

// ParseRequest decodes a message router request.
func ParseRequest(b []byte) (Request, error) {
	if len(b) < 2 {
		return Request{}, fmt.Errorf("%w: request too short: %d bytes", ErrMalformed, len(b))
	}
	pathLen := int(b[1]) * 2
	if len(b) < 2+pathLen {
		return Request{}, fmt.Errorf("%w: request path truncated", ErrMalformed)
	}
	return Request{Service: b[0], Path: Path(b[2 : 2+pathLen]), Data: b[2+pathLen:]}, nil
}

// Status is a general status plus its extended status words.
type Status struct {
	General  byte
	Extended []uint16
}

// OK reports general status 0.
func (s Status) OK() bool { return s.General == StatusSuccess }

// Ext returns the first extended status word, or 0.
func (s Status) Ext() uint16 {
	if len(s.Extended) == 0 {
		return 0
	}
	return s.Extended[0]
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (0x%02X)", StatusName(s.General), s.General)
	for _, ext := range s.Extended {
		fmt.Fprintf(&b, ", %s (0x%04X)", ExtendedStatusName(ext), ext)
	}
	return b.String()
}

// Response is a message router reply.
type Response struct {
	Service byte // reply service, request service | 0x80
	Status  Status
	Data    []byte
}

// RequestService strips the reply flag.
func (r *Response) RequestService() byte { return r.Service &^ replyFlag }

// Err returns a *StatusError when the general status is nonzero.
func (r *Response) Err() error {
	if r.Status.OK() {
		return nil
	}
	return &StatusError{Service: r.RequestService(), Status: r.Status}
}

// Marshal encodes the reply.
func (r *Response) Marshal() []byte {
	out := make([]byte, 0, 4+2*len(r.Status.Extended)+len(r.Data))
	out = append(out, r.Service, 0, r.Status.General, byte(len(r.Status.Extended)))
	for _, ext := range r.Status.Extended {
		out = binary.LittleEndian.AppendUint16(out, ext)
	}
	return append(out, r.Data...)
}

// ParseResponse decodes a message router reply.
func ParseResponse(b []byte) (*Response, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: reply too short: %d bytes", ErrMalformed, len(b))
	}
	if b[0]&replyFlag == 0 {
		return nil, fmt.Errorf("%w: service 0x%02X is not a reply", ErrMalformed, b[0])
	}
	extWords := int(b[3])
	if len(b) < 4+2*extWords {
		return nil, fmt.Errorf("%w: extended status truncated", ErrMalformed)
	}
	resp := &Response{Service: b[0], Status: Status{General: b[2]}}
	for i := 0; i < extWords; i++ {
		resp.Status.Extended = append(resp.Status.Extended, binary.LittleEndian.Uint16(b[4+2*i:]))
	}
	resp.Data = b[4+2*extWords:]
	return resp, nil
}

// StatusError is a well-formed reply carrying a nonzero general status.
type StatusError struct {
	Service byte
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cip: service 0x%02X failed: %s", e.Service, e.Status)
}
