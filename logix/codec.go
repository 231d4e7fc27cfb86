package logix

import (
	"encoding/binary"
	"fmt"

	"eiptag/cip"
)

// Logix tag services.
const (
	SvcReadTag                  byte = 0x4C
	SvcWriteTag                 byte = 0x4D
	SvcGetInstanceAttributeList byte = 0x55

	ClassSymbol uint16 = 0x6B
)

// Symbol object attributes requested while listing tags.
const (
	symAttrName       uint16 = 1
	symAttrType       uint16 = 2
	symAttrDimensions uint16 = 8
)

// replyHeaderSize is service, reserved, status and extended status size.
const replyHeaderSize = 4

// EncodeReadTag builds a Read Tag request for count elements.
func EncodeReadTag(token cip.Path, count uint16) cip.Request {
	return cip.Request{
		Service: SvcReadTag,
		Path:    token,
		Data:    binary.LittleEndian.AppendUint16(nil, count),
	}
}

// EncodeWriteTag builds a Write Tag request carrying count elements of t.
func EncodeWriteTag(token cip.Path, t DataType, count uint16, data []byte) cip.Request {
	d := make([]byte, 0, 4+len(data))
	d = binary.LittleEndian.AppendUint16(d, uint16(t))
	d = binary.LittleEndian.AppendUint16(d, count)
	d = append(d, data...)
	return cip.Request{Service: SvcWriteTag, Path: token, Data: d}
}

// readReplySize estimates the reply to reading count elements of t.
func readReplySize(t DataType, count int) int {
	return replyHeaderSize + 2 + t.Size()*count
}

func checkReply(resp *cip.Response, service byte) error {
	if resp.RequestService() != service || resp.Service == service {
		return fmt.Errorf("%w: reply service 0x%02X does not answer 0x%02X", cip.ErrMalformed, resp.Service, service)
	}
	return resp.Err()
}

// DecodeReadTagReply returns the element type and raw element bytes of a
// Read Tag reply. Structures come back as TypeStructure with their payload.
func DecodeReadTagReply(resp *cip.Response) (DataType, []byte, error) {
	if err := checkReply(resp, SvcReadTag); err != nil {
		return TypeUnknown, nil, err
	}
	d := resp.Data
	if len(d) < 2 {
		return TypeUnknown, nil, fmt.Errorf("%w: read tag reply has no type", cip.ErrMalformed)
	}
	word := binary.LittleEndian.Uint16(d)
	if word == structHandleTag {
		if len(d) < 4 {
			return TypeUnknown, nil, fmt.Errorf("%w: structure handle truncated", cip.ErrMalformed)
		}
		return TypeStructure, d[4:], nil
	}
	return DataType(word), d[2:], nil
}

// DecodeWriteTagReply checks a Write Tag reply.
func DecodeWriteTagReply(resp *cip.Response) error {
	return checkReply(resp, SvcWriteTag)
}

// EncodeReadTagReply builds the reply for a successful read.
func EncodeReadTagReply(t DataType, data []byte) *cip.Response {
	d := make([]byte, 0, 4+len(data))
	if t.IsStructure() {
		d = binary.LittleEndian.AppendUint16(d, structHandleTag)
		d = binary.LittleEndian.AppendUint16(d, uint16(t.TemplateID()))
	} else {
		d = binary.LittleEndian.AppendUint16(d, uint16(t))
	}
	return &cip.Response{Service: SvcReadTag | 0x80, Data: append(d, data...)}
}

// ParseReadTagRequest returns the element count of a Read Tag request.
func ParseReadTagRequest(req cip.Request) (uint16, error) {
	if len(req.Data) < 2 {
		return 0, fmt.Errorf("%w: read tag request has no count", cip.ErrMalformed)
	}
	return binary.LittleEndian.Uint16(req.Data), nil
}

// ParseWriteTagRequest returns the type, count and element bytes of a Write
// Tag request.
func ParseWriteTagRequest(req cip.Request) (DataType, uint16, []byte, error) {
	if len(req.Data) < 4 {
		return TypeUnknown, 0, nil, fmt.Errorf("%w: write tag request too short", cip.ErrMalformed)
	}
	t := DataType(binary.LittleEndian.Uint16(req.Data))
	n := binary.LittleEndian.Uint16(req.Data[2:])
	return t, n, req.Data[4:], nil
}

// SymbolEntry is one Symbol object instance as listed by the controller.
type SymbolEntry struct {
	Instance   uint32
	Name       string
	TypeWord   uint16
	Dimensions [3]uint32
}

// System reports the system flag of the type word.
func (e SymbolEntry) System() bool {
	return e.TypeWord&symbolSystemFlag != 0
}

// Metadata converts the entry to directory metadata addressed by name.
func (e SymbolEntry) Metadata() (TagMetadata, error) {
	typ, ndims := typeFromSymbol(e.TypeWord)
	m := TagMetadata{Name: e.Name, Type: typ, ElementCount: 1, Instance: e.Instance}
	for i := 0; i < ndims && i < 3; i++ {
		d := int(e.Dimensions[i])
		if d <= 0 {
			d = 1
		}
		m.Dimensions = append(m.Dimensions, d)
		m.ElementCount *= d
	}
	tok, err := cip.SymbolPath(e.Name)
	if err != nil {
		return TagMetadata{}, err
	}
	m.Token = tok
	return m, nil
}

// instancePath addresses a Symbol object instance directly.
func instancePath(instance uint32) cip.Path {
	p, _ := cip.NewPath().Class(ClassSymbol).Instance(instance).Build()
	return p
}

// EncodeListTagsRequest asks for name, type and dimensions of every symbol
// from instance start on.
func EncodeListTagsRequest(start uint32) cip.Request {
	d := binary.LittleEndian.AppendUint16(nil, 3)
	d = binary.LittleEndian.AppendUint16(d, symAttrName)
	d = binary.LittleEndian.AppendUint16(d, symAttrType)
	d = binary.LittleEndian.AppendUint16(d, symAttrDimensions)
	return cip.Request{Service: SvcGetInstanceAttributeList, Path: instancePath(start), Data: d}
}

// ParseListTagsRequest returns the start instance of a list request.
func ParseListTagsRequest(req cip.Request) (uint32, error) {
	return ParseInstancePath(req.Path)
}

// ParseInstancePath returns the instance of a path addressing a Symbol
// object instance.
func ParseInstancePath(p cip.Path) (uint32, error) {
	if len(p) < 4 || p[0] != 0x20 || byte(ClassSymbol) != p[1] {
		return 0, fmt.Errorf("%w: path does not address the symbol class", cip.ErrMalformed)
	}
	switch p[2] {
	case 0x24:
		return uint32(p[3]), nil
	case 0x25:
		if len(p) >= 6 {
			return uint32(binary.LittleEndian.Uint16(p[4:])), nil
		}
	case 0x26:
		if len(p) >= 8 {
			return binary.LittleEndian.Uint32(p[4:]), nil
		}
	}
	return 0, fmt.Errorf("%w: bad symbol instance segment", cip.ErrMalformed)
}

// DecodeListTagsReply parses one page of symbols. more is set when the
// controller reported a partial transfer; the next page starts at next.
func DecodeListTagsReply(resp *cip.Response) (entries []SymbolEntry, more bool, next uint32, err error) {
	if resp.RequestService() != SvcGetInstanceAttributeList || resp.Service == SvcGetInstanceAttributeList {
		return nil, false, 0, fmt.Errorf("%w: reply service 0x%02X does not answer a symbol listing", cip.ErrMalformed, resp.Service)
	}
	switch resp.Status.General {
	case cip.StatusSuccess:
	case cip.StatusPartialTransfer:
		more = true
	default:
		return nil, false, 0, resp.Err()
	}

	d := resp.Data
	for len(d) > 0 {
		if len(d) < 6 {
			return nil, false, 0, fmt.Errorf("%w: symbol entry truncated", cip.ErrMalformed)
		}
		var e SymbolEntry
		e.Instance = binary.LittleEndian.Uint32(d)
		n := int(binary.LittleEndian.Uint16(d[4:]))
		d = d[6:]
		if len(d) < n+2+12 {
			return nil, false, 0, fmt.Errorf("%w: symbol %d truncated", cip.ErrMalformed, e.Instance)
		}
		e.Name = string(d[:n])
		d = d[n:]
		e.TypeWord = binary.LittleEndian.Uint16(d)
		for i := range e.Dimensions {
			e.Dimensions[i] = binary.LittleEndian.Uint32(d[2+4*i:])
		}
		d = d[14:]
		entries = append(entries, e)
	}
	if more {
		if len(entries) == 0 {
			return nil, false, 0, fmt.Errorf("%w: partial transfer with no entries", cip.ErrMalformed)
		}
		next = entries[len(entries)-1].Instance + 1
	}
	return entries, more, next, nil
}

// EncodeListTagsReply builds one page of a symbol listing.
func EncodeListTagsReply(entries []SymbolEntry, more bool) *cip.Response {
	var d []byte
	for _, e := range entries {
		d = binary.LittleEndian.AppendUint32(d, e.Instance)
		d = binary.LittleEndian.AppendUint16(d, uint16(len(e.Name)))
		d = append(d, e.Name...)
		d = binary.LittleEndian.AppendUint16(d, e.TypeWord)
		for _, dim := range e.Dimensions {
			d = binary.LittleEndian.AppendUint32(d, dim)
		}
	}
	resp := &cip.Response{Service: SvcGetInstanceAttributeList | 0x80, Data: d}
	if more {
		resp.Status.General = cip.StatusPartialTransfer
	}
	return resp
}

// SymbolTypeWord builds the Symbol object type word for an atomic type with
// ndims array dimensions.
func SymbolTypeWord(t DataType, ndims int) uint16 {
	w := uint16(t)
	if t.IsStructure() {
		w = symbolStructFlag | uint16(t.TemplateID())
	}
	return w | uint16(ndims&3)<<13
}
