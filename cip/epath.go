package cip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

type logicalType byte
type logicalFormat byte

const (
	segmentPort     byte = 0b000
	segmentLogical  byte = 0b001
	segmentSymbolic byte = 0x91 // ANSI extended symbolic

	logicalClass     logicalType = 0b000
	logicalInstance  logicalType = 0b001
	logicalMember    logicalType = 0b010
	logicalAttribute logicalType = 0b100

	format8  logicalFormat = 0b00
	format16 logicalFormat = 0b01
	format32 logicalFormat = 0b10
)

// Path is an encoded, word-padded EPATH.
type Path []byte

// WordLen is the path size in 16-bit words, as carried in requests.
func (p Path) WordLen() byte {
	return byte((len(p) + 1) / 2)
}

// PathBuilder assembles a padded EPATH segment by segment. The first error
// sticks and is reported by Build.
type PathBuilder struct {
	err  error
	path Path
}

// NewPath starts an empty path.
func NewPath() *PathBuilder {
	return &PathBuilder{}
}

func (b *PathBuilder) add(p Path, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.path = append(b.path, p...)
	return b
}

// Port adds a port segment, e.g. backplane port 1 with link address = slot.
func (b *PathBuilder) Port(port, link byte) *PathBuilder {
	if port > 14 {
		return b.add(nil, fmt.Errorf("port %d needs an extended port segment", port))
	}
	return b.add(Path{segmentPort<<5 | port, link}, nil)
}

func (b *PathBuilder) Class(id uint16) *PathBuilder {
	return b.add(logical(logicalClass, uint32(id)))
}

func (b *PathBuilder) Instance(id uint32) *PathBuilder {
	return b.add(logical(logicalInstance, id))
}

func (b *PathBuilder) Attribute(id uint16) *PathBuilder {
	return b.add(logical(logicalAttribute, uint32(id)))
}

// Element adds a member segment addressing an array element.
func (b *PathBuilder) Element(index uint32) *PathBuilder {
	return b.add(logical(logicalMember, index))
}

// Symbol adds a tag name. Dots separate members, brackets hold comma
// separated array indices: "Line1.Motor[3]", "Grid[1,2]". The colon in
// "Program:Main.Tag" is part of the first segment name.
func (b *PathBuilder) Symbol(tag string) *PathBuilder {
	parts, err := splitTagPath(tag)
	if err != nil {
		return b.add(nil, err)
	}
	for _, part := range parts {
		if part.isIndex {
			b = b.Element(part.index)
		} else {
			b = b.add(symbolicSegment(part.name))
		}
	}
	return b
}

// Build returns a copy of the path built so far.
func (b *PathBuilder) Build() (Path, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := append(Path{}, b.path...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// SymbolPath is shorthand for NewPath().Symbol(tag).Build().
func SymbolPath(tag string) (Path, error) {
	return NewPath().Symbol(tag).Build()
}

// logical encodes a padded logical segment using the narrowest format that
// holds the value. 16 and 32 bit formats carry a pad byte before the value.
func logical(typ logicalType, value uint32) (Path, error) {
	head := segmentLogical<<5 | byte(typ)<<2
	switch {
	case value <= 0xFF:
		return Path{head | byte(format8), byte(value)}, nil
	case value <= 0xFFFF:
		return binary.LittleEndian.AppendUint16(Path{head | byte(format16), 0}, uint16(value)), nil
	case typ == logicalClass || typ == logicalAttribute:
		return nil, fmt.Errorf("logical segment value 0x%X too large", value)
	default:
		return binary.LittleEndian.AppendUint32(Path{head | byte(format32), 0}, value), nil
	}
}

func symbolicSegment(name string) (Path, error) {
	if len(name) == 0 {
		return nil, fmt.Errorf("%w: empty symbol segment", ErrInvalidTagName)
	}
	if len(name) > 255 {
		return nil, fmt.Errorf("%w: symbol segment %q exceeds 255 bytes", ErrInvalidTagName, name[:32]+"...")
	}
	out := Path{segmentSymbolic, byte(len(name))}
	out = append(out, name...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

type tagPart struct {
	name    string
	index   uint32
	isIndex bool
}

func splitTagPath(tag string) ([]tagPart, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: empty tag name", ErrInvalidTagName)
	}

	var parts []tagPart
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, tagPart{name: current.String()})
			current.Reset()
		}
	}

	for i := 0; i < len(tag); i++ {
		switch ch := tag[i]; ch {
		case '.':
			if current.Len() == 0 && (len(parts) == 0 || !parts[len(parts)-1].isIndex) {
				return nil, fmt.Errorf("%w: %q: empty member name", ErrInvalidTagName, tag)
			}
			flush()
		case '[':
			flush()
			if len(parts) == 0 {
				return nil, fmt.Errorf("%w: %q: index without a name", ErrInvalidTagName, tag)
			}
			end := strings.IndexByte(tag[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q: unterminated index", ErrInvalidTagName, tag)
			}
			for _, field := range strings.Split(tag[i+1:i+end], ",") {
				idx, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: %q: invalid index %q", ErrInvalidTagName, tag, field)
				}
				parts = append(parts, tagPart{index: uint32(idx), isIndex: true})
			}
			i += end
		case ']':
			return nil, fmt.Errorf("%w: %q: unexpected ']'", ErrInvalidTagName, tag)
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return parts, nil
}

// ParseSymbolPath decodes a symbolic tag path back into its dotted name and
// the element indices that follow it.
func ParseSymbolPath(p Path) (string, []uint32, error) {
	var names []string
	var indices []uint32
	for len(p) > 0 {
		switch p[0] {
		case segmentSymbolic:
			if len(p) < 2 || len(p) < 2+int(p[1]) {
				return "", nil, fmt.Errorf("%w: symbolic segment truncated", ErrMalformed)
			}
			n := int(p[1])
			names = append(names, string(p[2:2+n]))
			p = p[2+n:]
			if n%2 != 0 && len(p) > 0 {
				p = p[1:]
			}
		case 0x28:
			if len(p) < 2 {
				return "", nil, fmt.Errorf("%w: element segment truncated", ErrMalformed)
			}
			indices = append(indices, uint32(p[1]))
			p = p[2:]
		case 0x29:
			if len(p) < 4 {
				return "", nil, fmt.Errorf("%w: element segment truncated", ErrMalformed)
			}
			indices = append(indices, uint32(binary.LittleEndian.Uint16(p[2:])))
			p = p[4:]
		case 0x2A:
			if len(p) < 6 {
				return "", nil, fmt.Errorf("%w: element segment truncated", ErrMalformed)
			}
			indices = append(indices, binary.LittleEndian.Uint32(p[2:]))
			p = p[6:]
		case 0x00:
			p = p[1:]
		default:
			return "", nil, fmt.Errorf("%w: unexpected segment 0x%02X in tag path", ErrMalformed, p[0])
		}
	}
	if len(names) == 0 {
		return "", nil, fmt.Errorf("%w: tag path has no symbol", ErrMalformed)
	}
	return strings.Join(names, "."), indices, nil
}
