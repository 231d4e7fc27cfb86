package cip

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMarshal(t *testing.T) {
	path, err := SymbolPath("Counter")
	require.NoError(t, err)
	req := Request{Service: 0x4C, Path: path, Data: []byte{0x01, 0x00}}

	b := req.Marshal()
	assert.Equal(t, []byte{0x4C, 0x05, 0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00, 0x01, 0x00}, b)
	assert.Equal(t, len(b), req.Size())

	back, err := ParseRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req.Service, back.Service)
	assert.Equal(t, req.Path, back.Path)
	assert.Equal(t, req.Data, back.Data)
}

func TestParseResponse(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r, err := ParseResponse([]byte{0xCC, 0x00, 0x00, 0x00, 0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00})
		require.NoError(t, err)
		assert.Equal(t, byte(0x4C), r.RequestService())
		assert.True(t, r.Status.OK())
		assert.NoError(t, r.Err())
		assert.Equal(t, []byte{0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00}, r.Data)
	})

	t.Run("extended status", func(t *testing.T) {
		r, err := ParseResponse([]byte{0xCD, 0x00, 0xFF, 0x01, 0x04, 0x21})
		require.NoError(t, err)
		assert.Equal(t, ExtTagNotFound, r.Status.Ext())

		var se *StatusError
		require.True(t, errors.As(r.Err(), &se))
		assert.Equal(t, byte(0x4D), se.Service)
		assert.Contains(t, se.Error(), "general error (0xFF), tag not found (0x2104)")
	})

	t.Run("round trip", func(t *testing.T) {
		in := &Response{Service: 0xCC, Status: Status{General: 0xFF, Extended: []uint16{0x2105}}, Data: []byte{1, 2}}
		out, err := ParseResponse(in.Marshal())
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	for name, raw := range map[string][]byte{
		"short":         {0xCC, 0x00},
		"not a reply":   {0x4C, 0x00, 0x00, 0x00},
		"truncated ext": {0xCC, 0x00, 0xFF, 0x02, 0x04, 0x21},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "path destination unknown", StatusName(StatusPathUnknown))
	assert.Equal(t, "embedded service error", StatusName(0x1E))
	assert.Equal(t, "unknown status 0x99", StatusName(0x99))
	assert.Equal(t, "tag not found", ExtendedStatusName(ExtTagNotFound))
	assert.Equal(t, "extended status 0x1234", ExtendedStatusName(0x1234))
	assert.Equal(t, "object does not exist (0x16)", Status{General: 0x16}.String())
}

func TestPathBuilder(t *testing.T) {
	cases := []struct {
		name string
		b    *PathBuilder
		want Path
	}{
		{"class instance", NewPath().Class(0x6B).Instance(0), Path{0x20, 0x6B, 0x24, 0x00}},
		{"16-bit instance", NewPath().Class(0x6B).Instance(300), Path{0x20, 0x6B, 0x25, 0x00, 0x2C, 0x01}},
		{"32-bit instance", NewPath().Instance(0x00012345), Path{0x26, 0x00, 0x45, 0x23, 0x01, 0x00}},
		{"attribute", NewPath().Class(1).Instance(1).Attribute(7), Path{0x20, 0x01, 0x24, 0x01, 0x30, 0x07}},
		{"backplane slot", NewPath().Port(1, 2), Path{0x01, 0x02}},
		{"odd symbol padded", NewPath().Symbol("Motor"), Path{0x91, 0x05, 'M', 'o', 't', 'o', 'r', 0x00}},
		{"member", NewPath().Symbol("A.B"), Path{0x91, 0x01, 'A', 0x00, 0x91, 0x01, 'B', 0x00}},
		{"array", NewPath().Symbol("Arr[3]"), Path{0x91, 0x03, 'A', 'r', 'r', 0x00, 0x28, 0x03}},
		{"wide index", NewPath().Symbol("Arr[300]"), Path{0x91, 0x03, 'A', 'r', 'r', 0x00, 0x29, 0x00, 0x2C, 0x01}},
		{"two dims", NewPath().Symbol("G[1,2]"), Path{0x91, 0x01, 'G', 0x00, 0x28, 0x01, 0x28, 0x02}},
		{"program scope", NewPath().Symbol("Program:P.X"), Path{0x91, 0x09, 'P', 'r', 'o', 'g', 'r', 'a', 'm', ':', 'P', 0x00, 0x91, 0x01, 'X', 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.b.Build()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, byte(len(got)/2), got.WordLen())
		})
	}
}

func TestPathBuilderErrors(t *testing.T) {
	for _, tag := range []string{"", "A..B", "[1]", "A[x]", "A[1", "A]", ".A"} {
		t.Run(tag, func(t *testing.T) {
			_, err := SymbolPath(tag)
			assert.ErrorIs(t, err, ErrInvalidTagName)
		})
	}
	_, err := SymbolPath(strings.Repeat("x", 256))
	assert.ErrorIs(t, err, ErrInvalidTagName)

	_, err = NewPath().Port(15, 0).Build()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTagName)
}

func readReq(t *testing.T, tag string) Request {
	t.Helper()
	p, err := SymbolPath(tag)
	require.NoError(t, err)
	return Request{Service: 0x4C, Path: p, Data: []byte{1, 0}}
}

func TestMultipleServicePacketRoundTrip(t *testing.T) {
	reqs := []Request{readReq(t, "A"), readReq(t, "Counter"), readReq(t, "Motor")}
	msp, err := EncodeMultipleServicePacket(reqs, 0)
	require.NoError(t, err)
	assert.Equal(t, SvcMultipleServicePacket, msp.Service)
	assert.Equal(t, MultipleServiceSize(reqs[0].Size(), reqs[1].Size(), reqs[2].Size()), msp.Size())

	back, err := DecodeMultipleServiceRequest(msp.Data)
	require.NoError(t, err)
	require.Len(t, back, 3)
	for i := range reqs {
		assert.Equal(t, reqs[i].Path, back[i].Path)
	}
}

func TestMultipleServicePacketTooLarge(t *testing.T) {
	reqs := []Request{readReq(t, "A"), readReq(t, "B")}
	size := MultipleServiceSize(reqs[0].Size(), reqs[1].Size())

	_, err := EncodeMultipleServicePacket(reqs, size)
	assert.NoError(t, err)
	_, err = EncodeMultipleServicePacket(reqs, size-1)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = EncodeMultipleServicePacket(nil, 0)
	assert.Error(t, err)
}

func TestDecodeMultipleServicePacket(t *testing.T) {
	replies := []*Response{
		{Service: 0xCC, Data: []byte{0xC1, 0x00, 0x01}},
		{Service: 0xCC, Status: Status{General: StatusPathUnknown}},
		{Service: 0xCD},
	}
	env := EncodeMultipleServiceReply(replies)
	assert.Equal(t, StatusEmbeddedServiceError, env.Status.General)

	parsed, err := ParseResponse(env.Marshal())
	require.NoError(t, err)

	got, err := DecodeMultipleServicePacket(parsed, 3)
	require.NoError(t, err, "per-item failures are data, not decode errors")
	require.Len(t, got, 3)
	assert.Equal(t, []byte{0xC1, 0x00, 0x01}, got[0].Data)
	assert.Equal(t, StatusPathUnknown, got[1].Status.General)
	assert.True(t, got[2].Status.OK())

	t.Run("count mismatch", func(t *testing.T) {
		_, err := DecodeMultipleServicePacket(parsed, 2)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("offset out of range", func(t *testing.T) {
		bad := *parsed
		bad.Data = append([]byte{}, parsed.Data...)
		bad.Data[4] = 0xFF
		bad.Data[5] = 0x00
		_, err := DecodeMultipleServicePacket(&bad, 3)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("offset into table", func(t *testing.T) {
		bad := *parsed
		bad.Data = append([]byte{}, parsed.Data...)
		bad.Data[2] = 0x02
		bad.Data[3] = 0x00
		_, err := DecodeMultipleServicePacket(&bad, 3)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated table", func(t *testing.T) {
		_, err := DecodeMultipleServicePacket(&Response{Service: 0x8A, Data: []byte{0x03, 0x00, 0x08}}, 3)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong service", func(t *testing.T) {
		_, err := DecodeMultipleServicePacket(&Response{Service: 0xCC}, 1)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("envelope rejected", func(t *testing.T) {
		_, err := DecodeMultipleServicePacket(&Response{Service: 0x8A, Status: Status{General: StatusServiceNotSupported}}, 1)
		var se *StatusError
		assert.True(t, errors.As(err, &se))
	})
}

func TestForwardOpenRoundTrip(t *testing.T) {
	route, err := NewPath().Port(1, 0).Class(2).Instance(1).Build()
	require.NoError(t, err)

	for _, size := range []uint16{ConnectionSizeLarge, ConnectionSizeStandard} {
		cfg := NewForwardOpenConfig(size, route)
		req := EncodeForwardOpen(cfg)
		if size > 511 {
			assert.Equal(t, SvcForwardOpenLarge, req.Service)
		} else {
			assert.Equal(t, SvcForwardOpen, req.Service)
		}

		parsed, toID, err := ParseForwardOpenRequest(req)
		require.NoError(t, err)
		assert.Equal(t, size, parsed.Size)
		assert.Equal(t, route, parsed.ConnectionPath)
		assert.Equal(t, cfg.SerialNumber, parsed.SerialNumber)

		reply := EncodeForwardOpenReply(req.Service, 0xAABBCCDD, toID, parsed)
		conn, err := ParseForwardOpenReply(reply, cfg)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xAABBCCDD), conn.OTConnID)
		assert.Equal(t, toID, conn.TOConnID)
		assert.Equal(t, size, conn.Size)

		closeReq := EncodeForwardClose(conn, route)
		assert.Equal(t, SvcForwardClose, closeReq.Service)
	}
}

func TestUnconnectedSendRoundTrip(t *testing.T) {
	inner := readReq(t, "Motor")
	route, err := NewPath().Port(1, 3).Build()
	require.NoError(t, err)

	wrapped := EncodeUnconnectedSend(inner, route, 2*time.Second)
	assert.Equal(t, SvcUnconnectedSend, wrapped.Service)

	got, gotRoute, err := DecodeUnconnectedSend(wrapped)
	require.NoError(t, err)
	assert.Equal(t, inner.Marshal(), got.Marshal())
	assert.Equal(t, route, gotRoute)
}

func TestParseSymbolPath(t *testing.T) {
	tests := []struct {
		tag     string
		name    string
		indices []uint32
	}{
		{"Counter", "Counter", nil},
		{"Line1.Motor", "Line1.Motor", nil},
		{"Program:Main.Speed", "Program:Main.Speed", nil},
		{"Arr[3]", "Arr", []uint32{3}},
		{"Grid[1,300]", "Grid", []uint32{1, 300}},
		{"Big[70000]", "Big", []uint32{70000}},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			p, err := SymbolPath(tt.tag)
			require.NoError(t, err)
			name, idx, err := ParseSymbolPath(p)
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.indices, idx)
		})
	}

	_, _, err := ParseSymbolPath(Path{0x20, 0x6B, 0x24, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}
