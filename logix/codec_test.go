package logix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eiptag/cip"
)

func TestEncodeReadTag(t *testing.T) {
	tok, err := cip.SymbolPath("Counter")
	require.NoError(t, err)
	req := EncodeReadTag(tok, 1)
	assert.Equal(t, []byte{0x4C, 0x05, 0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00, 0x01, 0x00}, req.Marshal())

	count, err := ParseReadTagRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)
}

func TestEncodeWriteTag(t *testing.T) {
	tok, err := cip.SymbolPath("Motor")
	require.NoError(t, err)
	req := EncodeWriteTag(tok, TypeBOOL, 1, BoolValue(true).Encode())
	assert.Equal(t, SvcWriteTag, req.Service)
	assert.Equal(t, []byte{0xC1, 0x00, 0x01, 0x00, 0x01}, req.Data)

	typ, n, data, err := ParseWriteTagRequest(req)
	require.NoError(t, err)
	assert.Equal(t, TypeBOOL, typ)
	assert.Equal(t, uint16(1), n)
	assert.Equal(t, []byte{0x01}, data)
}

func TestDecodeReadTagReply(t *testing.T) {
	resp, err := cip.ParseResponse([]byte{0xCC, 0x00, 0x00, 0x00, 0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	typ, data, err := DecodeReadTagReply(resp)
	require.NoError(t, err)
	assert.Equal(t, TypeDINT, typ)
	v, err := DecodeValue(typ, data)
	require.NoError(t, err)
	assert.Equal(t, DintValue(42), v)

	t.Run("structure", func(t *testing.T) {
		resp := EncodeReadTagReply(TypeStructure|0x0FCE, []byte{1, 2, 3, 4})
		typ, data, err := DecodeReadTagReply(resp)
		require.NoError(t, err)
		assert.Equal(t, TypeStructure, typ)
		assert.Equal(t, []byte{1, 2, 3, 4}, data)
	})

	t.Run("status", func(t *testing.T) {
		resp := &cip.Response{Service: 0xCC, Status: cip.Status{General: cip.StatusPathUnknown}}
		_, _, err := DecodeReadTagReply(resp)
		var se *cip.StatusError
		require.ErrorAs(t, err, &se)
		assert.True(t, notFound(se.Status))
	})

	t.Run("wrong service", func(t *testing.T) {
		resp := &cip.Response{Service: 0xCD}
		_, _, err := DecodeReadTagReply(resp)
		assert.ErrorIs(t, err, cip.ErrMalformed)
	})

	t.Run("no type", func(t *testing.T) {
		resp := &cip.Response{Service: 0xCC, Data: []byte{0xC4}}
		_, _, err := DecodeReadTagReply(resp)
		assert.ErrorIs(t, err, cip.ErrMalformed)
	})
}

func TestNotFound(t *testing.T) {
	assert.True(t, notFound(cip.Status{General: 0x04}))
	assert.True(t, notFound(cip.Status{General: 0x05}))
	assert.True(t, notFound(cip.Status{General: 0x16}))
	assert.True(t, notFound(cip.Status{General: 0xFF, Extended: []uint16{0x2104}}))
	assert.False(t, notFound(cip.Status{General: 0xFF, Extended: []uint16{0x2107}}))
	assert.False(t, notFound(cip.Status{General: 0x08}))
}

func TestListTagsRoundTrip(t *testing.T) {
	req := EncodeListTagsRequest(300)
	assert.Equal(t, SvcGetInstanceAttributeList, req.Service)
	assert.Equal(t, cip.Path{0x20, 0x6B, 0x25, 0x00, 0x2C, 0x01}, req.Path)
	assert.Equal(t, []byte{0x03, 0x00, 0x01, 0x00, 0x02, 0x00, 0x08, 0x00}, req.Data)

	start, err := ParseListTagsRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), start)

	entries := []SymbolEntry{
		{Instance: 300, Name: "Counter", TypeWord: 0x00C4},
		{Instance: 305, Name: "Totals", TypeWord: 0x20C4, Dimensions: [3]uint32{10}},
	}
	resp := EncodeListTagsReply(entries, true)
	got, more, next, err := DecodeListTagsReply(resp)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, uint32(306), next)
	assert.Equal(t, entries, got)

	m, err := got[1].Metadata()
	require.NoError(t, err)
	assert.Equal(t, TypeDINT, m.Type)
	assert.Equal(t, 10, m.ElementCount)
	assert.Equal(t, []int{10}, m.Dimensions)
	assert.True(t, m.IsArray())

	_, more, _, err = DecodeListTagsReply(EncodeListTagsReply(entries[:1], false))
	require.NoError(t, err)
	assert.False(t, more)
}

func TestDecodeListTagsReplyTruncated(t *testing.T) {
	resp := EncodeListTagsReply([]SymbolEntry{{Instance: 1, Name: "A", TypeWord: 0xC4}}, false)
	resp.Data = resp.Data[:len(resp.Data)-3]
	_, _, _, err := DecodeListTagsReply(resp)
	assert.ErrorIs(t, err, cip.ErrMalformed)

	_, _, _, err = DecodeListTagsReply(&cip.Response{Service: 0xD5, Status: cip.Status{General: cip.StatusPartialTransfer}})
	assert.ErrorIs(t, err, cip.ErrMalformed, "partial transfer must carry entries")
}

func TestSkipSymbol(t *testing.T) {
	assert.False(t, skipSymbol(SymbolEntry{Name: "Counter", TypeWord: 0xC4}))
	assert.True(t, skipSymbol(SymbolEntry{Name: "Program:MainProgram", TypeWord: 0x68}))
	assert.True(t, skipSymbol(SymbolEntry{Name: "__Diag", TypeWord: 0xC4}))
	assert.True(t, skipSymbol(SymbolEntry{Name: "Map:Local", TypeWord: 0xC4}))
	assert.True(t, skipSymbol(SymbolEntry{Name: "Hidden", TypeWord: 0x10C4}))
}

func TestDirectory(t *testing.T) {
	d := newDirectory()
	d.Put(TagMetadata{Name: "b", Type: TypeDINT, ElementCount: 1})
	d.putAll([]TagMetadata{{Name: "a", Type: TypeREAL, ElementCount: 1}, {Name: "B", Type: TypeBOOL, ElementCount: 1}})
	assert.Equal(t, 3, d.Len())

	m, ok := d.Get("b")
	require.True(t, ok)
	assert.Equal(t, TypeDINT, m.Type)
	_, ok = d.Get("A")
	assert.False(t, ok, "names are case-sensitive")

	names := []string{}
	for _, m := range d.Snapshot() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"B", "a", "b"}, names)

	d.Evict("b")
	assert.Equal(t, 2, d.Len())
	d.Clear()
	assert.Equal(t, 0, d.Len())
}

func TestResultFailWrapsNotFound(t *testing.T) {
	r := TagResult{Name: "B", Op: OpRead}
	se := &cip.StatusError{Service: SvcReadTag, Status: cip.Status{General: cip.StatusPathUnknown}}
	r.fail(se)

	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, ErrTagNotFound)
	var got *cip.StatusError
	require.ErrorAs(t, r.Err, &got)
	assert.Equal(t, cip.StatusPathUnknown, r.Status.General)
	assert.Equal(t, `tag "B": tag not found: path destination unknown (0x05)`, r.Err.Error())
	assert.True(t, IsControllerRejected(r.Err))
}
