package plcsim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"eiptag/eip"
	"eiptag/logix"
)

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(`
tags:
  - name: Counter
    type: DINT
    value: 42
  - name: Speeds
    type: real
    dims: [4]
  - name: __Hidden
    type: INT
    system: true
`))
	require.NoError(t, err)
	require.Len(t, seed.Tags, 3)
	assert.Equal(t, []int{4}, seed.Tags[1].Dims)

	s := New()
	require.NoError(t, seed.Apply(s))
	assert.Equal(t, []string{"Counter", "Speeds", "__Hidden"}, s.TagNames())

	v, ok := s.Value("Counter")
	require.True(t, ok)
	assert.Equal(t, logix.DintValue(42), v)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tags:\n  - {name: Flag, type: BOOL, value: true}\n"), 0o644))
	seed, err := LoadSeed(path)
	require.NoError(t, err)

	s := New()
	require.NoError(t, seed.Apply(s))
	v, ok := s.Value("Flag")
	require.True(t, ok)
	assert.True(t, v.Bool())

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeedErrors(t *testing.T) {
	bad := &Seed{Tags: []SeedTag{{Name: "X", Type: "TIMER"}}}
	assert.Error(t, bad.Apply(New()))

	overflow := &Seed{Tags: []SeedTag{{Name: "X", Type: "SINT", Value: 1000}}}
	assert.ErrorIs(t, overflow.Apply(New()), logix.ErrValueOutOfRange)

	assert.NoError(t, DefaultSeed().Apply(New()))
}

func TestSymbolTable(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTag("Grid", logix.TypeINT, 2, 2))
	require.NoError(t, s.SetElement("Grid", 3, -7))
	assert.Error(t, s.SetElement("Grid", 4, 1))
	assert.ErrorIs(t, s.SetValue("Nope", 1), logix.ErrTagNotFound)
	assert.ErrorIs(t, s.AddTag("Text", logix.TypeSTRING), logix.ErrUnsupportedType)
	assert.Error(t, s.AddTag("Deep", logix.TypeDINT, 1, 1, 1, 1))

	s.RemoveTag("Grid")
	assert.Empty(t, s.TagNames())
}

func TestServeSessionAndIdentity(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Close() })

	sess := eip.NewSession(s.Endpoint(), eip.WithLogger(zaptest.NewLogger(t)), eip.WithRequestTimeout(time.Second))
	ctx := context.Background()
	require.NoError(t, sess.Connect(ctx))

	id, err := sess.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0E), id.DeviceType)
	assert.Equal(t, "33.011", id.Revision())

	sess.Disconnect()
	assert.Eventually(t, func() bool { return s.Stats().Unregistered == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Sessions)
	assert.Equal(t, int64(1), s.Stats().Probes)
}
