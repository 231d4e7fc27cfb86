package logix_test

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eiptag/cip"
	"eiptag/eip"
	"eiptag/logix"
)

// rewriteDialer hands the client connections whose incoming encapsulation
// frames pass through rewrite first.
type rewriteDialer struct {
	d       net.Dialer
	rewrite func(frame []byte) []byte
}

func (d *rewriteDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &rewriteConn{Conn: conn, rewrite: d.rewrite}, nil
}

type rewriteConn struct {
	net.Conn
	rewrite func([]byte) []byte
	buf     []byte
}

func (c *rewriteConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		frame, err := eip.ReadFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		c.buf = c.rewrite(frame)
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// unconnectedReply returns the offset of the CIP reply inside a SendRRData
// frame, or -1 for any other frame.
func unconnectedReply(frame []byte) int {
	e, err := eip.ParseEncap(frame)
	if err != nil || e.Command != eip.CommandSendRRData {
		return -1
	}
	cd, err := eip.ParseCommandData(e.Data)
	if err != nil {
		return -1
	}
	data, err := cd.Packet.UnconnectedData()
	if err != nil || len(data) < 4 {
		return -1
	}
	// The data item is the last item of the packet.
	return len(frame) - len(data)
}

// corruptMultiServiceReply bumps the service count of the nth Multiple
// Service Packet reply seen once armed, leaving its framing intact.
func corruptMultiServiceReply(armed *atomic.Bool, n int) func([]byte) []byte {
	var mu sync.Mutex
	seen := 0
	return func(frame []byte) []byte {
		if !armed.Load() {
			return frame
		}
		off := unconnectedReply(frame)
		if off < 0 || frame[off] != cip.SvcMultipleServicePacket|0x80 || frame[off+2] != 0 {
			return frame
		}
		mu.Lock()
		seen++
		hit := seen == n
		mu.Unlock()
		if hit {
			at := off + 4 + 2*int(frame[off+3])
			count := binary.LittleEndian.Uint16(frame[at:])
			binary.LittleEndian.PutUint16(frame[at:], count+1)
		}
		return frame
	}
}

func TestFailedSubBatchOnlyFailsItsItems(t *testing.T) {
	sim := startSim(t)
	names := seedNumbered(t, sim, 30)
	var armed atomic.Bool
	dialer := &rewriteDialer{rewrite: corruptMultiServiceReply(&armed, 2)}
	c := newClient(t, sim,
		logix.WithMaxMessageSize(120),
		logix.WithSessionOptions(eip.WithDialer(dialer)),
	)
	ctx := context.Background()

	_, err := c.DiscoverAll(ctx)
	require.NoError(t, err)

	armed.Store(true)
	before := sim.Stats().MultiPackets
	results := c.ReadBatch(ctx, names)
	armed.Store(false)
	require.Len(t, results, len(names))
	require.Greater(t, sim.Stats().MultiPackets-before, int64(2))

	ok, bad := 0, 0
	for i, r := range results {
		assert.Equal(t, names[i], r.Name)
		if r.Success {
			ok++
			assert.Equal(t, int64(i), r.Value.Int())
			continue
		}
		bad++
		assert.ErrorIs(t, r.Err, eip.ErrProtocol, "%s", r.Name)
	}
	assert.Positive(t, ok)
	assert.Positive(t, bad)
	assert.Less(t, bad, len(names)/2, "only one sub-batch fails")
	assert.Equal(t, eip.StateRegistered, c.Session().State())

	// The next batch goes through untouched.
	for _, r := range c.ReadBatch(ctx, names) {
		assert.True(t, r.Success, "%s: %v", r.Name, r.Err)
	}
}

func TestBatchWriteWithMissingTag(t *testing.T) {
	sim := startSim(t)
	require.NoError(t, sim.AddTag("A", logix.TypeBOOL))
	require.NoError(t, sim.AddTag("C", logix.TypeREAL))
	c := newClient(t, sim)

	results := c.Batch(context.Background(), []logix.TagRequest{
		logix.Write("A", true),
		logix.Write("B", 7),
		logix.Write("C", 3.14),
	})
	require.Len(t, results, 3)

	assert.Equal(t, "A", results[0].Name)
	assert.True(t, results[0].Success, "%v", results[0].Err)
	assert.Equal(t, logix.BoolValue(true), results[0].Value)

	assert.Equal(t, "B", results[1].Name)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, logix.ErrTagNotFound)
	assert.Contains(t, results[1].Err.Error(), `tag "B"`)

	assert.Equal(t, "C", results[2].Name)
	assert.True(t, results[2].Success, "%v", results[2].Err)
	assert.Equal(t, logix.RealValue(3.14), results[2].Value)

	a, _ := sim.Value("A")
	assert.True(t, a.Bool())
	cv, _ := sim.Value("C")
	assert.InDelta(t, 3.14, cv.Float(), 1e-6)
}
