package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"eiptag/eip"
	"eiptag/logix"
	"eiptag/plcsim"
	"eiptag/registry"
)

func startSim(t *testing.T) *plcsim.Server {
	t.Helper()
	sim := plcsim.New(plcsim.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = sim.Close() })
	require.NoError(t, sim.AddTag("Counter", logix.TypeDINT))
	return sim
}

func fastSession() logix.Option {
	return logix.WithSessionOptions(
		eip.WithConnectTimeout(time.Second),
		eip.WithRequestTimeout(time.Second),
		eip.WithProbeTimeout(300*time.Millisecond),
		eip.WithIdleThreshold(0),
	)
}

func TestRegisterDoesNotConnect(t *testing.T) {
	sim := startSim(t)
	r := registry.New(registry.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(r.Close)

	id, err := r.Register(sim.Endpoint(), fastSession())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	c, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, eip.StateDisconnected, c.Session().State())
	assert.EqualValues(t, 0, sim.Stats().Sessions)

	name, err := r.Name(id)
	require.NoError(t, err)
	assert.Equal(t, sim.Endpoint().String(), name)
}

func TestUnknownClient(t *testing.T) {
	r := registry.New()
	id := uuid.New()

	_, err := r.Get(id)
	assert.ErrorIs(t, err, registry.ErrUnknownClient)
	assert.ErrorIs(t, r.Remove(id), registry.ErrUnknownClient)
	assert.ErrorIs(t, r.Connect(context.Background(), id), registry.ErrUnknownClient)
	_, err = r.CheckHealth(context.Background(), id)
	assert.ErrorIs(t, err, registry.ErrUnknownClient)
	_, err = r.Health(id)
	assert.ErrorIs(t, err, registry.ErrUnknownClient)
}

func TestDuplicateName(t *testing.T) {
	sim := startSim(t)
	r := registry.New()
	_, err := r.RegisterNamed("line1", sim.Endpoint())
	require.NoError(t, err)
	_, err = r.RegisterNamed("line1", sim.Endpoint())
	assert.ErrorIs(t, err, registry.ErrDuplicateName)
	assert.Equal(t, 1, r.Len())
}

func TestConnectReadRemove(t *testing.T) {
	sim := startSim(t)
	r := registry.New(registry.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(r.Close)
	ctx := context.Background()

	id, err := r.RegisterNamed("line1", sim.Endpoint(), fastSession())
	require.NoError(t, err)
	require.NoError(t, r.Connect(ctx, id))

	c, err := r.Get(id)
	require.NoError(t, err)
	res := c.WriteTag(ctx, "Counter", 7)
	require.True(t, res.Success, "%v", res.Err)

	got, ok := r.Lookup("line1")
	require.True(t, ok)
	assert.Equal(t, id, got)

	require.NoError(t, r.Remove(id))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, eip.StateDisconnected, c.Session().State())
	_, ok = r.Lookup("line1")
	assert.False(t, ok)
}

func TestCheckAll(t *testing.T) {
	up := startSim(t)
	down := startSim(t)
	r := registry.New(registry.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(r.Close)
	ctx := context.Background()

	a, err := r.RegisterNamed("a", up.Endpoint(), fastSession())
	require.NoError(t, err)
	b, err := r.RegisterNamed("b", down.Endpoint(), fastSession())
	require.NoError(t, err)
	require.NoError(t, r.ConnectAll(ctx))

	require.NoError(t, down.Close())
	health := r.CheckAll(ctx)
	assert.Equal(t, map[registry.ID]bool{a: true, b: false}, health)

	ha, err := r.Health(a)
	require.NoError(t, err)
	assert.True(t, ha.Healthy)
	assert.False(t, ha.LastSuccess.IsZero())

	hb, err := r.Health(b)
	require.NoError(t, err)
	assert.False(t, hb.Healthy)
	assert.Equal(t, 1, hb.ConsecutiveFailures)

	// A lost connection keeps the entry.
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []registry.ID{a, b}, r.IDs())
}

func TestHealthPollingNeverReconnects(t *testing.T) {
	sim := startSim(t)
	r := registry.New(registry.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(r.Close)
	ctx := context.Background()

	id, err := r.Register(sim.Endpoint(), fastSession())
	require.NoError(t, err)
	require.NoError(t, r.Connect(ctx, id))
	require.NoError(t, r.Disconnect(id))

	r.StartHealthPolling(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		h, err := r.Health(id)
		return err == nil && h.ConsecutiveFailures >= 3
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()

	c, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, eip.StateDisconnected, c.Session().State())
	assert.EqualValues(t, 1, sim.Stats().Sessions)
}

func TestHealthHook(t *testing.T) {
	sim := startSim(t)
	var mu sync.Mutex
	seen := map[string]registry.Health{}
	r := registry.New(
		registry.WithLogger(zaptest.NewLogger(t)),
		registry.WithHealthHook(func(name string, h registry.Health) {
			mu.Lock()
			seen[name] = h
			mu.Unlock()
		}),
	)
	t.Cleanup(r.Close)
	ctx := context.Background()

	id, err := r.RegisterNamed("line1", sim.Endpoint(), fastSession())
	require.NoError(t, err)
	require.NoError(t, r.Connect(ctx, id))
	ok, err := r.CheckHealth(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	h, found := seen["line1"]
	mu.Unlock()
	require.True(t, found)
	assert.True(t, h.Healthy)

	st := h.Status("line1")
	assert.Equal(t, "line1", st.PLC)
	assert.True(t, st.Healthy)
	assert.NotEmpty(t, st.LastSuccess)
	assert.NotEmpty(t, st.Timestamp)
}

func TestHealthStatus(t *testing.T) {
	h := registry.Health{
		ConsecutiveFailures: 3,
		Latency:             1500 * time.Microsecond,
		LastCheck:           time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	st := h.Status("line2")
	assert.False(t, st.Healthy)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.InDelta(t, 1.5, st.LatencyMS, 1e-9)
	assert.Empty(t, st.LastSuccess)
	assert.Equal(t, "2024-05-01T10:00:00Z", st.Timestamp)
}
