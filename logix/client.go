package logix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"eiptag/cip"
	"eiptag/eip"
	"eiptag/logging"
)

const (
	DefaultMaxMessageSize   = 504
	DefaultMaxItemsPerBatch = 200
)

// options holds configuration for NewClient.
type options struct {
	routePath          cip.Path
	connected          bool
	maxMessageSize     int
	maxItems           int
	instanceAddressing bool
	sessionOpts        []eip.SessionOption
	log                *zap.Logger
}

// Option is a functional option for NewClient.
type Option func(*options)

// WithSlot routes every request through the backplane to the CPU in slot,
// as needed for ControlLogix chassis.
func WithSlot(slot byte) Option {
	return func(o *options) {
		o.routePath = cip.Path{0x01, slot}
	}
}

// WithRoutePath configures explicit routing for the PLC. Use this when
// connecting through a gateway or communication module.
func WithRoutePath(path cip.Path) Option {
	return func(o *options) {
		o.routePath = path
	}
}

// WithConnected enables class 3 connected messaging (Forward Open) after
// the session registers. A refused Forward Open falls back to unconnected
// messaging.
func WithConnected(on bool) Option {
	return func(o *options) { o.connected = on }
}

// WithMaxMessageSize bounds every request and reply. It applies to
// unconnected messaging; a connection uses its negotiated size.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithMaxItemsPerBatch caps the services packed into one request.
func WithMaxItemsPerBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxItems = n
		}
	}
}

// WithInstanceAddressing makes discovered tags addressable by Symbol
// instance instead of by name, which shortens requests.
func WithInstanceAddressing(on bool) Option {
	return func(o *options) { o.instanceAddressing = on }
}

func WithSessionOptions(opts ...eip.SessionOption) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// Client reads and writes tags on one Logix controller. It is safe for
// concurrent use; requests on the wire are serialized by the session.
type Client struct {
	session *eip.Session
	dir     *Directory
	opts    options
	log     *zap.Logger

	resolve singleflight.Group

	mu       sync.Mutex
	gen      uint64
	conn     *cip.Connection
	connPath cip.Path
}

// NewClient creates a client for ep. It does not connect.
func NewClient(ep eip.Endpoint, opts ...Option) *Client {
	o := options{
		maxMessageSize: DefaultMaxMessageSize,
		maxItems:       DefaultMaxItemsPerBatch,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.L()
	}

	sessionOpts := append([]eip.SessionOption{eip.WithLogger(o.log.Named("eip"))}, o.sessionOpts...)
	c := &Client{
		session: eip.NewSession(ep, sessionOpts...),
		dir:     newDirectory(),
		opts:    o,
	}
	c.log = o.log.Named("logix").With(zap.String("endpoint", c.session.Endpoint().String()))
	return c
}

// Session returns the underlying session.
func (c *Client) Session() *eip.Session { return c.session }

// Directory returns the tag metadata cache.
func (c *Client) Directory() *Directory { return c.dir }

// Connect registers a session and, when enabled, opens a connection.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	c.syncGeneration()

	if c.opts.connected && c.connection() == nil {
		if err := c.openConnection(ctx); err != nil {
			c.log.Warn("forward open failed, using unconnected messaging", zap.Error(err))
		}
	}
	return nil
}

// Disconnect closes the connection and the session.
func (c *Client) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.session.RequestTimeout())
	defer cancel()
	c.closeConnection(ctx)
	c.session.Disconnect()
}

// CheckHealth reports whether the session is usable, probing an idle
// controller.
func (c *Client) CheckHealth(ctx context.Context) bool {
	return c.session.CheckHealth(ctx)
}

// Identity asks the controller to identify itself.
func (c *Client) Identity(ctx context.Context) (*eip.Identity, error) {
	return c.session.Identity(ctx)
}

// ConnectionInfo reports whether a connection is open and its size.
func (c *Client) ConnectionInfo() (connected bool, size uint16) {
	if conn := c.connection(); conn != nil {
		return true, conn.Size
	}
	return false, 0
}

// ConnectionMode returns a human-readable string describing the connection mode.
func (c *Client) ConnectionMode() string {
	if c.session.State() != eip.StateRegistered {
		return "Not connected"
	}
	conn := c.connection()
	switch {
	case conn == nil:
		return "Unconnected messaging"
	case conn.Size == cip.ConnectionSizeLarge:
		return "Connected (Large Forward Open, 4002 bytes)"
	default:
		return fmt.Sprintf("Connected (Standard Forward Open, %d bytes)", conn.Size)
	}
}

// syncGeneration drops everything learned from an earlier registration.
func (c *Client) syncGeneration() {
	gen := c.session.Generation()
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		return
	}
	if c.gen != 0 {
		c.log.Debug("session re-registered, clearing tag directory", zap.Uint64("generation", gen))
	}
	c.gen = gen
	c.conn = nil
	c.connPath = nil
	c.dir.Clear()
}

func (c *Client) connection() *cip.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// requestLimit is the largest request the engine will send.
func (c *Client) requestLimit() int {
	if conn := c.connection(); conn != nil {
		return int(conn.Size) - 2
	}
	n := c.opts.maxMessageSize
	if len(c.opts.routePath) > 0 {
		n -= unconnectedSendOverhead + len(c.opts.routePath)
	}
	return n
}

// replyLimit is the largest reply the controller is expected to return.
func (c *Client) replyLimit() int {
	if conn := c.connection(); conn != nil {
		return int(conn.Size) - 2
	}
	return c.opts.maxMessageSize
}

// unconnectedSendOverhead is the Unconnected Send wrapping excluding the
// route: service, path, timing, length, pad and route header.
const unconnectedSendOverhead = 13

// roundTrip sends one request and parses its reply, using the open
// connection when there is one.
func (c *Client) roundTrip(ctx context.Context, req cip.Request) (*cip.Response, error) {
	c.syncGeneration()
	if conn := c.connection(); conn != nil {
		return c.sendConnected(ctx, conn, req)
	}
	return c.sendUnconnected(ctx, req, c.opts.routePath)
}

func (c *Client) sendUnconnected(ctx context.Context, req cip.Request, route cip.Path) (*cip.Response, error) {
	if len(route) > 0 {
		req = cip.EncodeUnconnectedSend(req, route, c.session.RequestTimeout())
	}
	reply, err := c.session.SendRRData(ctx, eip.UnconnectedPacket(req.Marshal()))
	if err != nil {
		return nil, err
	}
	data, err := reply.UnconnectedData()
	if err != nil {
		return nil, err
	}
	resp, err := cip.ParseResponse(data)
	if err != nil {
		return nil, protocolErr(err)
	}
	// A routing failure comes back as the Unconnected Send's own reply.
	if len(route) > 0 && resp.RequestService() == cip.SvcUnconnectedSend && !resp.Status.OK() {
		return nil, resp.Err()
	}
	return resp, nil
}

func (c *Client) sendConnected(ctx context.Context, conn *cip.Connection, req cip.Request) (*cip.Response, error) {
	seq := uint16(c.session.NextSequence())
	reply, err := c.session.SendUnitData(ctx, eip.ConnectedPacket(conn.OTConnID, seq, req.Marshal()))
	if err != nil {
		return nil, err
	}
	_, data, err := reply.ConnectedData()
	if err != nil {
		return nil, err
	}
	resp, err := cip.ParseResponse(data)
	if err != nil {
		return nil, protocolErr(err)
	}
	return resp, nil
}

// protocolErr lifts a CIP framing error into eip.ErrProtocol.
func protocolErr(err error) error {
	if err != nil && errors.Is(err, cip.ErrMalformed) && !errors.Is(err, eip.ErrProtocol) {
		return fmt.Errorf("%w: %w", eip.ErrProtocol, err)
	}
	return err
}

// isStale reports a controller status meaning the addressed tag is gone.
func isStale(err error) bool {
	var se *cip.StatusError
	return errors.As(err, &se) && notFound(se.Status)
}

// ReadTag reads a tag by name. Arrays known from discovery are read whole.
func (c *Client) ReadTag(ctx context.Context, name string) TagResult {
	start := time.Now()
	res := TagResult{Name: name, Op: OpRead}
	vals, err := c.read(ctx, name)
	if err != nil {
		res.fail(err)
	} else {
		res.succeed(vals)
	}
	res.Elapsed = time.Since(start)
	logging.DebugLog("LOGIX", "%s in %s", res, res.Elapsed)
	return res
}

func (r *TagResult) succeed(vals []Value) {
	r.Success = true
	r.Values = vals
	if len(vals) > 0 {
		r.Value = vals[0]
	}
}

func (c *Client) read(ctx context.Context, name string) ([]Value, error) {
	c.syncGeneration()
	if m, ok := c.dir.Get(name); ok {
		vals, err := c.readMeta(ctx, m)
		if !isStale(err) {
			return vals, err
		}
		return c.reresolve(ctx, m)
	}
	_, vals, err := c.probe(ctx, name)
	return vals, err
}

// reresolve replaces a stale directory entry and reads the tag again.
func (c *Client) reresolve(ctx context.Context, old TagMetadata) ([]Value, error) {
	c.dir.Evict(old.Name)
	c.log.Debug("stale tag address, re-resolving", zap.String("tag", old.Name))

	m, vals, err := c.probe(ctx, old.Name)
	if err != nil || old.ElementCount <= 1 || m.Type != old.Type {
		return vals, err
	}
	m.ElementCount, m.Dimensions = old.ElementCount, old.Dimensions
	c.dir.Put(m)
	return c.readMeta(ctx, m)
}

func (c *Client) readMeta(ctx context.Context, m TagMetadata) ([]Value, error) {
	if !m.Type.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, m.Type)
	}
	count := max(m.ElementCount, 1)
	if n := readReplySize(m.Type, count); n > c.replyLimit() {
		return nil, fmt.Errorf("%w: reading %d x %s needs %d bytes, limit %d", cip.ErrTooLarge, count, m.Type, n, c.replyLimit())
	}
	resp, err := c.roundTrip(ctx, EncodeReadTag(m.Token, uint16(count)))
	if err != nil {
		return nil, err
	}
	return decodeRead(resp, count)
}

func decodeRead(resp *cip.Response, count int) ([]Value, error) {
	t, data, err := DecodeReadTagReply(resp)
	if err != nil {
		return nil, protocolErr(err)
	}
	if !t.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	vals, err := DecodeValues(t, data, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eip.ErrProtocol, err)
	}
	return vals, nil
}

type probeResult struct {
	meta TagMetadata
	vals []Value
}

// probe resolves a tag by reading one element by name. The metadata is
// stored even for unsupported types so later calls fail without a round
// trip. Concurrent lookups of one name share a single request, bounded by
// the request timeout rather than by any one caller's ctx; each caller
// waits on its own.
func (c *Client) probe(ctx context.Context, name string) (TagMetadata, []Value, error) {
	ch := c.resolve.DoChan(name, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.session.RequestTimeout())
		defer cancel()

		tok, err := cip.SymbolPath(name)
		if err != nil {
			return nil, err
		}
		resp, err := c.roundTrip(shared, EncodeReadTag(tok, 1))
		if err != nil {
			return nil, err
		}
		t, data, err := DecodeReadTagReply(resp)
		if err != nil {
			return nil, protocolErr(err)
		}

		m := TagMetadata{Name: name, Type: t, ElementCount: 1, Token: tok}
		c.dir.Put(m)
		if !t.Supported() {
			return probeResult{meta: m}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
		}
		vals, err := DecodeValues(t, data, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", eip.ErrProtocol, err)
		}
		return probeResult{meta: m, vals: vals}, nil
	})

	select {
	case <-ctx.Done():
		return TagMetadata{}, nil, ctx.Err()
	case r := <-ch:
		pr, _ := r.Val.(probeResult)
		return pr.meta, pr.vals, r.Err
	}
}

// WriteTag writes value to a tag. The type is the first of: typ, the
// directory entry, a probe read, or the type inferred from value when the
// controller refused the probe for a reason other than a missing tag.
func (c *Client) WriteTag(ctx context.Context, name string, value any, typ ...DataType) TagResult {
	start := time.Now()
	res := TagResult{Name: name, Op: OpWrite}
	explicit := TypeUnknown
	if len(typ) > 0 {
		explicit = typ[0]
	}
	v, err := c.write(ctx, name, value, explicit)
	if err != nil {
		res.fail(err)
	} else {
		res.succeed([]Value{v})
	}
	res.Elapsed = time.Since(start)
	logging.DebugLog("LOGIX", "write %s = %v in %s (ok=%v)", name, value, res.Elapsed, res.Success)
	return res
}

func (c *Client) write(ctx context.Context, name string, value any, typ DataType) (Value, error) {
	c.syncGeneration()
	m, v, cached, err := c.prepareWrite(ctx, name, value, typ)
	if err != nil {
		return v, err
	}
	err = c.writeMeta(ctx, m, v)
	if cached && isStale(err) {
		c.dir.Evict(name)
		c.log.Debug("stale tag address, re-resolving", zap.String("tag", name))
		if m, v, _, err = c.prepareWrite(ctx, name, value, typ); err != nil {
			return v, err
		}
		err = c.writeMeta(ctx, m, v)
	}
	return v, err
}

// prepareWrite settles the address and the wire value of a write. cached
// reports that the address came from the directory.
func (c *Client) prepareWrite(ctx context.Context, name string, value any, typ DataType) (TagMetadata, Value, bool, error) {
	if m, ok := c.dir.Get(name); ok {
		t := typ
		if t == TypeUnknown {
			t = m.Type
		}
		v, err := Convert(value, t)
		return m, v, true, err
	}

	tok, err := cip.SymbolPath(name)
	if err != nil {
		return TagMetadata{}, Value{}, false, err
	}
	if typ != TypeUnknown {
		v, err := Convert(value, typ)
		return TagMetadata{Name: name, Type: typ, ElementCount: 1, Token: tok}, v, false, err
	}

	m, _, err := c.probe(ctx, name)
	switch {
	case err == nil:
		v, err := Convert(value, m.Type)
		return m, v, false, err
	case isStale(err), errors.Is(err, ErrUnsupportedType), !IsControllerRejected(err):
		return TagMetadata{}, Value{}, false, err
	}

	v, ierr := Infer(value)
	if ierr != nil {
		return TagMetadata{}, Value{}, false, ierr
	}
	c.log.Debug("probe refused, writing inferred type",
		zap.String("tag", name), zap.Stringer("type", v.Type()), zap.Error(err))
	return TagMetadata{Name: name, Type: v.Type(), ElementCount: 1, Token: tok}, v, false, nil
}

func (c *Client) writeMeta(ctx context.Context, m TagMetadata, v Value) error {
	req := EncodeWriteTag(m.Token, v.Type(), 1, v.Encode())
	if req.Size() > c.requestLimit() {
		return fmt.Errorf("%w: write request is %d bytes, limit %d", cip.ErrTooLarge, req.Size(), c.requestLimit())
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	return protocolErr(DecodeWriteTagReply(resp))
}

// ReadBool reads a BOOL tag.
func (c *Client) ReadBool(ctx context.Context, name string) (bool, error) {
	v, err := c.readTyped(ctx, name, TypeBOOL)
	return v.Bool(), err
}

// ReadDint reads a DINT tag.
func (c *Client) ReadDint(ctx context.Context, name string) (int32, error) {
	v, err := c.readTyped(ctx, name, TypeDINT)
	return int32(v.Int()), err
}

// ReadReal reads a REAL tag.
func (c *Client) ReadReal(ctx context.Context, name string) (float32, error) {
	v, err := c.readTyped(ctx, name, TypeREAL)
	return float32(v.Float()), err
}

func (c *Client) readTyped(ctx context.Context, name string, t DataType) (Value, error) {
	r := c.ReadTag(ctx, name)
	if !r.Success {
		return Value{}, r.Err
	}
	if r.Value.Type() != t {
		return Value{}, fmt.Errorf("tag %q: %w: is %s, not %s", name, ErrUnsupportedType, r.Value.Type(), t)
	}
	return r.Value, nil
}

func (c *Client) WriteBool(ctx context.Context, name string, v bool) error {
	return c.WriteTag(ctx, name, v, TypeBOOL).Err
}

func (c *Client) WriteDint(ctx context.Context, name string, v int32) error {
	return c.WriteTag(ctx, name, v, TypeDINT).Err
}

func (c *Client) WriteReal(ctx context.Context, name string, v float32) error {
	return c.WriteTag(ctx, name, v, TypeREAL).Err
}
