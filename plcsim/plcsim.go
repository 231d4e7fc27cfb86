// Package plcsim is an in-process Logix controller speaking EtherNet/IP. It
// holds a symbol table of atomic tags and answers the services a tag client
// uses: session registration, ListIdentity, Read/Write Tag, Multiple Service
// Packet, symbol listing, Forward Open/Close and Unconnected Send.
package plcsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"eiptag/cip"
	"eiptag/eip"
	"eiptag/logix"
)

// DefaultPageSize is the number of symbols per listing page.
const DefaultPageSize = 20

// Stats counts what the server has handled.
type Stats struct {
	Sessions       int64 // registrations
	Packets        int64 // SendRRData and SendUnitData exchanges
	Services       int64 // CIP services, counting each embedded service
	MultiPackets   int64 // Multiple Service Packets
	Routed         int64 // Unconnected Send requests
	Probes         int64 // ListIdentity requests
	ListPages      int64 // symbol listing pages served
	ForwardOpens   int64
	ForwardCloses  int64
	Unregistered   int64
	ConnectedSends int64
}

type tag struct {
	name     string
	typ      logix.DataType
	dims     []int
	data     []byte
	instance uint32
	system   bool
}

func (t *tag) elements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

type connection struct {
	otID, toID uint32
	size       uint16
}

// Option configures a Server.
type Option func(*Server)

// WithPageSize sets the number of symbols per listing page.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithSlot makes the server a CPU in slot: routed requests must go to
// backplane port 1, link slot.
func WithSlot(slot byte) Option {
	return func(s *Server) { s.slot = &slot }
}

// WithMaxConnectionSize caps Forward Open sizes; larger requests are refused
// with an invalid connection size status. 0 refuses every Forward Open.
func WithMaxConnectionSize(n uint16) Option {
	return func(s *Server) { s.maxConnSize = n }
}

// WithIdentity sets the identity reported by ListIdentity.
func WithIdentity(id eip.Identity) Option {
	return func(s *Server) { s.identity = id }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is a simulated controller. The zero value is not usable; call New.
type Server struct {
	log         *zap.Logger
	pageSize    int
	slot        *byte
	maxConnSize uint16
	identity    eip.Identity

	ln net.Listener
	wg sync.WaitGroup

	mu           sync.Mutex
	tags         map[string]*tag
	nextInstance uint32
	nextHandle   uint32
	connections  map[uint32]connection
	clients      map[net.Conn]struct{}

	silent   atomic.Bool
	dropNext atomic.Bool
	stats    struct {
		sessions, packets, services, multi, routed, probes, pages atomic.Int64
		opens, closes, unregistered, connected                    atomic.Int64
	}
}

// New creates a server with an empty symbol table.
func New(opts ...Option) *Server {
	s := &Server{
		pageSize:     DefaultPageSize,
		maxConnSize:  cip.ConnectionSizeLarge,
		tags:         make(map[string]*tag),
		nextInstance: 1,
		nextHandle:   0x1000,
		connections:  make(map[uint32]connection),
		clients:      make(map[net.Conn]struct{}),
		identity: eip.Identity{
			EncapsulationVersion: 1,
			VendorID:             1,
			DeviceType:           0x0E,
			ProductCode:          166,
			RevisionMajor:        33,
			RevisionMinor:        11,
			SerialNumber:         0x00C0FFEE,
			ProductName:          "1756-L83E/B Simulator",
			State:                3,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in
// the background until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("plcsim: listen %s: %w", addr, err)
	}
	s.ln = ln
	tcp := ln.Addr().(*net.TCPAddr)
	s.identity.IP = tcp.IP
	s.identity.Port = uint16(tcp.Port)

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("simulator listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Serve runs until ctx ends, then closes the server.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Endpoint returns the address clients should dial.
func (s *Server) Endpoint() eip.Endpoint {
	tcp := s.ln.Addr().(*net.TCPAddr)
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return eip.Endpoint{Host: host, Port: uint16(tcp.Port)}
}

// Close stops accepting, drops every client and waits for handlers.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.DropClients()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// DropClients closes every client socket without a reply, as a controller
// reboot would.
func (s *Server) DropClients() {
	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.mu.Unlock()
}

// SetSilent makes the server stop answering while leaving sockets open.
func (s *Server) SetSilent(on bool) { s.silent.Store(on) }

// DropNext closes the connection instead of answering the next data request.
func (s *Server) DropNext() { s.dropNext.Store(true) }

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:       s.stats.sessions.Load(),
		Packets:        s.stats.packets.Load(),
		Services:       s.stats.services.Load(),
		MultiPackets:   s.stats.multi.Load(),
		Routed:         s.stats.routed.Load(),
		Probes:         s.stats.probes.Load(),
		ListPages:      s.stats.pages.Load(),
		ForwardOpens:   s.stats.opens.Load(),
		ForwardCloses:  s.stats.closes.Load(),
		Unregistered:   s.stats.unregistered.Load(),
		ConnectedSends: s.stats.connected.Load(),
	}
}

// AddTag creates a zeroed tag. dims gives up to three array dimensions.
func (s *Server) AddTag(name string, t logix.DataType, dims ...int) error {
	return s.addTag(name, t, false, dims)
}

// AddSystemTag creates a tag flagged as a system symbol.
func (s *Server) AddSystemTag(name string, t logix.DataType) error {
	return s.addTag(name, t, true, nil)
}

// AddStruct creates a structure tag of size bytes using template id.
func (s *Server) AddStruct(name string, template uint16, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[name] = &tag{
		name:     name,
		typ:      logix.TypeStructure | logix.DataType(template&0x0FFF),
		data:     make([]byte, size),
		instance: s.allocInstance(),
	}
	return nil
}

func (s *Server) addTag(name string, t logix.DataType, system bool, dims []int) error {
	if !t.Supported() {
		return fmt.Errorf("plcsim: tag %q: %w: %s", name, logix.ErrUnsupportedType, t)
	}
	if len(dims) > 3 {
		return fmt.Errorf("plcsim: tag %q has %d dimensions", name, len(dims))
	}
	tg := &tag{name: name, typ: t, dims: dims, system: system}
	tg.data = make([]byte, t.Size()*tg.elements())

	s.mu.Lock()
	defer s.mu.Unlock()
	tg.instance = s.allocInstance()
	s.tags[name] = tg
	return nil
}

func (s *Server) allocInstance() uint32 {
	n := s.nextInstance
	s.nextInstance++
	return n
}

// RemoveTag deletes a tag.
func (s *Server) RemoveTag(name string) {
	s.mu.Lock()
	delete(s.tags, name)
	s.mu.Unlock()
}

// ReplaceTags renumbers every symbol instance, as a program download does.
// Addresses by instance taken before the call become invalid.
func (s *Server) ReplaceTags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tags))
	for n := range s.tags {
		names = append(names, n)
	}
	sort.Strings(names)
	s.nextInstance += 1000
	for _, n := range names {
		s.tags[n].instance = s.allocInstance()
	}
}

// SetValue stores v into element 0 of a tag, converting it to the tag type.
func (s *Server) SetValue(name string, v any) error {
	return s.SetElement(name, 0, v)
}

// SetElement stores v into one element of an array tag.
func (s *Server) SetElement(name string, index int, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tg, ok := s.tags[name]
	if !ok {
		return fmt.Errorf("plcsim: %w: %s", logix.ErrTagNotFound, name)
	}
	if !tg.typ.Supported() {
		return fmt.Errorf("plcsim: tag %q: %w", name, logix.ErrUnsupportedType)
	}
	if index < 0 || index >= tg.elements() {
		return fmt.Errorf("plcsim: tag %q: index %d out of range", name, index)
	}
	val, err := logix.Convert(v, tg.typ)
	if err != nil {
		return fmt.Errorf("plcsim: tag %q: %w", name, err)
	}
	copy(tg.data[index*tg.typ.Size():], val.Encode())
	return nil
}

// Value returns element 0 of a tag.
func (s *Server) Value(name string) (logix.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tg, ok := s.tags[name]
	if !ok || !tg.typ.Supported() {
		return logix.Value{}, false
	}
	v, err := logix.DecodeValue(tg.typ, tg.data)
	return v, err == nil
}

// TagNames lists the symbol table.
func (s *Server) TagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags))
	for n := range s.tags {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var handle uint32
	for {
		raw, err := eip.ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := eip.ParseEncap(raw)
		if err != nil {
			s.log.Debug("bad frame", zap.Error(err))
			return
		}
		if s.silent.Load() {
			continue
		}

		reply := &eip.Encap{Command: req.Command, Session: req.Session, Context: req.Context}
		switch req.Command {
		case eip.CommandRegisterSession:
			s.mu.Lock()
			s.nextHandle++
			handle = s.nextHandle
			s.mu.Unlock()
			s.stats.sessions.Add(1)
			reply.Session = handle
			reply.Data = req.Data

		case eip.CommandUnregisterSession:
			s.stats.unregistered.Add(1)
			return

		case eip.CommandNop:
			continue

		case eip.CommandListIdentity:
			s.stats.probes.Add(1)
			cpf := eip.CommonPacket{Items: []eip.Item{{Type: eip.ItemListIdentity, Data: s.identity.MarshalItem()}}}
			reply.Data = cpf.Marshal()

		case eip.CommandSendRRData, eip.CommandSendUnitData:
			if s.dropNext.CompareAndSwap(true, false) {
				return
			}
			s.stats.packets.Add(1)
			if handle == 0 || req.Session != handle {
				reply.Status = eip.StatusInvalidSession
				break
			}
			data, err := s.handleData(req.Command, req.Data)
			if err != nil {
				s.log.Debug("bad request", zap.Error(err))
				reply.Status = eip.StatusIncorrectData
				break
			}
			reply.Data = data

		default:
			reply.Status = eip.StatusInvalidCommand
		}

		if _, err := conn.Write(reply.Marshal()); err != nil {
			return
		}
	}
}

func (s *Server) handleData(command uint16, payload []byte) ([]byte, error) {
	cd, err := eip.ParseCommandData(payload)
	if err != nil {
		return nil, err
	}

	var out eip.CommonPacket
	if command == eip.CommandSendUnitData {
		s.stats.connected.Add(1)
		addr, ok := cd.Packet.Find(eip.ItemConnectedAddress)
		if !ok || len(addr.Data) < 4 {
			return nil, fmt.Errorf("connected request without address item")
		}
		seq, body, err := cd.Packet.ConnectedData()
		if err != nil {
			return nil, err
		}
		otID := binary.LittleEndian.Uint32(addr.Data)
		s.mu.Lock()
		conn, ok := s.connections[otID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown connection 0x%08X", otID)
		}
		req, err := cip.ParseRequest(body)
		if err != nil {
			return nil, err
		}
		out = eip.ConnectedPacket(conn.toID, seq, s.handleService(req).Marshal())
	} else {
		body, err := cd.Packet.UnconnectedData()
		if err != nil {
			return nil, err
		}
		req, err := cip.ParseRequest(body)
		if err != nil {
			return nil, err
		}
		out = eip.UnconnectedPacket(s.handleUnconnected(req).Marshal())
	}

	reply := eip.CommandData{Packet: out}
	return reply.Marshal(), nil
}

func errorReply(service byte, general byte, ext ...uint16) *cip.Response {
	return &cip.Response{Service: service | 0x80, Status: cip.Status{General: general, Extended: ext}}
}

// handleUnconnected serves the Connection Manager, then everything else.
func (s *Server) handleUnconnected(req cip.Request) *cip.Response {
	switch req.Service {
	case cip.SvcUnconnectedSend:
		s.stats.routed.Add(1)
		embedded, route, err := cip.DecodeUnconnectedSend(req)
		if err != nil {
			return errorReply(req.Service, cip.StatusInvalidParameter)
		}
		if s.slot != nil && (len(route) < 2 || route[0] != 0x01 || route[1] != *s.slot) {
			return errorReply(req.Service, cip.StatusConnectionFailure, 0x0312)
		}
		return s.handleService(embedded)

	case cip.SvcForwardOpen, cip.SvcForwardOpenLarge:
		s.stats.opens.Add(1)
		cfg, toID, err := cip.ParseForwardOpenRequest(req)
		if err != nil {
			return errorReply(req.Service, cip.StatusInvalidParameter)
		}
		if cfg.Size > s.maxConnSize {
			return errorReply(req.Service, cip.StatusConnectionFailure, 0x0109)
		}
		otID := rand.Uint32() | 1
		s.mu.Lock()
		s.connections[otID] = connection{otID: otID, toID: toID, size: cfg.Size}
		s.mu.Unlock()
		return cip.EncodeForwardOpenReply(req.Service, otID, toID, cfg)

	case cip.SvcForwardClose:
		s.stats.closes.Add(1)
		// Connections are keyed by O->T id, which the close does not carry;
		// serial numbers are not tracked, so the close drops them all.
		s.mu.Lock()
		clear(s.connections)
		s.mu.Unlock()
		return &cip.Response{Service: req.Service | 0x80}
	}
	return s.handleService(req)
}

func (s *Server) handleService(req cip.Request) *cip.Response {
	s.stats.services.Add(1)
	switch req.Service {
	case cip.SvcMultipleServicePacket:
		s.stats.multi.Add(1)
		reqs, err := cip.DecodeMultipleServiceRequest(req.Data)
		if err != nil {
			return errorReply(req.Service, cip.StatusInvalidParameter)
		}
		replies := make([]*cip.Response, len(reqs))
		for i, r := range reqs {
			replies[i] = s.handleService(r)
		}
		return cip.EncodeMultipleServiceReply(replies)
	case logix.SvcReadTag:
		return s.readTag(req)
	case logix.SvcWriteTag:
		return s.writeTag(req)
	case logix.SvcGetInstanceAttributeList:
		return s.listTags(req)
	default:
		return errorReply(req.Service, cip.StatusServiceNotSupported)
	}
}

// lookup resolves a request path to a tag and a starting element.
func (s *Server) lookup(p cip.Path) (*tag, int, *cip.Status) {
	if instance, err := logix.ParseInstancePath(p); err == nil {
		for _, tg := range s.tags {
			if tg.instance == instance {
				return tg, 0, nil
			}
		}
		return nil, 0, &cip.Status{General: cip.StatusPathUnknown}
	}

	name, indices, err := cip.ParseSymbolPath(p)
	if err != nil {
		return nil, 0, &cip.Status{General: cip.StatusPathSegmentError}
	}
	tg, ok := s.tags[name]
	if !ok {
		return nil, 0, &cip.Status{General: cip.StatusPathUnknown}
	}
	if len(indices) == 0 {
		return tg, 0, nil
	}
	if len(indices) != len(tg.dims) {
		return nil, 0, &cip.Status{General: cip.StatusPathSegmentError}
	}
	offset, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if int(indices[i]) >= tg.dims[i] {
			return nil, 0, &cip.Status{General: cip.StatusGeneralError, Extended: []uint16{cip.ExtOffsetError}}
		}
		offset += int(indices[i]) * stride
		stride *= tg.dims[i]
	}
	return tg, offset, nil
}

func (s *Server) readTag(req cip.Request) *cip.Response {
	count, err := logix.ParseReadTagRequest(req)
	if err != nil {
		return errorReply(req.Service, cip.StatusNotEnoughData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tg, start, st := s.lookup(req.Path)
	if st != nil {
		return errorReply(req.Service, st.General, st.Extended...)
	}
	if tg.typ.IsStructure() {
		return logix.EncodeReadTagReply(tg.typ, tg.data)
	}
	if count == 0 {
		count = 1
	}
	if start+int(count) > tg.elements() {
		return errorReply(req.Service, cip.StatusGeneralError, cip.ExtOffsetError)
	}
	size := tg.typ.Size()
	data := append([]byte(nil), tg.data[start*size:(start+int(count))*size]...)
	return logix.EncodeReadTagReply(tg.typ, data)
}

func (s *Server) writeTag(req cip.Request) *cip.Response {
	typ, count, data, err := logix.ParseWriteTagRequest(req)
	if err != nil {
		return errorReply(req.Service, cip.StatusNotEnoughData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tg, start, st := s.lookup(req.Path)
	if st != nil {
		return errorReply(req.Service, st.General, st.Extended...)
	}
	if typ != tg.typ || tg.typ.IsStructure() {
		return errorReply(req.Service, cip.StatusGeneralError, cip.ExtIllegalType)
	}
	size := tg.typ.Size()
	if count == 0 || len(data) < int(count)*size {
		return errorReply(req.Service, cip.StatusNotEnoughData)
	}
	if start+int(count) > tg.elements() {
		return errorReply(req.Service, cip.StatusGeneralError, cip.ExtOffsetError)
	}
	copy(tg.data[start*size:], data[:int(count)*size])
	if tg.typ == logix.TypeBOOL {
		for i := start; i < start+int(count); i++ {
			if tg.data[i] != 0 {
				tg.data[i] = 1
			}
		}
	}
	return &cip.Response{Service: req.Service | 0x80}
}

func (s *Server) listTags(req cip.Request) *cip.Response {
	start, err := logix.ParseListTagsRequest(req)
	if err != nil {
		return errorReply(req.Service, cip.StatusPathSegmentError)
	}
	s.stats.pages.Add(1)

	s.mu.Lock()
	entries := make([]logix.SymbolEntry, 0, len(s.tags))
	for _, tg := range s.tags {
		if tg.instance < start {
			continue
		}
		e := logix.SymbolEntry{
			Instance: tg.instance,
			Name:     tg.name,
			TypeWord: logix.SymbolTypeWord(tg.typ, len(tg.dims)),
		}
		if tg.system {
			e.TypeWord |= 0x1000
		}
		for j, d := range tg.dims {
			e.Dimensions[j] = uint32(d)
		}
		entries = append(entries, e)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Instance < entries[j].Instance })

	more := len(entries) > s.pageSize
	if more {
		entries = entries[:s.pageSize]
	}
	return logix.EncodeListTagsReply(entries, more)
}
