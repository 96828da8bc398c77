package vsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBufAlloc is the receive buffer size advertised to the guest
	// when MuxerConfig.BufAlloc is zero.
	DefaultBufAlloc = 256 * 1024

	// DefaultMaxPacketData is the largest payload exchanged in a single
	// packet when MuxerConfig.MaxPacketData is zero.
	DefaultMaxPacketData = 64 * 1024
)

// ErrMuxerClosed is returned by Muxer methods after Close.
var ErrMuxerClosed = errors.New("vsock: muxer closed")

// A Dialer connects a guest stream to a host service listening on port.
type Dialer func(ctx context.Context, port uint32) (net.Conn, error)

// NewDialer returns a Dialer which connects guest streams to VM sockets
// listeners on the machine with context ID cid, usually Host.
func NewDialer(cid uint32) Dialer {
	return func(_ context.Context, port uint32) (net.Conn, error) {
		return Dial(cid, port)
	}
}

// MuxerConfig configures a Muxer.
type MuxerConfig struct {
	// GuestCID is the context ID of the guest. Packets from any other
	// source are dropped.
	GuestCID uint32

	// Dialer is used to connect guest streams to the host.
	Dialer Dialer

	// Logger receives diagnostics. If nil, logging is disabled.
	Logger hclog.Logger

	// BufAlloc is the buffer space advertised to the guest for each stream.
	BufAlloc uint32

	// MaxPacketData bounds the payload of packets in either direction.
	MaxPacketData uint32

	// Notify, if set, is called whenever host data becomes ready to be
	// delivered with FillRx. It must not block.
	Notify func()
}

// A Muxer is a virtio-vsock device backend which connects guest streams to
// host net.Conns. TX chains are handled by ProcessTx, and packets for the
// guest are delivered into RX chains by FillRx.
//
// All methods are safe for concurrent use, but ProcessTx and FillRx must
// each be driven by a single goroutine, as the queues they operate on are.
type Muxer struct {
	cfg MuxerConfig
	log hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	mu      sync.Mutex
	cond    *sync.Cond
	conns   map[connKey]*muxConn
	pending []*rxPacket
	closed  bool
}

// A connKey identifies a stream by its host and guest ports.
type connKey struct {
	hostPort  uint32
	guestPort uint32
}

// A muxConn is a stream between a guest port and a host net.Conn.
type muxConn struct {
	key  connKey
	c    net.Conn
	done bool

	// Credit the guest has advertised.
	peerBufAlloc uint32
	peerFwdCnt   uint32

	// txCnt is the number of bytes sent to the guest, and fwdCnt the number
	// of guest bytes written to the host.
	txCnt      uint32
	fwdCnt     uint32
	lastFwdCnt uint32

	// Guest data waiting for the host. buffered also counts a write in
	// progress and never exceeds the advertised BufAlloc.
	txBuf     []byte
	buffered  uint32
	shutWrite bool
}

// peerFree returns the number of bytes the guest can currently accept.
func (mc *muxConn) peerFree() uint32 {
	inFlight := mc.txCnt - mc.peerFwdCnt
	if inFlight > mc.peerBufAlloc {
		return 0
	}

	return mc.peerBufAlloc - inFlight
}

// An rxPacket is a packet waiting to be delivered to the guest.
type rxPacket struct {
	key   connKey
	op    uint16
	flags uint32
	data  []byte
}

// NewMuxer creates a Muxer from cfg.
func NewMuxer(cfg MuxerConfig) (*Muxer, error) {
	if !ValidGuestCID(cfg.GuestCID) {
		return nil, fmt.Errorf("vsock: invalid guest context ID %d", cfg.GuestCID)
	}
	if cfg.Dialer == nil {
		return nil, errors.New("vsock: muxer requires a dialer")
	}
	if cfg.BufAlloc == 0 {
		cfg.BufAlloc = DefaultBufAlloc
	}
	if cfg.MaxPacketData == 0 {
		cfg.MaxPacketData = DefaultMaxPacketData
	}

	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Muxer{
		cfg:    cfg,
		log:    log.Named("vsock").With("guest_cid", cfg.GuestCID),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[connKey]*muxConn),
	}
	m.cond = sync.NewCond(&m.mu)

	return m, nil
}

// ProcessTx handles every chain available on the TX queue q, completing each
// one. Replies to the guest are queued for FillRx.
func (m *Muxer) ProcessTx(mem memory.GuestMemory, q *queue.Queue) error {
	if m.isClosed() {
		return ErrMuxerClosed
	}

	for {
		chain := q.PopDescriptorChain(mem)
		if chain == nil {
			return nil
		}

		p, err := FromTxChain(mem, chain, m.cfg.MaxPacketData)
		if err != nil {
			m.log.Warn("dropping malformed TX packet", "head", chain.HeadIndex(), "error", err)
		} else if err := m.handleTx(p); err != nil {
			m.log.Warn("failed to handle TX packet", "head", chain.HeadIndex(), "error", err)
		}

		if err := q.AddUsed(mem, chain.HeadIndex(), 0); err != nil {
			return fmt.Errorf("vsock: completing TX chain: %w", err)
		}
	}
}

func (m *Muxer) handleTx(p *Packet) error {
	if p.SrcCID() != uint64(m.cfg.GuestCID) || p.DstCID() != Host {
		m.log.Debug("dropping packet with unexpected addresses",
			"src", p.SrcAddr(), "dst", p.DstAddr())
		return nil
	}

	key := connKey{hostPort: p.DstPort(), guestPort: p.SrcPort()}

	if p.Type() != TypeStream {
		m.reply(key, OpRST, 0, p.Op())
		return nil
	}

	var c net.Conn
	m.mu.Lock()
	mc, ok := m.conns[key]
	if ok {
		c = mc.c
		mc.peerBufAlloc = p.BufAlloc()
		mc.peerFwdCnt = p.FwdCnt()
		m.cond.Broadcast()
	}
	m.mu.Unlock()

	if p.Op() == OpRequest {
		if ok {
			m.log.Debug("duplicate connection request", "port", key.hostPort, "guest_port", key.guestPort)
			m.reply(key, OpRST, 0, p.Op())
			return nil
		}

		m.connect(key, p.BufAlloc(), p.FwdCnt())
		return nil
	}

	if !ok {
		m.reply(key, OpRST, 0, p.Op())
		return nil
	}

	switch p.Op() {
	case OpRW, OpShutdown:
		if c == nil {
			// Still connecting, so the guest cannot have seen a response.
			m.reset(mc)
			return nil
		}
	}

	switch p.Op() {
	case OpRW:
		return m.forward(mc, p)
	case OpShutdown:
		if p.Flags()&(ShutdownRcv|ShutdownSend) == ShutdownRcv|ShutdownSend {
			m.reset(mc)
			return nil
		}
		if p.Flags()&ShutdownSend != 0 {
			// Closed for writing once the buffered data is written.
			m.mu.Lock()
			mc.shutWrite = true
			m.cond.Broadcast()
			m.mu.Unlock()
		}
	case OpRST:
		m.drop(mc)
	case OpCreditRequest:
		m.reply(key, OpCreditUpdate, 0, p.Op())
	case OpCreditUpdate:
		// Credit was recorded above.
	default:
		m.reset(mc)
	}

	return nil
}

// forward queues the payload of p for the host side of mc. A guest which
// sends more than the buffer space advertised to it is reset.
func (m *Muxer) forward(mc *muxConn, p *Packet) error {
	ds := p.DataSlice()
	if ds == nil {
		return nil
	}

	b, err := ds.Bytes()
	if err != nil {
		m.reset(mc)
		return err
	}

	m.mu.Lock()
	if mc.done {
		m.mu.Unlock()
		return nil
	}
	if uint64(mc.buffered)+uint64(len(b)) > uint64(m.cfg.BufAlloc) {
		m.mu.Unlock()
		m.reset(mc)
		return fmt.Errorf("vsock: guest port %d exceeded %d bytes of buffer space",
			mc.key.guestPort, m.cfg.BufAlloc)
	}
	mc.txBuf = append(mc.txBuf, b...)
	mc.buffered += uint32(len(b))
	m.cond.Broadcast()
	m.mu.Unlock()

	return nil
}

// writeHost writes guest data queued for mc to the host until mc is closed.
func (m *Muxer) writeHost(mc *muxConn) error {
	for {
		m.mu.Lock()
		for !mc.done && len(mc.txBuf) == 0 && !mc.shutWrite {
			m.cond.Wait()
		}
		if mc.done {
			m.mu.Unlock()
			return nil
		}
		b := mc.txBuf
		mc.txBuf = nil
		shut := len(b) == 0
		if shut {
			mc.shutWrite = false
		}
		m.mu.Unlock()

		if shut {
			if cw, ok := mc.c.(interface{ CloseWrite() error }); ok {
				if err := cw.CloseWrite(); err != nil {
					m.log.Debug("failed to shut down host connection", "port", mc.key.hostPort, "error", err)
				}
			}
			continue
		}

		if _, err := mc.c.Write(b); err != nil {
			m.log.Debug("failed to write to host", "port", mc.key.hostPort, "error", err)
			m.reset(mc)
			m.notify()
			return nil
		}

		m.mu.Lock()
		mc.buffered -= uint32(len(b))
		mc.fwdCnt += uint32(len(b))
		update := !mc.done && mc.fwdCnt-mc.lastFwdCnt >= m.cfg.BufAlloc/2
		m.mu.Unlock()

		if update {
			m.reply(mc.key, OpCreditUpdate, 0, OpRW)
			m.notify()
		}
	}
}

// connect dials the host for key and then pumps host data to the guest.
func (m *Muxer) connect(key connKey, bufAlloc, fwdCnt uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Close waits on m.eg, so goroutines must not be added once closed.
	if m.closed {
		return
	}
	mc := &muxConn{
		key:          key,
		peerBufAlloc: bufAlloc,
		peerFwdCnt:   fwdCnt,
	}
	m.conns[key] = mc

	m.eg.Go(func() error {
		c, err := m.cfg.Dialer(m.ctx, key.hostPort)
		if err != nil {
			m.log.Warn("failed to connect to host", "port", key.hostPort, "error", err)

			m.mu.Lock()
			if !mc.done {
				mc.done = true
				delete(m.conns, key)
				m.enqueue(&rxPacket{key: key, op: OpRST})
			}
			m.mu.Unlock()
			m.notify()
			return nil
		}

		m.mu.Lock()
		if mc.done {
			// Reset by the guest while the dial was in progress.
			m.mu.Unlock()
			return c.Close()
		}
		mc.c = c
		m.enqueue(&rxPacket{key: key, op: OpResponse})
		m.mu.Unlock()
		m.notify()

		m.log.Debug("connected guest stream", "port", key.hostPort, "guest_port", key.guestPort)

		// Running inside the group, so Close cannot be waiting on an empty one.
		m.eg.Go(func() error { return m.writeHost(mc) })
		return m.pump(mc)
	})
}

// pump reads host data for mc within the credit granted by the guest.
func (m *Muxer) pump(mc *muxConn) error {
	buf := make([]byte, m.cfg.MaxPacketData)

	for {
		m.mu.Lock()
		for !mc.done && mc.peerFree() == 0 {
			m.cond.Wait()
		}
		if mc.done {
			m.mu.Unlock()
			return nil
		}
		n := mc.peerFree()
		m.mu.Unlock()

		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}

		k, err := mc.c.Read(buf[:n])

		m.mu.Lock()
		if mc.done {
			m.mu.Unlock()
			return nil
		}
		if k > 0 {
			data := make([]byte, k)
			copy(data, buf[:k])
			mc.txCnt += uint32(k)
			m.enqueue(&rxPacket{key: mc.key, op: OpRW, data: data})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The guest completes the shutdown with an RST.
				m.enqueue(&rxPacket{key: mc.key, op: OpShutdown, flags: ShutdownRcv | ShutdownSend})
			} else {
				m.log.Warn("host connection failed", "port", mc.key.hostPort, "error", err)
				mc.done = true
				delete(m.conns, mc.key)
				m.cond.Broadcast()
				m.enqueue(&rxPacket{key: mc.key, op: OpRST})
			}
		}
		m.mu.Unlock()
		m.notify()

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return mc.c.Close()
		}
	}
}

// reset closes mc and tells the guest the stream is gone.
func (m *Muxer) reset(mc *muxConn) {
	if m.drop(mc) {
		m.reply(mc.key, OpRST, 0, OpInvalid)
	}
}

// drop closes mc and forgets it, reporting whether it was still open.
func (m *Muxer) drop(mc *muxConn) bool {
	m.mu.Lock()
	if mc.done {
		m.mu.Unlock()
		return false
	}
	mc.done = true
	delete(m.conns, mc.key)
	m.cond.Broadcast()
	c := mc.c
	m.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			m.log.Debug("failed to close host connection", "port", mc.key.hostPort, "error", err)
		}
	}

	return true
}

// reply queues a control packet for the guest. No packet is ever sent in
// response to an RST.
func (m *Muxer) reply(key connKey, op uint16, flags uint32, inReplyTo uint16) {
	if inReplyTo == OpRST {
		return
	}

	m.mu.Lock()
	m.enqueue(&rxPacket{key: key, op: op, flags: flags})
	m.mu.Unlock()
}

// enqueue must be called with m.mu held.
func (m *Muxer) enqueue(p *rxPacket) {
	if m.closed {
		return
	}
	m.pending = append(m.pending, p)
}

func (m *Muxer) notify() {
	if m.cfg.Notify != nil {
		m.cfg.Notify()
	}
}

// Pending reports whether packets are waiting to be delivered by FillRx.
func (m *Muxer) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// FillRx delivers pending packets into chains available on the RX queue q.
// Payloads larger than a buffer are split across chains. It reports whether
// the driver must be notified.
func (m *Muxer) FillRx(mem memory.GuestMemory, q *queue.Queue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrMuxerClosed
	}

	var used bool
	for len(m.pending) > 0 {
		chain := q.PopDescriptorChain(mem)
		if chain == nil {
			break
		}

		n, err := m.fill(mem, chain)
		if err != nil {
			m.log.Warn("dropping malformed RX chain", "head", chain.HeadIndex(), "error", err)
		}

		if err := q.AddUsed(mem, chain.HeadIndex(), n); err != nil {
			return false, fmt.Errorf("vsock: completing RX chain: %w", err)
		}
		used = true
	}

	if !used {
		return false, nil
	}

	return q.NeedsNotification(mem)
}

// fill writes the head of the pending list into chain, returning the number
// of bytes written.
func (m *Muxer) fill(mem memory.GuestMemory, chain *queue.DescriptorChain) (uint32, error) {
	p, err := FromRxChain(mem, chain, m.cfg.MaxPacketData)
	if err != nil {
		return 0, err
	}

	rp := m.pending[0]
	data := rp.data
	if ds := p.DataSlice(); ds != nil && uint32(len(data)) > ds.Len() {
		data = data[:ds.Len()]
	}
	if len(data) > 0 {
		if _, err := p.DataSlice().WriteAt(data, 0); err != nil {
			return 0, err
		}
	}

	var fwdCnt uint32
	if mc, ok := m.conns[rp.key]; ok {
		fwdCnt = mc.fwdCnt
		mc.lastFwdCnt = fwdCnt
	}

	p.SetSrcCID(Host).
		SetDstCID(uint64(m.cfg.GuestCID)).
		SetSrcPort(rp.key.hostPort).
		SetDstPort(rp.key.guestPort).
		SetLen(uint32(len(data))).
		SetType(TypeStream).
		SetOp(rp.op).
		SetFlags(rp.flags).
		SetBufAlloc(m.cfg.BufAlloc).
		SetFwdCnt(fwdCnt)
	if err := p.Err(); err != nil {
		return 0, err
	}

	if len(data) < len(rp.data) {
		rp.data = rp.data[len(data):]
	} else {
		m.pending[0] = nil
		m.pending = m.pending[1:]
	}

	return HeaderSize + uint32(len(data)), nil
}

func (m *Muxer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close closes every host connection and waits for the Muxer's goroutines to
// exit.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()

	var conns []net.Conn
	for key, mc := range m.conns {
		mc.done = true
		if mc.c != nil {
			conns = append(conns, mc.c)
		}
		delete(m.conns, key)
	}
	m.pending = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	var result error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.eg.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	return result
}
