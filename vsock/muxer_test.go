package vsock

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
	"github.com/mdlayher/virtio/queue/queuetest"
)

const (
	testGuestCID  = 3
	testGuestPort = 1234
	testHostPort  = 80

	muxTxHeader = 0x8000
	muxTxData   = 0x9000
	muxRxBase   = 0x10000
	muxRxStride = 0x1000

	// RX buffers must have room beyond the header.
	rxBufSize = HeaderSize + 0x100
)

// A muxerTest drives a Muxer from the driver side of a TX and RX queue.
type muxerTest struct {
	t *testing.T

	mem      *memory.Mmap
	tx, rx   *queuetest.SplitQueue
	txq, rxq *queue.Queue

	m      *Muxer
	hosts  chan net.Conn
	notify chan struct{}

	bufAlloc uint32
	rxDesc   uint16
	rxSeen   uint16
}

// A rxResult is a packet as seen by the guest.
type rxResult struct {
	SrcCID, DstCID   uint64
	SrcPort, DstPort uint32
	Op               uint16
	Flags            uint32
	BufAlloc, FwdCnt uint32
	Data             string
}

func newMuxerTest(t *testing.T, dial Dialer) *muxerTest {
	t.Helper()
	return newBufAllocMuxerTest(t, dial, DefaultBufAlloc)
}

func newBufAllocMuxerTest(t *testing.T, dial Dialer, bufAlloc uint32) *muxerTest {
	t.Helper()

	mem, err := memory.FromRanges([]memory.Range{{Start: 0, Size: 0x20000}})
	if err != nil {
		t.Fatalf("failed to create guest memory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	mt := &muxerTest{
		t:        t,
		mem:      mem,
		tx:       queuetest.NewAt(mem, 0, 16),
		rx:       queuetest.NewAt(mem, 0x1000, 16),
		hosts:    make(chan net.Conn, 4),
		notify:   make(chan struct{}, 1),
		bufAlloc: bufAlloc,
	}

	if mt.txq, err = mt.tx.CreateQueue(nil); err != nil {
		t.Fatalf("failed to create TX queue: %v", err)
	}
	if mt.rxq, err = mt.rx.CreateQueue(nil); err != nil {
		t.Fatalf("failed to create RX queue: %v", err)
	}

	if dial == nil {
		dial = func(_ context.Context, port uint32) (net.Conn, error) {
			if port != testHostPort {
				return nil, errors.New("connection refused")
			}

			guest, host := net.Pipe()
			mt.hosts <- host
			return guest, nil
		}
	}

	mt.m, err = NewMuxer(MuxerConfig{
		GuestCID:      testGuestCID,
		Dialer:        dial,
		Logger:        hclog.New(&hclog.LoggerOptions{Level: hclog.Trace, Output: io.Discard}),
		BufAlloc:      bufAlloc,
		MaxPacketData: 0x800,
		Notify: func() {
			select {
			case mt.notify <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("failed to create muxer: %v", err)
	}
	t.Cleanup(func() { _ = mt.m.Close() })

	return mt
}

// send places a single packet from the guest on the TX queue and processes
// it.
func (mt *muxerTest) send(op uint16, flags, bufAlloc, fwdCnt uint32, data string) {
	mt.t.Helper()

	mt.push(op, flags, bufAlloc, fwdCnt, data)
	if err := mt.m.ProcessTx(mt.mem, mt.txq); err != nil {
		mt.t.Fatalf("failed to process TX queue: %v", err)
	}
}

// push places a single packet from the guest on the TX queue.
func (mt *muxerTest) push(op uint16, flags, bufAlloc, fwdCnt uint32, data string) {
	mt.t.Helper()

	h := rawHeader(op, uint32(len(data)))
	putHeader(h, testGuestCID, Host, testGuestPort, testHostPort, flags, bufAlloc, fwdCnt)
	mt.write(h, muxTxHeader)

	descs := []queue.Descriptor{queue.NewDescriptor(muxTxHeader, HeaderSize, 0, 0)}
	if data != "" {
		mt.write([]byte(data), muxTxData)
		descs = append(descs, queue.NewDescriptor(muxTxData, uint32(len(data)), 0, 0))
	}

	if err := mt.tx.BuildDescChain(descs); err != nil {
		mt.t.Fatalf("failed to build TX chain: %v", err)
	}
}

func putHeader(h []byte, src, dst uint64, srcPort, dstPort, flags, bufAlloc, fwdCnt uint32) {
	le := func(off int, v uint64, n int) {
		for i := 0; i < n; i++ {
			h[off+i] = byte(v >> (8 * i))
		}
	}

	le(srcCIDOffset, src, 8)
	le(dstCIDOffset, dst, 8)
	le(srcPortOffset, uint64(srcPort), 4)
	le(dstPortOffset, uint64(dstPort), 4)
	le(flagsOffset, uint64(flags), 4)
	le(bufAllocOffset, uint64(bufAlloc), 4)
	le(fwdCntOffset, uint64(fwdCnt), 4)
}

func (mt *muxerTest) write(b []byte, addr memory.GuestAddress) {
	mt.t.Helper()

	if err := mt.mem.WriteAt(b, addr); err != nil {
		mt.t.Fatalf("failed to write guest memory: %v", err)
	}
}

// wait blocks until the muxer has packets pending for the guest.
func (mt *muxerTest) wait() {
	mt.t.Helper()

	timeout := time.After(5 * time.Second)
	for !mt.m.Pending() {
		select {
		case <-mt.notify:
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			mt.t.Fatal("timed out waiting for pending packets")
		}
	}
}

// forwarded blocks until n bytes of guest data were written to the host.
func (mt *muxerTest) forwarded(n uint32) {
	mt.t.Helper()

	key := connKey{hostPort: testHostPort, guestPort: testGuestPort}
	timeout := time.After(5 * time.Second)
	for {
		mt.m.mu.Lock()
		var got uint32
		if mc, ok := mt.m.conns[key]; ok {
			got = mc.fwdCnt
		}
		mt.m.mu.Unlock()

		if got == n {
			return
		}

		select {
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			mt.t.Fatalf("timed out waiting for %d forwarded bytes, got %d", n, got)
		}
	}
}

// recv posts n RX buffers of size bytes each, fills them and returns the
// packets delivered to the guest.
func (mt *muxerTest) recv(n int, size uint32) []rxResult {
	mt.t.Helper()

	for i := 0; i < n; i++ {
		idx := mt.rxDesc % mt.rx.Size()
		mt.rxDesc++

		d := queue.NewDescriptor(uint64(muxRxBase+uint64(idx)*muxRxStride), size, queue.DescFlagWrite, 0)
		if err := mt.rx.AddDescChains([]queue.Descriptor{d}, idx); err != nil {
			mt.t.Fatalf("failed to post RX buffer: %v", err)
		}
	}

	if _, err := mt.m.FillRx(mt.mem, mt.rxq); err != nil {
		mt.t.Fatalf("failed to fill RX queue: %v", err)
	}

	used, err := mt.rx.UsedIdx()
	if err != nil {
		mt.t.Fatalf("failed to read used index: %v", err)
	}

	var out []rxResult
	for ; mt.rxSeen != used; mt.rxSeen++ {
		e, err := mt.rx.UsedElem(mt.rxSeen % mt.rx.Size())
		if err != nil {
			mt.t.Fatalf("failed to read used element: %v", err)
		}

		b := make([]byte, e.Len)
		mt.readAt(b, memory.GuestAddress(muxRxBase+uint64(e.ID)*muxRxStride))

		var p Packet
		copy(p.header[:], b[:HeaderSize])
		out = append(out, rxResult{
			SrcCID:   p.SrcCID(),
			DstCID:   p.DstCID(),
			SrcPort:  p.SrcPort(),
			DstPort:  p.DstPort(),
			Op:       p.Op(),
			Flags:    p.Flags(),
			BufAlloc: p.BufAlloc(),
			FwdCnt:   p.FwdCnt(),
			Data:     string(b[HeaderSize : HeaderSize+p.Len()]),
		})
	}

	if len(out) != n {
		mt.t.Fatalf("expected %d RX packets, but got %d: %+v", n, len(out), out)
	}

	return out
}

func (mt *muxerTest) readAt(b []byte, addr memory.GuestAddress) {
	mt.t.Helper()

	if err := mt.mem.ReadAt(b, addr); err != nil {
		mt.t.Fatalf("failed to read guest memory: %v", err)
	}
}

// connect opens a stream from the guest and returns the host side.
func (mt *muxerTest) connect(bufAlloc uint32) net.Conn {
	mt.t.Helper()

	mt.send(OpRequest, 0, bufAlloc, 0, "")

	var host net.Conn
	select {
	case host = <-mt.hosts:
	case <-time.After(5 * time.Second):
		mt.t.Fatal("timed out waiting for host connection")
	}
	mt.t.Cleanup(func() { _ = host.Close() })

	mt.wait()
	got := mt.recv(1, rxBufSize)
	mt.diff([]rxResult{mt.reply(OpResponse, 0, 0, "")}, got)

	return host
}

// reply returns the packet the host side is expected to send.
func (mt *muxerTest) reply(op uint16, flags, fwdCnt uint32, data string) rxResult {
	return rxResult{
		SrcCID:   Host,
		DstCID:   testGuestCID,
		SrcPort:  testHostPort,
		DstPort:  testGuestPort,
		Op:       op,
		Flags:    flags,
		BufAlloc: mt.bufAlloc,
		FwdCnt:   fwdCnt,
		Data:     data,
	}
}

func (mt *muxerTest) diff(want, got []rxResult) {
	mt.t.Helper()

	if diff := cmp.Diff(want, got); diff != "" {
		mt.t.Fatalf("unexpected RX packets (-want +got):\n%s", diff)
	}
}

func TestNewMuxerErrors(t *testing.T) {
	dial := func(context.Context, uint32) (net.Conn, error) { return nil, nil }

	tests := []struct {
		name string
		cfg  MuxerConfig
	}{
		{
			name: "host CID",
			cfg:  MuxerConfig{GuestCID: Host, Dialer: dial},
		},
		{
			name: "wildcard CID",
			cfg:  MuxerConfig{GuestCID: cidAny, Dialer: dial},
		},
		{
			name: "no dialer",
			cfg:  MuxerConfig{GuestCID: testGuestCID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMuxer(tt.cfg); err == nil {
				t.Fatal("expected an error, but none occurred")
			}
		})
	}
}

func TestMuxerStream(t *testing.T) {
	mt := newMuxerTest(t, nil)
	host := mt.connect(0x10000)

	// Guest to host.
	read := make(chan string, 1)
	go func() {
		b := make([]byte, 5)
		_, _ = io.ReadFull(host, b)
		read <- string(b)
	}()

	mt.send(OpRW, 0, 0x10000, 0, "hello")
	if diff := cmp.Diff("hello", <-read); diff != "" {
		t.Fatalf("unexpected host data (-want +got):\n%s", diff)
	}
	mt.forwarded(5)

	// Host to guest, acknowledging the forwarded bytes.
	go func() { _, _ = host.Write([]byte("world")) }()

	mt.wait()
	mt.diff([]rxResult{mt.reply(OpRW, 0, 5, "world")}, mt.recv(1, rxBufSize))

	// Host close becomes a guest shutdown, which the guest completes with an RST.
	if err := host.Close(); err != nil {
		t.Fatalf("failed to close host conn: %v", err)
	}

	mt.wait()
	mt.diff([]rxResult{mt.reply(OpShutdown, ShutdownRcv|ShutdownSend, 5, "")}, mt.recv(1, rxBufSize))

	mt.send(OpRST, 0, 0x10000, 0, "")
	if mt.m.Pending() {
		t.Fatal("expected no reply to an RST")
	}

	// The stream is gone.
	mt.send(OpRW, 0, 0x10000, 0, "again")
	mt.diff([]rxResult{mt.reply(OpRST, 0, 0, "")}, mt.recv(1, rxBufSize))
}

func TestMuxerSplitsPayload(t *testing.T) {
	mt := newMuxerTest(t, nil)
	host := mt.connect(0x10000)

	go func() { _, _ = host.Write([]byte("abcdef")) }()

	mt.wait()
	mt.diff([]rxResult{
		mt.reply(OpRW, 0, 0, "ab"),
		mt.reply(OpRW, 0, 0, "cd"),
		mt.reply(OpRW, 0, 0, "ef"),
	}, mt.recv(3, HeaderSize+2))
}

func TestMuxerCredit(t *testing.T) {
	mt := newMuxerTest(t, nil)

	// The guest can only buffer four bytes.
	host := mt.connect(4)

	written := make(chan error, 1)
	go func() {
		_, err := host.Write([]byte("abcdefgh"))
		written <- err
	}()

	mt.wait()
	mt.diff([]rxResult{mt.reply(OpRW, 0, 0, "abcd")}, mt.recv(1, rxBufSize))

	select {
	case <-written:
		t.Fatal("host write completed without guest credit")
	case <-time.After(50 * time.Millisecond):
	}

	// Consuming the data grants more credit.
	mt.send(OpCreditUpdate, 0, 4, 4, "")

	mt.wait()
	mt.diff([]rxResult{mt.reply(OpRW, 0, 0, "efgh")}, mt.recv(1, rxBufSize))

	if err := <-written; err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	// A credit request is answered with the current counters.
	mt.send(OpCreditRequest, 0, 4, 8, "")
	mt.diff([]rxResult{mt.reply(OpCreditUpdate, 0, 0, "")}, mt.recv(1, rxBufSize))
}

func TestMuxerSlowHost(t *testing.T) {
	mt := newMuxerTest(t, nil)

	// Nothing reads from the host side yet.
	host := mt.connect(0x10000)

	mt.push(OpRW, 0, 0x10000, 0, "hello")

	processed := make(chan error, 1)
	go func() { processed <- mt.m.ProcessTx(mt.mem, mt.txq) }()

	select {
	case err := <-processed:
		if err != nil {
			t.Fatalf("failed to process TX queue: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TX processing blocked on the host connection")
	}

	// The TX queue keeps being serviced while the data is buffered.
	mt.send(OpCreditRequest, 0, 0x10000, 0, "")
	mt.diff([]rxResult{mt.reply(OpCreditUpdate, 0, 0, "")}, mt.recv(1, rxBufSize))

	b := make([]byte, 5)
	if _, err := io.ReadFull(host, b); err != nil {
		t.Fatalf("failed to read host data: %v", err)
	}
	if diff := cmp.Diff("hello", string(b)); diff != "" {
		t.Fatalf("unexpected host data (-want +got):\n%s", diff)
	}

	mt.forwarded(5)
	mt.send(OpCreditRequest, 0, 0x10000, 0, "")
	mt.diff([]rxResult{mt.reply(OpCreditUpdate, 0, 5, "")}, mt.recv(1, rxBufSize))
}

func TestMuxerBufferOverrun(t *testing.T) {
	mt := newBufAllocMuxerTest(t, nil, 4)
	host := mt.connect(0x10000)

	// Five bytes do not fit the four advertised to the guest.
	mt.send(OpRW, 0, 0x10000, 0, "hello")
	mt.diff([]rxResult{mt.reply(OpRST, 0, 0, "")}, mt.recv(1, rxBufSize))

	if _, err := host.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, but got: %v", err)
	}
}

func TestMuxerResets(t *testing.T) {
	tests := []struct {
		name string
		dial Dialer
		send func(mt *muxerTest)
		want func(mt *muxerTest) []rxResult
	}{
		{
			name: "dial failure",
			dial: func(context.Context, uint32) (net.Conn, error) {
				return nil, errors.New("connection refused")
			},
			send: func(mt *muxerTest) { mt.send(OpRequest, 0, 0x10000, 0, "") },
			want: func(mt *muxerTest) []rxResult { return []rxResult{mt.reply(OpRST, 0, 0, "")} },
		},
		{
			name: "unknown stream",
			send: func(mt *muxerTest) { mt.send(OpCreditRequest, 0, 0x10000, 0, "") },
			want: func(mt *muxerTest) []rxResult { return []rxResult{mt.reply(OpRST, 0, 0, "")} },
		},
		{
			name: "full shutdown",
			send: func(mt *muxerTest) {
				mt.connect(0x10000)
				mt.send(OpShutdown, ShutdownRcv|ShutdownSend, 0x10000, 0, "")
			},
			want: func(mt *muxerTest) []rxResult { return []rxResult{mt.reply(OpRST, 0, 0, "")} },
		},
		{
			name: "unexpected op",
			send: func(mt *muxerTest) {
				mt.connect(0x10000)
				mt.send(OpResponse, 0, 0x10000, 0, "")
			},
			want: func(mt *muxerTest) []rxResult { return []rxResult{mt.reply(OpRST, 0, 0, "")} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMuxerTest(t, tt.dial)
			tt.send(mt)

			mt.wait()
			mt.diff(tt.want(mt), mt.recv(1, rxBufSize))
		})
	}
}

func TestMuxerDropsPackets(t *testing.T) {
	mt := newMuxerTest(t, nil)

	// Packets from another guest and RSTs for unknown streams get no reply.
	h := rawHeader(OpRequest, 0)
	putHeader(h, testGuestCID+1, Host, testGuestPort, testHostPort, 0, 0x10000, 0)
	mt.write(h, muxTxHeader)
	if err := mt.tx.BuildDescChain([]queue.Descriptor{queue.NewDescriptor(muxTxHeader, HeaderSize, 0, 0)}); err != nil {
		t.Fatalf("failed to build TX chain: %v", err)
	}

	// A malformed chain is still completed.
	if err := mt.tx.AddDescChains([]queue.Descriptor{
		queue.NewDescriptor(muxTxHeader, HeaderSize, queue.DescFlagWrite, 0),
	}, 1); err != nil {
		t.Fatalf("failed to build TX chain: %v", err)
	}

	if err := mt.m.ProcessTx(mt.mem, mt.txq); err != nil {
		t.Fatalf("failed to process TX queue: %v", err)
	}

	mt.send(OpRST, 0, 0x10000, 0, "")

	used, err := mt.tx.UsedIdx()
	if err != nil {
		t.Fatalf("failed to read used index: %v", err)
	}
	if diff := cmp.Diff(uint16(3), used); diff != "" {
		t.Fatalf("unexpected TX used index (-want +got):\n%s", diff)
	}

	if mt.m.Pending() {
		t.Fatal("expected no pending packets")
	}
}

func TestMuxerClose(t *testing.T) {
	mt := newMuxerTest(t, nil)
	host := mt.connect(0x10000)

	if err := mt.m.Close(); err != nil {
		t.Fatalf("failed to close muxer: %v", err)
	}

	// The host side observes the close.
	if _, err := host.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, but got: %v", err)
	}

	if err := mt.m.ProcessTx(mt.mem, mt.txq); !errors.Is(err, ErrMuxerClosed) {
		t.Fatalf("expected muxer closed error, but got: %v", err)
	}
	if _, err := mt.m.FillRx(mt.mem, mt.rxq); !errors.Is(err, ErrMuxerClosed) {
		t.Fatalf("expected muxer closed error, but got: %v", err)
	}

	// Closing again is a no-op.
	if err := mt.m.Close(); err != nil {
		t.Fatalf("failed to close muxer twice: %v", err)
	}
}
