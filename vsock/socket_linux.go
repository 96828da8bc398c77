//go:build linux
// +build linux

package vsock

import (
	"time"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

// listenBacklog is the backlog passed to listen(2).
const listenBacklog = unix.SOMAXCONN

// A sysSocket is the set of socket system calls used to set up listeners and
// connections, to enable testing.
type sysSocket interface {
	Bind(sa unix.Sockaddr) error
	Connect(sa unix.Sockaddr) (unix.Sockaddr, error)
	Listen(n int) error
	Getsockname() (unix.Sockaddr, error)
	Close() error
}

var _ sysSocket = &socket.Conn{}

// newSocket creates a connection-oriented AF_VSOCK socket registered with the
// runtime network poller.
func newSocket() (*socket.Conn, error) {
	return socket.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0, network, nil)
}

// A listener is the net.Listener implementation for connection-oriented
// VM sockets.
type listener struct {
	c    *socket.Conn
	addr *Addr
}

// Addr and Close implement the net.Listener interface for listener.
func (l *listener) Addr() *Addr                   { return l.addr }
func (l *listener) Close() error                  { return l.c.Close() }
func (l *listener) SetDeadline(t time.Time) error { return l.c.SetDeadline(t) }

// Accept accepts a single connection from the listener, and sets up
// a Conn backed by the accepted socket.
func (l *listener) Accept() (*Conn, error) {
	c, rsa, err := l.c.Accept(0)
	if err != nil {
		return nil, err
	}

	remote, err := sockaddrAddr(rsa)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return &Conn{
		c:      &conn{s: c},
		local:  l.addr,
		remote: remote,
	}, nil
}

// listenStream is the entry point for Listen on Linux.
func listenStream(port uint32) (*listener, error) {
	// Bind the local context ID so Addr reports an address peers can dial.
	cid, err := contextID()
	if err != nil {
		return nil, err
	}

	c, err := newSocket()
	if err != nil {
		return nil, err
	}

	addr, err := listenStreamHandleError(c, cid, port)
	if err != nil {
		return nil, err
	}

	return &listener{c: c, addr: addr}, nil
}

// listenStreamHandleError ensures that any errors from listenStreamLinux
// result in the socket being cleaned up properly.
func listenStreamHandleError(s sysSocket, cid, port uint32) (*Addr, error) {
	addr, err := listenStreamLinux(s, cid, port)
	if err != nil {
		// If any system calls fail during setup, the socket must be closed
		// early to avoid file descriptor leaks.
		_ = s.Close()
		return nil, err
	}

	return addr, nil
}

// listenStreamLinux binds s to cid and port and listens.
func listenStreamLinux(s sysSocket, cid, port uint32) (*Addr, error) {
	if port == 0 {
		port = unix.VMADDR_PORT_ANY
	}

	if err := s.Bind(&unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		return nil, err
	}

	if err := s.Listen(listenBacklog); err != nil {
		return nil, err
	}

	lsa, err := s.Getsockname()
	if err != nil {
		return nil, err
	}

	return sockaddrAddr(lsa)
}

// dialStream is the entry point for Dial on Linux.
func dialStream(cid, port uint32) (*Conn, error) {
	c, err := newSocket()
	if err != nil {
		return nil, err
	}

	local, err := dialStreamHandleError(c, cid, port)
	if err != nil {
		return nil, err
	}

	return &Conn{
		c:      &conn{s: c},
		local:  local,
		remote: &Addr{ContextID: cid, Port: port},
	}, nil
}

// dialStreamHandleError ensures that any errors from dialStreamLinux result
// in the socket being cleaned up properly.
func dialStreamHandleError(s sysSocket, cid, port uint32) (*Addr, error) {
	local, err := dialStreamLinux(s, cid, port)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return local, nil
}

// dialStreamLinux connects s and returns its local address.
func dialStreamLinux(s sysSocket, cid, port uint32) (*Addr, error) {
	rsa := &unix.SockaddrVM{
		CID:  cid,
		Port: port,
	}

	if _, err := s.Connect(rsa); err != nil {
		return nil, err
	}

	lsa, err := s.Getsockname()
	if err != nil {
		return nil, err
	}

	return sockaddrAddr(lsa)
}

// sockaddrAddr converts a VM sockets address into an *Addr.
func sockaddrAddr(sa unix.Sockaddr) (*Addr, error) {
	savm, ok := sa.(*unix.SockaddrVM)
	if !ok {
		return nil, unix.EINVAL
	}

	return &Addr{
		ContextID: savm.CID,
		Port:      savm.Port,
	}, nil
}

// A sockConn is the set of socket operations used by an established
// connection, to enable testing.
type sockConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	Shutdown(how int) error
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var _ sockConn = &socket.Conn{}

// A conn is the connection-oriented socket underlying a Conn.
type conn struct {
	s sockConn
}

func (c *conn) Read(b []byte) (int, error)         { return c.s.Read(b) }
func (c *conn) Write(b []byte) (int, error)        { return c.s.Write(b) }
func (c *conn) Close() error                       { return c.s.Close() }
func (c *conn) CloseRead() error                   { return c.s.Shutdown(unix.SHUT_RD) }
func (c *conn) CloseWrite() error                  { return c.s.Shutdown(unix.SHUT_WR) }
func (c *conn) SetDeadline(t time.Time) error      { return c.s.SetDeadline(t) }
func (c *conn) SetReadDeadline(t time.Time) error  { return c.s.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.s.SetWriteDeadline(t) }
