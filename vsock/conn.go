package vsock

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

const (
	network = "vsock"

	// devVsock is the location of /dev/vsock.
	devVsock = "/dev/vsock"
)

// Listen opens a connection-oriented net.Listener for incoming VM sockets
// connections. The port parameter specifies the port for the Listener.
//
// To allow the server to assign a port automatically, specify 0 for port.
// The address of the server can be retrieved using the Addr method.
//
// When the Listener is no longer needed, Close must be called to free resources.
func Listen(port uint32) (*Listener, error) {
	l, err := listenStream(port)
	if err != nil {
		return nil, opError(opListen, err, &Addr{ContextID: cidAny, Port: port}, nil)
	}

	return &Listener{l: l}, nil
}

var _ net.Listener = &Listener{}

// A Listener is a VM sockets implementation of a net.Listener.
type Listener struct {
	l *listener
}

// Accept implements the Accept method in the net.Listener interface; it waits
// for the next call and returns a generic net.Conn.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, opError(opAccept, err, l.Addr(), nil)
	}

	return c, nil
}

// Addr returns the listener's network address, a *Addr. The Addr returned is
// shared by all invocations of Addr, so do not modify it.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Close stops listening on the VM sockets address. Already Accepted connections
// are not closed.
func (l *Listener) Close() error {
	return opError(opClose, l.l.Close(), l.Addr(), nil)
}

// SetDeadline sets the deadline associated with the listener. A zero time value
// disables the deadline.
func (l *Listener) SetDeadline(t time.Time) error {
	return opError(opSet, l.l.SetDeadline(t), l.Addr(), nil)
}

// Dial dials a connection-oriented net.Conn to a VM sockets server.
// The contextID and port parameters specify the address of the server.
//
// If dialing a connection from the hypervisor to a virtual machine, the VM's
// context ID should be specified.
//
// If dialing from a VM to the hypervisor, Hypervisor should be used to
// communicate with the hypervisor process, or Host should be used to
// communicate with other processes on the host machine.
//
// When the connection is no longer needed, Close must be called to free resources.
func Dial(contextID, port uint32) (*Conn, error) {
	c, err := dialStream(contextID, port)
	if err != nil {
		return nil, opError(opDial, err, nil, &Addr{ContextID: contextID, Port: port})
	}

	return c, nil
}

// ContextID retrieves the local VM sockets context ID for this system.
// ContextID can be used to directly determine if a system is a host or a guest:
//
//   - ContextID = Hypervisor or Host: host
//   - ContextID >= 3: guest
func ContextID() (uint32, error) { return contextID() }

var _ net.Conn = &Conn{}

// A Conn is a VM sockets implementation of a net.Conn.
type Conn struct {
	c      *conn
	local  *Addr
	remote *Addr
}

// Close closes the connection.
func (c *Conn) Close() error { return c.opError(opClose, c.c.Close()) }

// CloseRead shuts down the reading side of the VM sockets connection. Most
// callers should just use Close.
func (c *Conn) CloseRead() error { return c.opError(opClose, c.c.CloseRead()) }

// CloseWrite shuts down the writing side of the VM sockets connection. Most
// callers should just use Close.
func (c *Conn) CloseWrite() error { return c.opError(opClose, c.c.CloseWrite()) }

// LocalAddr returns the local network address. The Addr returned is shared by
// all invocations of LocalAddr, so do not modify it.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the remote network address. The Addr returned is shared by
// all invocations of RemoteAddr, so do not modify it.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Read implements the net.Conn Read method.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.c.Read(b)
	return n, c.opError(opRead, err)
}

// Write implements the net.Conn Write method.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.c.Write(b)
	return n, c.opError(opWrite, err)
}

// SetDeadline implements the net.Conn SetDeadline method.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.opError(opSet, c.c.SetDeadline(t))
}

// SetReadDeadline implements the net.Conn SetReadDeadline method.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.opError(opSet, c.c.SetReadDeadline(t))
}

// SetWriteDeadline implements the net.Conn SetWriteDeadline method.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.opError(opSet, c.c.SetWriteDeadline(t))
}

func (c *Conn) opError(op string, err error) error {
	return opError(op, err, c.local, c.remote)
}

// Operation names reported in *net.OpError.
const (
	opAccept = "accept"
	opClose  = "close"
	opDial   = "dial"
	opListen = "listen"
	opRead   = "read"
	opSet    = "set"
	opWrite  = "write"
)

// opError unpacks err if possible, producing a *net.OpError with the input
// parameters in order to implement net.Conn. As a special case, errors that
// are (or contain) io.EOF are always returned unmodified so that they can be
// processed by callers.
func opError(op string, err error, local, remote net.Addr) error {
	if err == nil {
		return nil
	}

	switch xerr := err.(type) {
	case *os.PathError:
		// Errors opening the vsock device are meaningful as-is.
		if xerr.Path != devVsock {
			err = xerr.Err
		}
	case *os.SyscallError:
		err = xerr.Err
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ENOTCONN):
		return io.EOF
	case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF),
		strings.Contains(err.Error(), "use of closed"):
		err = net.ErrClosed
	}

	switch op {
	case opAccept, opListen, opSet:
		// These operations apply to the local address.
		return &net.OpError{
			Op:   op,
			Net:  network,
			Addr: local,
			Err:  err,
		}
	}

	return &net.OpError{
		Op:     op,
		Net:    network,
		Source: local,
		Addr:   remote,
		Err:    err,
	}
}
