//go:build !linux
// +build !linux

package vsock

import (
	"fmt"
	"runtime"
	"time"
)

// errUnimplemented is returned by all functions on platforms that
// cannot make use of VM sockets.
var errUnimplemented = fmt.Errorf("vsock: not implemented on %s/%s",
	runtime.GOOS, runtime.GOARCH)

func contextID() (uint32, error) { return 0, errUnimplemented }

func listenStream(_ uint32) (*listener, error) { return nil, errUnimplemented }

type listener struct{}

func (*listener) Accept() (*Conn, error)        { return nil, errUnimplemented }
func (*listener) Addr() *Addr                   { return nil }
func (*listener) Close() error                  { return errUnimplemented }
func (*listener) SetDeadline(_ time.Time) error { return errUnimplemented }

func dialStream(_, _ uint32) (*Conn, error) { return nil, errUnimplemented }

type conn struct{}

func (*conn) Read(_ []byte) (int, error)         { return 0, errUnimplemented }
func (*conn) Write(_ []byte) (int, error)        { return 0, errUnimplemented }
func (*conn) Close() error                       { return errUnimplemented }
func (*conn) CloseRead() error                   { return errUnimplemented }
func (*conn) CloseWrite() error                  { return errUnimplemented }
func (*conn) SetDeadline(_ time.Time) error      { return errUnimplemented }
func (*conn) SetReadDeadline(_ time.Time) error  { return errUnimplemented }
func (*conn) SetWriteDeadline(_ time.Time) error { return errUnimplemented }
