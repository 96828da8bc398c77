// Package vsutil provides added functionality for package vsock-internal use.
package vsutil

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/mdlayher/virtio/vsock"
)

// Accept blocks until a single connection is accepted by the net.Listener.
//
// If timeout is non-zero, the listener will be closed after the timeout
// expires, even if no connection was accepted.
func Accept(l net.Listener, timeout time.Duration) (net.Conn, error) {
	cancel := func() {}
	if timeout != 0 {
		timer := time.AfterFunc(timeout, func() { _ = l.Close() })
		cancel = func() { timer.Stop() }
	}

	for {
		c, err := l.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
				// Temporary error, try again.
				continue
			}

			cancel()
			return nil, err
		}

		cancel()
		return c, nil
	}
}

// IsHypervisor detects if this machine is a hypervisor by determining if
// /dev/vsock is available, and then if its context ID matches the one assigned
// to hosts.
func IsHypervisor(t *testing.T) bool {
	t.Helper()

	cid, err := vsock.ContextID()
	if err != nil {
		SkipDeviceError(t, err)

		t.Fatalf("failed to retrieve context ID: %v", err)
	}

	return cid == vsock.Host
}

// SkipDeviceError skips this test if err is related to a failure to access the
// /dev/vsock device.
func SkipDeviceError(t *testing.T, err error) {
	t.Helper()

	if errors.Is(err, os.ErrNotExist) {
		t.Skipf("skipping, vsock device does not exist (try: 'modprobe vhost_vsock'): %v", err)
	}
	if errors.Is(err, os.ErrPermission) {
		t.Skipf("skipping, permission denied (try: 'chmod 666 /dev/vsock'): %v", err)
	}
}

// SkipHostIntegration skips this test if this machine is a host and cannot
// perform a given test.
func SkipHostIntegration(t *testing.T) {
	t.Helper()

	if IsHypervisor(t) {
		t.Skip("skipping, this integration test must be run in a guest")
	}
}
