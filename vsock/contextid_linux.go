//go:build linux
// +build linux

package vsock

import (
	"os"

	"golang.org/x/sys/unix"
)

// A fs is an interface over the filesystem and ioctl, to enable testing.
type fs interface {
	Open(name string) (*os.File, error)
	IoctlGetUint32(fd int, req uint) (uint32, error)
}

// contextID is the entry point for ContextID on Linux.
func contextID() (uint32, error) { return localContextID(sysFS{}) }

// localContextID retrieves the local context ID for this system, using the
// methods from fs.
func localContextID(fs fs) (uint32, error) {
	f, err := fs.Open(devVsock)
	if err != nil {
		// If /dev/vsock doesn't exist, assume this is the hypervisor.
		// Unfortunately, this also means that machines that don't support
		// VM sockets will hit this case.
		if os.IsNotExist(err) {
			return Host, nil
		}

		return 0, err
	}
	defer f.Close()

	cid, err := fs.IoctlGetUint32(int(f.Fd()), unix.IOCTL_VM_SOCKETS_GET_LOCAL_CID)
	if err != nil {
		return 0, os.NewSyscallError("ioctl", err)
	}

	return cid, nil
}

// A sysFS is the system call implementation of fs.
type sysFS struct{}

func (sysFS) Open(name string) (*os.File, error) { return os.Open(name) }
func (sysFS) IoctlGetUint32(fd int, req uint) (uint32, error) {
	return unix.IoctlGetUint32(fd, req)
}
