package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Addr is a netlink socket address.
type Addr struct {
	// PID is the port id; 0 addresses the kernel.
	PID uint32
	// Groups is a multicast group bitmask.
	Groups uint32
}

// KernelAddr returns the address of the kernel side of the socket.
func KernelAddr() Addr {
	return Addr{}
}

func (a Addr) String() string {
	return fmt.Sprintf("netlink(pid=%d, groups=%#x)", a.PID, a.Groups)
}

func (a Addr) sockaddr() unix.Sockaddr {
	return &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    a.PID,
		Groups: a.Groups,
	}
}
