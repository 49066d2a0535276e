package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Loopback is the host every engine binds to unless configured otherwise.
const Loopback = "127.0.0.1"

// ErrUnavailable is returned when not even an ephemeral port can be bound.
var ErrUnavailable = errors.New("no tcp port available")

// Allocate picks a port on the loopback interface, preferring preferred.
// See AllocateOn.
func Allocate(preferred uint16) (uint16, error) {
	return AllocateOn(Loopback, preferred)
}

// AllocateOn returns preferred when it can be bound on host, otherwise an
// OS-assigned ephemeral port. The probe listener is released before returning,
// so the port may be taken by someone else before the caller binds it.
func AllocateOn(host string, preferred uint16) (uint16, error) {
	if host == "" {
		host = Loopback
	}
	if preferred != 0 {
		if p, err := tryBind(host, preferred); err == nil {
			return p, nil
		}
	}
	p, err := tryBind(host, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return p, nil
}

// Fallback reports whether Allocate had to move away from preferred.
func Fallback(preferred, got uint16) bool { return preferred != 0 && preferred != got }

func tryBind(host string, p uint16) (uint16, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(p))))
	if err != nil {
		return 0, err
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}
	return uint16(addr.Port), nil
}
