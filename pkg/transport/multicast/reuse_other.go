//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package multicast

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
