//go:build !linux

package transport

import "syscall"

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
