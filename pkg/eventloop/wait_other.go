//go:build !linux && !windows
// +build !linux,!windows

package eventloop

import "golang.org/x/sys/unix"

type sysWaiter struct{}

func (sysWaiter) wait4(pid int) (int, WaitStatus, error) {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(pid, &status, unix.WNOHANG|unix.WUNTRACED, nil)
	return wpid, status, err
}
