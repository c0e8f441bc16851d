//go:build unix

package process

import "syscall"

// detachedAttr puts the collector in its own process group so signals
// aimed at the host application do not reach it.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
