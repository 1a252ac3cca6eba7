//go:build !linux

package uring

import "fmt"

// NewRing always fails: io_uring is Linux only. Use NewSyncRing.
func NewRing(config Config) (Ring, error) {
	return nil, fmt.Errorf("io_uring is not available on this platform")
}
