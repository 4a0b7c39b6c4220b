//go:build !windows

package keystate

import "fmt"

// CapsLock is not supported on non-Windows builds
type CapsLock struct{}

// NewCapsLock always fails on non-Windows builds
func NewCapsLock() (*CapsLock, error) {
	return nil, fmt.Errorf("capslock key source not supported on this platform")
}

// Held always reports false
func (c *CapsLock) Held() bool { return false }
