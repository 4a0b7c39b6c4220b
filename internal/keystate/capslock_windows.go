//go:build windows

package keystate

import (
	"syscall"
)

const vkCapital = 0x14

// CapsLock reports the physical state of the CapsLock key
type CapsLock struct {
	getKeyState *syscall.LazyProc
}

// NewCapsLock loads GetKeyState from user32.dll
func NewCapsLock() (*CapsLock, error) {
	proc := syscall.NewLazyDLL("user32.dll").NewProc("GetKeyState")
	if err := proc.Find(); err != nil {
		return nil, err
	}
	return &CapsLock{getKeyState: proc}, nil
}

// Held reports whether CapsLock is currently pressed down.
// The high bit of GetKeyState is set while the key is down.
func (c *CapsLock) Held() bool {
	r, _, _ := c.getKeyState.Call(uintptr(vkCapital))
	return int16(r) < 0
}
