//go:build windows

package sink

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
)

// PasteText writes text to the clipboard, sends Ctrl+V and restores the clipboard
func PasteText(text string) error {
	orig, _ := clipboard.ReadAll()
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	time.Sleep(80 * time.Millisecond)

	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return fmt.Errorf("failed to create key bonding: %w", err)
	}
	kb.HasCTRL(true)
	kb.SetKeys(keybd_event.VK_V)
	if err := kb.Launching(); err != nil {
		return fmt.Errorf("failed to send paste keystroke: %w", err)
	}

	time.Sleep(120 * time.Millisecond)
	_ = clipboard.WriteAll(orig)
	return nil
}
