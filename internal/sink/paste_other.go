//go:build !windows

package sink

import "errors"

// ErrPasteUnsupported is returned by PasteText outside Windows
var ErrPasteUnsupported = errors.New("paste not supported on this platform")

// PasteText is not supported on non-Windows builds
func PasteText(text string) error {
	return ErrPasteUnsupported
}
