// Package keystate provides push-to-talk key sources. The pipeline samples
// Held once per capture frame; sources never block it.
package keystate
