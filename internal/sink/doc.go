// Package sink delivers transcription results and connection status to the user.
// Results are printed and optionally copied or pasted through the system
// clipboard, or published to an MQTT broker. Connection changes can raise
// desktop notifications.
package sink
