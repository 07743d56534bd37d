// Package protocol implements the sensor bridge wire format.
//
// A bridge process next to the microphone array streams three packet kinds
// over UDP: a format announcement, PCM audio chunks and beam telemetry. Every
// packet starts with the same 8-byte big-endian header.
package protocol
