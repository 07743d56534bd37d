package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Packet types
	PacketTypeFormat  = 0x01
	PacketTypeAudio   = 0x02
	PacketTypeBeam    = 0x03
	PacketTypeControl = 0x04

	// Header flags
	FlagLockDown = 0x01 // Bridge is in speech recognition lockdown
	knownFlags   = FlagLockDown

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	FormatPayloadSize      = 8 // 4 + 2 + 2 bytes
	AudioPayloadHeaderSize = 4 // Sequence number
	BeamPayloadSize        = 14
	ControlPayloadSize     = 9 // 1 + 4 + 2 + 2 bytes

	// Control payload switches
	ControlManualBeam       = 0x01 // beam held at ManualBeamAngle
	ControlAutoGain         = 0x02
	ControlNoiseSuppression = 0x04
	knownControls           = ControlManualBeam | ControlAutoGain | ControlNoiseSuppression

	// MaxPacketSize is the largest packet the 16-bit length field can describe
	MaxPacketSize = math.MaxUint16

	// Beam angles travel as signed millidegrees
	milliDegrees = 1000.0
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Flags:1]
type Header struct {
	PacketType uint8
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32
	Flags      uint8
}

// FormatPayload announces the PCM layout of subsequent audio packets
// Layout: [SampleRate:4][Channels:2][BitsPerSample:2]
type FormatPayload struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32
	AudioData []byte
}

// BeamPayload carries one beam telemetry reading
// Layout: [BeamMilliDeg:4][SourceMilliDeg:4][Confidence:2][Status:4]
type BeamPayload struct {
	BeamAngle   float64 // degrees
	SourceAngle float64 // degrees
	Confidence  float64 // 0..1
	Status      int32   // hardware status, 0 means success
}

// ControlPayload carries device processing settings. The service sends it
// to apply settings; the bridge sends it back to report what the device
// accepted.
// Layout: [Switches:1][ManualBeamMilliDeg:4][EchoSuppressionCount:2][EchoCancellationLength:2]
type ControlPayload struct {
	Switches               uint8
	ManualBeamAngle        float64 // degrees
	EchoSuppressionCount   uint16
	EchoCancellationLength uint16
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header  *Header
	Format  *FormatPayload  // Only set for format packets
	Audio   *AudioPayload   // Only set for audio packets
	Beam    *BeamPayload    // Only set for beam packets
	Control *ControlPayload // Only set for control packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Flags:      data[7],
	}, nil
}

// ParseFormatPayload parses the format announcement payload
func ParseFormatPayload(data []byte) (*FormatPayload, error) {
	if len(data) < FormatPayloadSize {
		return nil, fmt.Errorf("format payload too short: expected %d bytes, got %d", FormatPayloadSize, len(data))
	}

	return &FormatPayload{
		SampleRate:    binary.BigEndian.Uint32(data[0:4]),
		Channels:      binary.BigEndian.Uint16(data[4:6]),
		BitsPerSample: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data).
// AudioData aliases data.
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = data[AudioPayloadHeaderSize:]
	}

	return payload, nil
}

// ParseBeamPayload parses a beam telemetry payload
func ParseBeamPayload(data []byte) (*BeamPayload, error) {
	if len(data) < BeamPayloadSize {
		return nil, fmt.Errorf("beam payload too short: expected %d bytes, got %d", BeamPayloadSize, len(data))
	}

	return &BeamPayload{
		BeamAngle:   float64(int32(binary.BigEndian.Uint32(data[0:4]))) / milliDegrees,
		SourceAngle: float64(int32(binary.BigEndian.Uint32(data[4:8]))) / milliDegrees,
		Confidence:  float64(binary.BigEndian.Uint16(data[8:10])) / math.MaxUint16,
		Status:      int32(binary.BigEndian.Uint32(data[10:14])),
	}, nil
}

// ParseControlPayload parses the control packet payload
func ParseControlPayload(data []byte) (*ControlPayload, error) {
	if len(data) < ControlPayloadSize {
		return nil, fmt.Errorf("control payload too short: expected %d bytes, got %d", ControlPayloadSize, len(data))
	}
	if data[0]&^knownControls != 0 {
		return nil, fmt.Errorf("unknown control switches: 0x%02x", data[0])
	}

	return &ControlPayload{
		Switches:               data[0],
		ManualBeamAngle:        float64(int32(binary.BigEndian.Uint32(data[1:5]))) / milliDegrees,
		EchoSuppressionCount:   binary.BigEndian.Uint16(data[5:7]),
		EchoCancellationLength: binary.BigEndian.Uint16(data[7:9]),
	}, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeFormat:
		packet.Format, err = ParseFormatPayload(payloadData)
	case PacketTypeAudio:
		packet.Audio, err = ParseAudioPayload(payloadData)
	case PacketTypeBeam:
		packet.Beam, err = ParseBeamPayload(payloadData)
	case PacketTypeControl:
		packet.Control, err = ParseControlPayload(payloadData)
	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", typeString(header.PacketType), err)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Flags&^knownFlags != 0 {
		return fmt.Errorf("unknown flags: 0x%02x", header.Flags)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeFormat:
		if payloadSize != FormatPayloadSize {
			return fmt.Errorf("format packet payload size mismatch: expected %d, got %d",
				FormatPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeBeam:
		if payloadSize != BeamPayloadSize {
			return fmt.Errorf("beam packet payload size mismatch: expected %d, got %d",
				BeamPayloadSize, payloadSize)
		}
	case PacketTypeControl:
		if payloadSize != ControlPayloadSize {
			return fmt.Errorf("control packet payload size mismatch: expected %d, got %d",
				ControlPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeFormat || ptype == PacketTypeAudio ||
		ptype == PacketTypeBeam || ptype == PacketTypeControl
}

// AppendHeader appends an encoded header to dst
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.PacketType)
	dst = binary.BigEndian.AppendUint16(dst, h.PacketLen)
	dst = binary.BigEndian.AppendUint32(dst, h.StreamID)
	return append(dst, h.Flags)
}

// EncodeFormat builds a complete format announcement packet
func EncodeFormat(streamID uint32, flags uint8, p FormatPayload) []byte {
	buf := make([]byte, 0, HeaderSize+FormatPayloadSize)
	buf = AppendHeader(buf, Header{PacketTypeFormat, HeaderSize + FormatPayloadSize, streamID, flags})
	buf = binary.BigEndian.AppendUint32(buf, p.SampleRate)
	buf = binary.BigEndian.AppendUint16(buf, p.Channels)
	return binary.BigEndian.AppendUint16(buf, p.BitsPerSample)
}

// EncodeAudio builds a complete audio packet
func EncodeAudio(streamID uint32, flags uint8, sequence uint32, pcm []byte) ([]byte, error) {
	total := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	buf := make([]byte, 0, total)
	buf = AppendHeader(buf, Header{PacketTypeAudio, uint16(total), streamID, flags})
	buf = binary.BigEndian.AppendUint32(buf, sequence)
	return append(buf, pcm...), nil
}

// EncodeBeam builds a complete beam telemetry packet. Angles are rounded to
// millidegrees and confidence is clamped to [0,1].
func EncodeBeam(streamID uint32, flags uint8, p BeamPayload) []byte {
	confidence := math.Max(0, math.Min(1, p.Confidence))

	buf := make([]byte, 0, HeaderSize+BeamPayloadSize)
	buf = AppendHeader(buf, Header{PacketTypeBeam, HeaderSize + BeamPayloadSize, streamID, flags})
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.BeamAngle*milliDegrees))))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.SourceAngle*milliDegrees))))
	buf = binary.BigEndian.AppendUint16(buf, uint16(math.Round(confidence*math.MaxUint16)))
	return binary.BigEndian.AppendUint32(buf, uint32(p.Status))
}

// EncodeControl builds a complete control packet
func EncodeControl(streamID uint32, flags uint8, p ControlPayload) []byte {
	buf := make([]byte, 0, HeaderSize+ControlPayloadSize)
	buf = AppendHeader(buf, Header{PacketTypeControl, HeaderSize + ControlPayloadSize, streamID, flags})
	buf = append(buf, p.Switches)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.ManualBeamAngle*milliDegrees))))
	buf = binary.BigEndian.AppendUint16(buf, p.EchoSuppressionCount)
	return binary.BigEndian.AppendUint16(buf, p.EchoCancellationLength)
}

func typeString(ptype uint8) string {
	switch ptype {
	case PacketTypeFormat:
		return "Format"
	case PacketTypeAudio:
		return "Audio"
	case PacketTypeBeam:
		return "Beam"
	case PacketTypeControl:
		return "Control"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", ptype)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Flags:0x%02x}",
		typeString(h.PacketType), h.PacketLen, h.StreamID, h.Flags)
}

// String returns a human-readable representation of the format payload
func (f *FormatPayload) String() string {
	return fmt.Sprintf("FormatPayload{SampleRate:%d, Channels:%d, BitsPerSample:%d}",
		f.SampleRate, f.Channels, f.BitsPerSample)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}

// String returns a human-readable representation of the beam payload
func (b *BeamPayload) String() string {
	return fmt.Sprintf("BeamPayload{Beam:%.3f, Source:%.3f, Confidence:%.3f, Status:%d}",
		b.BeamAngle, b.SourceAngle, b.Confidence, b.Status)
}

// String returns a human-readable representation of the control payload
func (c *ControlPayload) String() string {
	return fmt.Sprintf("ControlPayload{Switches:0x%02x, ManualBeam:%.3f, EchoSuppression:%d, EchoCancellation:%d}",
		c.Switches, c.ManualBeamAngle, c.EchoSuppressionCount, c.EchoCancellationLength)
}
