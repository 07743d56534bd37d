package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavHeaderSize is the size of the canonical 44-byte RIFF/WAVE header
const wavHeaderSize = 44

// WAVHeader represents the header structure of a canonical PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * BlockAlign
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV wraps raw little-endian PCM bytes in a WAV container
func EncodeWAV(pcm []byte, format WaveFormat) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%format.BlockAlign != 0 {
		return nil, fmt.Errorf("audio data length %d is not a multiple of block align %d", len(pcm), format.BlockAlign)
	}

	dataSize := uint32(len(pcm))
	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.AvgBytesPerSecond),
		BlockAlign:    uint16(format.BlockAlign),
		BitsPerSample: uint16(format.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// riffPreambleSize covers "RIFF", the RIFF size and "WAVE"
const riffPreambleSize = 12

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV returns the raw PCM payload of a PCM WAV file together with its
// format. Chunks other than "fmt " and "data" (LIST, fact, cue ...) are
// skipped.
func DecodeWAV(data []byte) ([]byte, WaveFormat, error) {
	if len(data) < riffPreambleSize {
		return nil, WaveFormat{}, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", riffPreambleSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, WaveFormat{}, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, WaveFormat{}, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		format   WaveFormat
		haveFmt  bool
		pcm      []byte
		haveData bool
		offset   = riffPreambleSize
	)
	for offset+8 <= len(data) && !haveData {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		bodyStart := offset + 8
		bodyEnd := bodyStart + size
		if size < 0 || bodyEnd > len(data) {
			bodyEnd = len(data) // tolerate truncated recordings
		}
		body := data[bodyStart:bodyEnd]

		switch id {
		case "fmt ":
			f, err := parseFmtChunk(body)
			if err != nil {
				return nil, WaveFormat{}, err
			}
			format, haveFmt = f, true
		case "data":
			if !haveFmt {
				return nil, WaveFormat{}, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			pcm, haveData = body, true
		}

		// Chunks are padded to an even length
		offset = bodyStart + size + size&1
	}

	if !haveFmt {
		return nil, WaveFormat{}, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !haveData {
		return nil, WaveFormat{}, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	pcm = pcm[:len(pcm)-len(pcm)%format.BlockAlign]
	if len(pcm) == 0 {
		return nil, WaveFormat{}, fmt.Errorf("no audio data found")
	}

	return pcm, format, nil
}

// parseFmtChunk decodes a PCM or extensible-PCM fmt chunk body
func parseFmtChunk(body []byte) (WaveFormat, error) {
	if len(body) < 16 {
		return WaveFormat{}, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", len(body))
	}

	audioFormat := binary.LittleEndian.Uint16(body[0:2])
	if audioFormat == wavFormatExtensible {
		// The sub-format GUID starts with the real format tag
		if len(body) < 26 {
			return WaveFormat{}, fmt.Errorf("invalid WAV file: extensible fmt chunk too short (%d bytes)", len(body))
		}
		audioFormat = binary.LittleEndian.Uint16(body[24:26])
	}
	if audioFormat != wavFormatPCM {
		return WaveFormat{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
	}

	format := WaveFormat{
		Channels:          int(binary.LittleEndian.Uint16(body[2:4])),
		SampleRate:        int(binary.LittleEndian.Uint32(body[4:8])),
		AvgBytesPerSecond: int(binary.LittleEndian.Uint32(body[8:12])),
		BlockAlign:        int(binary.LittleEndian.Uint16(body[12:14])),
		BitsPerSample:     int(binary.LittleEndian.Uint16(body[14:16])),
	}
	if err := format.Validate(); err != nil {
		return WaveFormat{}, fmt.Errorf("invalid WAV format: %w", err)
	}
	return format, nil
}
