package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF header for mono PCM-16.
type wavHeader struct {
	RiffID        [4]byte
	RiffSize      uint32
	WaveID        [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// EncodeWAV serializes mono PCM-16 samples as a WAV byte stream.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		RiffID:        [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      36 + dataSize,
		WaveID:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write WAV samples: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV parses a mono PCM-16 WAV byte stream back into samples and
// the sample rate.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: %d bytes", len(data))
	}

	r := bytes.NewReader(data)
	var header wavHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.RiffID[:]) != "RIFF" || string(header.WaveID[:]) != "WAVE":
		return nil, 0, fmt.Errorf("not a RIFF/WAVE stream")
	case string(header.FmtID[:]) != "fmt " || string(header.DataID[:]) != "data":
		return nil, 0, fmt.Errorf("unexpected WAV chunk layout")
	case header.AudioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported audio format %d, want PCM", header.AudioFormat)
	case header.BitsPerSample != 16:
		return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", header.BitsPerSample)
	case header.Channels != 1:
		return nil, 0, fmt.Errorf("unsupported channel count %d, want mono", header.Channels)
	}

	numSamples := int(header.DataSize) / 2
	if numSamples <= 0 {
		return nil, 0, fmt.Errorf("no audio data")
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// WAVDuration returns the audio length of an encoded WAV stream without
// decoding the sample data.
func WAVDuration(data []byte) (time.Duration, error) {
	if len(data) < wavHeaderSize {
		return 0, fmt.Errorf("WAV data too short: %d bytes", len(data))
	}

	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	if sampleRate == 0 {
		return 0, fmt.Errorf("invalid sample rate 0")
	}
	dataSize := binary.LittleEndian.Uint32(data[40:44])

	numSamples := int64(dataSize / 2)
	return time.Duration(numSamples) * time.Second / time.Duration(sampleRate), nil
}

// WriteWAVFile encodes an utterance and writes it to path.
func WriteWAVFile(path string, u Utterance) error {
	data, err := EncodeWAV(u.Samples, u.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to encode utterance: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
