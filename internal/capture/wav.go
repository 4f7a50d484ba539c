package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/satriahrh/voicechat/domain/repositories"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// wavEncoder writes PCM16 into an in-memory WAV container
type wavEncoder struct {
	buf     *memFile
	enc     *wav.Encoder
	format  *audio.Format
	written bool
}

func newWAVEncoder(format repositories.AudioFormat) (*wavEncoder, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("wav: invalid format %d Hz x%d", format.SampleRate, format.Channels)
	}

	buf := &memFile{}
	return &wavEncoder{
		buf: buf,
		enc: wav.NewEncoder(buf, format.SampleRate, wavBitDepth, format.Channels, wavFormatPCM),
		format: &audio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
	}, nil
}

func (e *wavEncoder) MimeType() string { return "audio/wav" }
func (e *wavEncoder) Format() string   { return CodecWAV }

func (e *wavEncoder) Write(pcm []int16) error {
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	if err := e.enc.Write(&audio.IntBuffer{Format: e.format, Data: data, SourceBitDepth: wavBitDepth}); err != nil {
		return fmt.Errorf("wav: encode: %w", err)
	}
	e.written = true
	return nil
}

func (e *wavEncoder) Finish() ([]byte, error) {
	// the header is only emitted with the first buffer
	if !e.written {
		if err := e.Write(nil); err != nil {
			return nil, err
		}
	}
	if err := e.enc.Close(); err != nil {
		return nil, fmt.Errorf("wav: finalize: %w", err)
	}
	return e.buf.Bytes(), nil
}

// ReadWAV decodes a PCM WAV stream into interleaved 16-bit samples
func ReadWAV(r io.ReadSeeker) ([]int16, repositories.AudioFormat, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, repositories.AudioFormat{}, errors.New("wav: invalid file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, repositories.AudioFormat{}, fmt.Errorf("wav: decode: %w", err)
	}

	format := repositories.AudioFormat{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}

	shift := int(dec.BitDepth) - wavBitDepth
	pcm := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		switch {
		case shift > 0:
			s >>= shift
		case shift < 0:
			s <<= -shift
		}
		pcm[i] = int16(s)
	}
	return pcm, format, nil
}

// WAVDuration reads the playback length from a WAV payload
func WAVDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errors.New("wav: invalid file")
	}
	return dec.Duration()
}

// memFile is an in-memory io.WriteSeeker for the WAV encoder, which seeks
// back to patch chunk sizes on Close.
type memFile struct {
	data []byte
	pos  int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.data))
	default:
		return 0, fmt.Errorf("memfile: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("memfile: negative position %d", next)
	}
	m.pos = int(next)
	return next, nil
}

func (m *memFile) Bytes() []byte {
	return m.data
}
