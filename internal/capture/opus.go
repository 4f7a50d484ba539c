package capture

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// OpusMimeType labels recordings made by the opus codec
const OpusMimeType = "audio/ogg; codecs=opus"

const (
	opusFrameMs = 20
	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 4000
)

var opusSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// opusEncoder encodes 20 ms frames into an Ogg-Opus stream
type opusEncoder struct {
	enc       *gopus.Encoder
	ogg       *oggWriter
	channels  int
	frameSize int
	pending   []int16
}

func newOpusEncoder(format repositories.AudioFormat) (*opusEncoder, error) {
	if !opusSampleRates[format.SampleRate] {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", format.SampleRate)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", format.Channels)
	}

	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}

	return &opusEncoder{
		enc:       enc,
		ogg:       newOggWriter(format.Channels, format.SampleRate),
		channels:  format.Channels,
		frameSize: format.SampleRate * opusFrameMs / 1000,
	}, nil
}

func (e *opusEncoder) MimeType() string { return OpusMimeType }
func (e *opusEncoder) Format() string   { return CodecOpus }

func (e *opusEncoder) Write(pcm []int16) error {
	e.pending = append(e.pending, pcm...)

	n := e.frameSize * e.channels
	consumed := 0
	for len(e.pending)-consumed >= n {
		if err := e.encodeFrame(e.pending[consumed : consumed+n]); err != nil {
			return err
		}
		consumed += n
	}
	e.pending = append(e.pending[:0], e.pending[consumed:]...)
	return nil
}

// Finish pads the trailing partial frame with silence and closes the stream.
func (e *opusEncoder) Finish() ([]byte, error) {
	if len(e.pending) > 0 {
		frame := make([]int16, e.frameSize*e.channels)
		copy(frame, e.pending)
		e.pending = e.pending[:0]
		if err := e.encodeFrame(frame); err != nil {
			return nil, err
		}
	}
	return e.ogg.Close(), nil
}

func (e *opusEncoder) encodeFrame(frame []int16) error {
	packet, err := e.enc.Encode(frame, e.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("opus: encode: %w", err)
	}
	e.ogg.WritePacket(packet, opusGranuleRate*opusFrameMs/1000)
	return nil
}

// OpusDuration is the playable length of an Ogg-Opus stream
func OpusDuration(data []byte) (time.Duration, error) {
	stream, err := ParseOggOpus(data)
	if err != nil {
		return 0, err
	}
	return stream.Duration(), nil
}
