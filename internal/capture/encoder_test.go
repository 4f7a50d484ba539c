package capture

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/zap"
	"layeh.com/gopus"

	"github.com/satriahrh/voicechat/domain/repositories"
)

func TestNewEncoderPreference(t *testing.T) {
	tests := []struct {
		name   string
		format repositories.AudioFormat
		codecs []string
		want   string
	}{
		{name: "opus at 48k", format: repositories.AudioFormat{SampleRate: 48000, Channels: 1}, want: CodecOpus},
		{name: "opus at 16k stereo", format: repositories.AudioFormat{SampleRate: 16000, Channels: 2}, want: CodecOpus},
		{name: "wav fallback for 44.1k", format: repositories.AudioFormat{SampleRate: 44100, Channels: 2}, want: CodecWAV},
		{name: "wav forced", format: repositories.AudioFormat{SampleRate: 48000, Channels: 1}, codecs: []string{CodecWAV}, want: CodecWAV},
		{name: "unknown codec skipped", format: repositories.AudioFormat{SampleRate: 16000, Channels: 1}, codecs: []string{"flac", CodecWAV}, want: CodecWAV},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncoder(tt.format, tt.codecs, zap.NewNop())
			if err != nil {
				t.Fatalf("NewEncoder() error = %v", err)
			}
			if enc.Format() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, enc.Format())
			}
		})
	}

	if _, err := NewEncoder(repositories.AudioFormat{SampleRate: 44100, Channels: 1}, []string{CodecOpus}, zap.NewNop()); err == nil {
		t.Error("Expected error when no codec fits")
	}
}

func TestOpusEncoderWritesOggOpus(t *testing.T) {
	enc, err := newOpusEncoder(repositories.AudioFormat{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("newOpusEncoder() error = %v", err)
	}
	if enc.MimeType() != "audio/ogg; codecs=opus" {
		t.Errorf("Unexpected mime type %q", enc.MimeType())
	}

	// 2.5 frames of 20 ms at 16 kHz
	if err := enc.Write(tone(400)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := enc.Write(tone(400)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("Expected an Ogg stream, got % x", data[:8])
	}
	if data[5] != oggFlagFirst {
		t.Errorf("Expected first page flagged beginning of stream, got %#x", data[5])
	}

	stream, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus() error = %v", err)
	}
	if stream.Channels != 1 || stream.InputRate != 16000 || stream.PreSkip != opusPreSkip {
		t.Errorf("Unexpected OpusHead %+v", stream)
	}
	if len(stream.Packets) != 3 {
		t.Fatalf("Expected 3 packets, got %d", len(stream.Packets))
	}
	if stream.LastGranule != 3*960 {
		t.Errorf("Expected final granule 2880, got %d", stream.LastGranule)
	}

	dec, err := gopus.NewDecoder(48000, 1)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}
	for i, packet := range stream.Packets {
		pcm, err := dec.Decode(packet, 960, false)
		if err != nil {
			t.Fatalf("Decode(packet %d) error = %v", i, err)
		}
		if len(pcm) != 960 {
			t.Errorf("Expected 960 samples from packet %d, got %d", i, len(pcm))
		}
	}

	d, err := OpusDuration(data)
	if err != nil {
		t.Fatalf("OpusDuration() error = %v", err)
	}
	if want := 60*time.Millisecond - opusPreSkip*time.Second/48000; d != want {
		t.Errorf("Expected %s, got %s", want, d)
	}
}

func TestOggOpusEmptyRecording(t *testing.T) {
	enc, err := newOpusEncoder(repositories.AudioFormat{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("newOpusEncoder() error = %v", err)
	}
	data, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	stream, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus() error = %v", err)
	}
	if stream.Channels != 2 || len(stream.Packets) != 0 || stream.Duration() != 0 {
		t.Errorf("Unexpected empty stream %+v", stream)
	}
}

func TestParseOggOpusRejectsDamage(t *testing.T) {
	w := newOggWriter(1, 16000)
	w.WritePacket(bytes.Repeat([]byte{0x7f}, 600), 960)
	good := append([]byte(nil), w.Close()...)
	if _, err := ParseOggOpus(good); err != nil {
		t.Fatalf("ParseOggOpus() error = %v", err)
	}

	flipped := append([]byte(nil), good...)
	flipped[len(flipped)-1] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not ogg", data: []byte{0x00, 0x09, 0x48, 0x0b}},
		{name: "bad checksum", data: flipped},
		{name: "truncated page", data: good[:len(good)-10]},
		{name: "truncated header", data: good[:10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOggOpus(tt.data); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestWAVEncoderRoundTrip(t *testing.T) {
	enc, err := newWAVEncoder(repositories.AudioFormat{SampleRate: 8000, Channels: 2})
	if err != nil {
		t.Fatalf("newWAVEncoder() error = %v", err)
	}

	samples := []int16{1, -1, 300, -300, 32767, -32768}
	if err := enc.Write(samples); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	pcm, format, err := ReadWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if format.SampleRate != 8000 || format.Channels != 2 {
		t.Errorf("Unexpected format %+v", format)
	}
	if len(pcm) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(pcm))
	}
	for i := range samples {
		if pcm[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], pcm[i])
		}
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ReadWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestMemFileSeek(t *testing.T) {
	m := &memFile{}
	m.Write([]byte("hello world"))
	if _, err := m.Seek(0, 0); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	m.Write([]byte("J"))
	if got := string(m.Bytes()); got != "Jello world" {
		t.Errorf("Expected patched buffer, got %q", got)
	}
	if _, err := m.Seek(-100, 1); err == nil {
		t.Error("Expected error for negative position")
	}
}
