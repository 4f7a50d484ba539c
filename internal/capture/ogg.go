package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ogg-Opus layout follows RFC 3533 (pages) and RFC 7845 (Opus mapping).
const (
	oggHeaderSize = 27

	oggFlagContinued = 0x01
	oggFlagFirst     = 0x02
	oggFlagLast      = 0x04

	// opusGranuleRate is the fixed granule clock of Ogg-Opus
	opusGranuleRate = 48000
	// opusPreSkip is the libopus encoder lookahead at 48 kHz
	opusPreSkip = 312

	opusVendor = "voicechat"
)

var (
	oggCapture  = []byte("OggS")
	opusHeadSig = []byte("OpusHead")
	opusTagsSig = []byte("OpusTags")

	errNotOgg = errors.New("ogg: not an ogg stream")
)

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

func oggCRC(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// oggWriter lays opus packets out as an Ogg stream, one packet per page.
// The newest packet is held back so the final page can carry the
// end-of-stream flag.
type oggWriter struct {
	out     bytes.Buffer
	serial  uint32
	seq     uint32
	granule uint64
	held    []byte
	started bool
}

func newOggWriter(channels, inputRate int) *oggWriter {
	w := &oggWriter{serial: uuid.New().ID()}

	head := make([]byte, 19)
	copy(head, opusHeadSig)
	head[8] = 1
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(head[12:], uint32(inputRate))
	// output gain and mapping family stay zero
	w.page(head, oggFlagFirst, 0)
	return w
}

// WritePacket appends one opus packet covering samples at 48 kHz
func (w *oggWriter) WritePacket(packet []byte, samples int) {
	if !w.started {
		w.writeTags(0)
		w.started = true
	}
	if w.held != nil {
		w.page(w.held, 0, w.granule)
	}
	w.granule += uint64(samples)
	w.held = append([]byte(nil), packet...)
}

// Close flushes the held packet with the end-of-stream flag
func (w *oggWriter) Close() []byte {
	switch {
	case !w.started:
		w.writeTags(oggFlagLast)
		w.started = true
	case w.held != nil:
		w.page(w.held, oggFlagLast, w.granule)
		w.held = nil
	}
	return w.out.Bytes()
}

func (w *oggWriter) writeTags(flags byte) {
	tags := make([]byte, 0, 16+len(opusVendor))
	tags = append(tags, opusTagsSig...)
	tags = binary.LittleEndian.AppendUint32(tags, uint32(len(opusVendor)))
	tags = append(tags, opusVendor...)
	tags = binary.LittleEndian.AppendUint32(tags, 0)
	w.page(tags, flags, 0)
}

func (w *oggWriter) page(packet []byte, flags byte, granule uint64) {
	lacing := make([]byte, 0, len(packet)/255+1)
	for n := len(packet); ; n -= 255 {
		if n < 255 {
			lacing = append(lacing, byte(n))
			break
		}
		lacing = append(lacing, 255)
	}

	page := make([]byte, oggHeaderSize, oggHeaderSize+len(lacing)+len(packet))
	copy(page, oggCapture)
	page[5] = flags
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], w.serial)
	binary.LittleEndian.PutUint32(page[18:], w.seq)
	page[26] = byte(len(lacing))
	page = append(page, lacing...)
	page = append(page, packet...)
	binary.LittleEndian.PutUint32(page[22:], oggCRC(page))

	w.out.Write(page)
	w.seq++
}

// OggOpus is the content of an Ogg-Opus stream
type OggOpus struct {
	Channels    int
	InputRate   int
	PreSkip     int
	Packets     [][]byte
	LastGranule uint64
}

// Duration is the playable length after pre-skip
func (o *OggOpus) Duration() time.Duration {
	if o.LastGranule <= uint64(o.PreSkip) {
		return 0
	}
	samples := o.LastGranule - uint64(o.PreSkip)
	return time.Duration(samples) * time.Second / opusGranuleRate
}

// ParseOggOpus reads every page of an Ogg-Opus stream, checking page CRCs
// and the OpusHead and OpusTags headers.
func ParseOggOpus(data []byte) (*OggOpus, error) {
	if !bytes.HasPrefix(data, oggCapture) {
		return nil, errNotOgg
	}

	var (
		packets [][]byte
		partial []byte
		last    uint64
	)
	for len(data) > 0 {
		if len(data) < oggHeaderSize || !bytes.Equal(data[:4], oggCapture) {
			return nil, fmt.Errorf("ogg: bad page header")
		}
		if data[4] != 0 {
			return nil, fmt.Errorf("ogg: unsupported version %d", data[4])
		}
		nsegs := int(data[26])
		if len(data) < oggHeaderSize+nsegs {
			return nil, fmt.Errorf("ogg: truncated segment table")
		}
		lacing := data[oggHeaderSize : oggHeaderSize+nsegs]
		size := oggHeaderSize + nsegs
		for _, l := range lacing {
			size += int(l)
		}
		if len(data) < size {
			return nil, fmt.Errorf("ogg: page of %d bytes truncated to %d", size, len(data))
		}

		page := append([]byte(nil), data[:size]...)
		want := binary.LittleEndian.Uint32(page[22:])
		binary.LittleEndian.PutUint32(page[22:], 0)
		if oggCRC(page) != want {
			return nil, fmt.Errorf("ogg: page %d checksum mismatch", binary.LittleEndian.Uint32(page[18:]))
		}

		if data[5]&oggFlagContinued == 0 && partial != nil {
			return nil, fmt.Errorf("ogg: packet not continued across pages")
		}
		if granule := binary.LittleEndian.Uint64(data[6:]); granule != ^uint64(0) {
			last = granule
		}

		body := data[oggHeaderSize+nsegs : size]
		for _, l := range lacing {
			partial = append(partial, body[:l]...)
			body = body[l:]
			if l < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
		data = data[size:]
	}
	if partial != nil {
		return nil, fmt.Errorf("ogg: stream ends inside a packet")
	}

	if len(packets) < 2 || len(packets[0]) < 19 || !bytes.HasPrefix(packets[0], opusHeadSig) {
		return nil, fmt.Errorf("ogg: missing OpusHead")
	}
	if !bytes.HasPrefix(packets[1], opusTagsSig) {
		return nil, fmt.Errorf("ogg: missing OpusTags")
	}
	head := packets[0]
	return &OggOpus{
		Channels:    int(head[9]),
		PreSkip:     int(binary.LittleEndian.Uint16(head[10:])),
		InputRate:   int(binary.LittleEndian.Uint32(head[12:])),
		Packets:     packets[2:],
		LastGranule: last,
	}, nil
}
