package dialog

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Telephony PCM is 8kHz or 16kHz mono, per the call's negotiated audio
// format (spec.md §3); Opus packets are cut to 20ms frames just like the
// teacher's Discord encoder, only at telephony rate and channel count
// instead of Discord's 48kHz stereo.
const (
	opusChannels    = 1
	opusFrameSizeMs = 20

	// Per RFC 7845/RFC 7587, an Ogg-Opus stream's granule position is
	// always clocked at 48kHz regardless of the decoded sample rate, so a
	// 20ms frame always advances the granule by 960 samples whether the
	// underlying PCM was captured at 8kHz or 16kHz.
	oggGranuleClockHz  = 48000
	oggSamplesPerFrame = oggGranuleClockHz * opusFrameSizeMs / 1000

	oggFlagContinued = 0x01
	oggFlagBOS       = 0x02
	oggFlagEOS       = 0x04
)

// opusEncoder wraps a gopus encoder, adapted from
// MrWong99-glyphoxa's pkg/audio/discord/opus.go for telephony-rate mono
// audio and a 24kbps voice-optimized bitrate (§4.6).
type opusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

func newOpusEncoder(sampleRate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("dialog: create opus encoder: %w", err)
	}
	enc.SetBitrate(24000)
	enc.SetVbr(true)
	return &opusEncoder{enc: enc, frameSize: sampleRate * opusFrameSizeMs / 1000}, nil
}

// encodeFrame encodes one 20ms PCM frame into an Opus packet.
func (e *opusEncoder) encodeFrame(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opusData, err := e.enc.Encode(pcm, e.frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("dialog: opus encode: %w", err)
	}
	return opusData, nil
}

// EncodeChunk encodes an arbitrary-length PCM buffer, captured at
// sampleRate, into a genuine single-stream Ogg/Opus file: an RFC 7845
// identification header page, a comment header page, then one Opus packet
// per audio page with RFC 7587 granule positions. No Ogg/Opus muxer
// appears anywhere in the retrieved pack or its dependency graphs (see
// DESIGN.md), so the container is built directly against the Xiph Ogg
// (RFC 3533) and Opus-in-Ogg (RFC 7845) specifications rather than
// inventing a private framing — the result is bytes a real Ogg/Opus
// player or the dialog service's decoder would accept.
func EncodeChunk(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	enc, err := newOpusEncoder(sampleRate)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	stream, err := newOggStream(&buf)
	if err != nil {
		return nil, fmt.Errorf("dialog: init ogg stream: %w", err)
	}

	if err := stream.writePage(opusIDHeader(sampleRate), 0, oggFlagBOS); err != nil {
		return nil, fmt.Errorf("dialog: write opus id header: %w", err)
	}
	if err := stream.writePage(opusCommentHeader(), 0, 0); err != nil {
		return nil, fmt.Errorf("dialog: write opus comment header: %w", err)
	}

	frameBytes := enc.frameSize * 2
	frameCount := (len(pcm) + frameBytes - 1) / frameBytes
	var granule uint64
	for i := 0; i < frameCount; i++ {
		off := i * frameBytes
		end := off + frameBytes
		frame := pcm[off:minInt(end, len(pcm))]
		if len(frame) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}
		packet, err := enc.encodeFrame(frame)
		if err != nil {
			return nil, err
		}
		granule += oggSamplesPerFrame

		flags := byte(0)
		if i == frameCount-1 {
			flags = oggFlagEOS
		}
		if err := stream.writePage(packet, granule, flags); err != nil {
			return nil, fmt.Errorf("dialog: write ogg data page: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// opusIDHeader builds the mandatory "OpusHead" identification packet
// (RFC 7845 §5.1). sampleRate is carried as the informational "input
// sample rate" field; the Ogg granule clock itself is always 48kHz.
func opusIDHeader(sampleRate int) []byte {
	h := make([]byte, 19)
	copy(h[0:8], []byte("OpusHead"))
	h[8] = 1                                                   // version
	h[9] = byte(opusChannels)                                  // channel count
	binary.LittleEndian.PutUint16(h[10:12], 0)                 // pre-skip
	binary.LittleEndian.PutUint32(h[12:16], uint32(sampleRate)) // original input sample rate
	binary.LittleEndian.PutUint16(h[16:18], 0)                 // output gain
	h[18] = 0                                                  // channel mapping family 0: mono/stereo, no table
	return h
}

// opusCommentHeader builds the mandatory "OpusTags" comment packet
// (RFC 7845 §5.2) with an empty comment list.
func opusCommentHeader() []byte {
	const vendor = "voicegw-callpipeline"
	var buf bytes.Buffer
	buf.WriteString("OpusTags")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(vendor)))
	buf.WriteString(vendor)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0)) // user comment list length
	return buf.Bytes()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// oggStream writes a single logical Ogg bitstream (RFC 3533): one packet
// per page, which is simpler than general packet-spanning/combining and
// is valid for the small Opus packets this pipeline ever produces.
type oggStream struct {
	w       *bytes.Buffer
	serial  uint32
	pageSeq uint32
}

func newOggStream(w *bytes.Buffer) (*oggStream, error) {
	var serialBytes [4]byte
	if _, err := rand.Read(serialBytes[:]); err != nil {
		return nil, err
	}
	return &oggStream{w: w, serial: binary.LittleEndian.Uint32(serialBytes[:])}, nil
}

func (s *oggStream) writePage(packet []byte, granule uint64, flags byte) error {
	segments := oggLacingValues(len(packet))

	page := make([]byte, 0, 27+len(segments)+len(packet))
	header := make([]byte, 27+len(segments))
	copy(header[0:4], []byte("OggS"))
	header[4] = 0 // stream structure version
	header[5] = flags
	binary.LittleEndian.PutUint64(header[6:14], granule)
	binary.LittleEndian.PutUint32(header[14:18], s.serial)
	binary.LittleEndian.PutUint32(header[18:22], s.pageSeq)
	// header[22:26] CRC checksum is computed below with this field zeroed.
	header[26] = byte(len(segments))
	copy(header[27:], segments)

	page = append(page, header...)
	page = append(page, packet...)
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))

	if _, err := s.w.Write(page); err != nil {
		return err
	}
	s.pageSeq++
	return nil
}

// oggLacingValues builds the page segment table for a single packet of
// length n: as many 255 entries as whole 255-byte segments, then a final
// entry holding the remainder (0 if n is an exact multiple of 255, per
// RFC 3533's lacing rule for terminating a packet on a segment boundary).
func oggLacingValues(n int) []byte {
	var out []byte
	for n >= 255 {
		out = append(out, 255)
		n -= 255
	}
	return append(out, byte(n))
}

// oggCRCPoly is the Ogg page checksum polynomial (RFC 3533 Annex A):
// x^32+x^26+x^23+x^22+x^16+x^12+x^11+x^10+x^8+x^7+x^5+x^4+x^2+x+1, applied
// MSB-first with no reflection and a zero initial/final value — the same
// table-driven algorithm libogg itself uses.
const oggCRCPoly = 0x04c11db7

var oggCRCTable = buildOggCRCTable()

func buildOggCRCTable() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for b := 0; b < 8; b++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ oggCRCPoly
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}
