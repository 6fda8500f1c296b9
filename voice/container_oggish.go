package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Page-structured container ("oggish"): a generic container of
// fixed-header pages carrying one logical voice stream (pre-header ->
// pre-tags -> data -> eos).
var oggishMagic = [4]byte{'V', 'C', 'O', 'G'}

const (
	oggPageHeader = 0
	oggPageTags   = 1
	oggPageData   = 2
)

var (
	ErrMultistreamUnsupported = errors.New("voice: container carries more than one logical stream")
	ErrBadPageState           = errors.New("voice: container page out of order")
)

// oggPage is one page of the container: a fixed header plus a payload.
type oggPage struct {
	pageType byte
	eos      bool
	granule  int64
	payload  []byte
}

const oggPageHeaderSize = 4 + 1 + 1 + 8 + 4 // magic, type, eos flag, granule, payload length

func writePage(w io.Writer, p oggPage) error {
	var hdr [oggPageHeaderSize]byte
	copy(hdr[0:4], oggishMagic[:])
	hdr[4] = p.pageType
	if p.eos {
		hdr[5] = 1
	}
	binary.BigEndian.PutUint64(hdr[6:14], uint64(p.granule))
	binary.BigEndian.PutUint32(hdr[14:18], uint32(len(p.payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p.payload)
	return err
}

func readPage(r io.Reader) (oggPage, error) {
	var hdr [oggPageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return oggPage{}, fmt.Errorf("%w: reading page header: %v", ErrBadContainer, err)
	}
	if string(hdr[0:4]) != string(oggishMagic[:]) {
		return oggPage{}, fmt.Errorf("%w: bad page magic", ErrBadContainer)
	}
	p := oggPage{
		pageType: hdr[4],
		eos:      hdr[5] != 0,
		granule:  int64(binary.BigEndian.Uint64(hdr[6:14])),
	}
	n := binary.BigEndian.Uint32(hdr[14:18])
	p.payload = make([]byte, n)
	if _, err := io.ReadFull(r, p.payload); err != nil {
		return oggPage{}, fmt.Errorf("%w: reading page payload: %v", ErrBadContainer, err)
	}
	return p, nil
}

// headerPayload/parseHeaderPayload encode the logical-stream header packet:
// version, channels, preskip (pregap), input rate, gain, map family.
func headerPayload(pregap int, gain int16) []byte {
	buf := make([]byte, 1+1+4+4+2+1)
	buf[0] = 1 // version
	buf[1] = 1 // channels
	binary.BigEndian.PutUint32(buf[2:6], uint32(pregap))
	binary.BigEndian.PutUint32(buf[6:10], 48000)
	binary.BigEndian.PutUint16(buf[10:12], uint16(gain))
	buf[12] = 0 // map_family
	return buf
}

func parseHeaderPayload(buf []byte) (pregap int, rate uint32, gain int16, err error) {
	if len(buf) < 13 {
		return 0, 0, 0, fmt.Errorf("%w: truncated stream header", ErrBadContainer)
	}
	if buf[1] != 1 {
		return 0, 0, 0, fmt.Errorf("%w: only mono streams are supported", ErrBadContainer)
	}
	pregap = int(binary.BigEndian.Uint32(buf[2:6]))
	rate = binary.BigEndian.Uint32(buf[6:10])
	gain = int16(binary.BigEndian.Uint16(buf[10:12]))
	return pregap, rate, gain, nil
}

// tagsPayload/parseTagsPayload encode the tags packet: a vendor string plus
// a list of "KEY=value" comments, including STREAM_TS=<timebase>.
func tagsPayload(vendor string, comments []string) []byte {
	buf := appendLPString(nil, vendor)
	buf = append(buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], uint32(len(comments)))
	for _, c := range comments {
		buf = appendLPString(buf, c)
	}
	return buf
}

func appendLPString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readLPString(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated string length", ErrBadContainer)
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated string body", ErrBadContainer)
	}
	return string(buf[off : off+n]), off + n, nil
}

func parseTagsPayload(buf []byte) (vendor string, comments []string, err error) {
	off := 0
	vendor, off, err = readLPString(buf, off)
	if err != nil {
		return "", nil, err
	}
	if off+4 > len(buf) {
		return "", nil, fmt.Errorf("%w: truncated comment count", ErrBadContainer)
	}
	count := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	comments = make([]string, 0, count)
	for i := 0; i < count; i++ {
		var c string
		c, off, err = readLPString(buf, off)
		if err != nil {
			return "", nil, err
		}
		comments = append(comments, c)
	}
	return vendor, comments, nil
}

func streamTSTag(timebase int64) string { return fmt.Sprintf("STREAM_TS=%d", timebase) }

func parseStreamTS(comments []string) (int64, bool) {
	for _, c := range comments {
		var ts int64
		if n, err := fmt.Sscanf(c, "STREAM_TS=%d", &ts); n == 1 && err == nil {
			return ts, true
		}
	}
	return 0, false
}

// ExportOggish writes s to w as a page-structured container: a header
// page, a tags page (vendor + ENCODER + STREAM_TS tags), one data page per
// coded packet (ticks-prefixed payload), and EOS set on the last page with
// its granule position chosen so that granule - totalDecodedSamples ==
// postgap.
func ExportOggish(w io.Writer, s *Stream) error {
	if err := writePage(w, oggPage{
		pageType: oggPageHeader,
		payload:  headerPayload(s.Pregap(), s.Gain()),
	}); err != nil {
		return err
	}
	tags := tagsPayload("voicecommentary-refcoder", []string{
		"ENCODER=voicecommentary reference coder",
		streamTSTag(s.Timebase()),
	})
	if err := writePage(w, oggPage{pageType: oggPageTags, payload: tags}); err != nil {
		return err
	}

	var cumulative int64
	n := s.PacketCount()
	for i := 0; i < n; i++ {
		ticks, payload, err := s.Packet(i)
		if err != nil {
			return err
		}
		cumulative += int64(ticks) * SamplesPerTick
		page := oggPage{
			pageType: oggPageData,
			payload:  append([]byte{byte(ticks)}, payload...),
			granule:  cumulative,
		}
		if i == n-1 {
			page.eos = true
			page.granule = cumulative + int64(s.Postgap())
		}
		if err := writePage(w, page); err != nil {
			return err
		}
	}
	if n == 0 {
		// An empty stream still needs an EOS-flagged page to close the
		// logical stream cleanly.
		if err := writePage(w, oggPage{pageType: oggPageData, eos: true}); err != nil {
			return err
		}
	}
	return nil
}

// ImportOggish reads a page-structured container and re-encodes it (as-is;
// the coded payload is already in our codec's wire format, so no
// transcoding happens) into a fresh write-mode Stream. The timebase comes
// from the container's STREAM_TS tag if present, else from the fallback
// passed by the caller. Parsing runs through four states:
// pre-header, pre-tags, data, eos.
func ImportOggish(fs *FS, r io.Reader, fallbackTimebase int64, log logger) (*Stream, error) {
	const (
		statePreHeader = iota
		statePreTags
		stateData
		stateEOS
	)

	state := statePreHeader
	timebase := fallbackTimebase
	var pregap int
	var gain int16
	var s *Stream
	var cumulative int64

	for state != stateEOS {
		page, err := readPage(r)
		if err != nil {
			if err == io.ErrUnexpectedEOF || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: container ended before EOS page", ErrBadContainer)
			}
			return nil, err
		}
		switch state {
		case statePreHeader:
			if page.pageType != oggPageHeader {
				return nil, fmt.Errorf("%w: expected header page first", ErrBadPageState)
			}
			pregap, _, gain, err = parseHeaderPayload(page.payload)
			if err != nil {
				return nil, err
			}
			state = statePreTags
		case statePreTags:
			if page.pageType == oggPageHeader {
				return nil, ErrMultistreamUnsupported
			}
			if page.pageType != oggPageTags {
				return nil, fmt.Errorf("%w: expected tags page", ErrBadPageState)
			}
			_, comments, err := parseTagsPayload(page.payload)
			if err != nil {
				return nil, err
			}
			if ts, ok := parseStreamTS(comments); ok {
				timebase = ts
			}
			s = NewWriteStream(fs, timebase)
			s.SetPregap(pregap)
			s.SetGain(gain)
			state = stateData
		case stateData:
			if page.pageType == oggPageHeader {
				return nil, ErrMultistreamUnsupported
			}
			if page.pageType != oggPageData {
				return nil, fmt.Errorf("%w: expected data page", ErrBadPageState)
			}
			if len(page.payload) > 0 {
				ticks := int(page.payload[0])
				if err := s.Write(ticks, page.payload[1:]); err != nil {
					return nil, err
				}
				cumulative += int64(ticks) * SamplesPerTick
			}
			if page.eos {
				postgap := int(page.granule - cumulative)
				if postgap < 0 {
					if log != nil {
						log.Warnf("voice: oggish import: granule %d precedes decoded sample count %d, clamping postgap to 0", page.granule, cumulative)
					}
					postgap = 0
				}
				s.SetPostgap(postgap)
				state = stateEOS
			}
		}
	}
	if err := s.WriteTrailer(); err != nil {
		return nil, err
	}
	return s, nil
}
