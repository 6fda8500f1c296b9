package voice

import (
	"errors"
	"fmt"
	"sync"
)

// Control-chain record kinds, per the on-disk control-chain format.
const (
	kindTerminator = 0
	kindPacket     = 1
	kindPregap     = 2
	kindPostgap    = 3
	kindGain       = 4
)

const controlRecordSize = 4

// SamplesPerTick is the number of 48kHz samples one packet "tick" covers.
const SamplesPerTick = 120

var (
	ErrTruncatedControl = errors.New("voice: truncated control chain")
	ErrTruncatedData    = errors.New("voice: truncated data chain")
	ErrPacketTooLarge   = errors.New("voice: packet exceeds 65535 bytes")
	ErrBadTicks         = errors.New("voice: ticks out of range [1,255]")
)

// packetDescriptor is one parsed control-chain record for a regular packet.
type packetDescriptor struct {
	size       int
	ticks      int
	dataOffset int64 // cumulative byte offset into the data chain
}

// Stream is one voice commentary stream: an append-only sequence of coded
// packets plus a trailer recording pregap/postgap/gain, stored across two
// cluster chains.
type Stream struct {
	fs *FS

	ctrlHead uint32
	dataHead uint32

	// ctrlCluster/ctrlPtr is the append cursor: the position of the control
	// chain's terminator record, where the next packet record (or a fresh
	// trailer) goes. WriteTrailer writes through a copy, so the cursor never
	// moves past the terminator and a later Write overwrites the trailer in
	// place.
	ctrlCluster uint32
	ctrlPtr     int
	dataCluster uint32
	dataPtr     int // append cursor into the data chain

	timebase    int64
	pregap      int
	postgap     int
	gain        int16
	totalLength int64 // sum of 120*ticks over all packets written/parsed
	packets     []packetDescriptor
	dataCursor  int64 // cumulative data-chain offset as packets are parsed/appended

	refMu      sync.Mutex // guards refs, locked, delPending
	refs       int
	locked     bool
	delPending bool
}

// NewWriteStream opens a stream for writing with the given base timestamp
// (48kHz samples). Chain heads are allocated lazily on the first write.
func NewWriteStream(fs *FS, timebase int64) *Stream {
	return &Stream{fs: fs, timebase: timebase, refs: 1, locked: true}
}

// OpenReadStream parses an existing stream from its two chain heads,
// recovering packet descriptors, pregap, postgap, gain, and the control
// cursor at which a future write (or write_trailer) would resume.
func OpenReadStream(fs *FS, ctrlHead, dataHead uint32, timebase int64) (*Stream, error) {
	s := &Stream{
		fs:       fs,
		ctrlHead: ctrlHead,
		dataHead: dataHead,
		timebase: timebase,
		refs:     1,
	}
	if ctrlHead == 0 {
		return s, nil
	}
	s.ctrlCluster, s.ctrlPtr = ctrlHead, 0
	cur := ctrlHead
	ptr := 0
	var dataOff int64
	trailers := false
	savedValid := false
	var savedCluster uint32
	var savedPtr int
	for {
		beforeCluster, beforePtr := cur, ptr
		var rec [controlRecordSize]byte
		n, err := fs.ReadData(&cur, &ptr, rec[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedControl, err)
		}
		if n == 0 {
			// The chain ends here; the append cursor is wherever we got to.
			break
		}
		if n < controlRecordSize {
			return nil, ErrTruncatedControl
		}
		kind := rec[3]
		if kind == kindTerminator || trailers {
			// The first terminator ends the appended packets; records after
			// it are trailers, until another terminator ends the scan. The
			// terminator's own position is where a future append (or a fresh
			// trailer) must land.
			if trailers && kind == kindTerminator {
				break
			}
			if !trailers {
				savedCluster, savedPtr = beforeCluster, beforePtr
				savedValid = true
				trailers = true
				continue
			}
			switch kind {
			case kindPregap:
				s.pregap = int(rec[0])<<16 | int(rec[1])<<8 | int(rec[2])
			case kindPostgap:
				s.postgap = int(rec[0])<<16 | int(rec[1])<<8 | int(rec[2])
			case kindGain:
				s.gain = int16(uint16(rec[0])<<8 | uint16(rec[1]))
			}
			continue
		}
		if kind != kindPacket {
			return nil, fmt.Errorf("%w: unknown control record kind %d", ErrCorruptFS, kind)
		}
		size := int(rec[0])<<8 | int(rec[1])
		ticks := int(rec[2])
		if ticks < 1 || ticks > 255 {
			return nil, ErrBadTicks
		}
		s.packets = append(s.packets, packetDescriptor{size: size, ticks: ticks, dataOffset: dataOff})
		dataOff += int64(size)
		s.totalLength += int64(ticks) * SamplesPerTick
	}
	if savedValid {
		s.ctrlCluster, s.ctrlPtr = savedCluster, savedPtr
	} else {
		s.ctrlCluster, s.ctrlPtr = cur, ptr
	}
	s.dataCursor = dataOff
	if err := s.seekDataEnd(dataOff); err != nil {
		return nil, err
	}
	return s, nil
}

// seekDataEnd positions the data-chain append cursor dataOff bytes into the
// chain, so appends after a read-open land after the existing payload.
func (s *Stream) seekDataEnd(dataOff int64) error {
	if s.dataHead == 0 {
		return nil
	}
	cluster := s.dataHead
	ptr := 0
	skipped, err := s.fs.SkipData(&cluster, &ptr, int(dataOff))
	if err != nil {
		return err
	}
	if int64(skipped) < dataOff {
		return ErrTruncatedData
	}
	s.dataCluster, s.dataPtr = cluster, ptr
	return nil
}

// Write appends one coded packet: ticks in [1,255], payload up to 65535
// bytes. It lazily allocates the chain heads on first call.
func (s *Stream) Write(ticks int, payload []byte) error {
	if ticks < 1 || ticks > 255 {
		return ErrBadTicks
	}
	if len(payload) > 65535 {
		return ErrPacketTooLarge
	}
	if s.ctrlHead == 0 {
		head, err := s.fs.AllocateCluster()
		if err != nil {
			return err
		}
		s.ctrlHead, s.ctrlCluster, s.ctrlPtr = head, head, 0
	}
	if s.dataHead == 0 {
		head, err := s.fs.AllocateCluster()
		if err != nil {
			return err
		}
		s.dataHead, s.dataCluster, s.dataPtr = head, head, 0
	}

	var rec [controlRecordSize]byte
	rec[0] = byte(len(payload) >> 8)
	rec[1] = byte(len(payload))
	rec[2] = byte(ticks)
	rec[3] = kindPacket
	if len(payload) > 0 {
		if _, _, err := s.fs.WriteData(&s.dataCluster, &s.dataPtr, payload); err != nil {
			return err
		}
	}
	if _, _, err := s.fs.WriteData(&s.ctrlCluster, &s.ctrlPtr, rec[:]); err != nil {
		return err
	}
	s.packets = append(s.packets, packetDescriptor{size: len(payload), ticks: ticks, dataOffset: s.dataCursor})
	s.dataCursor += int64(len(payload))
	s.totalLength += int64(ticks) * SamplesPerTick
	return nil
}

// WriteTrailer writes the terminator, then the pregap/postgap/gain records,
// at the append cursor without advancing it, so a subsequent Write
// overwrites the trailer in place. A stream sealed before its first packet
// still allocates its control head here, so the collection slot it lands in
// carries a nonzero ctrl_head.
func (s *Stream) WriteTrailer() error {
	if s.ctrlHead == 0 {
		head, err := s.fs.AllocateCluster()
		if err != nil {
			return err
		}
		s.ctrlHead, s.ctrlCluster, s.ctrlPtr = head, head, 0
	}
	var desc [4 * controlRecordSize]byte
	// desc[0:4] is the terminator, already zero.
	desc[4] = byte(s.pregap >> 16)
	desc[5] = byte(s.pregap >> 8)
	desc[6] = byte(s.pregap)
	desc[7] = kindPregap
	desc[8] = byte(s.postgap >> 16)
	desc[9] = byte(s.postgap >> 8)
	desc[10] = byte(s.postgap)
	desc[11] = kindPostgap
	u := uint16(s.gain)
	desc[12] = byte(u >> 8)
	desc[13] = byte(u)
	desc[15] = kindGain
	cluster, ptr := s.ctrlCluster, s.ctrlPtr
	_, _, err := s.fs.WriteData(&cluster, &ptr, desc[:])
	return err
}

// PacketCount returns the number of regular packets recorded so far.
func (s *Stream) PacketCount() int { return len(s.packets) }

// Packet reads the i-th packet's payload, following the data chain from its
// stored offset.
func (s *Stream) Packet(i int) (ticks int, payload []byte, err error) {
	if i < 0 || i >= len(s.packets) {
		return 0, nil, fmt.Errorf("voice: packet index %d out of range", i)
	}
	d := s.packets[i]
	cluster := s.dataHead
	ptr := 0
	if _, err := s.fs.SkipData(&cluster, &ptr, int(d.dataOffset)); err != nil {
		return 0, nil, err
	}
	buf := make([]byte, d.size)
	n, err := s.fs.ReadData(&cluster, &ptr, buf)
	if n < d.size {
		return 0, nil, ErrTruncatedData
	}
	if err != nil {
		return 0, nil, err
	}
	return d.ticks, buf, nil
}

// Length is the stream's playable length in 48kHz samples: the sum of all
// packet lengths minus pregap and postgap.
func (s *Stream) Length() int64 {
	return s.totalLength - int64(s.pregap) - int64(s.postgap)
}

func (s *Stream) Timebase() int64  { return s.timebase }
func (s *Stream) Pregap() int      { return s.pregap }
func (s *Stream) Postgap() int     { return s.postgap }
func (s *Stream) Gain() int16      { return s.gain }
func (s *Stream) CtrlHead() uint32 { return s.ctrlHead }
func (s *Stream) DataHead() uint32 { return s.dataHead }

func (s *Stream) SetPregap(v int)  { s.pregap = v }
func (s *Stream) SetPostgap(v int) { s.postgap = v }
func (s *Stream) SetGain(v int16)  { s.gain = v }

func (s *Stream) Lock() {
	s.refMu.Lock()
	s.locked = true
	s.refMu.Unlock()
}

func (s *Stream) Unlock() {
	s.refMu.Lock()
	s.locked = false
	s.refMu.Unlock()
}

func (s *Stream) IsLocked() bool {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.locked
}

// GetRef increments the intrusive reference count.
func (s *Stream) GetRef() {
	s.refMu.Lock()
	s.refs++
	s.refMu.Unlock()
}

// PutRef decrements the reference count; at zero, if the stream was marked
// for deletion, it frees both cluster chains.
func (s *Stream) PutRef() error {
	s.refMu.Lock()
	s.refs--
	release := s.refs <= 0 && s.delPending
	s.refMu.Unlock()
	if !release {
		return nil
	}
	if err := s.fs.FreeClusterChain(s.ctrlHead); err != nil {
		return err
	}
	return s.fs.FreeClusterChain(s.dataHead)
}

// markForDeletion flags the stream so the next PutRef to zero frees its
// cluster chains, used by Collection.Delete.
func (s *Stream) markForDeletion() {
	s.refMu.Lock()
	s.delPending = true
	s.refMu.Unlock()
}
