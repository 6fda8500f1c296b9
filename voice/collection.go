package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/rodamaral/voicecommentary/codec"
)

const slotSize = 16
const slotsPerCluster = ClusterSize / slotSize

var (
	ErrUnknownStream  = errors.New("voice: unknown stream id")
	ErrGainOutOfRange = errors.New("voice: gain out of range")
)

// MaxGainDB bounds Regain's input: gain outside ±128 dB is rejected before
// any mutation. The persisted gain field is a signed 16-bit log-domain
// fixed point value, dB*256 (matching the 10^(gain/256/20) linear-gain
// formula), so this bound is checked in dB
// before the lossy conversion into that fixed-point field.
const MaxGainDB = 128

// Collection is the in-memory index over cluster #2: every nonzero 16-byte
// slot becomes a Stream, kept alongside insertion-order and slot-assignment
// bookkeeping.
type Collection struct {
	mu sync.Mutex

	fs       *FS
	clusters []uint32 // the chain of clusters backing the slot array, head == CollectionCluster

	streams   map[uint64]*Stream
	slotOf    map[uint64]int
	bySlot    map[int]uint64
	freeSlots map[int]bool
	order     []uint64 // insertion order, for streams_at's ordering guarantee
	nextID    uint64

	log logger
}

// OpenCollection parses cluster #2 (and any clusters chained from it) into
// an in-memory Collection, read-opening every occupied slot's Stream.
func OpenCollection(fs *FS) (*Collection, error) {
	c := &Collection{
		fs:        fs,
		streams:   map[uint64]*Stream{},
		slotOf:    map[uint64]int{},
		bySlot:    map[int]uint64{},
		freeSlots: map[int]bool{},
		log:       Log.WithPrefix("collection"),
	}
	cluster := uint32(CollectionCluster)
	idx := 0
	for {
		c.clusters = append(c.clusters, cluster)
		var raw [ClusterSize]byte
		if err := fs.readClusterBytes(cluster, 0, raw[:]); err != nil {
			return nil, fmt.Errorf("voice: reading collection cluster %d: %w", cluster, err)
		}
		for s := 0; s < slotsPerCluster; s++ {
			off := s * slotSize
			timebase := binary.BigEndian.Uint64(raw[off : off+8])
			ctrlHead := binary.BigEndian.Uint32(raw[off+8 : off+12])
			dataHead := binary.BigEndian.Uint32(raw[off+12 : off+16])
			if ctrlHead == 0 {
				c.freeSlots[idx] = true
			} else {
				st, err := OpenReadStream(fs, ctrlHead, dataHead, int64(timebase))
				if err != nil {
					return nil, err
				}
				id := c.nextID
				c.nextID++
				c.streams[id] = st
				c.slotOf[id] = idx
				c.bySlot[idx] = id
				c.order = append(c.order, id)
			}
			idx++
		}
		next, err := fs.successor(cluster)
		if err != nil {
			return nil, err
		}
		if next == linkTerminator {
			break
		}
		cluster = next
	}
	return c, nil
}

func (c *Collection) slotPosition(idx int) (cluster uint32, offset int) {
	return c.clusters[idx/slotsPerCluster], (idx % slotsPerCluster) * slotSize
}

func (c *Collection) writeSlot(idx int, timebase int64, ctrlHead, dataHead uint32) error {
	var buf [slotSize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(timebase))
	binary.BigEndian.PutUint32(buf[8:12], ctrlHead)
	binary.BigEndian.PutUint32(buf[12:16], dataHead)
	cluster, offset := c.slotPosition(idx)
	return c.fs.writeClusterBytes(cluster, offset, buf[:])
}

// extend allocates one more cluster, links it onto the chain, and returns
// the first newly available free slot index.
func (c *Collection) extend() (int, error) {
	last := c.clusters[len(c.clusters)-1]
	next, err := c.fs.AllocateCluster()
	if err != nil {
		return 0, err
	}
	if err := c.fs.setSuccessor(last, next); err != nil {
		return 0, err
	}
	c.clusters = append(c.clusters, next)
	base := (len(c.clusters) - 1) * slotsPerCluster
	for i := 0; i < slotsPerCluster; i++ {
		c.freeSlots[base+i] = true
	}
	return base, nil
}

// Add persists a new slot for stream (reusing a free slot if one exists,
// else extending the collection's cluster chain), locks the stream, and
// adds it to the time index.
func (c *Collection) Add(s *Stream) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i := range c.freeSlots {
		if idx == -1 || i < idx {
			idx = i
		}
	}
	if idx == -1 {
		base, err := c.extend()
		if err != nil {
			return 0, err
		}
		idx = base
	}
	if err := c.writeSlot(idx, s.Timebase(), s.CtrlHead(), s.DataHead()); err != nil {
		return 0, err
	}
	delete(c.freeSlots, idx)

	s.Lock()
	id := c.nextID
	c.nextID++
	c.streams[id] = s
	c.slotOf[id] = idx
	c.bySlot[idx] = id
	c.order = append(c.order, id)
	return id, nil
}

// Delete zeros the persisted slot and marks the stream deletion-pending:
// its cluster chains are only actually freed once the last reference
// (collection's own, plus any playback stream's) is released, via
// Stream.PutRef.
func (c *Collection) Delete(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[id]
	if !ok {
		c.log.Debugf("voice: delete: unknown stream id %d", id)
		return fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	idx := c.slotOf[id]
	var zero [slotSize]byte
	cluster, offset := c.slotPosition(idx)
	if err := c.fs.writeClusterBytes(cluster, offset, zero[:]); err != nil {
		return err
	}
	c.freeSlots[idx] = true
	delete(c.streams, id)
	delete(c.slotOf, id)
	delete(c.bySlot, idx)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	s.markForDeletion()
	return s.PutRef()
}

// Retime rewrites a slot's persisted timebase field and updates the
// in-memory stream.
func (c *Collection) Retime(id uint64, newTimebase int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[id]
	if !ok {
		c.log.Debugf("voice: retime: unknown stream id %d", id)
		return fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	idx := c.slotOf[id]
	if err := c.writeSlot(idx, newTimebase, s.CtrlHead(), s.DataHead()); err != nil {
		return err
	}
	s.timebase = newTimebase
	return nil
}

// Regain mutates a stream's in-memory gain and rewrites its trailer so the
// new value is durable. gainDB is checked against ±MaxGainDB before being
// converted into the stream's fixed-point gain field.
func (c *Collection) Regain(id uint64, gainDB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gainDB > MaxGainDB || gainDB < -MaxGainDB {
		c.log.Debugf("voice: regain: %v dB out of range", gainDB)
		return fmt.Errorf("%w: %v dB", ErrGainOutOfRange, gainDB)
	}
	s, ok := c.streams[id]
	if !ok {
		c.log.Debugf("voice: regain: unknown stream id %d", id)
		return fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	s.SetGain(int16(math.Round(gainDB * 256)))
	return s.WriteTrailer()
}

// StreamsAt returns every stream whose [timebase, timebase+length) contains
// t, in insertion order.
func (c *Collection) StreamsAt(t int64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint64
	for _, id := range c.order {
		s := c.streams[id]
		start := s.Timebase()
		end := start + s.Length()
		if t >= start && t < end {
			out = append(out, id)
		}
	}
	return out
}

// AllStreams returns every stream id ordered by timebase, ties broken by
// insertion order.
func (c *Collection) AllStreams() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uint64, len(c.order))
	copy(out, c.order)
	sort.SliceStable(out, func(i, j int) bool {
		return c.streams[out[i]].Timebase() < c.streams[out[j]].Timebase()
	})
	return out
}

// Stream looks up a stream by id without taking a playback reference.
func (c *Collection) Stream(id uint64) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		c.log.Debugf("voice: stream lookup: unknown stream id %d", id)
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	return s, nil
}

// ExportSuperstream renders the full mixed timeline as linear PCM at 48kHz
// mono, applying each stream's linear gain before summation, following the
// same mixing rule the realtime engine uses: decode each
// stream fully (discarding pregap/postgap), scale by its linear gain, then
// sum all streams sample-by-sample across the timeline.
func (c *Collection) ExportSuperstream(out io.Writer) error {
	ids := c.AllStreams()
	if len(ids) == 0 {
		return nil
	}

	type lane struct {
		start int64
		pcm   []int16
	}
	var lanes []lane
	var end int64
	for _, id := range ids {
		s, err := c.Stream(id)
		if err != nil {
			return err
		}
		pcm, err := decodeStreamPCM(s)
		if err != nil {
			return err
		}
		gain := linearGain(s.Gain())
		for i, v := range pcm {
			pcm[i] = clampSample(int32(float64(v) * gain))
		}
		lanes = append(lanes, lane{start: s.Timebase(), pcm: pcm})
		if e := s.Timebase() + int64(len(pcm)); e > end {
			end = e
		}
	}

	var sampleBuf [2]byte
	for t := int64(0); t < end; t++ {
		var mix int32
		for _, ln := range lanes {
			off := t - ln.start
			if off >= 0 && off < int64(len(ln.pcm)) {
				mix += int32(ln.pcm[off])
			}
		}
		binary.LittleEndian.PutUint16(sampleBuf[:], uint16(clampSample(mix)))
		if _, err := out.Write(sampleBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

// decodeStreamPCM decodes every packet in s, concatenates the output, and
// trims pregap/postgap samples. A decode error on any one packet degrades
// to the codec's silence substitution rather than aborting the export.
func decodeStreamPCM(s *Stream) ([]int16, error) {
	dec := codec.NewDecoder()
	var full []int16
	for i := 0; i < s.PacketCount(); i++ {
		_, payload, err := s.Packet(i)
		if err != nil {
			return nil, err
		}
		pcm, _ := dec.Decode(payload) // decode errors already degrade to silence
		full = append(full, pcm...)
	}
	pregap, postgap := s.Pregap(), s.Postgap()
	if pregap+postgap > len(full) {
		return nil, nil
	}
	return full[pregap : len(full)-postgap], nil
}

func linearGain(centibel int16) float64 {
	return math.Pow(10, float64(centibel)/256.0/20.0)
}

func clampSample(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
