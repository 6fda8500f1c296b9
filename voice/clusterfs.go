// Package voice implements the in-emulator voice commentary subsystem: a
// cluster-based filesystem image, the packet stream and collection index
// stored on it, the realtime capture/playback engine, and import/export to
// external containers. The rerecord-count identifier set lives in the
// separate rrdata package.
package voice

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Cluster layout constants. A supercluster table happens to be exactly one
// cluster in size: ClustersPerSuper successor pointers at 4 bytes each.
const (
	ClusterSize       = 8192
	ClustersPerSuper  = ClusterSize / 4 // 2048
	SuperblockCluster = 1
	CollectionCluster = 2
)

const (
	linkFree       = ^uint32(0) // slot available for allocation
	linkTerminator = 0          // end of chain, in use
)

var (
	ErrNotFormatted = errors.New("voice: backing store is not a formatted cluster filesystem")
	ErrCorruptFS    = errors.New("voice: cluster filesystem is corrupt")
)

// superblockMagic identifies a formatted image. Stored at the start of
// cluster 1 (the superblock).
var superblockMagic = [8]byte{'v', 'c', 'f', 's', 0, 0, 0, 1}

// Store is the raw byte-addressable backing medium for a cluster filesystem
// image. FS never assumes the concrete type; FileStore wraps an *os.File for
// production use and MemStore backs tests without touching disk.
type Store interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
}

// FS is a thread-safe handle onto one cluster filesystem image. Multiple
// references share the same mutex.
type FS struct {
	mu       sync.Mutex
	store    Store
	groups   map[uint32]*superclusterTable
	maxGroup uint32
	log      logger
}

type superclusterTable struct {
	entries [ClustersPerSuper]uint32
	dirty   bool
}

func groupPhysicalSize() int64 {
	return int64(ClustersPerSuper+1) * ClusterSize
}

func supertableOffset(group uint32) int64 {
	return int64(group) * groupPhysicalSize()
}

func dataOffset(cluster uint32) int64 {
	group := cluster / ClustersPerSuper
	index := cluster % ClustersPerSuper
	return supertableOffset(group) + ClusterSize + int64(index)*ClusterSize
}

// Format initialises a brand-new, empty cluster filesystem on store: it
// reserves cluster 0 (the null sentinel, never allocatable), cluster 1 (the
// superblock) and cluster 2 (the stream-collection index), and marks every
// other cluster in the first supercluster as free.
func Format(store Store) (*FS, error) {
	f := &FS{store: store, groups: map[uint32]*superclusterTable{}, log: Log.WithPrefix("clusterfs")}
	g0 := &superclusterTable{}
	for i := range g0.entries {
		g0.entries[i] = linkFree
	}
	g0.entries[0] = linkTerminator
	g0.entries[SuperblockCluster] = linkTerminator
	g0.entries[CollectionCluster] = linkTerminator
	f.groups[0] = g0
	f.maxGroup = 0
	if err := f.persistGroup(0); err != nil {
		return nil, err
	}
	if err := f.zeroCluster(0); err != nil {
		return nil, err
	}
	if err := f.zeroCluster(SuperblockCluster); err != nil {
		return nil, err
	}
	if err := f.writeClusterBytes(SuperblockCluster, 0, superblockMagic[:]); err != nil {
		return nil, err
	}
	if err := f.persistMaxGroup(); err != nil {
		return nil, err
	}
	if err := f.zeroCluster(CollectionCluster); err != nil {
		return nil, err
	}
	return f, nil
}

// Open attaches to an existing cluster filesystem image, verifying the
// superblock magic and loading (at minimum) the first supercluster table.
func Open(store Store) (*FS, error) {
	f := &FS{store: store, groups: map[uint32]*superclusterTable{}, log: Log.WithPrefix("clusterfs")}
	var magic [8]byte
	if err := f.readClusterBytes(SuperblockCluster, 0, magic[:]); err != nil {
		f.log.Warnf("voice: reading superblock: %v", err)
		return nil, err
	}
	if magic != superblockMagic {
		f.log.Warnf("voice: superblock magic mismatch, store is not a cluster filesystem image")
		return nil, ErrNotFormatted
	}
	var maxGroupBuf [4]byte
	if err := f.readClusterBytes(SuperblockCluster, len(superblockMagic), maxGroupBuf[:]); err != nil {
		return nil, err
	}
	f.maxGroup = beUint32(maxGroupBuf[:])
	if _, err := f.loadGroup(0); err != nil {
		return nil, err
	}
	return f, nil
}

// persistMaxGroup records the highest live supercluster group number in the
// superblock so a later Open knows how far the group scan must reach
// without depending on the backing store reporting an exact size.
func (f *FS) persistMaxGroup() error {
	var buf [4]byte
	putBeUint32(buf[:], f.maxGroup)
	return f.writeClusterBytes(SuperblockCluster, len(superblockMagic), buf[:])
}

func (f *FS) loadGroup(group uint32) (*superclusterTable, error) {
	if t, ok := f.groups[group]; ok {
		return t, nil
	}
	t := &superclusterTable{}
	var raw [ClusterSize]byte
	if _, err := f.store.ReadAt(raw[:], supertableOffset(group)); err != nil && err != io.EOF {
		f.log.Warnf("voice: reading supercluster table %d: %v", group, err)
		return nil, fmt.Errorf("voice: reading supercluster table %d: %w", group, err)
	}
	for i := 0; i < ClustersPerSuper; i++ {
		t.entries[i] = beUint32(raw[i*4 : i*4+4])
	}
	f.groups[group] = t
	return t, nil
}

func (f *FS) persistGroup(group uint32) error {
	t, ok := f.groups[group]
	if !ok {
		return fmt.Errorf("voice: supercluster table %d not resident", group)
	}
	var raw [ClusterSize]byte
	for i := 0; i < ClustersPerSuper; i++ {
		putBeUint32(raw[i*4:i*4+4], t.entries[i])
	}
	if _, err := f.store.WriteAt(raw[:], supertableOffset(group)); err != nil {
		f.log.Errorf("voice: writing supercluster table %d: %v", group, err)
		return fmt.Errorf("voice: writing supercluster table %d: %w", group, err)
	}
	t.dirty = false
	return nil
}

func (f *FS) successor(cluster uint32) (uint32, error) {
	group, err := f.loadGroup(cluster / ClustersPerSuper)
	if err != nil {
		return 0, err
	}
	return group.entries[cluster%ClustersPerSuper], nil
}

func (f *FS) setSuccessor(cluster, value uint32) error {
	g := cluster / ClustersPerSuper
	group, err := f.loadGroup(g)
	if err != nil {
		return err
	}
	group.entries[cluster%ClustersPerSuper] = value
	group.dirty = true
	return f.persistGroup(g)
}

func (f *FS) zeroCluster(cluster uint32) error {
	var zero [ClusterSize]byte
	_, err := f.store.WriteAt(zero[:], dataOffset(cluster))
	return err
}

func (f *FS) readClusterBytes(cluster uint32, offset int, buf []byte) error {
	_, err := f.store.ReadAt(buf, dataOffset(cluster)+int64(offset))
	if err == io.EOF && len(buf) == 0 {
		return nil
	}
	return err
}

func (f *FS) writeClusterBytes(cluster uint32, offset int, buf []byte) error {
	_, err := f.store.WriteAt(buf, dataOffset(cluster)+int64(offset))
	return err
}

// AllocateCluster returns a fresh cluster number with zero-initialised
// contents, recording it as a one-cluster chain (its own terminator).
func (f *FS) AllocateCluster() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocateLocked()
}

func (f *FS) allocateLocked() (uint32, error) {
	for g := uint32(0); g <= f.maxGroup; g++ {
		table, err := f.loadGroup(g)
		if err != nil {
			return 0, err
		}
		for idx, v := range table.entries {
			if v == linkFree {
				cluster := g*ClustersPerSuper + uint32(idx)
				table.entries[idx] = linkTerminator
				table.dirty = true
				if err := f.persistGroup(g); err != nil {
					return 0, err
				}
				if err := f.zeroCluster(cluster); err != nil {
					return 0, err
				}
				return cluster, nil
			}
		}
	}
	// No free slot in any resident supercluster: grow the image by one more
	// supercluster group and hand out its first cluster.
	newGroup := uint32(len(f.groups))
	t := &superclusterTable{}
	for i := range t.entries {
		t.entries[i] = linkFree
	}
	t.entries[0] = linkTerminator
	f.groups[newGroup] = t
	f.maxGroup = newGroup
	if err := f.persistGroup(newGroup); err != nil {
		return 0, err
	}
	if err := f.persistMaxGroup(); err != nil {
		return 0, err
	}
	cluster := newGroup * ClustersPerSuper
	if err := f.zeroCluster(cluster); err != nil {
		return 0, err
	}
	return cluster, nil
}

// FreeClusterChain follows successor links from head and returns every
// cluster reachable to the free pool. head == 0 (an empty/never-allocated
// chain) is a no-op.
func (f *FS) FreeClusterChain(head uint32) error {
	if head == linkTerminator {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := head
	for {
		next, err := f.successor(cur)
		if err != nil {
			return err
		}
		if err := f.setSuccessor(cur, linkFree); err != nil {
			return err
		}
		if next == linkTerminator {
			return nil
		}
		cur = next
	}
}

// SkipData advances a logical (cluster, ptr) cursor by up to n bytes,
// following chain links as needed. It returns the number of bytes actually
// skipped; on reaching end-of-chain it leaves ptr == ClusterSize.
func (f *FS) SkipData(cluster *uint32, ptr *int, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skipped := 0
	for skipped < n {
		if *ptr >= ClusterSize {
			next, err := f.successor(*cluster)
			if err != nil {
				return skipped, err
			}
			if next == linkTerminator {
				*ptr = ClusterSize
				return skipped, nil
			}
			*cluster = next
			*ptr = 0
		}
		avail := ClusterSize - *ptr
		take := n - skipped
		if take > avail {
			take = avail
		}
		*ptr += take
		skipped += take
	}
	return skipped, nil
}

// ReadData copies up to len(buf) bytes from the cursor into buf, following
// chain links, returning the number of bytes actually read.
func (f *FS) ReadData(cluster *uint32, ptr *int, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	read := 0
	for read < len(buf) {
		if *ptr >= ClusterSize {
			next, err := f.successor(*cluster)
			if err != nil {
				return read, err
			}
			if next == linkTerminator {
				*ptr = ClusterSize
				return read, nil
			}
			*cluster = next
			*ptr = 0
		}
		avail := ClusterSize - *ptr
		take := len(buf) - read
		if take > avail {
			take = avail
		}
		if err := f.readClusterBytes(*cluster, *ptr, buf[read:read+take]); err != nil {
			return read, err
		}
		*ptr += take
		read += take
	}
	return read, nil
}

// WriteData appends buf at the cursor, extending the chain with freshly
// allocated clusters as needed. It returns the cluster and offset at which
// the first byte of buf actually landed, so callers can record back
// references to the start of a just-written record.
func (f *FS) WriteData(cluster *uint32, ptr *int, buf []byte) (realCluster uint32, realPtr int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	written := 0
	first := true
	for written < len(buf) {
		if *ptr >= ClusterSize {
			next, err := f.successor(*cluster)
			if err != nil {
				return 0, 0, err
			}
			if next == linkTerminator {
				newC, err := f.allocateLocked()
				if err != nil {
					return 0, 0, err
				}
				if err := f.setSuccessor(*cluster, newC); err != nil {
					return 0, 0, err
				}
				next = newC
			}
			*cluster = next
			*ptr = 0
		}
		if first {
			realCluster, realPtr = *cluster, *ptr
			first = false
		}
		avail := ClusterSize - *ptr
		take := len(buf) - written
		if take > avail {
			take = avail
		}
		if err := f.writeClusterBytes(*cluster, *ptr, buf[written:written+take]); err != nil {
			return 0, 0, err
		}
		*ptr += take
		written += take
	}
	if first {
		realCluster, realPtr = *cluster, *ptr
	}
	return realCluster, realPtr, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
