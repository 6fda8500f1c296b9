package voice

import "fmt"

// FsckReport summarises one consistency pass over a cluster filesystem
// image and its stream collection.
type FsckReport struct {
	TotalClusters  int // clusters covered by resident supercluster tables
	FreeClusters   int
	UsedClusters   int // clusters marked allocated in the supercluster tables
	OrphanClusters int // allocated but reachable from nothing
	Streams        int
	BrokenStreams  int
	Problems       []string
}

func (r *FsckReport) problemf(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Fsck walks every supercluster table, the collection chain, and every
// stream's control and data chains, cross-checking that each allocated
// cluster is reachable and that each chain terminates without cycling. It
// never modifies the image; run it on a quiescent filesystem.
func Fsck(fs *FS) (*FsckReport, error) {
	r := &FsckReport{}

	// Snapshot the link tables first, so the chain walks below don't have
	// to reach into the filesystem (whose cursor operations take its mutex).
	links := map[uint32]uint32{}
	allocated := map[uint32]bool{}
	fs.mu.Lock()
	maxGroup := fs.maxGroup
	for g := uint32(0); g <= maxGroup; g++ {
		table, err := fs.loadGroup(g)
		if err != nil {
			fs.mu.Unlock()
			return nil, err
		}
		for idx, v := range table.entries {
			cluster := g*ClustersPerSuper + uint32(idx)
			r.TotalClusters++
			if v == linkFree {
				r.FreeClusters++
				continue
			}
			allocated[cluster] = true
			links[cluster] = v
			if v != linkTerminator && v/ClustersPerSuper > maxGroup {
				r.problemf("cluster %d links to %d, beyond the last supercluster", cluster, v)
			}
		}
	}
	fs.mu.Unlock()

	reachable := map[uint32]bool{}
	walk := func(head uint32, what string) {
		if head == 0 {
			return
		}
		seen := map[uint32]bool{}
		cur := head
		for {
			if seen[cur] {
				r.problemf("%s: cycle at cluster %d", what, cur)
				return
			}
			seen[cur] = true
			next, ok := links[cur]
			if !ok {
				r.problemf("%s: cluster %d is on the free list", what, cur)
				return
			}
			reachable[cur] = true
			if next == linkTerminator {
				return
			}
			cur = next
		}
	}

	// Clusters 0 and 1 are structural, never part of any chain.
	reachable[0] = true
	reachable[SuperblockCluster] = true
	walk(CollectionCluster, "collection chain")

	// Scan the slot table directly rather than through OpenCollection, so
	// one corrupt stream doesn't hide the state of the others.
	cluster := uint32(CollectionCluster)
	slot := 0
	for {
		var raw [ClusterSize]byte
		if err := fs.readClusterBytes(cluster, 0, raw[:]); err != nil {
			r.problemf("reading collection cluster %d: %v", cluster, err)
			break
		}
		for i := 0; i < slotsPerCluster; i++ {
			off := i * slotSize
			timebase := int64(beUint32(raw[off:off+4]))<<32 | int64(beUint32(raw[off+4:off+8]))
			ctrlHead := beUint32(raw[off+8 : off+12])
			dataHead := beUint32(raw[off+12 : off+16])
			if ctrlHead == 0 {
				slot++
				continue
			}
			r.Streams++
			if _, err := OpenReadStream(fs, ctrlHead, dataHead, timebase); err != nil {
				r.BrokenStreams++
				r.problemf("slot %d stream: %v", slot, err)
			}
			walk(ctrlHead, fmt.Sprintf("slot %d control chain", slot))
			walk(dataHead, fmt.Sprintf("slot %d data chain", slot))
			slot++
		}
		next, ok := links[cluster]
		if !ok || next == linkTerminator {
			break
		}
		cluster = next
	}

	for cluster := range allocated {
		if !reachable[cluster] {
			r.OrphanClusters++
		}
	}
	r.UsedClusters = len(allocated)
	return r, nil
}
