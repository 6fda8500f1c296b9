package voice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFormatReservesNullSuperblockAndCollection(t *testing.T) {
	fs, err := Format(NewMemStore())
	require.NoError(t, err)

	c, err := fs.AllocateCluster()
	require.NoError(t, err)
	require.Equal(t, uint32(3), c, "first allocation must skip 0, 1 (superblock) and 2 (collection)")
}

func TestOpenRejectsUnformattedStore(t *testing.T) {
	_, err := Open(NewMemStore())
	require.ErrorIs(t, err, ErrNotFormatted)
}

func TestOpenRoundTripsMaxGroup(t *testing.T) {
	store := NewMemStore()
	fs, err := Format(store)
	require.NoError(t, err)

	// Force growth past the first supercluster group.
	for i := 0; i < ClustersPerSuper+5; i++ {
		_, err := fs.AllocateCluster()
		require.NoError(t, err)
	}

	reopened, err := Open(store)
	require.NoError(t, err)
	require.Equal(t, fs.maxGroup, reopened.maxGroup)
	require.True(t, reopened.maxGroup >= 1)
}

// TestFreeThenAllocateReuses checks that "cluster chains are cycle-free
// and terminate; free_cluster_chain followed by allocate_cluster can reuse
// the same cluster" invariant.
func TestFreeThenAllocateReuses(t *testing.T) {
	fs, err := Format(NewMemStore())
	require.NoError(t, err)

	a, err := fs.AllocateCluster()
	require.NoError(t, err)
	b, err := fs.AllocateCluster()
	require.NoError(t, err)
	require.NoError(t, fs.setSuccessor(a, b))

	require.NoError(t, fs.FreeClusterChain(a))

	c, err := fs.AllocateCluster()
	require.NoError(t, err)
	d, err := fs.AllocateCluster()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{a, b}, []uint32{c, d})
}

func TestWriteDataExtendsChainAndReadDataRecovers(t *testing.T) {
	fs, err := Format(NewMemStore())
	require.NoError(t, err)
	head, err := fs.AllocateCluster()
	require.NoError(t, err)

	payload := make([]byte, ClusterSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	cur, ptr := head, 0
	_, _, err = fs.WriteData(&cur, &ptr, payload)
	require.NoError(t, err)

	cur, ptr = head, 0
	out := make([]byte, len(payload))
	n, err := fs.ReadData(&cur, &ptr, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestSkipDataStopsAtEndOfChain(t *testing.T) {
	fs, err := Format(NewMemStore())
	require.NoError(t, err)
	head, err := fs.AllocateCluster()
	require.NoError(t, err)

	// A one-cluster chain holds exactly ClusterSize skippable bytes;
	// skipping past that stops at end-of-chain with ptr parked at
	// ClusterSize.
	cur, ptr := head, 0
	n, err := fs.SkipData(&cur, &ptr, ClusterSize+100)
	require.NoError(t, err)
	require.Equal(t, ClusterSize, n)
	require.Equal(t, ClusterSize, ptr)
	require.Equal(t, head, cur)
}

// TestClusterChainsTerminateProperty is a rapid property test: a chain of
// clusters linked by WriteData/AllocateCluster never cycles and always
// terminates within the number of clusters actually allocated.
func TestClusterChainsTerminateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fs, err := Format(NewMemStore())
		require.NoError(t, err)
		n := rapid.IntRange(1, 20).Draw(t, "chainLen")
		head, err := fs.AllocateCluster()
		require.NoError(t, err)
		cur, ptr := head, 0
		total := 0
		for i := 0; i < n; i++ {
			size := rapid.IntRange(1, ClusterSize*2).Draw(t, "writeSize")
			buf := make([]byte, size)
			_, _, err := fs.WriteData(&cur, &ptr, buf)
			require.NoError(t, err)
			total += size
		}

		seen := map[uint32]bool{head: true}
		c := head
		steps := 0
		for {
			next, err := fs.successor(c)
			require.NoError(t, err)
			if next == linkTerminator {
				break
			}
			require.False(t, seen[next], "cluster chain must not cycle")
			seen[next] = true
			c = next
			steps++
			require.Less(t, steps, 10_000)
		}
	})
}
