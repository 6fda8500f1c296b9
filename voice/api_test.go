package voice

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCollectionFileCreatesAndReopensImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.vcfs")

	e := NewEngine(nil, nil, nil)
	require.NoError(t, e.LoadCollectionFile(path))

	require.NoError(t, e.TangentOn())
	e.tangentMu.Lock()
	require.NoError(t, e.active.Write(8, []byte{1, 2, 3}))
	e.tangentMu.Unlock()
	require.NoError(t, e.TangentOff())
	e.UnloadCollection()

	e2 := NewEngine(nil, nil, nil)
	require.NoError(t, e2.LoadCollectionFile(path))
	defer e2.UnloadCollection()
	infos, err := e2.ListStreams()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, 1, infos[0].Packets)
}

func TestEngineAPIWithoutCollection(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	_, err := e.ListStreams()
	require.ErrorIs(t, err, ErrNoCollection)
	require.ErrorIs(t, e.PlayStream(0), ErrNoCollection)
	require.ErrorIs(t, e.DeleteStream(0), ErrNoCollection)
	require.ErrorIs(t, e.RetimeStream(0, 0), ErrNoCollection)
	require.ErrorIs(t, e.SetGain(0, 0), ErrNoCollection)
}

func TestExportImportStreamSoxFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil, nil, nil)
	require.NoError(t, e.LoadCollectionFile(filepath.Join(dir, "a.vcfs")))
	defer e.UnloadCollection()

	s := sealedStream(t, e.fs, 48000, []byte{1, 2, 3})
	c := e.currentCollection()
	id, err := c.Add(s)
	require.NoError(t, err)

	out := filepath.Join(dir, "stream.son")
	require.NoError(t, e.ExportStream(id, out, FormatSox))
	fi, err := os.Stat(out)
	require.NoError(t, err)
	require.GreaterOrEqual(t, fi.Size(), int64(soxHeaderSize))

	id2, err := e.ImportStream(96000, out, FormatSox)
	require.NoError(t, err)
	infos, err := e.ListStreams()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, si := range infos {
		if si.ID == id2 {
			require.Equal(t, int64(96000), si.Timebase)
		}
	}
}

func TestDeleteStreamStopsItsPlayback(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	require.NoError(t, e.LoadCollectionFile(filepath.Join(t.TempDir(), "d.vcfs")))
	defer e.UnloadCollection()

	s := sealedStream(t, e.fs, 0, make([]byte, 4))
	c := e.currentCollection()
	id, err := c.Add(s)
	require.NoError(t, err)

	require.NoError(t, e.PlayStream(id))
	require.Len(t, e.playingStreamPtrs(), 1)
	require.NoError(t, e.DeleteStream(id))
	require.Empty(t, e.playingStreamPtrs())
	require.ErrorIs(t, e.PlayStream(id), ErrUnknownStream)
}

func TestDefaultExportNameCarriesExtension(t *testing.T) {
	require.True(t, strings.HasPrefix(DefaultExportName(FormatSox), "export-"))
	require.True(t, strings.HasSuffix(DefaultExportName(FormatSox), ".son"))
	require.True(t, strings.HasSuffix(DefaultExportName(FormatOggish), ".voc"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("sox")
	require.NoError(t, err)
	require.Equal(t, FormatSox, f)
	f, err = ParseFormat("oggish")
	require.NoError(t, err)
	require.Equal(t, FormatOggish, f)
	_, err = ParseFormat("wav")
	require.Error(t, err)
}

func TestEngineStartStopFlushesTangent(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	require.NoError(t, e.LoadCollectionFile(filepath.Join(t.TempDir(), "s.vcfs")))
	defer e.UnloadCollection()

	e.Start()
	require.NoError(t, e.TangentOn())
	require.NoError(t, e.Stop())

	// The in-flight stream got a trailer and landed in the collection.
	infos, err := e.ListStreams()
	require.NoError(t, err)
	require.Len(t, infos, 1)
}
