package voice

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/rodamaral/voicecommentary/codec"
)

// StreamFormat selects the external container format for import/export:
// linear PCM ("sox") or the page-structured packet container ("oggish").
type StreamFormat int

const (
	FormatSox StreamFormat = iota
	FormatOggish
)

var ErrNoCollection = errors.New("voice: no collection loaded")

// ParseFormat maps the user-facing format names onto StreamFormat.
func ParseFormat(name string) (StreamFormat, error) {
	switch name {
	case "sox", "son":
		return FormatSox, nil
	case "oggish", "ogg":
		return FormatOggish, nil
	}
	return 0, fmt.Errorf("voice: unknown container format %q", name)
}

func (f StreamFormat) String() string {
	if f == FormatOggish {
		return "oggish"
	}
	return "sox"
}

// extension is the conventional filename suffix for the format.
func (f StreamFormat) extension() string {
	if f == FormatOggish {
		return ".voc"
	}
	return ".son"
}

// DefaultExportName builds a timestamped filename for an export when the
// caller doesn't supply one, e.g. "export-20260801-121500.son".
func DefaultExportName(format StreamFormat) string {
	stamp, err := strftime.Format("%Y%m%d-%H%M%S", time.Now())
	if err != nil {
		stamp = fmt.Sprintf("%d", time.Now().Unix())
	}
	return "export-" + stamp + format.extension()
}

// StreamInfo is one row of ListStreams: enough to render a stream list UI
// or a voicectl table without handing out the Stream itself.
type StreamInfo struct {
	ID       uint64
	Timebase int64
	Length   int64
	GainDB   float64
	Packets  int
}

// LoadCollectionFile opens (or creates) a cluster filesystem image at path
// and binds its stream collection as the engine's active one, replacing and
// closing any previously loaded image.
func (e *Engine) LoadCollectionFile(path string) error {
	store, err := NewFileStore(path)
	if err != nil {
		return err
	}
	size, err := store.Size()
	if err != nil {
		store.Close()
		return err
	}
	var fs *FS
	if size == 0 {
		fs, err = Format(store)
	} else {
		fs, err = Open(store)
	}
	if err != nil {
		store.Close()
		return err
	}
	c, err := OpenCollection(fs)
	if err != nil {
		store.Close()
		return err
	}

	e.UnloadCollection()
	e.collMu.Lock()
	e.fs = fs
	e.collection = c
	e.store = store
	e.collMu.Unlock()
	return nil
}

// UnloadCollection releases the active collection (but not the underlying
// clusters) and closes the backing file if LoadCollectionFile opened one.
func (e *Engine) UnloadCollection() {
	_ = e.TangentOff()
	e.collMu.Lock()
	e.collection = nil
	store := e.store
	e.store = nil
	e.collMu.Unlock()
	e.playMu.Lock()
	stale := e.playback
	e.playback = nil
	e.playMu.Unlock()
	for _, p := range stale {
		_ = p.stream.PutRef()
	}
	if store != nil {
		_ = store.Close()
	}
}

// ListStreams reports every stream in the active collection in timebase
// order.
func (e *Engine) ListStreams() ([]StreamInfo, error) {
	c := e.currentCollection()
	if c == nil {
		return nil, ErrNoCollection
	}
	var out []StreamInfo
	for _, id := range c.AllStreams() {
		s, err := c.Stream(id)
		if err != nil {
			continue
		}
		out = append(out, StreamInfo{
			ID:       id,
			Timebase: s.Timebase(),
			Length:   s.Length(),
			GainDB:   float64(s.Gain()) / 256.0,
			Packets:  s.PacketCount(),
		})
	}
	return out, nil
}

// PlayStream manually starts playback of one stream from its beginning,
// regardless of its lock state or the current timeline position.
func (e *Engine) PlayStream(id uint64) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	s, err := c.Stream(id)
	if err != nil {
		return err
	}
	e.startPlayback(s, s.Timebase())
	return nil
}

// DeleteStream stops any playback of the stream, zeroes its collection
// slot, and frees its clusters once the last reference drops.
func (e *Engine) DeleteStream(id uint64) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	s, err := c.Stream(id)
	if err != nil {
		return err
	}
	e.playMu.Lock()
	live := e.playback[:0]
	var dropped []*playbackStream
	for _, p := range e.playback {
		if p.stream == s {
			dropped = append(dropped, p)
		} else {
			live = append(live, p)
		}
	}
	e.playback = live
	e.playMu.Unlock()
	for _, p := range dropped {
		_ = p.stream.PutRef()
	}
	return c.Delete(id)
}

// RetimeStream moves a stream to a new timeline position.
func (e *Engine) RetimeStream(id uint64, timebase int64) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	return c.Retime(id, timebase)
}

// SetGain adjusts a stream's playback gain in dB, persisted via its
// trailer.
func (e *Engine) SetGain(id uint64, gainDB float64) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	return c.Regain(id, gainDB)
}

// ImportStream reads an external container file into a new stream at the
// given timebase (a "oggish" container's own STREAM_TS tag wins if present)
// and adds it to the active collection.
func (e *Engine) ImportStream(timebase int64, path string, format StreamFormat) (uint64, error) {
	c := e.currentCollection()
	if c == nil {
		return 0, ErrNoCollection
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var s *Stream
	switch format {
	case FormatSox:
		enc, encErr := codec.NewEncoder(e.bitrate)
		if encErr != nil {
			return 0, encErr
		}
		s, err = ImportSox(e.fs, f, timebase, enc)
	case FormatOggish:
		s, err = ImportOggish(e.fs, f, timebase, e.log)
	default:
		return 0, fmt.Errorf("voice: unknown container format %d", format)
	}
	if err != nil {
		return 0, err
	}
	return c.Add(s)
}

// ExportStream writes one stream to path in the given container format. An
// empty path picks a timestamped default name in the working directory.
func (e *Engine) ExportStream(id uint64, path string, format StreamFormat) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	s, err := c.Stream(id)
	if err != nil {
		return err
	}
	if path == "" {
		path = DefaultExportName(format)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if format == FormatOggish {
		return ExportOggish(f, s)
	}
	return ExportSox(f, s)
}

// ExportSuperstream renders the whole mixed timeline to path as raw 48kHz
// mono signed 16-bit LE PCM.
func (e *Engine) ExportSuperstream(path string) error {
	c := e.currentCollection()
	if c == nil {
		return ErrNoCollection
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.ExportSuperstream(f)
}
