package voice

import (
	"os"
	"sync"
)

// FileStore backs a cluster filesystem image with a single os.File.
type FileStore struct {
	f *os.File
}

// NewFileStore opens or creates path as a Store for Format/Open.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{f: f}, nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *FileStore) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *FileStore) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
func (s *FileStore) Close() error { return s.f.Close() }

// MemStore is a sparse, chunked in-memory Store used by tests so cluster
// filesystem images never touch disk. Chunks are allocated lazily on first
// write, so a store spanning many supercluster groups stays cheap as long as
// only a few clusters are actually touched.
type MemStore struct {
	mu     sync.Mutex
	chunks map[int64][]byte
	size   int64
}

const memChunkSize = 4096

func NewMemStore() *MemStore {
	return &MemStore{chunks: map[int64][]byte{}}
}

func (s *MemStore) chunk(idx int64, create bool) []byte {
	c, ok := s.chunks[idx]
	if !ok {
		if !create {
			return nil
		}
		c = make([]byte, memChunkSize)
		s.chunks[idx] = c
	}
	return c
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := 0; n < len(p); {
		abs := off + int64(n)
		idx := abs / memChunkSize
		within := int(abs % memChunkSize)
		c := s.chunk(idx, false)
		take := memChunkSize - within
		if take > len(p)-n {
			take = len(p) - n
		}
		if c == nil {
			for i := 0; i < take; i++ {
				p[n+i] = 0
			}
		} else {
			copy(p[n:n+take], c[within:within+take])
		}
		n += take
	}
	return len(p), nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := 0; n < len(p); {
		abs := off + int64(n)
		idx := abs / memChunkSize
		within := int(abs % memChunkSize)
		c := s.chunk(idx, true)
		take := memChunkSize - within
		if take > len(p)-n {
			take = len(p) - n
		}
		copy(c[within:within+take], p[n:n+take])
		n += take
	}
	if end := off + int64(len(p)); end > s.size {
		s.size = end
	}
	return len(p), nil
}

func (s *MemStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}
