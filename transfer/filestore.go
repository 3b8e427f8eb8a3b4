package transfer

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/slskgo/slskcore/slskerr"
)

// FileStore is the on-disk backing store for one transfer's byte stream:
// a single file, written or read sequentially from a resume offset.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

// CreateFileStore creates path for a download of the given total size,
// pre-creating parent directories.
func CreateFileStore(path string, size int64) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, slskerr.Wrap(slskerr.KindIO, "creating transfer directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, slskerr.Wrap(slskerr.KindIO, "creating transfer file", err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, slskerr.Wrap(slskerr.KindIO, "truncating transfer file", err)
		}
	}
	return &FileStore{file: f, size: size}, nil
}

// OpenFileStore opens an existing file for upload (read) or resumed
// download (write), without truncating it.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, slskerr.Wrap(slskerr.KindIO, "opening transfer file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, slskerr.Wrap(slskerr.KindIO, "statting transfer file", err)
	}
	return &FileStore{file: f, size: info.Size()}, nil
}

// WriteAt writes data at offset, supporting resume from a nonzero
// start.
func (fs *FileStore) WriteAt(offset int64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.file.WriteAt(data, offset)
	if err != nil {
		return slskerr.Wrap(slskerr.KindIO, "writing transfer bytes", err)
	}
	if n != len(data) {
		return slskerr.New(slskerr.KindIO, "partial write to transfer file")
	}
	return nil
}

// ReadAt reads up to len(buf) bytes starting at offset, for the upload
// direction. Returns the number of bytes read; io.EOF is not an error here.
func (fs *FileStore) ReadAt(offset int64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, slskerr.Wrap(slskerr.KindIO, "reading transfer bytes", err)
	}
	return n, nil
}

// Size returns the file's total size.
func (fs *FileStore) Size() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.size
}

// Close closes the backing file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Close(); err != nil {
		return slskerr.Wrap(slskerr.KindIO, "closing transfer file", err)
	}
	return nil
}
