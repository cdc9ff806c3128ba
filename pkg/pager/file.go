// ABOUTME: File-backed pager implementation using mmap for reads and pwrite for writes
// ABOUTME: Grounded on the teacher's syscall-based mmap/pwrite pager, ported to golang.org/x/sys/unix

package pager

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type fileBacking struct {
	fd       int
	pageSize int
	length   int // bytes currently mapped
}

// openFileBacking opens or creates the database file, fsyncs its parent
// directory (so the file's existence survives a crash), and reports how
// many whole pages the existing file already covers.
func openFileBacking(path string, pageSize int) (*fileBacking, uint64, error) {
	fd, err := createFileSync(path)
	if err != nil {
		return nil, 0, err
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)
		return nil, 0, fmt.Errorf("fstat: %w", err)
	}

	fb := &fileBacking{fd: fd, pageSize: pageSize}
	existingPages := uint64(stat.Size) / uint64(pageSize)
	return fb, existingPages, nil
}

func createFileSync(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}

	dir := filepath.Dir(path)
	dirfd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer unix.Close(dirfd)

	if err := unix.Fsync(dirfd); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}

	return fd, nil
}

// grow extends the file by `pages` pages and mmaps exactly that new
// region, starting at the current end of the mapping. The file is
// extended with Ftruncate before mapping so the mapping is never larger
// than the file (which would SIGBUS on access).
func (fb *fileBacking) grow(pages int) ([]byte, error) {
	addBytes := pages * fb.pageSize
	newLength := fb.length + addBytes

	if err := unix.Ftruncate(fb.fd, int64(newLength)); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	chunk, err := unix.Mmap(fb.fd, int64(fb.length), addBytes, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	fb.length = newLength
	return chunk, nil
}

func (fb *fileBacking) writeAt(src []byte, off int64) error {
	n, err := unix.Pwrite(fb.fd, src, off)
	if err != nil {
		return fmt.Errorf("pwrite: %w", err)
	}
	if n != len(src) {
		return fmt.Errorf("pwrite: short write %d/%d", n, len(src))
	}
	return nil
}

func (fb *fileBacking) sync() error {
	return unix.Fsync(fb.fd)
}

func (fb *fileBacking) close() error {
	return unix.Close(fb.fd)
}

// Remove deletes the backing file. Exposed for tests that want a clean
// temp-file lifecycle without relying on os.RemoveAll on a directory.
func Remove(path string) error {
	return os.Remove(path)
}
