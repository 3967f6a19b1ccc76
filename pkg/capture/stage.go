package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/psantana5/pcap-relay/pkg/logging"
)

// StagePattern is the os.CreateTemp pattern for staged uploads
const StagePattern = "upload_*.pcap"

// defaultReserve is free space kept on the staging volume after the copy
const defaultReserve = 16 << 20

// Source is a capture handed over by whoever picked the file
type Source struct {
	Reader      io.Reader
	Name        string // display name, informational only
	Size        int64  // negative if unknown
	ContentType string // caller's hint, may be empty
}

// OpenFile opens path as a Source. The returned file must be closed by
// the caller once staging finished.
func OpenFile(path string) (Source, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("failed to open capture: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Source{}, nil, fmt.Errorf("failed to stat capture: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return Source{}, nil, fmt.Errorf("%s is a directory", path)
	}
	return Source{Reader: f, Name: filepath.Base(path), Size: info.Size()}, f, nil
}

// InsufficientSpaceError means the staging volume cannot hold the copy
type InsufficientSpaceError struct {
	Dir       string
	Needed    uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough space in %s: need %d bytes, %d available", e.Dir, e.Needed, e.Available)
}

// Staged is a private copy of a capture ready for upload
type Staged struct {
	Path        string
	Filename    string
	Size        int64
	ContentType string
}

// Open opens the staged copy for reading
func (s *Staged) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Remove deletes the staged copy; removing twice is not an error
func (s *Staged) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Stager materializes sources into a staging directory
type Stager struct {
	dir     string
	reserve uint64
	logger  *logging.Logger
}

// NewStager creates a stager writing to dir, or the OS temp dir if empty
func NewStager(dir string, logger *logging.Logger) *Stager {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Stager{
		dir:     dir,
		reserve: defaultReserve,
		logger:  logger.WithField("component", "stager"),
	}
}

// Dir returns the staging directory
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies src into a new upload_*.pcap file. The content type is the
// caller's hint unless it is empty or generic, in which case it is sniffed.
func (s *Stager) Stage(ctx context.Context, src Source) (*Staged, error) {
	if src.Reader == nil {
		return nil, errors.New("capture source has no reader")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	if err := s.preflight(src.Size); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.dir, StagePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	staged := &Staged{Path: f.Name(), Filename: filepath.Base(f.Name())}

	fail := func(err error) (*Staged, error) {
		f.Close()
		staged.Remove()
		return nil, err
	}

	r := &ctxReader{ctx: ctx, r: src.Reader}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fail(fmt.Errorf("failed to read capture: %w", err))
	}
	head = head[:n]

	if _, err := f.Write(head); err != nil {
		return fail(fmt.Errorf("failed to write staging file: %w", err))
	}
	rest, err := io.Copy(f, r)
	if err != nil {
		return fail(fmt.Errorf("failed to copy capture: %w", err))
	}
	if err := f.Close(); err != nil {
		staged.Remove()
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}

	staged.Size = int64(n) + rest
	staged.ContentType = src.ContentType
	if staged.ContentType == "" || staged.ContentType == MIMEOctetStream {
		staged.ContentType = DetectContentType(head)
	}

	s.logger.Debug("capture staged", logging.Fields{
		"path": staged.Path, "size": staged.Size, "content_type": staged.ContentType, "source": src.Name,
	})
	return staged, nil
}

// preflight checks the staging volume has room for size bytes plus reserve
func (s *Stager) preflight(size int64) error {
	if size < 0 {
		return nil
	}
	usage, err := disk.Usage(s.dir)
	if err != nil {
		s.logger.Warn("could not read staging volume usage", logging.Fields{"dir": s.dir, "error": err.Error()})
		return nil
	}
	needed := uint64(size) + s.reserve
	if usage.Free < needed {
		return &InsufficientSpaceError{Dir: s.dir, Needed: needed, Available: usage.Free}
	}
	return nil
}

// ctxReader stops copying once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
