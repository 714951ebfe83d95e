package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrSourceRequired = errors.New("capture: frame source required")
	ErrNoFrames       = errors.New("capture: no frames available")
)

// FrameSource yields encoded JPEG frames, one per call.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// DirSource replays the .jpg/.jpeg files of a directory in name order,
// wrapping around at the end. The listing is taken once at construction.
type DirSource struct {
	root  string
	files []string

	mu  sync.Mutex
	pos int
}

func NewDirSource(root string) (*DirSource, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrSourceRequired
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("capture: resolve %s: %w", root, err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("capture: read frames dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isJPEG(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(abs, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, abs)
	}
	sort.Strings(files)
	return &DirSource{root: abs, files: files}, nil
}

func (s *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p := s.files[s.pos]
	s.pos = (s.pos + 1) % len(s.files)
	s.mu.Unlock()

	out, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("capture: read frame: %w", err)
	}
	return out, nil
}

func (s *DirSource) Len() int { return len(s.files) }

func isJPEG(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}
