package segment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Store persists emitted segments to disk for offline inspection. Writes are
// best effort: failures are logged and never propagate into the pipeline.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir. An empty dir disables persistence
// and returns nil, which all methods tolerate.
func NewStore(dir string, logger *slog.Logger) *Store {
	if dir == "" {
		return nil
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "segment-store")),
	}
}

// Save writes the segment payload, and the dubbed payload when present,
// under <dir>/<stream_id>/.
func (s *Store) Save(seg *Segment) {
	if s == nil {
		return
	}
	streamDir := filepath.Join(s.dir, seg.StreamID)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		s.logger.Warn("creating segment directory", slog.String("error", err.Error()))
		return
	}

	base := fmt.Sprintf("%s-%06d-%s", seg.Kind, seg.BatchNumber, seg.FragmentID)
	s.write(filepath.Join(streamDir, base+".raw"), seg.Payload)
	if seg.Dubbed() {
		s.write(filepath.Join(streamDir, base+".dubbed.raw"), seg.DubbedPayload)
	}
}

func (s *Store) write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("writing segment file",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}
