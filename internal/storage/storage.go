package storage

import (
	"io"
)

// Storage abstracts where generated artifacts (videos, retention bundles)
// land. Captured frames and thumbnails always live on the local filesystem
// because ffmpeg and the resizer work on paths.
type Storage interface {
	Writer(key string) (io.WriteCloser, error)
	Reader(key string) (io.ReadCloser, error)
	Exists(key string) (bool, error)
	Size(key string) (int64, error)
}
