package storage

import (
	"io"
	"os"
	"path/filepath"
)

// FSStorage impl
type FSStorage struct {
	baseDir string
}

func NewFSStorage(baseDir string) *FSStorage {
	return &FSStorage{baseDir: baseDir}
}

func (s *FSStorage) Writer(key string) (io.WriteCloser, error) {
	path := filepath.Join(s.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (s *FSStorage) Reader(key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.baseDir, key))
}

func (s *FSStorage) Exists(key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *FSStorage) Size(key string) (int64, error) {
	info, err := os.Stat(filepath.Join(s.baseDir, key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
