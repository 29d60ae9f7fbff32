// Package contentstore keeps pinned blobs on disk addressed by CIDv1.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var ErrNotFound = errors.New("content not found")

type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("content dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

// Sum computes the CID of data without storing it: CIDv1, raw codec,
// sha2-256.
func Sum(data []byte) (cid.Cid, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	return prefix.Sum(data)
}

func (s *FS) Add(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("compute cid: %w", err)
	}
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".add-*")
	if err != nil {
		return cid.Undef, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return cid.Undef, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return cid.Undef, err
	}
	if err := tmp.Close(); err != nil {
		return cid.Undef, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (s *FS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, fmt.Errorf("content %s is corrupt", id)
	}
	return data, nil
}

func (s *FS) Has(_ context.Context, id cid.Cid) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

func (s *FS) path(id cid.Cid) string {
	return filepath.Join(s.dir, id.String())
}
