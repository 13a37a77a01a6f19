package media

import (
	"context"
	"os"
	"path/filepath"
)

// DiskBlobs is a minimal filesystem-backed Blobs implementation for
// local/dev deployments. The production static-serving path (GET
// /uploads/:name, GET /thumbnails/:size/:name) is an external
// collaborator per spec §1; DiskBlobs only needs to satisfy writes and
// produce a URL the collaborator can later resolve against baseURL.
type DiskBlobs struct {
	root    string
	baseURL string
}

// NewDiskBlobs returns a DiskBlobs rooted at dir, serving URLs prefixed
// with baseURL (e.g. "/uploads").
func NewDiskBlobs(dir, baseURL string) *DiskBlobs {
	return &DiskBlobs{root: dir, baseURL: baseURL}
}

func (d *DiskBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *DiskBlobs) URL(key string) string {
	return d.baseURL + "/" + key
}
