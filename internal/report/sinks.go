package report

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/s3client"
)

const uploadTimeout = 30 * time.Second

// Dir writes each attachment to {dir}/{NNN}-{name}{ext}.
type Dir struct {
	path string

	mu  sync.Mutex
	seq int
}

// NewDir creates dir if needed.
func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Dir{path: dir}, nil
}

// Path returns the artifact directory.
func (d *Dir) Path() string { return d.path }

func (d *Dir) Attach(name string, a action.Attachment) {
	d.mu.Lock()
	d.seq++
	file := filepath.Join(d.path, fileName(d.seq, name, a.ContentType))
	d.mu.Unlock()

	if err := os.WriteFile(file, a.Body, 0o644); err != nil {
		obs.Pkg("report").Warn("artifact_write_failed", "name", name, "path", file, "error", err.Error())
	}
}

// Bucket uploads each attachment to {runID}/{test}/{NNN}-{name}{ext}.
type Bucket struct {
	client *s3client.Client
	prefix string

	mu   sync.Mutex
	seq  int
	keys []string
}

// NewBucket returns a reporter that uploads under runID and test.
func NewBucket(client *s3client.Client, runID, test string) *Bucket {
	return &Bucket{
		client: client,
		prefix: sanitize(runID) + "/" + sanitize(test) + "/",
	}
}

// Prefix returns the key prefix shared by this reporter's uploads.
func (b *Bucket) Prefix() string { return b.prefix }

func (b *Bucket) Attach(name string, a action.Attachment) {
	b.mu.Lock()
	b.seq++
	key := b.prefix + fileName(b.seq, name, a.ContentType)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	if err := b.client.PutObject(ctx, key, a.Body, a.ContentType); err != nil {
		obs.Pkg("report").Warn("artifact_upload_failed", "name", name, "key", key, "error", err.Error())
		return
	}

	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.mu.Unlock()
}

// Keys returns the keys uploaded so far.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}
