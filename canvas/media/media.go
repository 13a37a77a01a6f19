// Package media implements the content-addressed ingestion path described
// in spec §4.2: dedup-on-hash uploads, derived thumbnails at a fixed set
// of sizes, and an async transcode event side-channel for video. The
// actual image codec work is out of scope (spec §1); Processor is the
// seam a real decoder/encoder plugs into.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canvasd.io/canvasd/canvas/store"
)

// ThumbSizes are the fixed "inside" fit widths/heights canvasd derives
// for every ingested image, per spec §4.2.
var ThumbSizes = []int{64, 128, 256, 512, 1024, 2048}

// Thumb is one derived rendition.
type Thumb struct {
	Size int
	URL  string
}

// IngestResult is returned to the HTTP upload collaborator and to the
// pipeline when a node references a freshly ingested hash.
type IngestResult struct {
	Hash     string
	URL      string
	Filename string
	Thumbs   []Thumb
	Created  bool
}

// Processor derives thumbnails from source bytes. The production
// implementation lives outside this module's scope (spec §1 excludes
// image decoders); canvasd ships Processor as an interface plus a
// pass-through fake for tests.
type Processor interface {
	// Derive returns one encoded thumbnail per requested size that could
	// be produced; a size absent from the result is a non-fatal miss
	// (spec §4.2 — "failures to derive a particular size are
	// non-fatal").
	Derive(ctx context.Context, data []byte, mime string, sizes []int) (map[int][]byte, error)
}

// Blobs is the object-storage seam (local disk, S3, R2, ...) the
// registry writes originals and derivatives to. Grounded on the
// R2ClientInterface shape from the imaging-service reference file.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URL(key string) string
}

// TranscodeNotifier is the async video side-channel contract (spec
// §4.2/§6): canvasd emits queued/start/progress/complete events keyed by
// original filename; the actual transcoder is an external collaborator.
type TranscodeNotifier interface {
	Queued(filename string)
	Start(filename string)
	Progress(filename string, percent int)
	Complete(filename string, formats []string, err error)
}

// NoopTranscodeNotifier satisfies TranscodeNotifier without emitting
// anything; used where video transcoding is not wired up.
type NoopTranscodeNotifier struct{}

func (NoopTranscodeNotifier) Queued(string)                    {}
func (NoopTranscodeNotifier) Start(string)                     {}
func (NoopTranscodeNotifier) Progress(string, int)              {}
func (NoopTranscodeNotifier) Complete(string, []string, error) {}

// Registry is the MediaRegistry of spec §4.2.
type Registry struct {
	log       *zap.Logger
	store     store.Store
	blobs     Blobs
	processor Processor
	transcode TranscodeNotifier
}

// New constructs a Registry. processor/transcode may be nil, in which
// case NoopTranscodeNotifier and a zero-thumbnail Processor are used.
func New(log *zap.Logger, st store.Store, blobs Blobs, processor Processor, transcode TranscodeNotifier) *Registry {
	if transcode == nil {
		transcode = NoopTranscodeNotifier{}
	}
	if processor == nil {
		processor = noopProcessor{}
	}
	return &Registry{log: log, store: st, blobs: blobs, processor: processor, transcode: transcode}
}

type noopProcessor struct{}

func (noopProcessor) Derive(context.Context, []byte, string, []int) (map[int][]byte, error) {
	return nil, nil
}

// Ingest implements spec §4.2's `ingest(stream, declaredMime,
// declaredHash?) → {hash, url, filename, thumbs}`. If declaredHash
// matches an existing record, the upload is not re-stored (dedup on
// hash); otherwise the stream is hashed as it is read, stored under a
// content-addressed key, and thumbnails are derived in parallel.
func (r *Registry) Ingest(ctx context.Context, stream io.Reader, declaredMime, declaredHash string) (IngestResult, error) {
	data, hash, err := readAndHash(stream)
	if err != nil {
		return IngestResult{}, err
	}
	if declaredHash != "" && declaredHash != hash {
		return IngestResult{}, fmt.Errorf("declared hash %s does not match computed hash %s", declaredHash, hash)
	}

	storedName := fmt.Sprintf("%s-%s", hash[:12], uuid.New().String())
	key := fmt.Sprintf("originals/%s/%s", hash[:2], storedName)

	registered, err := r.store.RegisterFile(ctx, hash, store.FileMeta{
		StoredName: storedName,
		Mime:       declaredMime,
		Size:       int64(len(data)),
	})
	if err != nil {
		return IngestResult{}, err
	}
	if !registered.Created {
		// Re-upload of a known hash: return the existing record without
		// re-storing the blob (spec §4.2 idempotent-on-hash).
		return r.existingResult(registered.File.Hash, registered.File.StoredName), nil
	}

	if err := r.blobs.Put(ctx, key, data, declaredMime); err != nil {
		return IngestResult{}, err
	}

	thumbs, err := r.deriveThumbnails(ctx, hash, data, declaredMime)
	if err != nil {
		r.log.Warn("thumbnail derivation failed", zap.String("hash", hash), zap.Error(err))
	}

	result := IngestResult{
		Hash:     hash,
		URL:      r.blobs.URL(key),
		Filename: storedName,
		Thumbs:   thumbs,
		Created:  true,
	}
	return result, nil
}

func (r *Registry) existingResult(hash, storedName string) IngestResult {
	key := fmt.Sprintf("originals/%s/%s", hash[:2], storedName)
	thumbs := make([]Thumb, 0, len(ThumbSizes))
	for _, size := range ThumbSizes {
		thumbs = append(thumbs, Thumb{Size: size, URL: r.thumbURL(hash, size)})
	}
	return IngestResult{Hash: hash, URL: r.blobs.URL(key), Filename: storedName, Thumbs: thumbs, Created: false}
}

// deriveThumbnails runs the processor once and uploads whatever sizes it
// produced, in parallel, bounded by errgroup so one slow/failed upload
// doesn't block the others. A size the processor could not derive is
// silently absent from the result, per spec §4.2.
func (r *Registry) deriveThumbnails(ctx context.Context, hash string, data []byte, mime string) ([]Thumb, error) {
	derived, err := r.processor.Derive(ctx, data, mime, ThumbSizes)
	if err != nil {
		return nil, err
	}
	if len(derived) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var thumbs []Thumb
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, 4)

	for size, bytesForSize := range derived {
		size, bytesForSize := size, bytesForSize
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			key := thumbKey(hash, size)
			if err := r.blobs.Put(gctx, key, bytesForSize, "image/webp"); err != nil {
				return err
			}
			mu.Lock()
			thumbs = append(thumbs, Thumb{Size: size, URL: r.blobs.URL(key)})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return thumbs, err
	}
	return thumbs, nil
}

func (r *Registry) thumbURL(hash string, size int) string {
	return r.blobs.URL(thumbKey(hash, size))
}

func thumbKey(hash string, size int) string {
	return fmt.Sprintf("thumbnails/%d/%s", size, hash)
}

func readAndHash(stream io.Reader) ([]byte, string, error) {
	h := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(h, &buf), stream); err != nil {
		return nil, "", fmt.Errorf("reading upload stream: %w", err)
	}
	return buf.Bytes(), hex.EncodeToString(h.Sum(nil)), nil
}

// NotifyVideoQueued, NotifyVideoStart, NotifyVideoProgress and
// NotifyVideoComplete forward to the configured TranscodeNotifier; the
// pipeline's media_ready / video_processing_* broadcast wiring in
// canvas/server calls these as the async transcoder reports progress.
func (r *Registry) NotifyVideoQueued(filename string) { r.transcode.Queued(filename) }
func (r *Registry) NotifyVideoStart(filename string)  { r.transcode.Start(filename) }
func (r *Registry) NotifyVideoProgress(filename string, percent int) {
	r.transcode.Progress(filename, percent)
}
func (r *Registry) NotifyVideoComplete(filename string, formats []string, err error) {
	r.transcode.Complete(filename, formats, err)
}
