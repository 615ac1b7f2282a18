// Package sink holds the result sinks that receive terminal frame outcomes.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// writeTimeout bounds a single frame write.
const writeTimeout = 2 * time.Minute

// FrameWriter stores frames as <datastore>/<imageSet>/<frame>.<ext> objects.
type FrameWriter struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBucket opens location as a bucket. Locations with a scheme
// (s3://, mem://, file://) go through the gocloud URL mux; anything else is a
// local directory, created if needed.
func OpenBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	if location == "" {
		location = "."
	}
	if strings.Contains(location, "://") {
		b, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", location, err)
		}
		return b, nil
	}

	b, err := fileblob.OpenBucket(location, &fileblob.Options{
		CreateDir: true,
		Metadata:  fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("open output directory %s: %w", location, err)
	}
	return b, nil
}

// NewFrameWriter writes into bucket. The caller keeps ownership of the bucket.
func NewFrameWriter(bucket *blob.Bucket, prefix string) *FrameWriter {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &FrameWriter{bucket: bucket, prefix: prefix}
}

// Key is the object key for a frame with the given extension.
func (w *FrameWriter) Key(frame *domain.FrameRequest, ext string) string {
	return fmt.Sprintf("%s%s/%s/%s.%s", w.prefix, frame.DatastoreID, frame.ImageSetID, frame.ImageFrameID, ext)
}

// Write stores data for a frame and returns the key it was written to.
func (w *FrameWriter) Write(frame *domain.FrameRequest, ext string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := w.Key(frame, ext)
	if err := w.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether a frame with the given extension has been written.
func (w *FrameWriter) Exists(ctx context.Context, frame *domain.FrameRequest, ext string) (bool, error) {
	return w.bucket.Exists(ctx, w.Key(frame, ext))
}
