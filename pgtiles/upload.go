package pgtiles

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"gocloud.dev/blob"
)

// Upload copies a local archive to remote storage under key. The
// bucket URL uses gocloud syntax, e.g. s3://bucket?region=us-east-1.
func Upload(ctx context.Context, logger *zap.Logger, input string, bucketURL string, key string, maxConcurrency int) error {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("opening bucket %s: %w", bucketURL, err)
	}
	defer b.Close()

	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("opening %s: %w", input, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("opening %s: %w", input, err)
	}

	opts := &blob.WriterOptions{
		BufferSize:     256 * 1024 * 1024,
		MaxConcurrency: maxConcurrency,
	}
	w, err := b.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("obtaining writer: %w", err)
	}

	bar := progressbar.DefaultBytes(stat.Size(), "uploading")
	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s: %w", input, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing upload: %w", err)
	}

	logger.Info("uploaded", zap.String("input", input), zap.String("key", key), zap.Int64("bytes", stat.Size()))
	return nil
}
