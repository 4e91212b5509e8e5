package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ObjectStore is the subset of the storage client the batch needs to pull
// inputs from and push outputs to a bucket prefix.
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// DownloadPrefix copies the direct children of prefix into dir. Nested keys
// are ignored so the local batch sees the same flat directory a user would.
func DownloadPrefix(ctx context.Context, store ObjectStore, prefix, dir string) (int, error) {
	if store == nil {
		return 0, errors.New("object store is required")
	}

	keys, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list input objects: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	base := normalizePrefix(prefix)
	count := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		name := strings.TrimPrefix(key, base)
		if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
			continue
		}

		data, err := store.ReadObject(ctx, key)
		if err != nil {
			return count, err
		}
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			return count, fmt.Errorf("store downloaded object %s: %w", key, err)
		}
		count++
	}
	return count, nil
}

// UploadDir writes each regular file of dir to prefix/name.
func UploadDir(ctx context.Context, store ObjectStore, dir, prefix string) (int, error) {
	if store == nil {
		return 0, errors.New("object store is required")
	}

	names, err := listFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("list output dir: %w", err)
	}

	count := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return count, fmt.Errorf("read output file %s: %w", name, err)
		}
		key := path.Join(strings.TrimSuffix(prefix, "/"), name)
		if err := store.WriteObject(ctx, key, data, ContentTypeForName(name)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

func ContentTypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
