package fixtureimage

import (
	"fmt"
	"os"
	"path/filepath"
)

// ImageOption is a functional option for configuring Image creation.
type ImageOption func(*Image) error

// WithImagePath sets the path a new image will be created at, creating
// its parent directory and an empty (truncated) backing file as soon as the
// option runs; New then sizes it to the WithSize/WithSizeInMB value.
func WithImagePath(imagePath string) ImageOption {
	return func(i *Image) error {
		dir := filepath.Dir(imagePath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating directory for image %q: %w", imagePath, err)
			}
		}

		f, err := os.OpenFile(imagePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("opening image file %q: %w", imagePath, err)
		}

		i.imagePath = imagePath
		i.backend = &fileBackend{f: f}

		return nil
	}
}

// WithExistingImagePath opens an already-built image for editing via Open.
func WithExistingImagePath(imagePath string) ImageOption {
	return func(i *Image) error {
		f, err := os.OpenFile(imagePath, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("opening image file %q: %w", imagePath, err)
		}

		i.imagePath = imagePath
		i.backend = &fileBackend{f: f}

		return nil
	}
}

// WithSizeInMB sets the image size in MB.
func WithSizeInMB(sizeMB int) ImageOption {
	return func(i *Image) error {
		i.sizeBytes = uint64(sizeMB) * 1024 * 1024
		return nil
	}
}

// WithSize sets image size in bytes.
func WithSize(sizeBytes uint64) ImageOption {
	return func(i *Image) error {
		i.sizeBytes = sizeBytes
		return nil
	}
}

// WithCreatedAt sets the creation timestamp.
func WithCreatedAt(createdAt uint32) ImageOption {
	return func(i *Image) error {
		i.createdAt = createdAt
		return nil
	}
}
