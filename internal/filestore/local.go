package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalProvider serves and receives files from a local filesystem root.
type LocalProvider struct {
	Root string
}

func (p *LocalProvider) Open(ctx context.Context, ref SourceRef) (*Reader, error) {
	var path = filepath.Join(p.Root, ref.Container, ref.Path)
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening local source %s: %w", path, err)
	}
	var info, statErr = f.Stat()
	if statErr != nil {
		f.Close()
		return nil, fmt.Errorf("stat local source %s: %w", path, statErr)
	}
	return &Reader{ReadCloser: f, Size: info.Size()}, nil
}

func (p *LocalProvider) Upload(ctx context.Context, localPath string, ref SourceRef) error {
	var dest = filepath.Join(p.Root, ref.Container, ref.Path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating destination directory for %s: %w", dest, err)
	}

	var src, err = os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening finalised file %s: %w", localPath, err)
	}
	defer src.Close()

	var out, createErr = os.Create(dest)
	if createErr != nil {
		return fmt.Errorf("creating destination %s: %w", dest, createErr)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copying %s to %s: %w", localPath, dest, err)
	}
	return nil
}
