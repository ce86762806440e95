package filestore

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
)

// GCSProvider serves and receives files from Google Cloud Storage.
type GCSProvider struct {
	Client *storage.Client
}

func NewGCSProvider(ctx context.Context) (*GCSProvider, error) {
	var client, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	return &GCSProvider{Client: client}, nil
}

func (p *GCSProvider) Open(ctx context.Context, ref SourceRef) (*Reader, error) {
	var obj = p.Client.Bucket(ref.Container).Object(ref.Path)
	var r, err = obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs object gs://%s/%s: %w", ref.Container, ref.Path, err)
	}
	return &Reader{ReadCloser: r, Size: r.Attrs.Size}, nil
}

func (p *GCSProvider) Upload(ctx context.Context, localPath string, ref SourceRef) error {
	var f, err = os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening finalised file %s: %w", localPath, err)
	}
	defer f.Close()

	var w = p.Client.Bucket(ref.Container).Object(ref.Path).NewWriter(ctx)
	if _, err := w.ReadFrom(f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s to gs://%s/%s: %w", localPath, ref.Container, ref.Path, err)
	}
	return w.Close()
}
