// Package filestore resolves the object-store / local-filesystem
// backends named by a file source reference:
// {"sourceType": "S3"|"AZURE"|"LOCAL", "storageContainer": string, "path": string}.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// SourceKind is the recognised sourceType discriminant.
type SourceKind string

const (
	Local SourceKind = "LOCAL"
	S3    SourceKind = "S3"
	Azure SourceKind = "AZURE"
	GCS   SourceKind = "GCS"
)

// SourceRef is a parsed file source JSON value (an event value).
type SourceRef struct {
	Kind      SourceKind `json:"sourceType"`
	Container string     `json:"storageContainer"`
	Path      string     `json:"path"`
}

// ParseSourceRef parses one event value into a SourceRef.
func ParseSourceRef(body []byte) (SourceRef, error) {
	var ref SourceRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return SourceRef{}, fmt.Errorf("parsing file source reference: %w", err)
	}
	if ref.Path == "" {
		return SourceRef{}, fmt.Errorf("file source reference missing path")
	}
	return ref, nil
}

// Reader is a byte stream plus its total size, returned by Provider.Open.
type Reader struct {
	io.ReadCloser
	Size int64
}

// Provider resolves a SourceRef to a readable byte stream (the producer
// side) and uploads a finalised local file to its destination (the
// consumer side).
type Provider interface {
	Open(ctx context.Context, ref SourceRef) (*Reader, error)
	Upload(ctx context.Context, localPath string, ref SourceRef) error
}

// Resolver dispatches to the Provider registered for ref.Kind.
type Resolver struct {
	Local *LocalProvider
	S3    *S3Provider
	Azure *AzureProvider
	GCS   *GCSProvider
}

func (r *Resolver) providerFor(kind SourceKind) (Provider, error) {
	switch kind {
	case Local, "":
		if r.Local != nil {
			return r.Local, nil
		}
	case S3:
		if r.S3 != nil {
			return r.S3, nil
		}
	case Azure:
		if r.Azure != nil {
			return r.Azure, nil
		}
	case GCS:
		if r.GCS != nil {
			return r.GCS, nil
		}
	}
	return nil, fmt.Errorf("no provider configured for source kind %q", kind)
}

// Open resolves ref's provider and opens it.
func (r *Resolver) Open(ctx context.Context, ref SourceRef) (*Reader, error) {
	var p, err = r.providerFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, ref)
}

// Upload resolves ref's provider and uploads localPath to it.
func (r *Resolver) Upload(ctx context.Context, localPath string, ref SourceRef) error {
	var p, err = r.providerFor(ref.Kind)
	if err != nil {
		return err
	}
	return p.Upload(ctx, localPath, ref)
}
