package filestore

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider serves and receives files from Azure Blob Storage.
type AzureProvider struct {
	Client *azblob.Client
}

// NewAzureProvider builds a client for serviceURL using a shared key
// credential.
func NewAzureProvider(serviceURL, accountName, accountKey string) (*AzureProvider, error) {
	var cred, err = azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("building azure shared key credential: %w", err)
	}
	var client, clientErr = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if clientErr != nil {
		return nil, fmt.Errorf("building azure blob client: %w", clientErr)
	}
	return &AzureProvider{Client: client}, nil
}

func (p *AzureProvider) Open(ctx context.Context, ref SourceRef) (*Reader, error) {
	var props, err = p.Client.ServiceClient().NewContainerClient(ref.Container).NewBlobClient(ref.Path).GetProperties(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("heading azure blob %s/%s: %w", ref.Container, ref.Path, err)
	}

	var resp, downloadErr = p.Client.DownloadStream(ctx, ref.Container, ref.Path, nil)
	if downloadErr != nil {
		return nil, fmt.Errorf("downloading azure blob %s/%s: %w", ref.Container, ref.Path, downloadErr)
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return &Reader{ReadCloser: resp.Body, Size: size}, nil
}

func (p *AzureProvider) Upload(ctx context.Context, localPath string, ref SourceRef) error {
	var f, err = os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening finalised file %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := p.Client.UploadFile(ctx, ref.Container, ref.Path, f, nil); err != nil {
		return fmt.Errorf("uploading %s to azure blob %s/%s: %w", localPath, ref.Container, ref.Path, err)
	}
	return nil
}
