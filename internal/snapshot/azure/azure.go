// Package azure writes snapshots to Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/keyserver/internal/snapshot"
)

// Config controls the Azure sink.
type Config struct {
	Account    string
	AccountKey string
	SASToken   string
	// Endpoint overrides https://<account>.blob.core.windows.net, for
	// example to target Azurite.
	Endpoint  string
	Container string
	Prefix    string
}

// Sink uploads snapshots as block blobs.
type Sink struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New authenticates with a SAS token or shared key and makes sure the
// container exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Account == "" {
		return nil, errors.New("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, nil)
	case cfg.AccountKey != "":
		cred, cerr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	default:
		return nil, errors.New("azure: account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(cctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Sink{client: client, container: cfg.Container, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put uploads body as Prefix/name.
func (s *Sink) Put(ctx context.Context, name string, body []byte, contentType string) error {
	blobName := snapshot.JoinPrefix(s.prefix, name)
	_, err := s.client.UploadBuffer(ctx, s.container, blobName, body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return fmt.Errorf("azure: upload %s: %w", blobName, err)
	}
	return nil
}

// Close is a no-op.
func (s *Sink) Close() error { return nil }

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}
