// Package azureblob persists polling state in Azure Blob Storage: one JSON
// cursor document per tracked entity with ETag compare-and-set commits, and
// a lease-based locker for single-writer coordination across orchestrator
// instances.
package azureblob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/logging"
	"github.com/crestline/pollsync/pkg/polling"
)

// CursorStore keeps one blob per entity, named "<prefix><entity>.json",
// holding the serialized SyncCursor. Every write is conditional on the ETag
// read in the same operation, which serializes commits per entity and makes
// a stale writer fail with ErrWatermarkConflict instead of clobbering a
// newer watermark.
type CursorStore struct {
	client    *azblob.Client
	container string
	prefix    string
	log       hclog.Logger
}

// CursorStoreOption customizes a CursorStore.
type CursorStoreOption func(*CursorStore)

// WithPrefix namespaces the cursor blobs, e.g. "cursors/".
func WithPrefix(prefix string) CursorStoreOption {
	return func(s *CursorStore) { s.prefix = prefix }
}

// WithLogger sets the store's logger.
func WithLogger(log hclog.Logger) CursorStoreOption {
	return func(s *CursorStore) { s.log = log }
}

// NewCursorStore connects to the storage account and ensures the container
// exists.
func NewCursorStore(connectionString, containerName string, opts ...CursorStoreOption) (*CursorStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	if _, err := client.CreateContainer(context.Background(), containerName, nil); err != nil &&
		!bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("creating container %s: %w", containerName, err)
	}

	s := &CursorStore{
		client:    client,
		container: containerName,
		log:       logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the entity's cursor, or an epoch cursor for a missing blob.
func (s *CursorStore) Get(ctx context.Context, entity string) (polling.SyncCursor, error) {
	cur, _, err := s.load(ctx, entity)
	if err != nil {
		return polling.SyncCursor{}, err
	}
	return cur, nil
}

// Commit writes the advanced watermark conditionally on the ETag read in
// this call. Non-monotonic watermarks and raced writes both fail with
// ErrWatermarkConflict.
func (s *CursorStore) Commit(ctx context.Context, entity string, w polling.Watermark) error {
	cur, etag, err := s.load(ctx, entity)
	if err != nil {
		return err
	}
	if !cur.Watermark.Less(w) {
		return fmt.Errorf("%w: entity %s: new watermark %s is not after stored %s",
			polling.ErrWatermarkConflict, entity, w.String(), cur.Watermark.String())
	}

	cur.Entity = entity
	cur.Watermark = w
	cur.ConsecutiveErrors = 0
	cur.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, entity, cur, etag); err != nil {
		return err
	}
	s.log.Debug("committed watermark", "entity", entity, "watermark", w.String())
	return nil
}

// RecordError bumps the entity's consecutive error count under the same ETag
// discipline as Commit.
func (s *CursorStore) RecordError(ctx context.Context, entity string) error {
	cur, etag, err := s.load(ctx, entity)
	if err != nil {
		return err
	}
	cur.Entity = entity
	cur.ConsecutiveErrors++
	cur.UpdatedAt = time.Now().UTC()
	return s.save(ctx, entity, cur, etag)
}

// load returns the cursor document and the ETag to condition the next write
// on; a nil ETag means the blob does not exist yet.
func (s *CursorStore) load(ctx context.Context, entity string) (polling.SyncCursor, *azcore.ETag, error) {
	resp, err := s.blobClient(entity).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return polling.SyncCursor{Entity: entity}, nil, nil
		}
		return polling.SyncCursor{}, nil, fmt.Errorf("%w: downloading cursor for %s: %v",
			polling.ErrStorageUnavailable, entity, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return polling.SyncCursor{}, nil, fmt.Errorf("%w: reading cursor for %s: %v",
			polling.ErrStorageUnavailable, entity, err)
	}
	var cur polling.SyncCursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return polling.SyncCursor{}, nil, fmt.Errorf("%w: corrupt cursor blob for %s: %v",
			polling.ErrStorageUnavailable, entity, err)
	}
	cur.Entity = entity
	return cur, resp.ETag, nil
}

func (s *CursorStore) save(ctx context.Context, entity string, cur polling.SyncCursor, etag *azcore.ETag) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encoding cursor for %s: %w", entity, err)
	}

	conditions := &blob.ModifiedAccessConditions{}
	if etag != nil {
		conditions.IfMatch = etag
	} else {
		// First write: only create, never overwrite a blob that appeared in
		// the meantime.
		conditions.IfNoneMatch = to.Ptr(azcore.ETagAny)
	}

	_, err = s.blobClient(entity).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: conditions},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
			return fmt.Errorf("%w: entity %s: cursor blob changed under us", polling.ErrWatermarkConflict, entity)
		}
		return fmt.Errorf("%w: uploading cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}
	return nil
}

func (s *CursorStore) blobClient(entity string) *blockblob.Client {
	name := s.prefix + entity + ".json"
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(name)
}
