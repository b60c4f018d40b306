package azureblob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/logging"
)

// DefaultStaleAfter is how old a lock blob's last modification may be before
// a competing instance is allowed to break its lease.
const DefaultStaleAfter = 2 * time.Minute

// Locker implements polling.Locker over blob leases: each lock is an empty
// blob whose infinite lease marks ownership. A crashed owner stops renewing,
// the blob goes stale, and the next acquirer breaks the lease.
type Locker struct {
	client     *azblob.Client
	container  string
	staleAfter time.Duration
	owner      string
	log        hclog.Logger

	mu     sync.Mutex
	leases map[string]heldLease
}

type heldLease struct {
	client *lease.BlobClient
	id     string
}

// LockerOption customizes a Locker.
type LockerOption func(*Locker)

// WithStaleAfter overrides the stale-lease break age.
func WithStaleAfter(d time.Duration) LockerOption {
	return func(l *Locker) { l.staleAfter = d }
}

// WithLockerLogger sets the locker's logger.
func WithLockerLogger(log hclog.Logger) LockerOption {
	return func(l *Locker) { l.log = log }
}

// NewLocker connects to the storage account and ensures the lock container
// exists. Each Locker instance has a distinct owner identity for logging.
func NewLocker(connectionString, containerName string, opts ...LockerOption) (*Locker, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	if _, err := client.CreateContainer(context.Background(), containerName, nil); err != nil &&
		!bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("creating container %s: %w", containerName, err)
	}

	l := &Locker{
		client:     client,
		container:  containerName,
		staleAfter: DefaultStaleAfter,
		owner:      uuid.NewString(),
		log:        logging.GetLogger(),
		leases:     make(map[string]heldLease),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// AcquireLock takes the named lock and returns the lease ID. A lock held
// elsewhere and not yet stale yields ("", nil); a stale lease is broken and
// re-acquired.
func (l *Locker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	blobClient := l.blockBlobClient(lockName)
	if _, err := blobClient.UploadBuffer(ctx, []byte{}, nil); err != nil &&
		!bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing) {
		return "", fmt.Errorf("ensuring lock blob %s: %w", lockName, err)
	}

	leaseClient, err := lease.NewBlobClient(blobClient, nil)
	if err != nil {
		return "", fmt.Errorf("creating lease client for %s: %w", lockName, err)
	}

	resp, err := leaseClient.AcquireLease(ctx, -1, nil)
	if err != nil {
		if !bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return "", fmt.Errorf("acquiring lease on %s: %w", lockName, err)
		}

		age, err := l.lockAge(ctx, lockName)
		if err != nil {
			return "", err
		}
		if age <= l.staleAfter {
			l.log.Info("lock held elsewhere", "lock", lockName, "age", age.Round(time.Second))
			return "", nil
		}

		l.log.Warn("breaking stale lease", "lock", lockName, "age", age.Round(time.Second))
		if _, err := leaseClient.BreakLease(ctx, nil); err != nil {
			return "", fmt.Errorf("breaking stale lease on %s: %w", lockName, err)
		}
		// Lease breaks settle asynchronously on the service side.
		time.Sleep(time.Second)
		resp, err = leaseClient.AcquireLease(ctx, -1, nil)
		if err != nil {
			return "", fmt.Errorf("re-acquiring lease on %s after break: %w", lockName, err)
		}
	}

	l.mu.Lock()
	l.leases[lockName] = heldLease{client: leaseClient, id: *resp.LeaseID}
	l.mu.Unlock()

	l.log.Info("lock acquired", "lock", lockName, "owner", l.owner, "lease_id", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock renews the lease and rewrites the blob's metadata under it.
// Renewing a lease alone does not move the blob's LastModified, which is
// what lockAge reads, so without the metadata write a healthy owner would
// look stale to competitors after staleAfter.
func (l *Locker) RenewLock(ctx context.Context, lockName string) error {
	held, ok := l.heldLease(lockName)
	if !ok {
		return fmt.Errorf("no lease held for %s", lockName)
	}
	if _, err := held.client.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("renewing lease on %s: %w", lockName, err)
	}

	metadata := map[string]*string{
		"renewedat": to.Ptr(time.Now().UTC().Format(time.RFC3339)),
		"owner":     to.Ptr(l.owner),
	}
	_, err := l.blockBlobClient(lockName).SetMetadata(ctx, metadata, &blob.SetMetadataOptions{
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(held.id)},
		},
	})
	if err != nil {
		return fmt.Errorf("touching lock blob %s: %w", lockName, err)
	}
	return nil
}

// ReleaseLock gives up the named lease.
func (l *Locker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	held, ok := l.heldLease(lockName)
	if !ok {
		return fmt.Errorf("no lease held for %s", lockName)
	}
	if _, err := held.client.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("releasing lease on %s: %w", lockName, err)
	}

	l.mu.Lock()
	delete(l.leases, lockName)
	l.mu.Unlock()

	l.log.Info("lock released", "lock", lockName, "lease_id", leaseID)
	return nil
}

// StartLockRenewal renews the lease every half stale-interval until ctx is
// cancelled.
func (l *Locker) StartLockRenewal(ctx context.Context, lockName string) {
	go func() {
		ticker := time.NewTicker(l.staleAfter / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				l.log.Debug("stopping lock renewal", "lock", lockName)
				return
			case <-ticker.C:
				if err := l.RenewLock(ctx, lockName); err != nil {
					l.log.Warn("lease renewal failed", "lock", lockName, "error", err)
				}
			}
		}
	}()
}

func (l *Locker) lockAge(ctx context.Context, lockName string) (time.Duration, error) {
	props, err := l.blockBlobClient(lockName).GetProperties(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reading properties of lock %s: %w", lockName, err)
	}
	if props.LastModified == nil {
		return 0, nil
	}
	return time.Since(*props.LastModified), nil
}

func (l *Locker) heldLease(lockName string) (heldLease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[lockName]
	return held, ok
}

func (l *Locker) blockBlobClient(lockName string) *blockblob.Client {
	return l.client.ServiceClient().NewContainerClient(l.container).NewBlockBlobClient(lockName)
}
