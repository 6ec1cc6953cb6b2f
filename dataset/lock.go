package dataset

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDirCreationPerm is used when creating output directories.
var DefaultDirCreationPerm = os.FileMode(0o755)

// lockedWrite creates filePath by calling write with a temporary path, and then atomically moving
// the temporary file to filePath.
//
// If filePath exists and overwrite is false, it is kept as is and write is not called.
//
// Writers of the same filePath, in this or other processes, are serialized with a filePath+".lock"
// file. Waiting for the lock stops when ctx is done.
func lockedWrite(ctx context.Context, filePath string, overwrite bool, write func(tmpPath string) error) error {
	if fileExists(filePath) && !overwrite {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}

	lockPath := filePath + ".lock"
	unlock, err := acquireLock(ctx, lockPath)
	if err != nil {
		return errors.WithMessagef(err, "while waiting to write %q", filePath)
	}
	defer unlock()

	if fileExists(filePath) && !overwrite {
		// Written by another writer while we waited.
		return nil
	}
	tmpPath := filePath + ".writing"
	if err := write(tmpPath); err != nil {
		removeIfExists(tmpPath)
		return errors.WithMessagef(err, "while writing %q", tmpPath)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		removeIfExists(tmpPath)
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	removeIfExists(lockPath)
	return nil
}

// lockRetryPeriod returns how long to wait before retrying a busy lock: 100 to 200 milliseconds,
// so that concurrent waiters don't retry in lockstep.
func lockRetryPeriod() time.Duration {
	return time.Duration(100+rand.IntN(100)) * time.Millisecond
}

// acquireLock locks lockPath, creating it if needed, and returns the function that releases it.
// It polls while the lock is held elsewhere, and returns ctx.Err() if ctx is done first.
func acquireLock(ctx context.Context, lockPath string) (unlock func(), err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lock %q", lockPath)
		}
		if locked {
			break
		}
		klog.V(2).Infof("%q is locked, waiting", lockPath)
		timer := time.NewTimer(lockRetryPeriod())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(ctx.Err(), "gave up waiting for %q", lockPath)
		case <-timer.C:
		}
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			klog.Errorf("failed to unlock %q: %v", lockPath, err)
		}
	}, nil
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("failed to remove %q: %v", path, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
