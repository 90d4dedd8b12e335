package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v3"
	"github.com/pkg/errors"

	"github.com/overlaynet/overlay-container-networking/platform"
)

const (
	// Extension added to the file name for lock.
	lockExtension = ".lock"

	// Maximum number of retries before failing a blocking lock call.
	lockMaxRetries = 200

	// Delay between lock retries.
	lockRetryDelay = 100 * time.Millisecond

	// Permissions for the store and lock files.
	storeFilePerm = os.FileMode(0664)
)

// jsonFileStore is an implementation of KeyValueStore using a local JSON file.
type jsonFileStore struct {
	fileName string
	data     map[string]*json.RawMessage
	inSync   bool
	locked   bool
	sync.Mutex
}

// NewJsonFileStore creates a new jsonFileStore object, accessed as a KeyValueStore.
func NewJsonFileStore(fileName string) (KeyValueStore, error) {
	if fileName == "" {
		return nil, errors.New("need a file name for the store")
	}

	kvs := &jsonFileStore{
		fileName: fileName,
		data:     make(map[string]*json.RawMessage),
	}

	return kvs, nil
}

// Read restores the value for the given key from persistent store.
func (kvs *jsonFileStore) Read(key string, value interface{}) error {
	kvs.Mutex.Lock()
	defer kvs.Mutex.Unlock()

	// Read contents from file if memory is not in sync.
	if !kvs.inSync {
		file, err := os.Open(kvs.fileName)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrKeyNotFound
			}
			return errors.Wrap(err, "failed to open store file")
		}
		defer file.Close()

		// Decode to raw JSON messages.
		if err := json.NewDecoder(file).Decode(&kvs.data); err != nil {
			return errors.Wrap(err, "failed to decode store file")
		}

		kvs.inSync = true
	}

	raw, ok := kvs.data[key]
	if !ok {
		return ErrKeyNotFound
	}

	return json.Unmarshal(*raw, value)
}

// Write saves the given key value pair to persistent store.
func (kvs *jsonFileStore) Write(key string, value interface{}) error {
	kvs.Mutex.Lock()
	defer kvs.Mutex.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value")
	}

	msg := json.RawMessage(raw)
	kvs.data[key] = &msg

	return kvs.flush()
}

// Flush commits in-memory state to persistent store.
func (kvs *jsonFileStore) Flush() error {
	kvs.Mutex.Lock()
	defer kvs.Mutex.Unlock()

	return kvs.flush()
}

// Lock-free flush for internal callers. The store file is replaced
// atomically so a crash mid-write cannot corrupt persisted state.
func (kvs *jsonFileStore) flush() error {
	buf, err := json.MarshalIndent(&kvs.data, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to marshal store")
	}

	dir, file := filepath.Split(kvs.fileName)
	if dir == "" {
		dir = "."
	}

	f, err := os.CreateTemp(dir, file)
	if err != nil {
		return errors.Wrap(err, "cannot create temp file")
	}

	tmpFileName := f.Name()

	defer func() {
		if err != nil {
			_ = os.Remove(tmpFileName)
			// Close is idempotent, just to catch if write returns error.
			f.Close()
		}
	}()

	if _, err = f.Write(buf); err != nil {
		return errors.Wrap(err, "temp file write failed")
	}

	if err = f.Close(); err != nil {
		return errors.Wrap(err, "temp file close failed")
	}

	if err = platform.ReplaceFile(tmpFileName, kvs.fileName); err != nil {
		return errors.Wrap(err, "rename temp file to store file failed")
	}

	return nil
}

// Lock locks the store for exclusive access. A blocking lock applies a
// bounded wait and fails with ErrTimeoutLockingStore once it is exceeded,
// so a stuck peer cannot hang the invocation indefinitely.
func (kvs *jsonFileStore) Lock(block bool) error {
	kvs.Mutex.Lock()
	defer kvs.Mutex.Unlock()

	if kvs.locked {
		return ErrStoreLocked
	}

	var lockFile *os.File
	lockName := kvs.fileName + lockExtension

	attempts := uint(lockMaxRetries)
	if !block {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			f, err := os.OpenFile(lockName, os.O_CREATE|os.O_EXCL|os.O_RDWR, storeFilePerm)
			if err == nil {
				lockFile = f
				return nil
			}
			if !block {
				return retry.Unrecoverable(ErrNonBlockingLockIsAlreadyLocked)
			}
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(lockRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, ErrNonBlockingLockIsAlreadyLocked) {
			return ErrNonBlockingLockIsAlreadyLocked
		}
		return ErrTimeoutLockingStore
	}

	defer lockFile.Close()

	// Write the process ID for easy identification.
	if _, err := lockFile.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return errors.Wrap(err, "failed to write pid to lock file")
	}

	kvs.locked = true

	return nil
}

// Unlock unlocks the store.
func (kvs *jsonFileStore) Unlock() error {
	kvs.Mutex.Lock()
	defer kvs.Mutex.Unlock()

	if !kvs.locked {
		return ErrStoreNotLocked
	}

	if err := os.Remove(kvs.fileName + lockExtension); err != nil {
		return errors.Wrap(err, "failed to remove lock file")
	}

	kvs.inSync = false
	kvs.locked = false

	return nil
}

func (kvs *jsonFileStore) GetLockFileName() string {
	return kvs.fileName + lockExtension
}
