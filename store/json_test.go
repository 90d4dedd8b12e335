package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Subnet   string
	Reserved []string
}

func newTestStore(t *testing.T) (KeyValueStore, string) {
	t.Helper()

	fileName := filepath.Join(t.TempDir(), "overlay-cni.json")
	kvs, err := NewJsonFileStore(fileName)
	require.NoError(t, err)

	return kvs, fileName
}

func TestNewJsonFileStoreRequiresFileName(t *testing.T) {
	_, err := NewJsonFileStore("")
	require.Error(t, err)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	kvs, _ := newTestStore(t)

	in := testEntry{Subnet: "10.244.1.0/24", Reserved: []string{"10.244.1.2"}}
	require.NoError(t, kvs.Write("pool", &in))

	var out testEntry
	require.NoError(t, kvs.Read("pool", &out))
	require.Equal(t, in, out)
}

func TestReadMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	kvs, _ := newTestStore(t)

	var out testEntry
	require.ErrorIs(t, kvs.Read("absent", &out), ErrKeyNotFound)
}

func TestReadMissingFileReturnsErrKeyNotFound(t *testing.T) {
	kvs, err := NewJsonFileStore(filepath.Join(t.TempDir(), "never-written.json"))
	require.NoError(t, err)

	var out testEntry
	require.ErrorIs(t, kvs.Read("pool", &out), ErrKeyNotFound)
}

func TestStateSurvivesProcessRestart(t *testing.T) {
	kvs, fileName := newTestStore(t)

	in := testEntry{Subnet: "10.244.1.0/24", Reserved: []string{"10.244.1.2", "10.244.1.3"}}
	require.NoError(t, kvs.Write("pool", &in))

	// A fresh store on the same file models the next invocation.
	kvs2, err := NewJsonFileStore(fileName)
	require.NoError(t, err)

	var out testEntry
	require.NoError(t, kvs2.Read("pool", &out))
	require.Equal(t, in, out)
}

func TestFlushLeavesNoTempFiles(t *testing.T) {
	kvs, fileName := newTestStore(t)

	require.NoError(t, kvs.Write("pool", &testEntry{Subnet: "10.244.1.0/24"}))

	entries, err := os.ReadDir(filepath.Dir(fileName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(fileName), entries[0].Name())
}

func TestLockUnlock(t *testing.T) {
	kvs, _ := newTestStore(t)

	require.NoError(t, kvs.Lock(true))
	require.FileExists(t, kvs.GetLockFileName())

	require.NoError(t, kvs.Unlock())
	require.NoFileExists(t, kvs.GetLockFileName())
}

func TestLockTwiceFails(t *testing.T) {
	kvs, _ := newTestStore(t)

	require.NoError(t, kvs.Lock(true))
	require.ErrorIs(t, kvs.Lock(true), ErrStoreLocked)
	require.NoError(t, kvs.Unlock())
}

func TestUnlockWithoutLockFails(t *testing.T) {
	kvs, _ := newTestStore(t)

	require.ErrorIs(t, kvs.Unlock(), ErrStoreNotLocked)
}

func TestNonBlockingLockOnLockedStoreFails(t *testing.T) {
	kvs, fileName := newTestStore(t)
	require.NoError(t, kvs.Lock(true))
	defer kvs.Unlock()

	// A second store on the same file models a concurrent invocation.
	kvs2, err := NewJsonFileStore(fileName)
	require.NoError(t, err)

	require.ErrorIs(t, kvs2.Lock(false), ErrNonBlockingLockIsAlreadyLocked)
}

func TestBlockingLockWaitsForUnlock(t *testing.T) {
	kvs, fileName := newTestStore(t)
	require.NoError(t, kvs.Lock(true))

	kvs2, err := NewJsonFileStore(fileName)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		close(released)
		_ = kvs.Unlock()
	}()

	require.NoError(t, kvs2.Lock(true))
	defer kvs2.Unlock()

	select {
	case <-released:
	default:
		t.Fatal("blocking lock acquired before the holder released it")
	}
}
