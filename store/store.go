// Package store provides a persistent store of (key,value) pairs shared by
// concurrent plugin invocations on the same node.
package store

import "github.com/pkg/errors"

// KeyValueStore represents a persistent store of (key,value) pairs.
type KeyValueStore interface {
	Read(key string, value interface{}) error
	Write(key string, value interface{}) error
	Flush() error
	Lock(block bool) error
	Unlock() error
	GetLockFileName() string
}

var (
	// Errors returned by KeyValueStore methods.
	ErrKeyNotFound                    = errors.New("key not found")
	ErrStoreLocked                    = errors.New("store is already locked")
	ErrStoreNotLocked                 = errors.New("store is not locked")
	ErrTimeoutLockingStore            = errors.New("timed out locking store")
	ErrNonBlockingLockIsAlreadyLocked = errors.New("attempted to perform non-blocking lock on an already locked store")
)
