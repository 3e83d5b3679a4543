package mapsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStatusSyncErrorCallback(t *testing.T) {
	status := NewSyncStatus()

	errs := make(chan error, 2)
	unsub := status.AddSyncErrorCallback(func(err error) {
		errs <- err
	})

	// success settles silently
	status.beginSync()
	status.endSync(nil)
	select {
	case <-errs:
		t.FailNow()
	default:
	}

	status.beginSync()
	rejected := &RejectedError{Message: "no"}
	status.endSync(rejected)
	assert.Equal(t, error(rejected), <-errs)

	// unsubscribed callbacks stop receiving
	unsub()
	status.beginSync()
	status.endSync(errors.New("offline"))
	select {
	case <-errs:
		t.FailNow()
	default:
	}
}

func TestStatusCounters(t *testing.T) {
	status := NewSyncStatus()

	assert.Equal(t, 0, status.PendingChanges())
	assert.Equal(t, false, status.IsSyncing())

	status.beginSync()
	status.setQueued(2)
	assert.Equal(t, 3, status.PendingChanges())
	assert.Equal(t, true, status.IsSyncing())

	status.endSync(errors.New("offline"))
	assert.Equal(t, 2, status.PendingChanges())
	assert.Equal(t, false, status.IsSyncing())
	assert.Equal(t, true, status.SyncError() != nil)

	status.setQueued(0)
	status.clearSyncError()
	assert.Equal(t, 0, status.PendingChanges())
	assert.Equal(t, true, status.SyncError() == nil)
}
