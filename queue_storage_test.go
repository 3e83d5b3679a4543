package mapsync

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSqliteQueueStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	storage, err := NewSqliteQueueStorage(path)
	assert.Equal(t, err, nil)

	mapId := NewId()
	targetId := NewId()
	text := "hello"

	seq, err := storage.Append(&PendingOperation{
		Kind:     OperationUpdate,
		MapId:    mapId,
		TargetId: targetId,
		Update:   &NodeUpdate{Text: &text},
	})
	assert.Equal(t, err, nil)
	seq2, err := storage.Append(&PendingOperation{
		Kind:     OperationDelete,
		MapId:    mapId,
		TargetId: targetId,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, seq < seq2)

	ops, err := storage.Load(mapId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(ops))
	assert.Equal(t, OperationUpdate, ops[0].Kind)
	assert.Equal(t, targetId, ops[0].TargetId)
	assert.Equal(t, "hello", *ops[0].Update.Text)
	assert.Equal(t, OperationDelete, ops[1].Kind)

	err = storage.Close()
	assert.Equal(t, err, nil)

	// pending work survives a restart
	reopened, err := NewSqliteQueueStorage(path)
	assert.Equal(t, err, nil)
	defer reopened.Close()

	ops, err = reopened.Load(mapId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(ops))
	assert.Equal(t, seq, ops[0].Seq)

	err = reopened.Remove(mapId, seq)
	assert.Equal(t, err, nil)
	ops, err = reopened.Load(mapId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, seq2, ops[0].Seq)
}

func TestSqliteQueueStorageUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	storage, err := NewSqliteQueueStorage(path)
	assert.Equal(t, err, nil)
	defer storage.Close()

	mapId := NewId()
	oldId := NewId()
	op := &PendingOperation{
		Kind:     OperationDelete,
		MapId:    mapId,
		TargetId: oldId,
	}
	seq, err := storage.Append(op)
	assert.Equal(t, err, nil)
	op.Seq = seq

	newId := NewId()
	op.TargetId = newId
	err = storage.Update(op)
	assert.Equal(t, err, nil)

	ops, err := storage.Load(mapId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, newId, ops[0].TargetId)
}

func TestSqliteQueueStorageMapIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	storage, err := NewSqliteQueueStorage(path)
	assert.Equal(t, err, nil)
	defer storage.Close()

	mapA := NewId()
	mapB := NewId()
	_, err = storage.Append(&PendingOperation{
		Kind:     OperationDelete,
		MapId:    mapA,
		TargetId: NewId(),
	})
	assert.Equal(t, err, nil)

	ops, err := storage.Load(mapB)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(ops))
}
