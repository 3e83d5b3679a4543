package mapsync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// durable backing for the offline queue: an ordered list of pending
// operations addressable by map id, readable on startup to resume
// unflushed work. durability is per device, not per account.
type QueueStorage interface {
	// appends in fifo order and returns the storage-assigned seq
	Append(op *PendingOperation) (uint64, error)
	// rewrites an operation in place, keyed by its seq
	Update(op *PendingOperation) error
	Remove(mapId Id, seq uint64) error
	// returns the map's operations in seq order
	Load(mapId Id) ([]*PendingOperation, error)
	Close() error
}

// sqlite-backed storage. WAL mode so queue reads do not block the
// append path.
type SqliteQueueStorage struct {
	conn *sql.DB
	Path string
}

func NewSqliteQueueStorage(path string) (*SqliteQueueStorage, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pending_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		map_id TEXT NOT NULL,
		operation TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_operations_map_id
		ON pending_operations(map_id);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}

	return &SqliteQueueStorage{
		conn: conn,
		Path: path,
	}, nil
}

func (self *SqliteQueueStorage) Append(op *PendingOperation) (uint64, error) {
	operationJson, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	result, err := self.conn.Exec(
		"INSERT INTO pending_operations (map_id, operation) VALUES (?, ?)",
		op.MapId.String(),
		string(operationJson),
	)
	if err != nil {
		return 0, fmt.Errorf("appending operation: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (self *SqliteQueueStorage) Update(op *PendingOperation) error {
	operationJson, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = self.conn.Exec(
		"UPDATE pending_operations SET operation = ? WHERE seq = ?",
		string(operationJson),
		int64(op.Seq),
	)
	if err != nil {
		return fmt.Errorf("updating operation: %w", err)
	}
	return nil
}

func (self *SqliteQueueStorage) Remove(mapId Id, seq uint64) error {
	_, err := self.conn.Exec(
		"DELETE FROM pending_operations WHERE map_id = ? AND seq = ?",
		mapId.String(),
		int64(seq),
	)
	if err != nil {
		return fmt.Errorf("removing operation: %w", err)
	}
	return nil
}

func (self *SqliteQueueStorage) Load(mapId Id) ([]*PendingOperation, error) {
	rows, err := self.conn.Query(
		"SELECT seq, operation FROM pending_operations WHERE map_id = ? ORDER BY seq ASC",
		mapId.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loading operations: %w", err)
	}
	defer rows.Close()

	ops := []*PendingOperation{}
	for rows.Next() {
		var seq int64
		var operationJson string
		if err := rows.Scan(&seq, &operationJson); err != nil {
			return nil, err
		}
		op := &PendingOperation{}
		if err := json.Unmarshal([]byte(operationJson), op); err != nil {
			return nil, fmt.Errorf("decoding operation seq=%d: %w", seq, err)
		}
		op.Seq = uint64(seq)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (self *SqliteQueueStorage) Close() error {
	return self.conn.Close()
}

// in-memory storage for callers that do not need durability across a
// restart, and for tests
type MemoryQueueStorage struct {
	stateLock sync.Mutex
	nextSeq   uint64
	ops       map[Id][]*PendingOperation
}

func NewMemoryQueueStorage() *MemoryQueueStorage {
	return &MemoryQueueStorage{
		nextSeq: 1,
		ops:     map[Id][]*PendingOperation{},
	}
}

func (self *MemoryQueueStorage) Append(op *PendingOperation) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	seq := self.nextSeq
	self.nextSeq += 1
	stored := *op
	stored.Seq = seq
	self.ops[op.MapId] = append(self.ops[op.MapId], &stored)
	return seq, nil
}

func (self *MemoryQueueStorage) Update(op *PendingOperation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, stored := range self.ops[op.MapId] {
		if stored.Seq == op.Seq {
			updated := *op
			self.ops[op.MapId][i] = &updated
			return nil
		}
	}
	return nil
}

func (self *MemoryQueueStorage) Remove(mapId Id, seq uint64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := self.ops[mapId]
	for i, stored := range ops {
		if stored.Seq == seq {
			self.ops[mapId] = append(ops[:i], ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (self *MemoryQueueStorage) Load(mapId Id) ([]*PendingOperation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := make([]*PendingOperation, len(self.ops[mapId]))
	for i, stored := range self.ops[mapId] {
		copy := *stored
		ops[i] = &copy
	}
	return ops, nil
}

func (self *MemoryQueueStorage) Close() error {
	return nil
}
