// Package journal implements the append-only change record.
//
// Records are keyed by (entity id, timestamp, record type), giving a
// stable chronological order per entity. The journal lives in its own KV
// database under the environment directory and is read through a lazy,
// restartable pager.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/storage/kv"
)

// RecordType classifies a journal record.
type RecordType byte

const (
	// RecordChanges tracks value/property changes of an entity.
	RecordChanges RecordType = iota

	// RecordActions tracks explicit operations (policy updates, removals).
	RecordActions
)

// String returns a human-readable representation of the RecordType.
func (t RecordType) String() string {
	switch t {
	case RecordChanges:
		return "changes"
	case RecordActions:
		return "actions"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Record is one journal entry. Identity is (EntityID, Time, Type); a
// second append with the same identity overwrites rather than merges,
// which in practice never happens because timestamps carry nanoseconds.
type Record struct {
	EntityID  uuid.UUID  `json:"-"`
	Time      time.Time  `json:"-"`
	Type      RecordType `json:"-"`
	Path      string     `json:"path,omitempty"`
	Initiator string     `json:"initiator,omitempty"`
	Value     string     `json:"value"`
}

// System is the initiator recorded for changes not made by a user.
const System = "System"

// Log is the append-only journal database.
type Log struct {
	db kv.Store
}

// Open opens (or creates) the journal database at dir.
func Open(dir string) (*Log, error) {
	db, err := kv.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the journal database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes one record. No merging takes place.
func (l *Log) Append(r Record) error {
	if r.Initiator == "" {
		r.Initiator = System
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if err := l.db.Put(recordKey(r.EntityID, r.Time, r.Type), data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Remove deletes every record of an entity. Idempotent.
func (l *Log) Remove(entityID uuid.UUID) error {
	prefix := entityPrefix(entityID)

	var keys [][]byte
	err := l.db.Scan(prefix, kv.PrefixLimit(prefix), func(key, value []byte) bool {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return fmt.Errorf("journal remove scan: %w", err)
	}

	for _, k := range keys {
		if err := l.db.Delete(k); err != nil {
			return fmt.Errorf("journal remove: %w", err)
		}
	}
	return nil
}

// Pages returns a lazy pager over the records of one entity and type
// within [from, to], ascending by time. Each call to Next yields at most
// pageSize records; callers may request an unbounded number of pages.
func (l *Log) Pages(entityID uuid.UUID, from, to time.Time, recordType RecordType, pageSize int) *Pager {
	if pageSize < 1 {
		pageSize = 1
	}
	return &Pager{
		log:        l,
		entityID:   entityID,
		to:         to,
		recordType: recordType,
		pageSize:   pageSize,
		next:       startKey(entityID, from),
	}
}

// Pager is a restartable cursor over journal pages.
type Pager struct {
	log        *Log
	entityID   uuid.UUID
	to         time.Time
	recordType RecordType
	pageSize   int

	next []byte // first key of the next page
	done bool
}

// Next returns the next page, or nil when the range is exhausted.
// A cancelled context returns ctx.Err() with no partial page.
func (p *Pager) Next(ctx context.Context) ([]Record, error) {
	if p.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := limitKey(p.entityID, p.to)

	var (
		page      []Record
		lastKey   []byte
		decodeErr error
		cancelled bool
	)
	err := p.log.db.Scan(p.next, limit, func(key, value []byte) bool {
		if ctx.Err() != nil {
			cancelled = true
			return false
		}

		id, t, recType, ok := parseRecordKey(key)
		if !ok || recType != p.recordType {
			return true // foreign or filtered record, keep scanning
		}

		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			decodeErr = fmt.Errorf("decode journal record: %w", err)
			return false
		}
		r.EntityID = id
		r.Time = t
		r.Type = recType
		page = append(page, r)

		lastKey = append(lastKey[:0], key...)
		return len(page) < p.pageSize
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if cancelled {
		return nil, ctx.Err()
	}

	if len(page) < p.pageSize {
		p.done = true
	} else {
		// Resume strictly after the last yielded key.
		p.next = append(lastKey, 0)
	}

	if len(page) == 0 {
		return nil, nil
	}
	return page, nil
}

// =============================================================================
// Key encoding
// =============================================================================

// Keys are entityID (16 bytes) | time (8 bytes, sign-flipped big-endian
// nanoseconds) | record type (1 byte).

func entityPrefix(id uuid.UUID) []byte {
	key := make([]byte, 0, 25)
	return append(key, id[:]...)
}

func recordKey(id uuid.UUID, t time.Time, recType RecordType) []byte {
	key := entityPrefix(id)
	key = binary.BigEndian.AppendUint64(key, uint64(t.UnixNano())^(1<<63))
	return append(key, byte(recType))
}

func startKey(id uuid.UUID, from time.Time) []byte {
	if from.IsZero() {
		return entityPrefix(id)
	}
	key := entityPrefix(id)
	return binary.BigEndian.AppendUint64(key, uint64(from.UnixNano())^(1<<63))
}

func limitKey(id uuid.UUID, to time.Time) []byte {
	if to.IsZero() {
		return kv.PrefixLimit(entityPrefix(id))
	}
	key := entityPrefix(id)
	key = binary.BigEndian.AppendUint64(key, uint64(to.UnixNano())^(1<<63))
	// Include every record type at the inclusive upper timestamp.
	return append(key, 0xff)
}

func parseRecordKey(key []byte) (id uuid.UUID, t time.Time, recType RecordType, ok bool) {
	if len(key) != 25 {
		return uuid.UUID{}, time.Time{}, 0, false
	}
	copy(id[:], key[:16])
	nanos := int64(binary.BigEndian.Uint64(key[16:24]) ^ (1 << 63))
	return id, time.Unix(0, nanos).UTC(), RecordType(key[24]), true
}
