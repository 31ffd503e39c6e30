package history

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one stored question/answer interaction. Records are immutable
// once appended; the log only appends and deletes.
type Record struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
	ModelUsed string    `json:"model_used"`
}

// Log is a bounded, insertion-ordered in-process record of interactions.
// Appending beyond capacity evicts the single oldest-inserted record.
type Log struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

const defaultCapacity = 1000

func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = defaultCapacity
	}
	return &Log{
		records:  make([]Record, 0, capacity),
		capacity: capacity,
	}
}

// Append adds record as the newest entry, filling ID and Timestamp when
// unset, and returns the stored record.
func (l *Log) Append(record Record) Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	if len(l.records) > l.capacity {
		// FIFO eviction: drop the oldest insertion, shifting in place so the
		// backing array does not grow past capacity.
		n := copy(l.records, l.records[1:])
		l.records = l.records[:n]
	}
	return record
}

// List returns up to limit records ordered by timestamp descending. Equal
// timestamps keep their relative insertion order. A non-positive limit
// returns all records. The returned slice is a copy.
func (l *Log) List(limit int) []Record {
	l.mu.Lock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Delete removes the record with the given id and reports whether one was
// removed. A missing id is not an error at this layer.
func (l *Log) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, rec := range l.records {
		if rec.ID == id {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all records and returns how many were removed.
func (l *Log) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.records)
	l.records = l.records[:0]
	return n
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
