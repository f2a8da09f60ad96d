package oplog

// Queue is an ordered sequence of entries with aggregate byte size and a
// shutdown sentinel. Invariant: entries are monotonically non-decreasing in
// optime within a queue. Queue itself does not check this.
type Queue struct {
	Entries      []*Entry
	bytes        int
	MustShutdown bool
}

// NewQueue creates a queue with capacity hinted by expected op count.
func NewQueue(capacityHint int) *Queue {
	return &Queue{Entries: make([]*Entry, 0, capacityHint)}
}

// Add appends an entry and its encoded size to the queue.
func (q *Queue) Add(e *Entry, size int) {
	q.Entries = append(q.Entries, e)
	q.bytes += size
}

// TotalBytes returns the aggregate byte size of all entries added so far.
func (q *Queue) TotalBytes() int { return q.bytes }

// Empty reports whether the queue holds no entries.
func (q *Queue) Empty() bool { return len(q.Entries) == 0 }

// Len returns the number of entries in the queue.
func (q *Queue) Len() int { return len(q.Entries) }

// First returns the first entry, or nil if the queue is empty.
func (q *Queue) First() *Entry {
	if q.Empty() {
		return nil
	}
	return q.Entries[0]
}

// Last returns the last entry, or nil if the queue is empty.
func (q *Queue) Last() *Entry {
	if q.Empty() {
		return nil
	}
	return q.Entries[len(q.Entries)-1]
}
