// Package events is Module H: a typed publish-subscribe bus fanning out
// per-operation progress to N subscribers with a bounded-queue,
// drop-oldest backpressure policy (spec.md §4.H). Grounded on the
// teacher's event-less-but-similar fan-out idiom in transport/bundle
// (stream multiplexing to many peers, never blocking on a slow one) and
// adapted to a per-subscriber channel instead of a socket.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeStatus            Type = "status"
	TypeStats             Type = "stats"
	TypeOperationProgress Type = "operation_progress"
	TypeOperationComplete Type = "operation_complete"
	TypeSessionStart      Type = "session_start"
	TypeSessionUpdate     Type = "session_update"
	TypeSessionEnd        Type = "session_end"
	TypeLog               Type = "log"
	TypeCycleStart        Type = "cycle_start"
	TypeCycleProgress     Type = "cycle_progress"
	TypeCycleComplete     Type = "cycle_complete"
)

// Event is the stable wire shape of spec.md §6: an ISO-8601 timestamp, a
// type discriminator, and a typed payload. Data holds one of the *Data
// structs below; framing (JSON, WebSocket) is the external transport's
// job, not this package's.
type Event struct {
	Time time.Time `json:"time"`
	Type Type      `json:"type"`
	Data any       `json:"data"`
}

type OperationType string

const (
	OpCache   OperationType = "cache"
	OpRestore OperationType = "restore"
	OpEvict   OperationType = "evict"
)

type OperationProgressData struct {
	OperationID       string        `json:"operation_id"`
	OperationType     OperationType `json:"operation_type"`
	FileName          string        `json:"file_name"`
	ProgressPercent   float64       `json:"progress_percent"`
	BytesTransferred  int64         `json:"bytes_transferred"`
	BytesTotal        int64         `json:"bytes_total"`
	SpeedBytesPerSec  float64       `json:"speed_bytes_per_sec"`
	ETASeconds        float64       `json:"eta_seconds"`
}

type OperationCompleteData struct {
	OperationID      string        `json:"operation_id"`
	OperationType    OperationType `json:"operation_type"`
	FilePath         string        `json:"file_path"`
	Success          bool          `json:"success"`
	Error            string        `json:"error,omitempty"`
	DurationSeconds  float64       `json:"duration_seconds"`
	BytesTransferred int64         `json:"bytes_transferred"`
}

type StatsData struct {
	TotalSizeBytes int64   `json:"total_size_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	FileCount      int     `json:"file_count"`
	Health         string  `json:"health"`
}

type CyclePhaseData struct {
	CycleID        string `json:"cycle_id"`
	Phase          string `json:"phase"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsTotal     int    `json:"items_total"`
	FilesCached    int    `json:"files_cached"`
	FilesRestored  int    `json:"files_restored"`
	Aborted        bool   `json:"aborted,omitempty"`
	OrphanedFound  int    `json:"orphaned_found,omitempty"`
	UntrackedFound int    `json:"untracked_found,omitempty"`
}

type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

type StatusData struct {
	State string `json:"state"`
}

type SessionData struct {
	UserID      string `json:"user_id"`
	LogicalPath string `json:"logical_path"`
}

// Sink is the narrow publish-only capability handed to components at
// construction (SPEC_FULL/spec.md §9: "pass an event sink interface to
// every component at construction; no globals").
type Sink interface {
	Publish(Event)
}

// Subscriber is a leased handle into the bus: a bounded, ordered channel
// plus a drop counter the holder can read (§4.H "records a drop counter
// the subscriber can read").
type Subscriber struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	mu     sync.Mutex
	closed bool
}

// Events returns the subscriber's receive channel. Closed on Withdraw.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped returns how many events were dropped for this subscriber so
// far, because its queue was full when a publish arrived.
func (s *Subscriber) Dropped() uint64 { return s.bus.droppedFor(s.id) }

// Withdraw explicitly detaches the subscriber (spec.md §4.H
// "Subscribers are withdrawn explicitly or on transport close").
func (s *Subscriber) Withdraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.remove(s.id)
	close(s.ch)
}

// Bus is the single-publisher-per-topic fan-out described in spec.md
// §4.H. Any component may hold a Sink and publish; every live Subscriber
// receives every publish in order, with oldest-drop on a full queue.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subState
	nextID     uint64
	queueDepth int
	metrics    *Metrics
}

// SetMetrics attaches a Metrics instance so subsequent drops increment
// SubscriberDrops. Optional; a Bus with no Metrics attached behaves
// exactly as before.
func (b *Bus) SetMetrics(m *Metrics) { b.metrics = m }

type subState struct {
	ch      chan Event
	dropped uint64
}

// New constructs a Bus whose subscribers each get a queue of queueDepth
// events (spec.md §6 Configuration "subscriber_queue_depth", default
// 256).
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{subs: make(map[uint64]*subState), queueDepth: queueDepth}
}

// Subscribe leases a new Subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	st := &subState{ch: make(chan Event, b.queueDepth)}
	b.subs[id] = st
	b.mu.Unlock()
	return &Subscriber{id: id, ch: st.ch, bus: b}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) droppedFor(id uint64) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.subs[id]; ok {
		return st.dropped
	}
	return 0
}

// Publish fans e out to every live subscriber. Never blocks: a full
// subscriber queue has its oldest event dropped to make room (spec.md
// §4.H "When full, the bus drops the oldest event for that subscriber and
// records a drop counter"), so a slow subscriber never blocks the
// publisher (§5 suspension point 4).
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, st := range b.subs {
		select {
		case st.ch <- e:
		default:
			// queue full: drop oldest, then enqueue, preserving FIFO
			// order of what remains (spec.md §8 invariant 5: "observed a
			// subsequence (possibly with tail drops) in the same order").
			select {
			case <-st.ch:
				st.dropped++
				b.metrics.RecordDrop()
			default:
			}
			select {
			case st.ch <- e:
			default:
				st.dropped++
				b.metrics.RecordDrop()
			}
		}
	}
}

var _ Sink = (*Bus)(nil)
