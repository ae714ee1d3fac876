// Package queue implements C4 MessageQueue: a per-agent bounded FIFO with
// TTL that absorbs messages for busy agents and drains on idle. Grounded on
// zkoranges-go-claw/internal/coordinator/waiter.go's event-driven
// wait-and-resume style and internal/bus/bus.go's drop-oldest-on-overflow
// backpressure shape, generalized from a bus buffer to an explicit
// per-agent queue.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentswarm/internal/runtime"
)

const (
	// DefaultMaxSize bounds the per-agent FIFO (spec.md §3 QueuedMessage).
	DefaultMaxSize = 5
	// DefaultTTL is the message staleness budget (spec.md §3).
	DefaultTTL = 3 * time.Minute
	// maxDrainDepth is the safety rail against unbounded recursion in Drain
	// (spec.md §4.4).
	maxDrainDepth = 5
)

// ErrDrainDepthExceeded is returned by Drain when the recursion guard trips.
var ErrDrainDepthExceeded = errors.New("queue: drain recursion depth exceeded")

// MessageContext mirrors spec.md §3's MessageContext entity.
type MessageContext struct {
	ChannelID         string
	ChannelName       string
	UserID            string
	Content           string
	IsBot             bool
	SenderAgentID     string
	MentionedAgentIDs []string
	MessageID         string
	Files             []string
}

// QueuedMessage is one pending send for a busy agent.
type QueuedMessage struct {
	Prompt     string
	ChannelID  string
	Source     string
	EnqueuedAt time.Time
	Context    MessageContext
}

// SendFunc issues the actual send against a runtime, returning runtime.ErrBusy
// when the runtime was concurrently re-acquired elsewhere.
type SendFunc func(ctx context.Context, rt *runtime.AgentRuntime, msg QueuedMessage) (runtime.Response, error)

// DrainCallback is invoked once per successfully drained message.
type DrainCallback func(agentID string, msg QueuedMessage, resp runtime.Response)

// Queue is the full set of per-agent FIFOs.
type Queue struct {
	mu       sync.Mutex
	perAgent map[string][]QueuedMessage
	maxSize  int
	ttl      time.Duration
	logger   *slog.Logger
}

// Config configures a Queue. Zero values take spec.md defaults.
type Config struct {
	MaxSize int
	TTL     time.Duration
	Logger  *slog.Logger
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		perAgent: make(map[string][]QueuedMessage),
		maxSize:  maxSize,
		ttl:      ttl,
		logger:   logger,
	}
}

// Enqueue appends a message; if the queue overflows maxSize, the oldest
// message is dropped and logged (spec.md §4.4).
func (q *Queue) Enqueue(agentID string, msg QueuedMessage) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.perAgent[agentID] = append(q.perAgent[agentID], msg)
	if len(q.perAgent[agentID]) > q.maxSize {
		dropped := q.perAgent[agentID][0]
		q.perAgent[agentID] = q.perAgent[agentID][1:]
		q.logger.Warn("queue overflow, dropped oldest message",
			"agent_id", agentID, "channel_id", dropped.ChannelID)
	}
}

// Len returns the current queue depth for an agent.
func (q *Queue) Len(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perAgent[agentID])
}

func (q *Queue) pop(agentID string) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.perAgent[agentID]
	if len(msgs) == 0 {
		return QueuedMessage{}, false
	}
	head := msgs[0]
	q.perAgent[agentID] = msgs[1:]
	return head, true
}

// Drain implements spec.md §4.4's drain(agentId, runtime, sendCb, depth=0):
// pop the head, discard if TTL-expired and recurse, send via runtime, and on
// success invoke the callback then loop until empty. A Busy error from the
// runtime stops draining without re-enqueuing (prevents livelock).
func (q *Queue) Drain(ctx context.Context, agentID string, rt *runtime.AgentRuntime, send SendFunc, cb DrainCallback) error {
	return q.drainAt(ctx, agentID, rt, send, cb, 0)
}

func (q *Queue) drainAt(ctx context.Context, agentID string, rt *runtime.AgentRuntime, send SendFunc, cb DrainCallback, depth int) error {
	if depth >= maxDrainDepth {
		return ErrDrainDepthExceeded
	}

	msg, ok := q.pop(agentID)
	if !ok {
		return nil
	}

	if time.Since(msg.EnqueuedAt) > q.ttl {
		q.logger.Info("queue message expired, discarding", "agent_id", agentID, "channel_id", msg.ChannelID)
		return q.drainAt(ctx, agentID, rt, send, cb, depth+1)
	}

	resp, err := send(ctx, rt, msg)
	if err != nil {
		if errors.Is(err, runtime.ErrBusy) {
			q.logger.Info("queue drain stopped: runtime busy", "agent_id", agentID)
			return nil
		}
		return err
	}

	if cb != nil {
		cb(agentID, msg, resp)
	}
	return q.drainAt(ctx, agentID, rt, send, cb, depth+1)
}

// ClearExpired drops TTL-expired messages from every agent's queue. Intended
// to run on a periodic timer (spec.md §4.4's clearExpired()).
func (q *Queue) ClearExpired() {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for agentID, msgs := range q.perAgent {
		kept := msgs[:0]
		for _, m := range msgs {
			if now.Sub(m.EnqueuedAt) <= q.ttl {
				kept = append(kept, m)
			}
		}
		q.perAgent[agentID] = kept
	}
}
