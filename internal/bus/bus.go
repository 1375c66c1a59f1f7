// Package bus implements the message bus: per-recipient FIFO queues, a
// delayed-delivery min-heap, an interruption hook, and a cancellable wait
// primitive for the scheduler. The per-recipient queue shape (a
// map[string][]*item guarded by one mutex) follows an announce-queue
// idiom; the delayed heap and cancellable-wait plumbing extend it.
package bus

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/kernelerr"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// StatusSource reports whether a given agent id currently exists at all,
// so the bus can distinguish "unknown recipient" from a known one whose
// AgentLifecycleStatus has been set terminated.
type StatusSource interface {
	IsActive(agentID string) bool
	Agent(agentID string) (*models.Agent, bool)
}

// InterruptionFunc is invoked before enqueueing a message to a recipient
// that is waiting_llm and actively processing.
type InterruptionFunc func(agentID string, msg *models.Envelope)

// SendResult is the outcome of a send() call.
type SendResult struct {
	MessageID             string
	ScheduledDeliveryTime time.Time
	Rejected              bool
	Reason                string
}

type delayedItem struct {
	envelope *models.Envelope
	index    int // heap index, maintained by container/heap
}

// delayedHeap orders by DeliverAt, tie-broken by SendSeq for stable
// delivery order among envelopes sharing a deliverAt.
type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].envelope.DeliverAt != h[j].envelope.DeliverAt {
		return h[i].envelope.DeliverAt < h[j].envelope.DeliverAt
	}
	return h[i].envelope.SendSeq() < h[j].envelope.SendSeq()
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Bus is the message bus. Its internal lock is never held across an LLM
// or tool call.
type Bus struct {
	mu       sync.Mutex
	queues   map[string][]*models.Envelope
	delayed  delayedHeap
	sendSeq  uint64
	waiters  map[string][]chan struct{} // per-agent waiters for waitForMessage
	anyWaiters []chan struct{}          // woken by any enqueue/delayed-delivery/stop

	status        StatusSource
	computeStatus *agentstate.Tracker
	onInterrupt   InterruptionFunc
	metrics       *observability.Metrics
	log           *observability.Logger
}

// Config bundles the collaborators the bus needs without it owning them.
type Config struct {
	Status        StatusSource
	ComputeStatus *agentstate.Tracker
	OnInterrupt   InterruptionFunc
	Metrics       *observability.Metrics
	Log           *observability.Logger
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	log := cfg.Log
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Bus{
		queues:        make(map[string][]*models.Envelope),
		waiters:       make(map[string][]chan struct{}),
		status:        cfg.Status,
		computeStatus: cfg.ComputeStatus,
		onInterrupt:   cfg.OnInterrupt,
		metrics:       cfg.Metrics,
		log:           log,
	}
}

// SetInterruptionFunc wires the interruption hook after construction, for
// callers that must build the bus before the component owning the hook
// (the LLM handler, which itself needs the bus) exists.
func (b *Bus) SetInterruptionFunc(fn InterruptionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onInterrupt = fn
}

// Send enqueues an envelope, applying status-based rejection, interruption
// signalling and delayed-delivery scheduling.
func (b *Bus) Send(to, from string, payload map[string]any, taskID string, delayMs int64) (SendResult, error) {
	if delayMs < 0 {
		delayMs = 0
	}

	if b.status != nil {
		agent, ok := b.status.Agent(to)
		if !ok {
			return SendResult{}, kernelerr.New(kernelerr.AgentNotFound, to)
		}
		if agent.Status == models.AgentTerminated {
			return SendResult{}, kernelerr.New(kernelerr.AgentTerminating, to)
		}
	}
	if b.computeStatus != nil {
		switch b.computeStatus.Status(to) {
		case models.StatusTerminating, models.StatusTerminated:
			return SendResult{}, kernelerr.New(kernelerr.AgentTerminating, to)
		}
	}

	env := &models.Envelope{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		To:        to,
		From:      from,
		TaskID:    taskID,
		Payload:   payload,
	}

	b.mu.Lock()
	b.sendSeq++
	env.SetSendSeq(b.sendSeq)

	var scheduled time.Time
	if delayMs > 0 {
		scheduled = time.Now().Add(time.Duration(delayMs) * time.Millisecond).UTC()
		env.DeliverAt = scheduled.UnixMilli()
		heap.Push(&b.delayed, &delayedItem{envelope: env})
		if b.metrics != nil {
			b.metrics.DelayedQueueSize.Set(float64(b.delayed.Len()))
		}
		b.mu.Unlock()
		b.wakeAny()
		return SendResult{MessageID: env.ID, ScheduledDeliveryTime: scheduled}, nil
	}

	needsInterrupt := b.computeStatus != nil &&
		b.computeStatus.Status(to) == models.StatusWaitingLLM &&
		b.computeStatus.IsActivelyProcessing(to)
	b.mu.Unlock()

	if needsInterrupt && b.onInterrupt != nil {
		func() {
			defer func() { _ = recover() }() // callback failure must not block enqueue
			b.onInterrupt(to, env)
		}()
	}

	b.mu.Lock()
	b.queues[to] = append(b.queues[to], env)
	depth := len(b.queues[to])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(to).Set(float64(depth))
	}
	b.wakeOne(to)
	b.wakeAny()
	return SendResult{MessageID: env.ID}, nil
}

// ReceiveNext dequeues and returns the next envelope for an agent, or nil.
func (b *Bus) ReceiveNext(agentID string) *models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	env := q[0]
	b.queues[agentID] = q[1:]
	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(agentID).Set(float64(len(q) - 1))
	}
	return env
}

// WaitForMessage blocks until agentID's queue is non-empty or ctx is done.
func (b *Bus) WaitForMessage(ctx context.Context, agentID string) {
	b.mu.Lock()
	if len(b.queues[agentID]) > 0 {
		b.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	b.waiters[agentID] = append(b.waiters[agentID], ch)
	b.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// WaitForAny blocks until any queue gains a message, a delayed message
// becomes due, or ctx is done — the scheduler's composite wait signal.
func (b *Bus) WaitForAny(ctx context.Context) {
	b.mu.Lock()
	ch := make(chan struct{})
	b.anyWaiters = append(b.anyWaiters, ch)
	var due <-chan time.Time
	if b.delayed.Len() > 0 {
		timer := time.NewTimer(time.Until(time.UnixMilli(b.delayed[0].envelope.DeliverAt)))
		defer timer.Stop()
		due = timer.C
	}
	b.mu.Unlock()

	select {
	case <-ch:
	case <-due:
	case <-ctx.Done():
	}
}

func (b *Bus) wakeOne(agentID string) {
	b.mu.Lock()
	chans := b.waiters[agentID]
	delete(b.waiters, agentID)
	b.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// WakeAny wakes every goroutine blocked in WaitForAny, e.g. on handler
// completion or stop request.
func (b *Bus) WakeAny() { b.wakeAny() }

func (b *Bus) wakeAny() {
	b.mu.Lock()
	chans := b.anyWaiters
	b.anyWaiters = nil
	b.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// DeliverDueMessages moves delayed envelopes whose DeliverAt has passed
// into their recipient queues, in stable send order.
func (b *Bus) DeliverDueMessages() int {
	now := time.Now().UnixMilli()
	b.mu.Lock()
	delivered := 0
	var woken []string
	for b.delayed.Len() > 0 && b.delayed[0].envelope.DeliverAt <= now {
		item := heap.Pop(&b.delayed).(*delayedItem)
		b.queues[item.envelope.To] = append(b.queues[item.envelope.To], item.envelope)
		woken = append(woken, item.envelope.To)
		delivered++
	}
	if b.metrics != nil {
		b.metrics.DelayedQueueSize.Set(float64(b.delayed.Len()))
	}
	b.mu.Unlock()
	for _, id := range woken {
		b.wakeOne(id)
	}
	if delivered > 0 {
		b.wakeAny()
	}
	return delivered
}

// ForceDeliverAllDelayed moves every delayed envelope into its recipient
// queue regardless of DeliverAt, used on graceful shutdown.
func (b *Bus) ForceDeliverAllDelayed() int {
	b.mu.Lock()
	delivered := b.delayed.Len()
	var woken []string
	for b.delayed.Len() > 0 {
		item := heap.Pop(&b.delayed).(*delayedItem)
		b.queues[item.envelope.To] = append(b.queues[item.envelope.To], item.envelope)
		woken = append(woken, item.envelope.To)
	}
	if b.metrics != nil {
		b.metrics.DelayedQueueSize.Set(0)
	}
	b.mu.Unlock()
	for _, id := range woken {
		b.wakeOne(id)
	}
	b.wakeAny()
	return delivered
}

// DiscardAllDelayed drops every pending delayed envelope. A graceful
// shutdown cancels no in-flight LLM calls; a forced shutdown cancels all
// of them and drops delayed messages outright.
func (b *Bus) DiscardAllDelayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.delayed.Len()
	b.delayed = nil
	if b.metrics != nil {
		b.metrics.DelayedQueueSize.Set(0)
	}
	return n
}

// GetQueueDepth returns the current queue length for an agent.
func (b *Bus) GetQueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// GetDelayedCount returns the number of pending delayed envelopes.
func (b *Bus) GetDelayedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayed.Len()
}

// NonEmptyQueues returns the ids of all agents with a non-empty queue,
// used by the scheduler to find eligible recipients.
func (b *Bus) NonEmptyQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, q := range b.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// OldestQueuedFirst returns the ids of all agents with a non-empty queue,
// ordered by the CreatedAt of each queue's front envelope so the
// scheduler can dispatch oldest-queued first.
func (b *Bus) OldestQueuedFirst() []string {
	b.mu.Lock()
	type candidate struct {
		id      string
		oldest  time.Time
	}
	candidates := make([]candidate, 0, len(b.queues))
	for id, q := range b.queues {
		if len(q) > 0 {
			candidates = append(candidates, candidate{id: id, oldest: q[0].CreatedAt})
		}
	}
	b.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].oldest.Before(candidates[j].oldest) })
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// DropQueue discards a terminated agent's queue entirely: a terminated
// agent's queue and conversation are removed.
func (b *Bus) DropQueue(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agentID)
	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(agentID).Set(0)
	}
}
