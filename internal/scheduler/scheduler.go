// Package scheduler drives message-to-agent dispatch under a bounded
// concurrency budget and coordinates graceful/forced shutdown. Dispatch
// is bounded by a buffered channel used as a semaphore, atomic flags mark
// start/stop, and a WaitGroup drains in-flight work.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/llmhandler"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// Scheduler is the single driver loop that pulls queued envelopes and
// dispatches them to idle agents.
type Scheduler struct {
	bus          *bus.Bus
	state        *agentstate.Tracker
	handler      *llmhandler.Handler
	conversation *conversation.Manager
	log          *observability.Logger
	metrics      *observability.Metrics

	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int32
	stopping atomic.Bool
	started  atomic.Bool
	done     chan struct{}

	activeMu sync.Mutex
	active   map[string]time.Time // agent id -> dispatch time, for handlers currently in flight

	onStalled       func(agentID string, since time.Duration)
	stallThreshold  time.Duration
	heartbeatPeriod time.Duration
}

// Config collects the Scheduler's dependencies and tuning knobs.
type Config struct {
	Bus           *bus.Bus
	State         *agentstate.Tracker
	Handler       *llmhandler.Handler
	Conversation  *conversation.Manager
	MaxConcurrent int
	Log           *observability.Logger
	Metrics       *observability.Metrics

	// OnStalled, if set, is called on every heartbeat tick for each agent
	// whose handler has been in flight longer than StallThreshold. This
	// is a supplementary liveness signal (not part of the dispatch
	// algorithm itself): it never cancels or requeues anything, it only
	// reports.
	OnStalled       func(agentID string, since time.Duration)
	StallThreshold  time.Duration
	HeartbeatPeriod time.Duration
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	log := cfg.Log
	if log == nil {
		log = observability.NewNopLogger()
	}
	stallThreshold := cfg.StallThreshold
	if stallThreshold <= 0 {
		stallThreshold = 5 * time.Minute
	}
	heartbeatPeriod := cfg.HeartbeatPeriod
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	return &Scheduler{
		bus:             cfg.Bus,
		state:           cfg.State,
		handler:         cfg.Handler,
		conversation:    cfg.Conversation,
		log:             log,
		metrics:         cfg.Metrics,
		sem:             make(chan struct{}, maxConcurrent),
		done:            make(chan struct{}),
		active:          make(map[string]time.Time),
		onStalled:       cfg.OnStalled,
		stallThreshold:  stallThreshold,
		heartbeatPeriod: heartbeatPeriod,
	}
}

// Run executes the driver loop until Stop/ForceStop is called or ctx is
// cancelled. It blocks the calling goroutine; callers typically run it
// in its own goroutine and call one of the shutdown methods elsewhere.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	if s.onStalled != nil {
		go s.heartbeatLoop(ctx)
	}

	for {
		s.bus.DeliverDueMessages()

		dispatched := s.dispatchEligible(ctx)

		if s.stopping.Load() && s.inFlight.Load() == 0 {
			return
		}
		if ctx.Err() != nil && s.inFlight.Load() == 0 {
			return
		}
		if dispatched == 0 {
			s.bus.WaitForAny(ctx)
		}
	}
}

// dispatchEligible starts as many handlers as fit in the concurrency
// budget for agents with a non-empty queue and idle compute status,
// oldest-queued first. Returns the count dispatched.
func (s *Scheduler) dispatchEligible(ctx context.Context) int {
	if s.stopping.Load() {
		return 0
	}
	dispatched := 0
	for _, agentID := range s.bus.OldestQueuedFirst() {
		if s.state.Status(agentID) != models.StatusIdle {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return dispatched
		}
		env := s.bus.ReceiveNext(agentID)
		if env == nil {
			<-s.sem
			continue
		}
		// Mark busy immediately so this agent isn't picked again before
		// its handler goroutine actually starts (the scheduler's
		// collection and dispatch are single-threaded, but a handler may
		// not get a CPU slice for a moment after being spawned).
		s.state.SetStatus(agentID, models.StatusProcessing)

		s.inFlight.Add(1)
		s.wg.Add(1)
		s.activeMu.Lock()
		s.active[agentID] = time.Now()
		s.activeMu.Unlock()
		if s.metrics != nil {
			s.metrics.InFlightHandlers.Inc()
		}
		go func(id string, envelope *models.Envelope) {
			defer func() {
				<-s.sem
				s.activeMu.Lock()
				delete(s.active, id)
				s.activeMu.Unlock()
				s.inFlight.Add(-1)
				s.wg.Done()
				if s.metrics != nil {
					s.metrics.InFlightHandlers.Dec()
				}
				s.bus.WakeAny()
			}()
			s.handler.RunTurn(ctx, id, envelope)
		}(agentID, env)
		dispatched++
	}
	return dispatched
}

// Stop requests a graceful shutdown: no in-flight LLM calls are
// cancelled, in-flight handlers are drained, delayed messages are force-
// delivered so their timers are observed, then the conversation store is
// flushed.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopping.Store(true)
	s.bus.WakeAny()
	s.waitDone(ctx)
	s.bus.ForceDeliverAllDelayed()
	if err := s.conversation.FlushAll(); err != nil {
		s.log.Warn(ctx, "flushAll failed during graceful shutdown", "error", err)
	}
}

// ForceStop aborts all in-flight LLM requests, discards delayed
// messages with a warning, and persists what remains consistent.
func (s *Scheduler) ForceStop(ctx context.Context) {
	s.stopping.Store(true)
	s.activeMu.Lock()
	activeIDs := make([]string, 0, len(s.active))
	for id := range s.active {
		activeIDs = append(activeIDs, id)
	}
	s.activeMu.Unlock()
	for _, agentID := range activeIDs {
		s.state.CancelPendingToolCall(agentID)
	}
	s.bus.WakeAny()
	s.waitDone(ctx)
	if n := s.bus.DiscardAllDelayed(); n > 0 {
		s.log.Warn(ctx, "discarded delayed messages on forced shutdown", "count", n)
	}
	if err := s.conversation.FlushAll(); err != nil {
		s.log.Warn(ctx, "flushAll failed during forced shutdown", "error", err)
	}
}

// heartbeatLoop periodically reports agents whose handler has been in
// flight longer than stallThreshold. This is a supplemental liveness
// signal only; it never interferes with dispatch or shutdown.
func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			s.activeMu.Lock()
			stalled := make(map[string]time.Duration)
			for id, since := range s.active {
				if d := now.Sub(since); d >= s.stallThreshold {
					stalled[id] = d
				}
			}
			s.activeMu.Unlock()
			for id, d := range stalled {
				s.onStalled(id, d)
			}
		}
	}
}

func (s *Scheduler) waitDone(ctx context.Context) {
	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(30 * time.Second):
		s.log.Warn(ctx, "scheduler shutdown timed out waiting for in-flight handlers")
	}
	if s.started.Load() {
		<-s.done
	}
}
