// Package pool manages a bounded set of lazily created agents and a rate
// limited dispatch queue in front of them. Callers submit completion
// requests through Execute; the pool owns agent checkout, the minimum
// inter-dispatch interval, queue deadlines, and idle agent retirement.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
	"github.com/praxislabs/dirigent/internal/merge"
)

// Request is a single completion request submitted to the pool.
type Request struct {
	TaskID    string `json:"task_id"`
	MissionID string `json:"mission_id,omitempty"`
	Provider  string `json:"provider"`
	Tier      string `json:"tier,omitempty"`
	Prompt    string `json:"prompt"`
}

// Result is the normalized outcome of a completed request.
type Result struct {
	Output         string         `json:"output"`
	Changes        []merge.Change `json:"changes,omitempty"` // proposed file edits
	TokensSent     int64          `json:"tokens_sent"`
	TokensReceived int64          `json:"tokens_received"`
	FinishReason   string         `json:"finish_reason,omitempty"`
	Model          string         `json:"model,omitempty"`
	// Duration is the wall time of the model call, stamped by the pool.
	Duration time.Duration `json:"duration"`
}

// TotalTokens is the combined prompt and completion token count.
func (r *Result) TotalTokens() int64 { return r.TokensSent + r.TokensReceived }

// Completer executes one completion request against a provider. The pool
// serializes access so implementations see at most MaxAgents concurrent
// calls.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// UsageGate is consulted before dispatch and fed after each completed call.
// The quota tracker satisfies it.
type UsageGate interface {
	CanExecute(provider string) bool
	RecordUsage(provider, tier string, sent, received int64)
}

// allowAll is the gate used when no quota tracker is wired.
type allowAll struct{}

func (allowAll) CanExecute(string) bool                  { return true }
func (allowAll) RecordUsage(string, string, int64, int64) {}

// Config controls pool limits.
type Config struct {
	// MaxAgents is the agent ceiling. Agents are created lazily.
	MaxAgents int
	// DispatchInterval is the minimum time between two dispatches.
	DispatchInterval time.Duration
	// RequestTimeout is how long a request may wait in the queue before it
	// fails with a timeout.
	RequestTimeout time.Duration
	// IdleTimeout is how long an agent may sit unused before the sweep
	// retires it. The sweep never retires the last remaining agent.
	IdleTimeout time.Duration
	// QueueSize bounds the request queue. Submissions beyond it fail
	// immediately with a capacity error.
	QueueSize int
}

// agent is one pool worker. Agents hold no provider state of their own;
// they bound concurrency and carry idle and usage bookkeeping.
type agent struct {
	id        string
	createdAt time.Time
	lastUsed  time.Time

	// cumulative counters, mutated only by the run that holds the agent
	requests int64
	tokens   int64
	errors   int64
}

// AgentInfo is a snapshot of one agent's counters.
type AgentInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Requests  int64     `json:"requests"`
	Tokens    int64     `json:"tokens"`
	Errors    int64     `json:"errors"`
}

// pending is a queued request awaiting dispatch.
type pending struct {
	ctx      context.Context
	req      Request
	enqueued time.Time
	resultCh chan outcome

	claimed atomic.Bool
	timer   *time.Timer // queue deadline, armed at enqueue
}

// claim marks the request as owned by exactly one of the dispatcher, the
// queue deadline timer, or shutdown. Only the claimer may settle resultCh.
func (pend *pending) claim() bool {
	return pend.claimed.CompareAndSwap(false, true)
}

func (pend *pending) stopTimer() {
	if pend.timer != nil {
		pend.timer.Stop()
	}
}

type outcome struct {
	result *Result
	err    error
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Agents     int `json:"agents"`
	Busy       int `json:"busy"`
	QueueDepth int `json:"queue_depth"`
}

// Pool dispatches requests to a bounded set of agents.
type Pool struct {
	cfg       Config
	completer Completer
	gate      UsageGate
	bus       *event.Bus
	logger    *logging.Logger

	mu      sync.Mutex
	created int
	busy    int
	nextID  int
	closed  bool
	agents  map[string]*agent

	queue chan *pending
	idle  chan *agent
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Pool and starts its dispatch and idle-sweep loops. The
// completer must not be nil; gate and bus may be.
func New(cfg Config, completer Completer, gate UsageGate, bus *event.Bus, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if gate == nil {
		gate = allowAll{}
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 100 * time.Millisecond
	}

	p := &Pool{
		cfg:       cfg,
		completer: completer,
		gate:      gate,
		bus:       bus,
		logger:    logger,
		queue:     make(chan *pending, cfg.QueueSize),
		idle:      make(chan *agent, cfg.MaxAgents),
		stop:      make(chan struct{}),
		agents:    make(map[string]*agent),
	}

	p.wg.Add(1)
	go p.dispatchLoop()
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// Execute submits a request and blocks until it completes, fails, or the
// context is cancelled. Requests are refused up front when the provider's
// quota is exhausted or the queue is full.
func (p *Pool) Execute(ctx context.Context, req Request) (*Result, error) {
	if !p.gate.CanExecute(req.Provider) {
		return nil, errors.NewQuotaExceeded(req.Provider, 1.0)
	}

	pend := &pending{
		ctx:      ctx,
		req:      req,
		enqueued: time.Now(),
		resultCh: make(chan outcome, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewCancelled("pool execute")
	}
	p.mu.Unlock()

	// The queue deadline is armed here, not checked at dequeue: a request
	// stuck behind a long upstream call must still fail on time.
	if p.cfg.RequestTimeout > 0 {
		pend.timer = time.AfterFunc(p.cfg.RequestTimeout, func() {
			if !pend.claim() {
				return
			}
			p.logger.Warn("request timed out in queue",
				"task_id", pend.req.TaskID,
				"waited", time.Since(pend.enqueued),
			)
			pend.resultCh <- outcome{err: errors.NewTimeout("queue wait", p.cfg.RequestTimeout)}
		})
		defer pend.stopTimer()
	}

	select {
	case p.queue <- pend:
		p.publishDepth()
	default:
		pend.claim()
		return nil, errors.NewCapacityExceeded("pool queue", p.cfg.QueueSize)
	}

	select {
	case out := <-pend.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		// The dispatch loop notices the dead context and discards the
		// request; nothing further will write to resultCh.
		return nil, errors.NewCancelled("pool execute").WithCause(ctx.Err())
	}
}

// dispatchLoop drains the queue, enforcing the minimum inter-dispatch
// interval, and hands each request to an agent. Queue deadlines are
// enforced by the per-request timers armed in Execute.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	var lastDispatch time.Time
	for {
		select {
		case <-p.stop:
			p.drainQueue()
			return
		case pend := <-p.queue:
			p.publishDepth()
			if pend.ctx.Err() != nil {
				pend.claim()
				pend.stopTimer()
				continue
			}
			if wait := p.cfg.DispatchInterval - time.Since(lastDispatch); wait > 0 {
				select {
				case <-p.stop:
					if pend.claim() {
						pend.resultCh <- outcome{err: errors.NewCancelled("pool dispatch")}
					}
					p.drainQueue()
					return
				case <-time.After(wait):
				}
			}

			ag, err := p.checkout(pend.ctx)
			if err != nil {
				if pend.claim() {
					pend.resultCh <- outcome{err: err}
				}
				continue
			}
			// The deadline timer may have fired while we waited for an
			// agent; a claimed request already failed with Timeout.
			if !pend.claim() || pend.ctx.Err() != nil {
				p.release(ag)
				continue
			}
			pend.stopTimer()

			lastDispatch = time.Now()
			p.wg.Add(1)
			go p.run(ag, pend)
		}
	}
}

// run executes one request on an agent and releases the agent afterwards.
func (p *Pool) run(ag *agent, pend *pending) {
	defer p.wg.Done()
	defer p.release(ag)

	p.mu.Lock()
	p.busy++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}()

	p.logger.Debug("dispatching request",
		"agent_id", ag.id,
		"task_id", pend.req.TaskID,
		"provider", pend.req.Provider,
	)

	started := time.Now()
	result, err := p.completer.Complete(pend.ctx, pend.req)
	if result != nil {
		result.Duration = time.Since(started)
	}

	p.mu.Lock()
	ag.requests++
	if err != nil {
		ag.errors++
	} else if result != nil {
		ag.tokens += result.TotalTokens()
	}
	p.mu.Unlock()

	if err == nil && result != nil {
		p.gate.RecordUsage(pend.req.Provider, pend.req.Tier, result.TokensSent, result.TokensReceived)
	}
	pend.resultCh <- outcome{result: result, err: err}
}

// checkout returns a free agent, creating one lazily while under the
// ceiling, otherwise waiting until one is released.
func (p *Pool) checkout(ctx context.Context) (*agent, error) {
	select {
	case ag := <-p.idle:
		return ag, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.cfg.MaxAgents {
		p.created++
		p.nextID++
		ag := &agent{id: fmt.Sprintf("agent-%d", p.nextID), createdAt: time.Now()}
		p.agents[ag.id] = ag
		p.mu.Unlock()
		p.logger.Info("agent created", "agent_id", ag.id)
		return ag, nil
	}
	p.mu.Unlock()

	select {
	case ag := <-p.idle:
		return ag, nil
	case <-ctx.Done():
		return nil, errors.NewCancelled("agent checkout").WithCause(ctx.Err())
	case <-p.stop:
		return nil, errors.NewCancelled("agent checkout")
	}
}

// release returns an agent to the idle set.
func (p *Pool) release(ag *agent) {
	ag.lastUsed = time.Now()
	select {
	case p.idle <- ag:
	default:
		// Only reachable if the sweep shrank the pool underneath us;
		// drop the agent rather than block.
		p.mu.Lock()
		p.created--
		delete(p.agents, ag.id)
		p.mu.Unlock()
	}
}

// sweepLoop periodically retires agents idle past the timeout. The last
// remaining agent is always kept so a warm agent survives quiet periods.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep drains the idle set once, retiring expired agents and requeueing
// the rest.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var keep []*agent
	for {
		select {
		case ag := <-p.idle:
			p.mu.Lock()
			last := p.created
			p.mu.Unlock()
			if ag.lastUsed.Before(cutoff) && last > 1 {
				p.mu.Lock()
				p.created--
				delete(p.agents, ag.id)
				p.mu.Unlock()
				idleFor := time.Since(ag.lastUsed)
				p.logger.Info("agent retired", "agent_id", ag.id, "idle", idleFor)
				if p.bus != nil {
					p.bus.Publish(event.NewAgentRetiredEvent(ag.id, idleFor))
				}
				continue
			}
			keep = append(keep, ag)
		default:
			for _, ag := range keep {
				p.idle <- ag
			}
			return
		}
	}
}

// drainQueue fails every queued request after shutdown begins.
func (p *Pool) drainQueue() {
	for {
		select {
		case pend := <-p.queue:
			if pend.claim() {
				pend.resultCh <- outcome{err: errors.NewCancelled("pool shutdown")}
			}
			pend.stopTimer()
		default:
			return
		}
	}
}

// Agents returns a snapshot of every live agent's counters, ordered by ID.
func (p *Pool) Agents() []AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]AgentInfo, 0, len(p.agents))
	for _, ag := range p.agents {
		result = append(result, AgentInfo{
			ID:        ag.id,
			CreatedAt: ag.createdAt,
			LastUsed:  ag.lastUsed,
			Requests:  ag.requests,
			Tokens:    ag.tokens,
			Errors:    ag.errors,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Agents:     p.created,
		Busy:       p.busy,
		QueueDepth: len(p.queue),
	}
}

// publishDepth emits a queue depth event when a bus is wired.
func (p *Pool) publishDepth() {
	if p.bus == nil {
		return
	}
	s := p.Stats()
	p.bus.Publish(event.NewQueueDepthChangedEvent(s.QueueDepth, s.Agents, s.Busy))
}

// Close stops the dispatch and sweep loops, fails queued requests, and
// waits for in-flight executions to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.drainQueue()
}
