package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"amaterasu/rest"
	"amaterasu/types"
)

// GatewayFetcher is the bootstrap dependency of the manager. rest.Client
// satisfies it; tests stub it.
type GatewayFetcher interface {
	GatewayBot() (*types.GatewayBot, error)
}

const (
	defaultSpawnDelay     = 5 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

// Manager supervises the shard set: it fetches the gateway metadata, spawns
// shards serially under the identify quota and reacts to their lifecycle
// signals. It exclusively owns its shards.
type Manager struct {
	// token is write-once: set at construction, never reassigned.
	token string
	opts  Options

	fetch GatewayFetcher

	spawnDelay     time.Duration
	reconnectDelay time.Duration

	events chan Event

	mu         sync.Mutex
	shards     map[int]*Shard
	shardCount int
	gatewayURL string
	limit      types.SessionStartLimit
	queue      []int
	queued     map[int]struct{}
	fullReady  map[int]struct{}
	ready      bool
	spawning   bool
	destroyed  bool
	dropped    uint64
}

// NewManager builds a manager for the given bot token. A leading "Bot "
// prefix is stripped; the raw token is held in a one-shot cell and cannot be
// swapped afterwards.
func NewManager(token string, opts Options) (*Manager, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bot ")
	if token == "" {
		return nil, &ConfigurationError{Field: "token", Reason: "a bot token is required"}
	}

	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Manager{
		token:          token,
		opts:           opts,
		fetch:          rest.NewClient(token),
		spawnDelay:     defaultSpawnDelay,
		reconnectDelay: defaultReconnectDelay,
		events:         make(chan Event, opts.EventBuffer),
		queued:         make(map[int]struct{}),
		fullReady:      make(map[int]struct{}),
	}, nil
}

// Events is the consumer-facing stream. It is never closed; stop reading
// after Destroy.
func (m *Manager) Events() <-chan Event { return m.events }

// Shard returns a live shard by id, nil when unknown.
func (m *Manager) Shard(id int) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards[id]
}

// Shards snapshots the shard table.
func (m *Manager) Shards() []*Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Shard, 0, len(m.shards))
	for _, sh := range m.shards {
		out = append(out, sh)
	}
	return out
}

// Ready reports whether every shard has been fully ready at least once.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) log() *zap.Logger { return m.opts.Logger }

// Connect fetches the gateway metadata, computes the shard set and spawns
// every shard serially. It blocks until the connect queue drains; protocol
// progress (hello, identify, ready) continues on shard goroutines.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrManagerDestroyed
	}
	if m.spawning {
		m.mu.Unlock()
		return errors.New("gateway: connect already in progress")
	}
	m.spawning = true
	m.mu.Unlock()
	defer m.clearSpawning()

	gw, err := m.fetchGateway(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gatewayURL == "" {
		m.gatewayURL = m.opts.GatewayURL
		if m.gatewayURL == "" || m.gatewayURL == "auto" {
			m.gatewayURL = gw.URL
		}
	}
	m.limit = gw.SessionStartLimit
	if m.shards == nil {
		ids, count := m.shardSet(gw)
		m.shardCount = count
		m.shards = make(map[int]*Shard, len(ids))
		for _, id := range ids {
			m.shards[id] = NewShard(id, count, m.token, m.gatewayURL, &m.opts)
			m.enqueueLocked(id)
		}
		m.log().Info("shard set decided",
			zap.Int("count", count),
			zap.Int("recommended", gw.Shards))
	}
	m.mu.Unlock()

	return m.spawnQueue(ctx)
}

// shardSet decides which shard ids to run. Explicit ids win, then an
// explicit count, then the gateway recommendation.
func (m *Manager) shardSet(gw *types.GatewayBot) ([]int, int) {
	if len(m.opts.Shards) > 0 {
		return m.opts.Shards, m.opts.ShardCount
	}
	count := m.opts.ShardCount
	if count == 0 {
		count = gw.Shards
	}
	if count < 1 {
		count = 1
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
	}
	return ids, count
}

// fetchGateway retries the bootstrap until it succeeds, the token is
// rejected, or ctx ends.
func (m *Manager) fetchGateway(ctx context.Context) (*types.GatewayBot, error) {
	for {
		gw, err := m.fetch.GatewayBot()
		if err == nil {
			return gw, nil
		}
		if errors.Is(err, rest.ErrUnauthorized) {
			m.log().Error("token rejected by gateway bootstrap")
			m.emit(Event{Kind: EventInvalidated, Err: ErrTokenInvalid})
			m.Destroy()
			return nil, ErrTokenInvalid
		}
		m.log().Warn("gateway bootstrap failed, retrying",
			zap.Duration("in", m.reconnectDelay),
			zap.Error(err))
		if err := sleepCtx(ctx, m.reconnectDelay); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) enqueueLocked(id int) {
	if _, ok := m.queued[id]; ok {
		return
	}
	m.queued[id] = struct{}{}
	m.queue = append(m.queue, id)
}

func (m *Manager) clearSpawning() {
	m.mu.Lock()
	m.spawning = false
	m.mu.Unlock()
}

// spawnQueue drains the connect queue strictly serially: quota check,
// connect, then a pacing sleep before the next shard. Resumes skip the quota
// because the gateway does not charge them.
func (m *Manager) spawnQueue(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.destroyed || len(m.queue) == 0 {
			m.mu.Unlock()
			return nil
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, id)
		sh := m.shards[id]
		m.mu.Unlock()
		if sh == nil {
			continue
		}

		if sh.SessionID() == "" {
			if err := m.waitForQuota(ctx); err != nil {
				return err
			}
			m.mu.Lock()
			m.limit.Remaining--
			m.mu.Unlock()
		}

		sh.manage(func(ev ShardEvent) { m.handleShardEvent(sh, ev) })

		m.log().Debug("spawning shard", zap.Int("shard", id))
		if err := sh.Connect(ctx); err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return err
			}
			m.log().Warn("shard connect failed, requeueing",
				zap.Int("shard", id),
				zap.Error(err))
			m.emit(Event{Kind: EventShardError, Shard: id, Err: err})
			m.mu.Lock()
			m.enqueueLocked(id)
			m.mu.Unlock()
			if err := sleepCtx(ctx, m.reconnectDelay); err != nil {
				return err
			}
			continue
		}

		m.mu.Lock()
		more := len(m.queue) > 0 && !m.destroyed
		m.mu.Unlock()
		if more {
			if err := sleepCtx(ctx, m.spawnDelay); err != nil {
				return err
			}
		}
	}
}

// waitForQuota blocks until at least one identify is allowed, refreshing the
// session start limit after its reset window passes.
func (m *Manager) waitForQuota(ctx context.Context) error {
	m.mu.Lock()
	remaining := m.limit.Remaining
	resetAfter := time.Duration(m.limit.ResetAfter) * time.Millisecond
	m.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	m.log().Warn("identify quota exhausted, sleeping until reset",
		zap.Duration("resetAfter", resetAfter))
	if err := sleepCtx(ctx, resetAfter); err != nil {
		return err
	}

	gw, err := m.fetchGateway(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.limit = gw.SessionStartLimit
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleShardEvent(sh *Shard, ev ShardEvent) {
	switch ev.Kind {
	case ShardEventRaw:
		m.emit(Event{Kind: EventRaw, Shard: sh.ID(), Payload: ev.Payload})

	case ShardEventError:
		m.emit(Event{Kind: EventShardError, Shard: sh.ID(), Err: ev.Err})

	case ShardEventReady:
		m.log().Debug("shard ready, waiting for guilds", zap.Int("shard", sh.ID()))

	case ShardEventResumed:
		m.log().Debug("shard resumed", zap.Int("shard", sh.ID()))

	case ShardEventFullReady:
		m.emit(Event{Kind: EventShardReady, Shard: sh.ID(), Guilds: ev.MissingGuilds})
		m.mu.Lock()
		m.fullReady[sh.ID()] = struct{}{}
		fire := !m.ready && len(m.shards) > 0 && len(m.fullReady) >= len(m.shards)
		if fire {
			m.ready = true
		}
		m.mu.Unlock()
		if fire {
			m.log().Info("all shards ready")
			m.emit(Event{Kind: EventReady})
		}

	case ShardEventInvalidSession:
		m.scheduleReconnect(sh)

	case ShardEventDestroyed:
		m.mu.Lock()
		destroyed := m.destroyed
		m.mu.Unlock()
		if destroyed {
			return
		}
		m.scheduleReconnect(sh)

	case ShardEventClose:
		m.onShardClose(sh, ev)
	}
}

// onShardClose applies the close-code policy: unrecoverable codes surface a
// shard error and stop, non-resumable codes drop the session first, and
// everything else reconnects.
func (m *Manager) onShardClose(sh *Shard, ev ShardEvent) {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()

	code := ev.Code
	if (code == types.CloseNormal && destroyed) || !code.Recoverable() {
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("shard %d closed with code %d", sh.ID(), code)
		}
		m.log().Error("shard closed unrecoverably",
			zap.Int("shard", sh.ID()),
			zap.Int("code", int(code)))
		m.emit(Event{Kind: EventShardError, Shard: sh.ID(), Err: err})
		return
	}

	if !code.Resumable() {
		sh.resetSession()
	}

	m.emit(Event{Kind: EventShardDisconnected, Shard: sh.ID(), Err: ev.Err})
	if m.opts.Metrics != nil {
		m.opts.Metrics.ShardReconnect(sh.ID())
	}
	m.scheduleReconnect(sh)
}

// scheduleReconnect re-enqueues a shard and makes sure a spawn loop is
// draining the queue. Only one loop runs at a time.
func (m *Manager) scheduleReconnect(sh *Shard) {
	// A shard without a session gets a full reset so the next connect
	// identifies from a clean slate; one holding a session resumes as-is.
	if sh.SessionID() == "" {
		sh.Destroy(DestroyOptions{Reset: true, NoEmit: true, NoLog: true})
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(sh.ID())
	start := !m.spawning
	if start {
		m.spawning = true
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventShardReconnecting, Shard: sh.ID()})
	if !start {
		return
	}

	go func() {
		defer m.clearSpawning()
		if err := m.spawnQueue(context.Background()); err != nil {
			m.log().Warn("reconnect cycle stopped", zap.Error(err))
		}
	}()
}

func (m *Manager) emit(ev Event) {
	if m.opts.EventPolicy == EventPolicyBlock {
		m.events <- ev
		return
	}
	select {
	case m.events <- ev:
	default:
		m.mu.Lock()
		m.dropped++
		n := m.dropped
		m.mu.Unlock()
		m.log().Warn("event channel full, dropping event",
			zap.Uint64("totalDropped", n))
	}
}

// Destroy tears every shard down with a clean close and empties the connect
// queue. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.queue = nil
	m.queued = make(map[int]struct{})
	shards := make([]*Shard, 0, len(m.shards))
	for _, sh := range m.shards {
		shards = append(shards, sh)
	}
	m.mu.Unlock()

	m.log().Debug("destroying manager")
	for _, sh := range shards {
		sh.Destroy(DestroyOptions{
			Code:   types.CloseNormal,
			Reset:  true,
			NoEmit: true,
			NoLog:  true,
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
