package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"amaterasu/types"
)

// heartbeat owns the periodic keepalive of one shard. The shard owns the
// heartbeat; the back reference is only used to send and to destroy on a
// detected zombie.
type heartbeat struct {
	shard *Shard

	mu       sync.Mutex
	interval time.Duration
	acked    bool
	last     time.Time
	latency  time.Duration

	ticker *time.Ticker
	done   chan struct{}
}

func newHeartbeat(shard *Shard) *heartbeat {
	return &heartbeat{shard: shard, acked: true}
}

// setInterval starts periodic sends at the server-chosen cadence, replacing
// any running timer.
func (h *heartbeat) setInterval(d time.Duration) {
	h.stop()

	h.mu.Lock()
	h.interval = d
	h.ticker = time.NewTicker(d)
	h.done = make(chan struct{})
	ticker, done := h.ticker, h.done
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.send("periodic", false)
			}
		}
	}()
}

// reset cancels the timer and clears state.
func (h *heartbeat) reset() {
	h.stop()

	h.mu.Lock()
	h.interval = 0
	h.acked = true
	h.last = time.Time{}
	h.mu.Unlock()
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
	if h.done != nil {
		close(h.done)
		h.done = nil
	}
	h.mu.Unlock()
}

// ack records the round trip of the last send.
func (h *heartbeat) ack() {
	h.mu.Lock()
	h.latency = time.Since(h.last)
	h.acked = true
	h.mu.Unlock()
}

// Latency is the last observed send-to-ack round trip. Meaningful only after
// at least one ack.
func (h *heartbeat) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}

// send transmits one heartbeat carrying the current sequence. Unless
// ignoreLatePolicy is set, an unacknowledged previous beat outside the
// tolerant states means the connection went silent: it is destroyed with
// 4009 so a fresh session can be identified.
func (h *heartbeat) send(reason string, ignoreLatePolicy bool) {
	h.mu.Lock()
	acked := h.acked
	h.mu.Unlock()

	status := h.shard.Status()

	if !ignoreLatePolicy && !acked {
		if !status.heartbeatTolerant() {
			h.shard.log().Warn("heartbeat was not acknowledged, destroying zombie connection",
				zap.Int("shard", h.shard.ID()),
				zap.String("status", status.String()))
			h.shard.Destroy(DestroyOptions{Code: types.CloseSessionTimedOut, Reset: true})
			return
		}
		h.shard.log().Debug("heartbeat not acknowledged yet, sending anyway",
			zap.Int("shard", h.shard.ID()),
			zap.String("status", status.String()))
	}

	h.mu.Lock()
	h.acked = false
	h.last = time.Now()
	h.mu.Unlock()

	h.shard.log().Debug("sending heartbeat",
		zap.Int("shard", h.shard.ID()),
		zap.String("reason", reason))
	h.shard.sendPayload(&types.Payload{
		Op:   types.OpHeartbeat,
		Data: h.shard.sequenceJSON(),
	}, true)
}
