package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"amaterasu/types"
)

// helloTimeout bounds how long a freshly opened socket may stay silent
// before the shard gives up on it.
const helloTimeout = 300 * time.Second

// session owns the gateway-side conversation identity of one shard: the
// session id, and the hello timeout of the current connection attempt. The
// shard owns the session; the back reference exists to send and destroy.
type session struct {
	shard *Shard

	mu         sync.Mutex
	id         string
	helloTimer *time.Timer
}

func newSession(shard *Shard) *session {
	return &session{shard: shard}
}

// ID returns the current session id, empty when no session is held.
func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// reset forgets the session. The next identify will be op 2.
func (s *session) reset() {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
	s.clearHelloTimer()
}

// waitForHello arms the hello timeout. A connection that produces no hello
// within the window is destroyed with 4000 and its session is reset, so the
// next attempt starts clean with an identify.
func (s *session) waitForHello() {
	s.clearHelloTimer()

	s.mu.Lock()
	s.helloTimer = time.AfterFunc(helloTimeout, func() {
		s.shard.log().Warn("gateway did not send hello in time, destroying connection",
			zap.Int("shard", s.shard.ID()),
			zap.Duration("timeout", helloTimeout))
		s.shard.Destroy(DestroyOptions{Code: types.CloseUnknownError, Reset: true})
	})
	s.mu.Unlock()
}

func (s *session) clearHelloTimer() {
	s.mu.Lock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	s.mu.Unlock()
}

// hello is called when op 10 arrives: the connection is alive, authenticate.
func (s *session) hello() {
	s.clearHelloTimer()
	s.identify()
}

// identify resumes when a session is held, otherwise claims a new one.
func (s *session) identify() {
	if s.ID() != "" {
		s.resume()
		return
	}
	s.new()
}

// new sends op 2. Prioritized: it bypasses whatever queued up while the
// socket was down, but still pays the rate bucket.
func (s *session) new() {
	sh := s.shard
	sh.setStatus(StatusIdentifying)

	sh.log().Debug("identifying",
		zap.Int("shard", sh.ID()),
		zap.Int("shardCount", sh.Count()))

	d, err := json.Marshal(types.Identify{
		Token:      sh.token,
		Properties: sh.opts.Properties,
		Shard:      [2]int{sh.ID(), sh.Count()},
		Intents:    sh.opts.Intents,
	})
	if err != nil {
		sh.emitError(&SerializationError{Encoding: sh.codecEncoding(), Err: err})
		return
	}
	sh.sendPayload(&types.Payload{Op: types.OpIdentify, Data: d}, true)
}

// resume sends op 6 using the held session id and the sequence captured at
// the last close.
func (s *session) resume() {
	sh := s.shard
	sh.setStatus(StatusResuming)

	sh.log().Debug("resuming session",
		zap.Int("shard", sh.ID()),
		zap.Int64("closingSeq", sh.ClosingSeq()))

	d, err := json.Marshal(types.Resume{
		Token:     sh.token,
		SessionID: s.ID(),
		Sequence:  sh.ClosingSeq(),
	})
	if err != nil {
		sh.emitError(&SerializationError{Encoding: sh.codecEncoding(), Err: err})
		return
	}
	sh.sendPayload(&types.Payload{Op: types.OpResume, Data: d}, true)
}
