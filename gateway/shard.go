package gateway

import (
	"context"
	ejson "encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"amaterasu/types"
)

// guildCreateTimeout is how long after the last GUILD_CREATE a shard keeps
// waiting for the rest of its guilds before declaring itself ready anyway.
var guildCreateTimeout = 15 * time.Second

// DestroyOptions controls how a shard connection is torn down. The zero
// value closes with 1000, keeps the session, emits and logs.
type DestroyOptions struct {
	// Code is the close code sent on the socket. Zero means 1000.
	Code types.CloseCode
	// Reset also forgets the session, forcing the next connect to
	// identify instead of resume.
	Reset  bool
	NoEmit bool
	NoLog  bool
}

type queuedPayload struct {
	p           *types.Payload
	prioritized bool
}

// Shard is one gateway connection: the protocol state machine plus the
// socket, codec, decompressor, heartbeat, session and send bucket it owns.
type Shard struct {
	id    int
	count int
	token string
	opts  *Options

	// gatewayURL is the host chosen by the manager at spawn time.
	gatewayURL string

	dialer *websocket.Dialer

	handlerMu sync.Mutex
	handler   func(ShardEvent)
	managed   bool

	mu              sync.Mutex
	sendCond        *sync.Cond
	status          Status
	seq             int64
	closingSeq      int64
	connectedAt     time.Time
	conn            *websocket.Conn
	codec           Codec
	decomp          Decompressor
	bucket          RateLimiter
	sendCancel      context.CancelFunc
	sendQ           []queuedPayload
	unsent          []queuedPayload
	expectingGuilds map[string]struct{}
	readyTimer      *time.Timer
	resumeURL       string

	hb   *heartbeat
	sess *session
}

// NewShard builds a shard. It does nothing on the network until Connect.
func NewShard(id, count int, token, gatewayURL string, opts *Options) *Shard {
	s := &Shard{
		id:         id,
		count:      count,
		token:      token,
		opts:       opts,
		gatewayURL: gatewayURL,
		dialer:     websocket.DefaultDialer,
		status:     StatusIdle,
		seq:        -1,
		bucket:     NewRateLimiter(),
	}
	s.sendCond = sync.NewCond(&s.mu)
	s.hb = newHeartbeat(s)
	s.sess = newSession(s)
	return s
}

func (s *Shard) ID() int    { return s.id }
func (s *Shard) Count() int { return s.count }

func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Shard) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Sequence is the last dispatch sequence seen this session, -1 when none.
func (s *Shard) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// ClosingSeq is the sequence captured when the socket last closed; it is
// what a resume replays from.
func (s *Shard) ClosingSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closingSeq
}

// SessionID returns the held gateway session id, empty when none.
func (s *Shard) SessionID() string { return s.sess.ID() }

// resetSession forgets the session so the next connect identifies.
func (s *Shard) resetSession() { s.sess.reset() }

// Latency is the last heartbeat round trip.
func (s *Shard) Latency() time.Duration { return s.hb.Latency() }

func (s *Shard) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

func (s *Shard) log() *zap.Logger { return s.opts.Logger }

// OnEvent installs the lifecycle handler. The manager installs its own
// exactly once; manage reports whether this call was the first.
func (s *Shard) OnEvent(fn func(ShardEvent)) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
}

func (s *Shard) manage(fn func(ShardEvent)) bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if s.managed {
		return false
	}
	s.managed = true
	s.handler = fn
	return true
}

func (s *Shard) emit(ev ShardEvent) {
	ev.Shard = s.id
	s.handlerMu.Lock()
	fn := s.handler
	s.handlerMu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Shard) emitError(err error) {
	s.emit(ShardEvent{Kind: ShardEventError, Err: err})
}

func (s *Shard) codecEncoding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec == nil {
		return "json"
	}
	return s.codec.Encoding()
}

// dialURL builds the gateway URL for the next connection attempt. A held
// session prefers the resume gateway the READY advertised.
func (s *Shard) dialURL(c Codec) string {
	sessID := s.sess.ID()
	s.mu.Lock()
	base := s.gatewayURL
	if sessID != "" && s.resumeURL != "" {
		base = s.resumeURL
	}
	s.mu.Unlock()

	u := strings.TrimSuffix(base, "/") + "/?encoding=" + c.Encoding()
	if s.opts.Version != DefaultVersion {
		u += "&v=" + strconv.Itoa(s.opts.Version)
	}
	if s.opts.Compression != CompressionNone {
		u += "&compress=zlib-stream"
	}
	return u
}

// Connect opens the socket and starts the protocol. It returns once the
// socket is open; hello, identify and ready all happen on the read loop.
func (s *Shard) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusIdle, StatusDisconnected:
	default:
		s.mu.Unlock()
		return fmt.Errorf("shard %d: connect while %s", s.id, s.status)
	}

	codec, err := newCodec(s.opts.UseEtf)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	decomp, err := newDecompressor(s.opts.Compression, DecompressorEvents{
		Data:  s.onFrame,
		Error: s.onDecompressError,
		Debug: func(msg string) {
			s.log().Debug(msg, zap.Int("shard", s.id))
		},
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.codec = codec
	s.decomp = decomp
	if s.connectedAt.IsZero() {
		s.status = StatusConnecting
	} else {
		s.status = StatusReconnecting
	}
	s.mu.Unlock()

	s.sess.waitForHello()

	u := s.dialURL(codec)
	s.log().Debug("connecting to gateway",
		zap.Int("shard", s.id),
		zap.String("url", u))

	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		s.sess.clearHelloTimer()
		s.setStatus(StatusDisconnected)
		if decomp != nil {
			decomp.Close()
		}
		return fmt.Errorf("shard %d: dial %s: %w", s.id, u, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connectedAt = time.Now()
	s.status = StatusNearly
	sendCtx, cancel := context.WithCancel(context.Background())
	s.sendCancel = cancel
	// Everything queued while the socket was down goes out now, in order.
	s.sendQ = append(s.sendQ, s.unsent...)
	s.unsent = nil
	bucket := s.bucket
	s.sendCond.Broadcast()
	s.mu.Unlock()

	go s.readPump(conn, decomp)
	go s.writePump(conn, codec, bucket, sendCtx)
	return nil
}

func (s *Shard) readPump(conn *websocket.Conn, decomp Decompressor) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			same := s.conn == conn
			s.mu.Unlock()
			if same {
				s.onSocketClose(err)
			}
			return
		}
		if mt == websocket.BinaryMessage && decomp != nil {
			decomp.Add(msg)
			continue
		}
		s.onFrame(msg)
	}
}

func (s *Shard) writePump(conn *websocket.Conn, c Codec, bucket RateLimiter, ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.sendQ) == 0 && s.conn == conn {
			s.sendCond.Wait()
		}
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		item := s.sendQ[0]
		s.sendQ = s.sendQ[1:]
		s.mu.Unlock()

		if err := bucket.Wait(ctx); err != nil {
			s.requeueUnsent(item)
			return
		}
		data, err := c.Encode(item.p)
		if err != nil {
			bucket.Unlock()
			s.emitError(&SerializationError{Encoding: c.Encoding(), Err: err})
			continue
		}
		err = conn.WriteMessage(c.MessageType(), data)
		bucket.Unlock()
		if err != nil {
			s.log().Warn("gateway write failed",
				zap.Int("shard", s.id),
				zap.Error(err))
			s.requeueUnsent(item)
			return
		}
	}
}

// salvageQueueLocked carries queued user payloads over to the next
// connection. Prioritized frames are protocol handshakes tied to the dead
// socket; replaying them would confuse the new session, so they are dropped.
func (s *Shard) salvageQueueLocked() {
	for _, item := range s.sendQ {
		if !item.prioritized {
			s.unsent = append(s.unsent, item)
		}
	}
	s.sendQ = nil
}

// requeueUnsent saves a frame the dying write pump could not deliver.
// Prioritized frames are handshake traffic the next hello regenerates, so
// only user payloads carry over.
func (s *Shard) requeueUnsent(item queuedPayload) {
	if item.prioritized {
		return
	}
	s.mu.Lock()
	s.unsent = insertQueued(s.unsent, item)
	s.mu.Unlock()
}

// insertQueued places an item in a queue: prioritized items go ahead of
// every pending non-prioritized one but behind earlier prioritized ones, so
// handshake frames keep their own FIFO order.
func insertQueued(q []queuedPayload, item queuedPayload) []queuedPayload {
	if !item.prioritized {
		return append(q, item)
	}
	at := 0
	for at < len(q) && q[at].prioritized {
		at++
	}
	q = append(q, queuedPayload{})
	copy(q[at+1:], q[at:])
	q[at] = item
	return q
}

// sendPayload enqueues one frame. Prioritized frames go to the head of
// whichever queue applies; a send never touches the wire while the socket is
// down.
func (s *Shard) sendPayload(p *types.Payload, prioritized bool) {
	item := queuedPayload{p: p, prioritized: prioritized}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		s.unsent = insertQueued(s.unsent, item)
		return
	}
	s.sendQ = insertQueued(s.sendQ, item)
	s.sendCond.Signal()
}

// Send marshals d and enqueues it as a non-prioritized command.
func (s *Shard) Send(op types.Opcode, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return &SerializationError{Encoding: s.codecEncoding(), Err: err}
	}
	s.sendPayload(&types.Payload{Op: op, Data: raw}, false)
	return nil
}

// UpdatePresence forwards an op 3.
func (s *Shard) UpdatePresence(p types.UpdatePresence) error {
	return s.Send(types.OpPresenceUpdate, p)
}

// UpdateVoiceState forwards an op 4.
func (s *Shard) UpdateVoiceState(v types.UpdateVoiceState) error {
	return s.Send(types.OpVoiceStateUpdate, v)
}

// RequestGuildMembers forwards an op 8.
func (s *Shard) RequestGuildMembers(r types.RequestGuildMembers) error {
	return s.Send(types.OpRequestGuildMembers, r)
}

func (s *Shard) sequenceJSON() ejson.RawMessage {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	if seq < 0 {
		return ejson.RawMessage("null")
	}
	return ejson.RawMessage(strconv.FormatInt(seq, 10))
}

// onFrame decodes one complete inbound message. A frame that fails to decode
// is dropped; the connection stays up.
func (s *Shard) onFrame(frame []byte) {
	s.mu.Lock()
	c := s.codec
	s.mu.Unlock()
	if c == nil {
		return
	}
	pk, err := c.Decode(frame)
	if err != nil {
		s.emitError(err)
		return
	}
	s.onPacket(pk)
}

func (s *Shard) onPacket(pk *types.Payload) {
	if pk.Sequence != nil {
		s.mu.Lock()
		if s.seq != -1 && *pk.Sequence > s.seq+1 {
			s.log().Warn("non-consecutive sequence",
				zap.Int("shard", s.id),
				zap.Int64("have", s.seq),
				zap.Int64("got", *pk.Sequence))
		}
		s.seq = *pk.Sequence
		s.mu.Unlock()
	}

	s.emit(ShardEvent{Kind: ShardEventRaw, Payload: pk})

	switch pk.Op {
	case types.OpHello:
		var h types.Hello
		if err := json.Unmarshal(pk.Data, &h); err != nil {
			s.emitError(&SerializationError{Encoding: s.codecEncoding(), Err: err})
			return
		}
		s.log().Debug("hello received",
			zap.Int("shard", s.id),
			zap.Int64("heartbeatInterval", h.HeartbeatInterval))
		s.hb.setInterval(time.Duration(h.HeartbeatInterval) * time.Millisecond)
		// Identify/resume goes out first, then an immediate heartbeat;
		// prioritized frames keep FIFO order among themselves.
		s.sess.hello()
		s.hb.send("hello", true)

	case types.OpReconnect:
		s.log().Debug("gateway requested reconnect", zap.Int("shard", s.id))
		s.Destroy(DestroyOptions{Code: types.CloseUnknownError})

	case types.OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(pk.Data, &resumable)
		if resumable {
			s.sess.resume()
			return
		}
		s.log().Debug("session invalidated", zap.Int("shard", s.id))
		s.mu.Lock()
		s.seq = -1
		s.mu.Unlock()
		s.sess.reset()
		s.emit(ShardEvent{Kind: ShardEventInvalidSession})

	case types.OpHeartbeat:
		s.hb.send("requested", true)

	case types.OpHeartbeatAck:
		s.hb.ack()
		if s.opts.Metrics != nil {
			s.opts.Metrics.HeartbeatLatency(s.id, s.hb.Latency())
		}

	case types.OpDispatch:
		s.onDispatch(pk)
	}
}

func (s *Shard) onDispatch(pk *types.Payload) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.EventReceived(s.id, pk.Type)
	}

	switch pk.Type {
	case types.EventReady:
		var r types.Ready
		if err := json.Unmarshal(pk.Data, &r); err != nil {
			s.emitError(&SerializationError{Encoding: s.codecEncoding(), Err: err})
			return
		}
		s.sess.setID(r.SessionID)

		expecting := make(map[string]struct{}, len(r.Guilds))
		for _, g := range r.Guilds {
			expecting[g.ID] = struct{}{}
		}

		s.mu.Lock()
		s.resumeURL = r.ResumeGatewayURL
		s.expectingGuilds = expecting
		s.status = StatusWaitingForGuilds
		s.mu.Unlock()

		s.log().Debug("ready received",
			zap.Int("shard", s.id),
			zap.Int("guilds", len(expecting)))
		s.emit(ShardEvent{Kind: ShardEventReady})
		s.checkReady()

	case types.EventResumed:
		s.log().Debug("session resumed", zap.Int("shard", s.id))
		s.setStatus(StatusConnected)
		s.emit(ShardEvent{Kind: ShardEventResumed})

	case types.EventGuildCreate:
		var g types.GuildCreate
		if err := json.Unmarshal(pk.Data, &g); err != nil {
			return
		}
		s.mu.Lock()
		waiting := s.status == StatusWaitingForGuilds
		if waiting && s.expectingGuilds != nil {
			delete(s.expectingGuilds, g.ID)
		}
		s.mu.Unlock()
		if waiting {
			s.checkReady()
		}
	}
}

// checkReady re-evaluates ready stabilization: ready immediately when no
// guilds are outstanding, otherwise give the stream another window.
func (s *Shard) checkReady() {
	s.mu.Lock()
	if s.status != StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}
	if len(s.expectingGuilds) == 0 {
		s.readyNowLocked(nil)
		return
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.readyTimer = time.AfterFunc(guildCreateTimeout, s.readyTimeout)
	s.mu.Unlock()
}

func (s *Shard) readyTimeout() {
	s.mu.Lock()
	if s.status != StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}
	missing := s.expectingGuilds
	s.log().Warn("shard did not receive all guilds, marking ready",
		zap.Int("shard", s.id),
		zap.Int("missing", len(missing)))
	s.readyNowLocked(missing)
}

// readyNowLocked finishes stabilization. Called with s.mu held; releases it.
func (s *Shard) readyNowLocked(missing map[string]struct{}) {
	s.expectingGuilds = nil
	s.status = StatusReady
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.mu.Unlock()
	s.emit(ShardEvent{Kind: ShardEventFullReady, MissingGuilds: missing})
}

func (s *Shard) stopReadyTimer() {
	s.mu.Lock()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.expectingGuilds = nil
	s.mu.Unlock()
}

func (s *Shard) onDecompressError(err error) {
	s.emitError(err)
	s.log().Warn("compression stream broke, reconnecting",
		zap.Int("shard", s.id),
		zap.Error(err))
	s.Destroy(DestroyOptions{Code: types.CloseUnknownError})
}

// onSocketClose handles the server (or network) closing the connection.
func (s *Shard) onSocketClose(err error) {
	code := types.CloseCode(websocket.CloseAbnormalClosure)
	if ce, ok := err.(*websocket.CloseError); ok {
		code = types.CloseCode(ce.Code)
	}

	s.mu.Lock()
	if s.seq != -1 {
		s.closingSeq = s.seq
	}
	s.seq = -1
	s.conn = nil
	s.status = StatusDisconnected
	if s.sendCancel != nil {
		s.sendCancel()
		s.sendCancel = nil
	}
	decomp := s.decomp
	s.decomp = nil
	s.salvageQueueLocked()
	s.sendCond.Broadcast()
	s.mu.Unlock()

	s.hb.reset()
	s.sess.clearHelloTimer()
	s.stopReadyTimer()
	if decomp != nil {
		decomp.Close()
	}

	s.log().Debug("socket closed",
		zap.Int("shard", s.id),
		zap.Int("code", int(code)),
		zap.Error(err))
	s.emit(ShardEvent{Kind: ShardEventClose, Code: code, Err: err})
}

// Destroy tears the connection down. It cancels every timer the shard owns,
// closes the socket, resets the sequence and installs a fresh rate bucket.
func (s *Shard) Destroy(opts DestroyOptions) {
	code := opts.Code
	if code == 0 {
		code = types.CloseNormal
	}
	if !opts.NoLog {
		s.log().Debug("destroying shard connection",
			zap.Int("shard", s.id),
			zap.Int("code", int(code)),
			zap.Bool("reset", opts.Reset))
	}

	s.hb.reset()
	s.sess.clearHelloTimer()
	s.stopReadyTimer()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.sendCancel != nil {
		s.sendCancel()
		s.sendCancel = nil
	}
	if s.seq != -1 {
		s.closingSeq = s.seq
	}
	s.seq = -1
	s.status = StatusDisconnected
	decomp := s.decomp
	s.decomp = nil
	s.bucket = NewRateLimiter()
	s.salvageQueueLocked()
	s.sendCond.Broadcast()
	s.mu.Unlock()

	if decomp != nil {
		decomp.Close()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), ""))
		_ = conn.Close()
	}

	if opts.Reset {
		s.sess.reset()
	}
	if !opts.NoEmit {
		s.emit(ShardEvent{Kind: ShardEventDestroyed, Code: code})
	}
}
