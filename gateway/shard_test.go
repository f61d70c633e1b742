package gateway

import (
	"context"
	ejson "encoding/json"
	"testing"
	"time"

	"amaterasu/types"
)

const idleInterval = 600000 // heartbeat interval that never fires in a test

func TestShardIdentifyHandshake(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)

	if conn.query != "encoding=json" {
		t.Errorf("dial query = %q, want encoding=json", conn.query)
	}
	if sh.Status() != StatusNearly {
		t.Errorf("status = %v before hello, want nearly", sh.Status())
	}

	conn.hello(idleInterval)

	frame := conn.expectFrame(t)
	if frame.Op != types.OpIdentify {
		t.Fatalf("first frame op = %d, want identify", frame.Op)
	}
	var id types.Identify
	if err := ejson.Unmarshal(frame.Data, &id); err != nil {
		t.Fatalf("identify body: %v", err)
	}
	if id.Token != "test-token" {
		t.Errorf("identify token = %q", id.Token)
	}
	if id.Shard != [2]int{0, 1} {
		t.Errorf("identify shard = %v, want [0 1]", id.Shard)
	}
	if id.Intents != types.IntentsDefault {
		t.Errorf("identify intents = %d, want default set", id.Intents)
	}

	// The immediate heartbeat follows the handshake frame.
	hb := conn.expectOp(t, types.OpHeartbeat)
	if string(hb.Data) != "null" {
		t.Errorf("first heartbeat d = %s, want null", hb.Data)
	}

	conn.dispatch("READY", 1, `{"session_id":"sess-1","guilds":[]}`)

	expectShardEvent(t, events, ShardEventReady)
	expectShardEvent(t, events, ShardEventFullReady)
	if sh.Status() != StatusReady {
		t.Errorf("status = %v, want ready", sh.Status())
	}
	if sh.SessionID() != "sess-1" {
		t.Errorf("session id = %q", sh.SessionID())
	}
}

func TestShardSequenceTracking(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 1, `{"session_id":"s","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	conn.dispatch("MESSAGE_CREATE", 2, `{}`)
	conn.dispatch("MESSAGE_CREATE", 3, `{}`)
	conn.dispatch("MESSAGE_CREATE", 7, `{}`) // gap is logged, still stored

	deadline := time.After(2 * time.Second)
	for sh.Sequence() != 7 {
		select {
		case <-deadline:
			t.Fatalf("sequence = %d, want 7", sh.Sequence())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShardResumeAfterClose(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 1, `{"session_id":"sess-keep","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)
	conn.dispatch("MESSAGE_CREATE", 42, `{}`)

	deadline := time.After(2 * time.Second)
	for sh.Sequence() != 42 {
		select {
		case <-deadline:
			t.Fatal("sequence never reached 42")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn.closeWith(4000)
	ev := expectShardEvent(t, events, ShardEventClose)
	if ev.Code != 4000 {
		t.Fatalf("close code = %d, want 4000", ev.Code)
	}
	if sh.Status() != StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", sh.Status())
	}
	if sh.ClosingSeq() != 42 {
		t.Fatalf("closingSeq = %d, want 42", sh.ClosingSeq())
	}
	if sh.Sequence() != -1 {
		t.Fatalf("seq = %d after close, want -1", sh.Sequence())
	}

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	conn2 := g.accept(t)
	conn2.hello(idleInterval)

	frame := conn2.expectFrame(t)
	if frame.Op != types.OpResume {
		t.Fatalf("first frame after reconnect op = %d, want resume", frame.Op)
	}
	var res types.Resume
	if err := ejson.Unmarshal(frame.Data, &res); err != nil {
		t.Fatalf("resume body: %v", err)
	}
	if res.SessionID != "sess-keep" {
		t.Errorf("resume session = %q", res.SessionID)
	}
	if res.Sequence != 42 {
		t.Errorf("resume seq = %d, want 42", res.Sequence)
	}
	if res.Token != "test-token" {
		t.Errorf("resume token = %q", res.Token)
	}

	conn2.dispatch("RESUMED", 43, `null`)
	expectShardEvent(t, events, ShardEventResumed)
	if sh.Status() != StatusConnected {
		t.Errorf("status = %v after resume, want connected", sh.Status())
	}
}

func TestShardGuildStream(t *testing.T) {
	old := guildCreateTimeout
	guildCreateTimeout = 150 * time.Millisecond
	defer func() { guildCreateTimeout = old }()

	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)

	conn.dispatch("READY", 1, `{"session_id":"s","guilds":[{"id":"A"},{"id":"B"}]}`)
	expectShardEvent(t, events, ShardEventReady)
	if got := sh.Status(); got != StatusWaitingForGuilds {
		t.Fatalf("status = %v, want waitingForGuilds", got)
	}

	conn.dispatch("GUILD_CREATE", 2, `{"id":"A"}`)

	ev := expectShardEvent(t, events, ShardEventFullReady)
	if len(ev.MissingGuilds) != 1 {
		t.Fatalf("missing guilds = %v, want exactly B", ev.MissingGuilds)
	}
	if _, ok := ev.MissingGuilds["B"]; !ok {
		t.Fatalf("missing guilds = %v, want B", ev.MissingGuilds)
	}
	if sh.Status() != StatusReady {
		t.Errorf("status = %v, want ready", sh.Status())
	}
}

func TestShardGuildStreamCompletes(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)

	conn.dispatch("READY", 1, `{"session_id":"s","guilds":[{"id":"A"},{"id":"B"}]}`)
	conn.dispatch("GUILD_CREATE", 2, `{"id":"B"}`)
	conn.dispatch("GUILD_CREATE", 3, `{"id":"A"}`)

	ev := expectShardEvent(t, events, ShardEventFullReady)
	if len(ev.MissingGuilds) != 0 {
		t.Fatalf("missing guilds = %v, want none", ev.MissingGuilds)
	}
}

func TestShardHeartbeatRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.autoAck.Store(true)
	conn.hello(100)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 1, `{"session_id":"s","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	// Several intervals with acks: the connection must stay alive.
	beats := 0
	deadline := time.After(450 * time.Millisecond)
	for {
		done := false
		select {
		case p := <-conn.frames:
			if p.Op == types.OpHeartbeat {
				beats++
			}
		case <-deadline:
			done = true
		}
		if done {
			break
		}
	}
	if beats < 3 {
		t.Errorf("saw %d heartbeats, want at least 3", beats)
	}
	if sh.Status() != StatusReady {
		t.Errorf("status = %v, connection should have survived", sh.Status())
	}
	if sh.Latency() <= 0 {
		t.Error("latency should be measured after acks")
	}
}

func TestShardZombieDetection(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(80)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 1, `{"session_id":"dead","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	// No acks from here on: within two intervals the shard must close
	// with 4009 and reset its session.
	code := conn.expectClose(t)
	if code != int(types.CloseSessionTimedOut) {
		t.Fatalf("close code = %d, want 4009", code)
	}
	expectShardEvent(t, events, ShardEventDestroyed)
	if sh.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", sh.Status())
	}
	if sh.SessionID() != "" {
		t.Error("zombie destroy must reset the session")
	}
}

func TestShardRequestedHeartbeat(t *testing.T) {
	g := newTestGateway(t)
	sh, _ := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.expectOp(t, types.OpHeartbeat) // the hello beat

	conn.sendJSON(`{"op":1,"d":null}`)
	conn.expectOp(t, types.OpHeartbeat)
}

func TestShardInvalidSessionNotResumable(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 5, `{"session_id":"gone","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	conn.sendJSON(`{"op":9,"d":false}`)

	expectShardEvent(t, events, ShardEventInvalidSession)
	if sh.SessionID() != "" {
		t.Error("session must be forgotten on invalid session")
	}
	if sh.Sequence() != -1 {
		t.Errorf("seq = %d, want -1", sh.Sequence())
	}
}

func TestShardInvalidSessionResumable(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 9, `{"session_id":"still-here","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	conn.sendJSON(`{"op":9,"d":true}`)

	frame := conn.expectOp(t, types.OpResume)
	var res types.Resume
	if err := ejson.Unmarshal(frame.Data, &res); err != nil {
		t.Fatalf("resume body: %v", err)
	}
	if res.SessionID != "still-here" {
		t.Errorf("resume session = %q", res.SessionID)
	}
}

func TestShardReconnectRequest(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 3, `{"session_id":"s","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	conn.sendJSON(`{"op":7,"d":null}`)

	code := conn.expectClose(t)
	if code != int(types.CloseUnknownError) {
		t.Fatalf("close code = %d, want 4000", code)
	}
	expectShardEvent(t, events, ShardEventDestroyed)
	// 4000 is resumable: the session survives for the next connect.
	if sh.SessionID() != "s" {
		t.Error("session must survive a gateway-requested reconnect")
	}
}

func TestShardQueuesWhileDisconnected(t *testing.T) {
	g := newTestGateway(t)
	sh, _ := newTestShard(t, g, nil)

	if err := sh.Send(types.OpPresenceUpdate, map[string]interface{}{"status": "online"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)

	conn.expectOp(t, types.OpPresenceUpdate)
}

func TestInsertQueuedPriority(t *testing.T) {
	mk := func(op types.Opcode, prio bool) queuedPayload {
		return queuedPayload{p: &types.Payload{Op: op}, prioritized: prio}
	}

	var q []queuedPayload
	q = insertQueued(q, mk(types.OpPresenceUpdate, false))
	q = insertQueued(q, mk(types.OpVoiceStateUpdate, false))
	// A prioritized frame jumps the queued user payloads.
	q = insertQueued(q, mk(types.OpIdentify, true))
	// A second prioritized frame keeps FIFO order with the first.
	q = insertQueued(q, mk(types.OpHeartbeat, true))

	wantOps := []types.Opcode{
		types.OpIdentify,
		types.OpHeartbeat,
		types.OpPresenceUpdate,
		types.OpVoiceStateUpdate,
	}
	if len(q) != len(wantOps) {
		t.Fatalf("queue length = %d, want %d", len(q), len(wantOps))
	}
	for i, want := range wantOps {
		if q[i].p.Op != want {
			t.Errorf("queue[%d].op = %d, want %d", i, q[i].p.Op, want)
		}
	}
}

func TestShardDropsUndecodableFrame(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)

	conn.sendJSON(`{"op":`)

	ev := expectShardEvent(t, events, ShardEventError)
	if _, ok := ev.Err.(*SerializationError); !ok {
		t.Fatalf("error is %T, want *SerializationError", ev.Err)
	}

	// Connection survives: a later frame still dispatches.
	conn.dispatch("READY", 1, `{"session_id":"ok","guilds":[]}`)
	expectShardEvent(t, events, ShardEventReady)
}

func TestShardDestroyResets(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, nil)

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	conn.hello(idleInterval)
	conn.expectOp(t, types.OpIdentify)
	conn.dispatch("READY", 11, `{"session_id":"s","guilds":[]}`)
	expectShardEvent(t, events, ShardEventFullReady)

	sh.Destroy(DestroyOptions{Code: types.CloseNormal, Reset: true})

	expectShardEvent(t, events, ShardEventDestroyed)
	if sh.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", sh.Status())
	}
	if sh.SessionID() != "" {
		t.Error("Reset must clear the session")
	}
	if sh.ClosingSeq() != 11 {
		t.Errorf("closingSeq = %d, want 11", sh.ClosingSeq())
	}

	code := conn.expectClose(t)
	if code != int(types.CloseNormal) {
		t.Errorf("server saw close %d, want 1000", code)
	}
}

func TestShardCompressedTransport(t *testing.T) {
	g := newTestGateway(t)
	sh, events := newTestShard(t, g, func(o *Options) {
		o.Compression = CompressionZlibSync
	})

	if err := sh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := g.accept(t)
	if conn.query != "encoding=json&compress=zlib-stream" {
		t.Errorf("dial query = %q", conn.query)
	}

	segs := compressStream(t,
		[]byte(`{"op":10,"d":{"heartbeat_interval":600000}}`),
		[]byte(`{"op":0,"t":"READY","s":1,"d":{"session_id":"z","guilds":[]}}`),
	)
	conn.sendBinary(segs[0])

	conn.expectOp(t, types.OpIdentify)

	conn.sendBinary(segs[1])

	expectShardEvent(t, events, ShardEventFullReady)
	if sh.SessionID() != "z" {
		t.Errorf("session = %q, want z", sh.SessionID())
	}
}
