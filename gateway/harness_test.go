package gateway

import (
	ejson "encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"amaterasu/types"
)

// testGateway is an in-process gateway: it accepts websocket connections and
// exposes each as a scriptable testConn.
type testGateway struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *testConn
}

type testConn struct {
	ws      *websocket.Conn
	query   string
	dialed  time.Time
	frames  chan *types.Payload
	closed  chan int
	writeMu sync.Mutex
	autoAck atomic.Bool
}

func newTestGateway(t *testing.T) *testGateway {
	g := &testGateway{t: t, conns: make(chan *testConn, 8)}
	up := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &testConn{
			ws:     ws,
			query:  r.URL.RawQuery,
			dialed: time.Now(),
			frames: make(chan *types.Payload, 128),
			closed: make(chan int, 1),
		}
		g.conns <- c
		go c.readLoop()
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// accept waits for the next shard connection.
func (g *testGateway) accept(t *testing.T) *testConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

// acceptNone asserts no new connection shows up within d.
func (g *testGateway) acceptNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-g.conns:
		t.Fatal("unexpected new connection")
	case <-time.After(d):
	}
}

func (c *testConn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			code := -1
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.closed <- code
			return
		}
		var p types.Payload
		if err := ejson.Unmarshal(msg, &p); err != nil {
			continue
		}
		if c.autoAck.Load() && p.Op == types.OpHeartbeat {
			c.send(&types.Payload{Op: types.OpHeartbeatAck})
		}
		c.frames <- &p
	}
}

func (c *testConn) send(p *types.Payload) {
	raw, err := ejson.Marshal(p)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
}

func (c *testConn) sendBinary(raw []byte) {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.BinaryMessage, raw)
	c.writeMu.Unlock()
}

func (c *testConn) sendJSON(raw string) {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.TextMessage, []byte(raw))
	c.writeMu.Unlock()
}

func (c *testConn) hello(intervalMs int) {
	c.sendJSON(fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%d}}`, intervalMs))
}

func (c *testConn) dispatch(t string, seq int64, d string) {
	c.sendJSON(fmt.Sprintf(`{"op":0,"t":"%s","s":%d,"d":%s}`, t, seq, d))
}

// closeWith performs a server-initiated close with the given code.
func (c *testConn) closeWith(code int) {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	c.writeMu.Unlock()
	time.Sleep(50 * time.Millisecond)
	_ = c.ws.Close()
}

// expectFrame returns the next decoded frame from the shard.
func (c *testConn) expectFrame(t *testing.T) *types.Payload {
	t.Helper()
	select {
	case p := <-c.frames:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

// expectOp skips frames until one with the wanted op arrives.
func (c *testConn) expectOp(t *testing.T, op types.Opcode) *types.Payload {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-c.frames:
			if p.Op == op {
				return p
			}
		case <-deadline:
			t.Fatalf("no op %d frame arrived", op)
			return nil
		}
	}
}

// expectClose waits for the shard to close the socket and returns the code.
func (c *testConn) expectClose(t *testing.T) int {
	t.Helper()
	select {
	case code := <-c.closed:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("shard did not close the socket")
		return 0
	}
}

// newTestShard wires a shard at the test gateway with short timers and an
// event channel.
func newTestShard(t *testing.T, g *testGateway, mod func(*Options)) (*Shard, chan ShardEvent) {
	t.Helper()
	opts := &Options{}
	opts.applyDefaults()
	if mod != nil {
		mod(opts)
	}
	sh := NewShard(0, 1, "test-token", g.url(), opts)

	events := make(chan ShardEvent, 128)
	sh.OnEvent(func(ev ShardEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	t.Cleanup(func() {
		sh.Destroy(DestroyOptions{NoEmit: true, NoLog: true})
	})
	return sh, events
}

func expectShardEvent(t *testing.T, events chan ShardEvent, kind ShardEventKind) ShardEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("shard event %d did not arrive", kind)
			return ShardEvent{}
		}
	}
}
