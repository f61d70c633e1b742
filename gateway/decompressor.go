package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// CompressionMode selects the transport compression engine.
type CompressionMode string

const (
	// CompressionNone disables transport compression.
	CompressionNone CompressionMode = ""
	// CompressionZlib runs one streaming inflater for the whole connection.
	CompressionZlib CompressionMode = "zlib"
	// CompressionZlibSync inflates each logical message synchronously,
	// carrying the sliding window forward as a preset dictionary.
	CompressionZlibSync CompressionMode = "zlib-sync"
	// CompressionPako is accepted for compatibility and maps onto the
	// synchronous engine.
	CompressionPako CompressionMode = "pako"
)

// flushSuffix terminates every logical message on a zlib-stream connection.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// DecompressorEvents receives the output of a Decompressor. Data is called
// once per logical message, in input order. Error means the inflater state is
// unusable; the connection has to be torn down.
type DecompressorEvents struct {
	Data  func(buf []byte)
	Error func(err error)
	Debug func(msg string)
}

func (ev *DecompressorEvents) debug(format string, args ...interface{}) {
	if ev.Debug != nil {
		ev.Debug(fmt.Sprintf(format, args...))
	}
}

func (ev *DecompressorEvents) fail(err error) {
	if ev.Error != nil {
		ev.Error(&DecompressionError{Err: err})
	}
}

// Decompressor consumes raw binary websocket messages and emits one decoded
// buffer per zlib sync-flush boundary.
type Decompressor interface {
	// Add feeds one compressed chunk. Complete messages inside it are
	// emitted through the event set before Add returns.
	Add(buf []byte)
	// AddFragments feeds a fragmented chunk list in order.
	AddFragments(frags [][]byte)
	// Close releases the inflater. No events fire afterwards.
	Close()
}

func newDecompressor(mode CompressionMode, ev DecompressorEvents) (Decompressor, error) {
	switch mode {
	case CompressionZlib:
		return newZlibStream(ev), nil
	case CompressionZlibSync:
		return newZlibSync(ev), nil
	case CompressionPako:
		ev.debug("pako engine requested, using synchronous zlib")
		return newZlibSync(ev), nil
	case CompressionNone:
		return nil, nil
	}
	return nil, &ConfigurationError{
		Field:  "compression",
		Reason: fmt.Sprintf("unknown compression mode %q", mode),
	}
}

// splitter finds sync-flush boundaries across arbitrarily chunked input. It
// keeps the last three unflushed bytes so a suffix straddling two Add calls
// is still seen.
type splitter struct {
	carry []byte
}

// split hands each complete segment (ending in the flush suffix) to seg and
// any trailing incomplete bytes to rest. Bytes remembered from earlier calls
// are never re-delivered.
func (s *splitter) split(buf []byte, seg func(b []byte), rest func(b []byte)) {
	joined := buf
	if len(s.carry) > 0 {
		joined = append(append([]byte{}, s.carry...), buf...)
	}
	fed := len(s.carry)

	start := 0
	for {
		i := bytes.Index(joined[start:], flushSuffix)
		if i < 0 {
			break
		}
		end := start + i + len(flushSuffix)
		if end > fed {
			seg(joined[fed:end])
			fed = end
		} else {
			// Suffix entirely inside already-delivered bytes; the
			// previous call flushed it.
		}
		start = end
	}

	if fed < len(joined) {
		rest(joined[fed:])
		fed = len(joined)
	}

	tail := joined[start:]
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	s.carry = append(s.carry[:0], tail...)
}

// zlibStream runs a single inflater goroutine for the lifetime of the
// connection, fed through a blocking chunk source. Add is synchronous: when
// it returns, every complete message it carried has been emitted.
type zlibStream struct {
	ev    DecompressorEvents
	addMu sync.Mutex
	split splitter
	src   *chunkSource

	mu      sync.Mutex
	decoded bytes.Buffer
}

func newZlibStream(ev DecompressorEvents) *zlibStream {
	d := &zlibStream{ev: ev, src: newChunkSource()}
	go d.inflateLoop()
	return d
}

func (d *zlibStream) inflateLoop() {
	zr, err := zlib.NewReader(d.src)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			d.src.abort()
			d.ev.fail(err)
		}
		return
	}
	defer zr.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.decoded.Write(buf[:n])
			d.mu.Unlock()
		}
		if err != nil {
			if d.src.isClosed() {
				return
			}
			d.src.abort()
			d.ev.fail(err)
			return
		}
	}
}

func (d *zlibStream) Add(buf []byte) {
	d.addMu.Lock()
	defer d.addMu.Unlock()

	d.split.split(buf,
		func(seg []byte) {
			d.src.feed(seg)
			if !d.src.awaitDrain() {
				return
			}
			d.emit()
		},
		func(rest []byte) {
			d.src.feed(rest)
		})
}

func (d *zlibStream) AddFragments(frags [][]byte) {
	d.ev.debug("compressed message arrived in %d fragments", len(frags))
	for _, f := range frags {
		d.Add(f)
	}
}

func (d *zlibStream) emit() {
	d.mu.Lock()
	out := make([]byte, d.decoded.Len())
	copy(out, d.decoded.Bytes())
	d.decoded.Reset()
	d.mu.Unlock()

	if d.ev.Data != nil {
		d.ev.Data(out)
	}
}

func (d *zlibStream) Close() {
	d.src.close()
}

// chunkSource is the blocking byte source behind the streaming inflater. The
// inflater pulls from Read/ReadByte; feed pushes compressed bytes in;
// awaitDrain blocks until the inflater has consumed everything fed so far and
// is stalled waiting for more, which at a sync-flush boundary means the whole
// message has been decoded.
type chunkSource struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	waiting bool
	closed  bool
	aborted bool
}

func newChunkSource() *chunkSource {
	s := &chunkSource{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *chunkSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *chunkSource) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, nil
}

func (s *chunkSource) feed(b []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, b...)
	s.waiting = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// awaitDrain reports false when the inflater died before draining.
func (s *chunkSource) awaitDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !(len(s.pending) == 0 && s.waiting) {
		if s.closed || s.aborted {
			return false
		}
		s.cond.Wait()
	}
	return !s.aborted
}

func (s *chunkSource) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *chunkSource) abort() {
	s.mu.Lock()
	s.aborted = true
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *chunkSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && !s.aborted
}

// zlibSync inflates each logical message on its own, seeding the inflater
// with the previous 32 KB of output so back references across messages keep
// resolving. A sync flush byte-aligns the stream and resets the entropy
// coder, which is what makes the per-message restart valid.
type zlibSync struct {
	ev     DecompressorEvents
	addMu  sync.Mutex
	split  splitter
	seg    []byte
	window []byte
	first  bool
	// dead is atomic so Close can be called from inside a Data callback.
	dead atomic.Bool
}

func newZlibSync(ev DecompressorEvents) *zlibSync {
	return &zlibSync{ev: ev, first: true}
}

func (d *zlibSync) Add(buf []byte) {
	d.addMu.Lock()
	defer d.addMu.Unlock()
	if d.dead.Load() {
		return
	}

	d.split.split(buf,
		func(seg []byte) {
			d.seg = append(d.seg, seg...)
			d.inflate()
		},
		func(rest []byte) {
			d.seg = append(d.seg, rest...)
		})
}

func (d *zlibSync) AddFragments(frags [][]byte) {
	d.ev.debug("compressed message arrived in %d fragments", len(frags))
	for _, f := range frags {
		d.Add(f)
	}
}

const windowSize = 32 * 1024

func (d *zlibSync) inflate() {
	if d.dead.Load() {
		return
	}
	seg := d.seg
	d.seg = nil

	if d.first {
		// The very first message opens the zlib stream; skip the two
		// header bytes, everything after is raw deflate.
		if len(seg) < 2 {
			d.dead.Store(true)
			d.ev.fail(errors.New("short zlib header"))
			return
		}
		seg = seg[2:]
		d.first = false
	}

	fr := flate.NewReaderDict(bytes.NewReader(seg), d.window)
	out, err := io.ReadAll(fr)
	_ = fr.Close()
	// Running off the end of the segment while looking for the next block
	// is the expected stop condition at a sync-flush boundary.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		d.dead.Store(true)
		d.ev.fail(err)
		return
	}

	d.window = append(d.window, out...)
	if len(d.window) > windowSize {
		d.window = d.window[len(d.window)-windowSize:]
	}

	if d.ev.Data != nil {
		d.ev.Data(out)
	}
}

func (d *zlibSync) Close() {
	d.dead.Store(true)
}
