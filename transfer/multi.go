// File: transfer/multi.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multi drives many Easy handles over non-blocking sockets. It never polls:
// the owner of the reactor is told which descriptors need which readiness
// through the socket callback and when to call back through the timer
// callback, and drives progress with SocketAction. Finished transfers are
// queued as messages for InfoRead.

package transfer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/go-logr/logr"
	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/internal/concurrency"
	"github.com/momentics/hioload-http/internal/logging"
)

const (
	debugLevel = logging.DEBUG
	traceLevel = logging.TRACE

	maxReadsPerEvent = 16
)

var errCallbackAbort = errors.New("callback aborted the transfer")

// MultiConfig tunes a Multi.
type MultiConfig struct {
	// MaxConnects bounds the idle connection cache.
	MaxConnects int
	// MaxFreeHandles bounds the pool of recycled handles.
	MaxFreeHandles int
	// ReadBufferSize is the socket read size.
	ReadBufferSize int
	// Share backs handles without their own Share (DNS and TLS sessions).
	// When nil the Multi creates and owns one.
	Share  *Share
	Logger logr.Logger
}

// DefaultMultiConfig returns the engine defaults.
func DefaultMultiConfig() MultiConfig {
	return MultiConfig{
		MaxConnects:    DefaultMaxConnects,
		MaxFreeHandles: 256,
		ReadBufferSize: 16 << 10,
		Logger:         logr.Discard(),
	}
}

// Message reports a finished transfer.
type Message struct {
	Easy   *Easy
	Result api.ResultCode
	Detail string
}

// Multi is the transfer engine. All methods except Close must run on the
// reactor goroutine.
type Multi struct {
	cfg      MultiConfig
	log      logr.Logger
	socketFn api.SocketFunc
	timerFn  api.TimerFunc

	running   map[uint64]*Easy
	byFD      map[int]*Easy
	pending   *queue.Queue // pendingEntry waiting for the next timeout action
	msgs      *queue.Queue // *Message
	free      *queue.Queue // *Easy
	deadlines deadlineHeap
	cache     *connCache
	share     *Share
	ownShare  bool
	scratch   []byte
	nextID    uint64
	nextConn  uint64

	dialQ       *concurrency.Handoff[*dialResult]
	dialWatched bool
	ctx         context.Context
	cancelAll   context.CancelFunc
	connectors  sync.WaitGroup
	bridges     sync.WaitGroup

	timerArmed bool
	timerAt    time.Time
	closed     bool
}

// NewMulti creates an engine.
func NewMulti(cfg MultiConfig) (*Multi, error) {
	def := DefaultMultiConfig()
	if cfg.MaxConnects <= 0 {
		cfg.MaxConnects = def.MaxConnects
	}
	if cfg.MaxFreeHandles <= 0 {
		cfg.MaxFreeHandles = def.MaxFreeHandles
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = def.Logger
	}
	cache, err := newConnCache(cfg.MaxConnects)
	if err != nil {
		return nil, fmt.Errorf("connection cache: %w", err)
	}
	dialQ, err := concurrency.NewHandoff[*dialResult]()
	if err != nil {
		return nil, fmt.Errorf("dial queue: %w", err)
	}
	m := &Multi{
		cfg:      cfg,
		log:      cfg.Logger,
		socketFn: func(int, api.PollAction) error { return nil },
		timerFn:  func(time.Duration) error { return nil },
		running:  make(map[uint64]*Easy),
		byFD:     make(map[int]*Easy),
		pending:  queue.New(),
		msgs:     queue.New(),
		free:     queue.New(),
		cache:    cache,
		share:    cfg.Share,
		scratch:  make([]byte, cfg.ReadBufferSize),
		dialQ:    dialQ,
	}
	if m.share == nil {
		m.share = NewShare(ShareConfig{})
		m.ownShare = true
	}
	m.ctx, m.cancelAll = context.WithCancel(context.Background())
	return m, nil
}

// SetSocketFunc installs the socket interest callback.
func (m *Multi) SetSocketFunc(fn api.SocketFunc) { m.socketFn = fn }

// SetTimerFunc installs the timeout callback.
func (m *Multi) SetTimerFunc(fn api.TimerFunc) { m.timerFn = fn }

// NewEasy returns a fresh or recycled handle.
func (m *Multi) NewEasy() *Easy {
	if m.free.Length() > 0 {
		e := m.free.Remove().(*Easy)
		e.state = easyIdle
		return e
	}
	return &Easy{multi: m}
}

// Add queues e; it starts on the next timeout action, which is requested
// immediately through the timer callback.
func (m *Multi) Add(e *Easy) error {
	if m.closed {
		return api.ErrLoopClosed
	}
	if e.multi != m {
		return fmt.Errorf("handle belongs to another engine: %w", api.ErrInvalidArgument)
	}
	if e.state != easyIdle && e.state != easyDone {
		return api.ErrHandleBusy
	}
	m.nextID++
	e.id = m.nextID
	e.state = easyPending
	e.start = time.Now()
	e.info = Info{}
	e.result = api.ResultOK
	e.retried = false
	m.running[e.id] = e
	m.pending.Add(pendingEntry{e: e, id: e.id})
	m.updateTimer()
	return nil
}

// Remove detaches e. A running transfer is aborted without a message.
func (m *Multi) Remove(e *Easy) error {
	if e.multi != m {
		return api.ErrInvalidArgument
	}
	switch e.state {
	case easyPending, easyConnecting, easySending, easyReceiving:
		m.abort(e)
		delete(m.running, e.id)
		e.state = easyIdle
		m.updateTimer()
	case easyDone:
		e.state = easyIdle
	}
	return nil
}

// Cleanup returns e to the handle pool. It must be called exactly once per
// handle; the handle must not be used afterwards.
func (m *Multi) Cleanup(e *Easy) {
	if e.state == easyFree {
		m.log.Error(api.ErrInvalidArgument, "Handle cleaned up twice", "id", e.id)
		return
	}
	_ = m.Remove(e)
	e.reset()
	if m.free.Length() < m.cfg.MaxFreeHandles {
		m.free.Add(e)
	}
}

// InfoRead pops the next finished transfer.
func (m *Multi) InfoRead() (*Message, bool) {
	if m.msgs.Length() == 0 {
		return nil, false
	}
	return m.msgs.Remove().(*Message), true
}

// Running reports the number of transfers not yet finished.
func (m *Multi) Running() int { return len(m.running) }

// IdleConnections reports the size of the connection cache.
func (m *Multi) IdleConnections() int { return m.cache.len() }

// SocketAction drives the engine after readiness on fd, or after the timer
// fired when fd is api.SocketTimeout.
func (m *Multi) SocketAction(fd int, ev api.EventMask) (int, error) {
	if m.closed {
		return 0, api.ErrLoopClosed
	}
	switch {
	case fd == api.SocketTimeout:
		m.onTimeout()
	case fd == m.dialQ.FD():
		m.dialQ.Drain(m.onDialed)
	default:
		if e := m.byFD[fd]; e != nil {
			m.onSocket(e, ev)
		} else {
			m.log.V(traceLevel).Info("Readiness on unknown descriptor", "fd", fd)
		}
	}
	m.updateTimer()
	return len(m.running), nil
}

func (m *Multi) onTimeout() {
	m.timerArmed = false
	for m.pending.Length() > 0 {
		if e := m.popPending(); e != nil {
			m.startTransfer(e)
		}
	}
	now := time.Now()
	for len(m.deadlines) > 0 && !now.Before(m.deadlines[0].when) {
		d := heap.Pop(&m.deadlines).(deadline)
		e := m.running[d.xfer]
		if e == nil {
			continue
		}
		if d.connect && e.state != easyConnecting {
			continue
		}
		if d.connect {
			m.finish(e, api.ResultOperationTimedout,
				fmt.Sprintf("connection timed out after %d milliseconds", e.since().Milliseconds()))
		} else {
			m.finish(e, api.ResultOperationTimedout,
				fmt.Sprintf("operation timed out after %d milliseconds with %d bytes received",
					e.since().Milliseconds(), e.info.SizeDownload))
		}
	}
}

func (m *Multi) startTransfer(e *Easy) {
	t, code, err := parseTarget(e.opts.url)
	if err != nil {
		m.finish(e, code, err.Error())
		return
	}
	e.target = t
	e.info.EffectiveURL = t.u.String()
	e.parser.reset(e.opts.method == "HEAD")
	if e.share == nil && e.opts.cookieEngine && e.jar == nil {
		e.jar = NewCookieJar()
	}
	if e.opts.timeout > 0 {
		heap.Push(&m.deadlines, deadline{when: e.start.Add(e.opts.timeout), xfer: e.id})
	}

	key := connKey(t, e.opts.tls)
	if c := m.cache.take(key); c != nil {
		c.reused = true
		e.conn = c
		e.info.PrimaryIP = c.primaryIP
		e.info.NameLookupTime = e.since()
		e.info.ConnectTime = e.info.NameLookupTime
		if t.https {
			e.info.AppConnectTime = e.info.NameLookupTime
		}
		m.log.V(traceLevel).Info("Reusing connection", "id", e.id, "key", key)
		m.beginSend(e)
		return
	}
	m.connect(e, key)
}

func (m *Multi) connect(e *Easy, key string) {
	if !m.dialWatched {
		if err := m.socketFn(m.dialQ.FD(), api.PollIn); err != nil {
			m.finish(e, api.ResultResourceExhausted, err.Error())
			return
		}
		m.dialWatched = true
	}
	share := e.share
	if share == nil {
		share = m.share
	}
	job := &dialJob{
		xfer:    e.id,
		target:  e.target,
		tls:     e.opts.tls,
		share:   share,
		start:   e.start,
		key:     key,
		timeout: e.connectTimeout(),
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.state = easyConnecting
	heap.Push(&m.deadlines, deadline{when: e.start.Add(job.timeout), xfer: e.id, connect: true})

	m.connectors.Add(1)
	go func() {
		defer m.connectors.Done()
		res := dial(ctx, job, &m.bridges)
		if err := m.dialQ.Push(res); err != nil && res.conn != nil {
			_ = res.conn.close()
		}
	}()
}

func (m *Multi) onDialed(res *dialResult) {
	e := m.running[res.xfer]
	if e == nil || e.state != easyConnecting {
		if res.conn != nil {
			_ = res.conn.close()
		}
		return
	}
	e.cancel()
	e.cancel = nil
	if res.err != nil {
		m.finish(e, res.code, res.err.Error())
		return
	}
	m.nextConn++
	res.conn.id = m.nextConn
	e.conn = res.conn
	e.info.NameLookupTime = res.nameLookup
	e.info.ConnectTime = res.connect
	e.info.AppConnectTime = res.appConnect
	e.info.PrimaryIP = res.conn.primaryIP
	m.beginSend(e)
}

func (m *Multi) beginSend(e *Easy) {
	cookie := ""
	if e.opts.cookieEngine {
		cookie = e.cookieJar().Header(e.target.u)
	}
	e.req = bytebufferpool.Get()
	writeRequest(e.req, &e.opts, e.target, cookie)
	e.reqOff = 0
	e.state = easySending
	e.info.PreTransferTime = e.since()
	m.byFD[e.conn.fd] = e
	m.sendMore(e)
}

// watch replaces the readiness interest of the transfer socket.
func (m *Multi) watch(e *Easy, what api.PollAction) bool {
	if e.watching == what {
		return true
	}
	if err := m.socketFn(e.conn.fd, what); err != nil {
		m.finish(e, api.ResultResourceExhausted, err.Error())
		return false
	}
	e.watching = what
	return true
}

func (m *Multi) onSocket(e *Easy, ev api.EventMask) {
	switch e.state {
	case easySending:
		m.sendMore(e)
	case easyReceiving:
		m.recvMore(e)
	}
}

func (m *Multi) sendMore(e *Easy) {
	buf := e.req.B
	for e.reqOff < len(buf) {
		n, err := e.conn.write(buf[e.reqOff:])
		if err == errWouldBlock {
			m.watch(e, api.PollOut)
			return
		}
		if err != nil {
			if m.retryable(e) {
				m.retry(e)
				return
			}
			m.finish(e, api.ResultSendError, err.Error())
			return
		}
		e.reqOff += n
	}
	e.info.SizeUpload = int64(len(e.opts.body))
	bytebufferpool.Put(e.req)
	e.req = nil
	e.state = easyReceiving
	if m.watch(e, api.PollIn) {
		m.recvMore(e)
	}
}

func (m *Multi) recvMore(e *Easy) {
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := e.conn.read(m.scratch)
		if err == errWouldBlock {
			return
		}
		if err != nil {
			if m.retryable(e) {
				m.retry(e)
				return
			}
			m.finish(e, api.ResultRecvError, err.Error())
			return
		}
		if n == 0 {
			if m.retryable(e) {
				m.retry(e)
				return
			}
			if perr := e.parser.finishEOF(); perr != nil {
				m.finish(e, resultOf(perr), perr.Error())
				return
			}
			m.finish(e, api.ResultOK, "")
			return
		}
		if !e.parser.gotAny() {
			e.info.StartTransferTime = e.since()
		}
		if perr := e.parser.feed(m.scratch[:n], e); perr != nil {
			m.finish(e, resultOf(perr), perr.Error())
			return
		}
		if e.parser.done() {
			m.finish(e, api.ResultOK, "")
			return
		}
	}
}

// retryable reports whether a failure on a reused connection happened before
// any response byte, in which case the server most likely closed it idle.
func (m *Multi) retryable(e *Easy) bool {
	return e.conn != nil && e.conn.reused && !e.retried && !e.parser.gotAny()
}

func (m *Multi) retry(e *Easy) {
	m.log.V(debugLevel).Info("Reused connection died, retrying on a fresh one", "id", e.id)
	m.dropConn(e, false)
	if e.req != nil {
		bytebufferpool.Put(e.req)
		e.req = nil
	}
	e.retried = true
	e.parser.reset(e.opts.method == "HEAD")
	m.connect(e, connKey(e.target, e.opts.tls))
}

// dropConn detaches the connection of e, parking it for reuse or closing it.
func (m *Multi) dropConn(e *Easy, keep bool) {
	c := e.conn
	if c == nil {
		return
	}
	e.conn = nil
	if e.watching != api.PollNone {
		_ = m.socketFn(c.fd, api.PollRemove)
		e.watching = api.PollNone
	}
	delete(m.byFD, c.fd)
	if keep && !m.closed {
		m.cache.put(c)
		return
	}
	_ = c.close()
}

// abort releases everything a transfer holds without queuing a message.
func (m *Multi) abort(e *Easy) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.dropConn(e, false)
	if e.req != nil {
		bytebufferpool.Put(e.req)
		e.req = nil
	}
}

// finish ends a transfer and queues its message.
func (m *Multi) finish(e *Easy, code api.ResultCode, detail string) {
	if e.state == easyDone || e.state == easyIdle || e.state == easyFree {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.dropConn(e, code == api.ResultOK && e.parser.reusable())
	if e.req != nil {
		bytebufferpool.Put(e.req)
		e.req = nil
	}
	e.info.TotalTime = e.since()
	if e.opts.cookieEngine {
		e.info.Cookies = e.cookieJar().Netscape()
	}
	e.state = easyDone
	e.result = code
	delete(m.running, e.id)
	m.msgs.Add(&Message{Easy: e, Result: code, Detail: detail})
	m.log.V(debugLevel).Info("Transfer finished", "id", e.id, "url", e.opts.url, "result", code.String(), "detail", detail)
}

// updateTimer asks for the earliest timeout the engine needs. A timer the
// reactor cannot provide fails the transfers waiting on it.
func (m *Multi) updateTimer() {
	for {
		at, ok := m.nextWakeup()
		if !ok {
			if m.timerArmed {
				m.timerArmed = false
				_ = m.timerFn(-1)
			}
			return
		}
		if m.timerArmed && at.Equal(m.timerAt) {
			return
		}
		d := time.Duration(0)
		if !at.IsZero() {
			d = time.Until(at)
			if d < 0 {
				d = 0
			}
		}
		err := m.timerFn(d)
		if err == nil {
			m.timerArmed = true
			m.timerAt = at
			return
		}
		m.timerArmed = false
		m.log.Error(err, "Engine timeout could not be scheduled")
		m.failTimerWaiters(err)
	}
}

// nextWakeup returns the zero time when pending transfers need an
// immediate kick.
func (m *Multi) nextWakeup() (time.Time, bool) {
	if m.pending.Length() > 0 {
		return time.Time{}, true
	}
	for len(m.deadlines) > 0 {
		d := m.deadlines[0]
		if e := m.running[d.xfer]; e != nil && (!d.connect || e.state == easyConnecting) {
			return d.when, true
		}
		heap.Pop(&m.deadlines)
	}
	return time.Time{}, false
}

func (m *Multi) failTimerWaiters(err error) {
	detail := err.Error()
	if m.pending.Length() > 0 {
		for m.pending.Length() > 0 {
			if e := m.popPending(); e != nil {
				m.finish(e, api.ResultResourceExhausted, detail)
			}
		}
		return
	}
	if len(m.deadlines) > 0 {
		d := heap.Pop(&m.deadlines).(deadline)
		if e := m.running[d.xfer]; e != nil {
			m.finish(e, api.ResultResourceExhausted, detail)
		}
	}
}

// Close aborts every transfer without messages, closes idle connections and
// waits for helper goroutines. Handles stay owned by their holders.
func (m *Multi) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.cancelAll()
	for _, e := range m.running {
		m.abort(e)
		e.state = easyIdle
	}
	m.running = make(map[uint64]*Easy)
	m.cache.purge()

	m.connectors.Wait()
	m.dialQ.Drain(func(res *dialResult) {
		if res.conn != nil {
			_ = res.conn.close()
		}
	})
	m.bridges.Wait()

	if m.dialWatched {
		_ = m.socketFn(m.dialQ.FD(), api.PollRemove)
	}
	if m.ownShare {
		m.share.Close()
	}
	return m.dialQ.Close()
}

type pendingEntry struct {
	e  *Easy
	id uint64
}

// popPending returns the next queued handle that is still waiting to start.
func (m *Multi) popPending() *Easy {
	p := m.pending.Remove().(pendingEntry)
	if p.e.id != p.id || p.e.state != easyPending {
		return nil
	}
	return p.e
}

type deadline struct {
	when    time.Time
	xfer    uint64
	connect bool
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}
