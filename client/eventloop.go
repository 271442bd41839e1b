// File: client/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop owns the reactor and the transfer engine. Only the goroutine
// inside Run or RunOnce touches either of them; everything else reaches the
// loop through its handoff queues.

package client

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/core/buffer"
	"github.com/momentics/hioload-http/internal/concurrency"
	"github.com/momentics/hioload-http/internal/logging"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/transfer"
)

const noActiveTimer int64 = -1

// inFlight is a submitted request while the engine works on it.
type inFlight struct {
	req     *pendingRequest
	easy    *transfer.Easy
	headers *buffer.Chain
	body    *buffer.Chain
}

// EventLoop drives HTTP transfers for any number of Sessions.
type EventLoop struct {
	log     logr.Logger
	metrics *control.Metrics
	probes  *control.DebugProbes
	reactor api.Reactor
	multi   *transfer.Multi

	reqIn    *concurrency.Handoff[*pendingRequest]
	respOut  *concurrency.Handoff[*completion]
	stopQ    *concurrency.Handoff[struct{}]
	teardown *concurrency.Handoff[*transfer.Easy]
	pinCPU   int

	// Owned by the loop goroutine.
	timerID int64
	stop    bool
	active  map[*inFlight]struct{}

	transfers     atomic.Int64
	running       atomic.Bool
	stopRequested atomic.Bool
	closed        atomic.Bool
}

// NewEventLoop creates a loop. A nil cfg selects DefaultConfig.
func NewEventLoop(cfg *Config) (l *EventLoop, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = def.Logger
	}
	if cfg.NewReactor == nil {
		cfg.NewReactor = def.NewReactor
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = control.NewMetrics()
	}

	l = &EventLoop{
		log:     cfg.Logger.WithName("eventloop"),
		metrics: metrics,
		probes:  control.NewDebugProbes(),
		timerID: noActiveTimer,
		active:  make(map[*inFlight]struct{}),
		pinCPU:  -1,
	}
	if cfg.PinCPU {
		l.pinCPU = cfg.CPU
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
			l = nil
		}
	}()

	r, err := cfg.NewReactor(reactor.Config{MaxEvents: cfg.MaxEvents, Logger: cfg.Logger.WithName("reactor")})
	if err != nil {
		return nil, fmt.Errorf("create reactor: %w", err)
	}
	l.reactor = r
	closers = append(closers, r.Close)

	mcfg := transfer.DefaultMultiConfig()
	mcfg.MaxConnects = cfg.MaxConnects
	mcfg.Logger = cfg.Logger.WithName("transfer")
	if l.multi, err = transfer.NewMulti(mcfg); err != nil {
		return nil, fmt.Errorf("create transfer engine: %w", err)
	}
	closers = append(closers, l.multi.Close)
	l.multi.SetSocketFunc(l.onSocket)
	l.multi.SetTimerFunc(l.onEngineTimer)

	if l.reqIn, err = concurrency.NewHandoff[*pendingRequest](); err != nil {
		return nil, fmt.Errorf("request queue: %w", err)
	}
	closers = append(closers, l.reqIn.Close)
	if l.respOut, err = concurrency.NewHandoff[*completion](); err != nil {
		return nil, fmt.Errorf("completion queue: %w", err)
	}
	closers = append(closers, l.respOut.Close)
	if l.stopQ, err = concurrency.NewHandoff[struct{}](); err != nil {
		return nil, fmt.Errorf("stop queue: %w", err)
	}
	closers = append(closers, l.stopQ.Close)
	if l.teardown, err = concurrency.NewHandoff[*transfer.Easy](); err != nil {
		return nil, fmt.Errorf("teardown queue: %w", err)
	}
	closers = append(closers, l.teardown.Close)

	if err = r.CreateFileEvent(l.reqIn.FD(), api.EventReadable, l.onRequests); err != nil {
		return nil, fmt.Errorf("watch request queue: %w", err)
	}
	if err = r.CreateFileEvent(l.stopQ.FD(), api.EventReadable, l.onStop); err != nil {
		return nil, fmt.Errorf("watch stop queue: %w", err)
	}
	if err = r.CreateFileEvent(l.teardown.FD(), api.EventReadable, l.onTeardown); err != nil {
		return nil, fmt.Errorf("watch teardown queue: %w", err)
	}

	l.probes.RegisterProbe("running", func() any { return l.running.Load() })
	l.probes.RegisterProbe("stop_requested", func() any { return l.stopRequested.Load() })
	l.probes.RegisterProbe("transfers", func() any { return l.transfers.Load() })
	l.probes.RegisterProbe("requests_queued", func() any { return l.reqIn.Len() })
	l.probes.RegisterProbe("completions_queued", func() any { return l.respOut.Len() })
	l.probes.RegisterProbe("teardowns_queued", func() any { return l.teardown.Len() })
	l.probes.RegisterProbe("pinned_cpu", func() any { return l.pinCPU })
	control.RegisterPlatformProbes(l.probes)
	return l, nil
}

// Metrics returns the collectors updated by the loop.
func (l *EventLoop) Metrics() *control.Metrics { return l.metrics }

// Run processes events until Stop is observed. The calling goroutine is
// locked to its OS thread meanwhile. Only one Run or RunOnce may execute at
// a time.
func (l *EventLoop) Run() error {
	if l.closed.Load() {
		return api.ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return api.ErrLoopRunning
	}
	defer l.running.Store(false)
	if l.pinCPU >= 0 {
		unpin, err := concurrency.PinCurrentThread(l.pinCPU)
		if err != nil {
			return fmt.Errorf("pin loop thread: %w", err)
		}
		defer unpin()
	} else {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	l.log.V(logging.VERBOSE).Info("Event loop started")
	for !l.stop {
		if _, err := l.reactor.ProcessEvents(api.AllEvents); err != nil {
			return fmt.Errorf("process events: %w", err)
		}
	}
	l.stop = false
	l.log.V(logging.VERBOSE).Info("Event loop stopped", "transfers", len(l.active))
	return nil
}

// RunOnce performs one non-blocking pass. A pending Stop is consumed.
func (l *EventLoop) RunOnce() error {
	if l.closed.Load() {
		return api.ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return api.ErrLoopRunning
	}
	defer l.running.Store(false)
	_, err := l.reactor.ProcessEvents(api.AllEvents | api.DontWait)
	l.stop = false
	if err != nil {
		return fmt.Errorf("process events: %w", err)
	}
	return nil
}

// Stop makes Run return after the current pass. Transfers in progress stay
// parked and resume with the next Run. Safe to call from any goroutine and
// any number of times. A Stop that lands after Run already consumed the
// previous one stays pending and ends the next Run or RunOnce.
func (l *EventLoop) Stop() {
	if !l.stopRequested.CompareAndSwap(false, true) {
		return
	}
	if err := l.stopQ.Push(struct{}{}); err != nil {
		l.stopRequested.Store(false)
	}
}

// CompletionFD turns readable while DrainCompletions has outcomes to return.
func (l *EventLoop) CompletionFD() int { return l.respOut.FD() }

// DrainCompletions returns every outcome available now, in completion
// order. It never blocks and returns an empty slice when nothing is ready.
func (l *EventLoop) DrainCompletions() []Outcome {
	out := make([]Outcome, 0, l.respOut.Len())
	l.respOut.Drain(func(c *completion) {
		o := Outcome{Token: c.token}
		kind := control.OutcomeSuccess
		switch {
		case c.err != nil:
			o.Err = c.err
			kind = control.OutcomeError
		case c.dummy:
			o.Response = newResponse(l, c)
			kind = control.OutcomeDummy
		default:
			o.Response = newResponse(l, c)
		}
		l.metrics.ObserveOutcome(kind)
		c.session.done()
		out = append(out, o)
	})
	return out
}

// DumpState snapshots loop counters for diagnostics.
func (l *EventLoop) DumpState() map[string]any { return l.probes.DumpState() }

// Close releases the engine, the reactor and the queues. It fails with
// api.ErrLoopRunning while Run or RunOnce executes. Requests that have not
// completed are dropped without an outcome. Close is idempotent.
func (l *EventLoop) Close() error {
	if l.running.Load() {
		return api.ErrLoopRunning
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	dropped := len(l.active)
	for x := range l.active {
		x.headers.Release()
		x.body.Release()
		x.req.session.done()
	}
	l.active = nil
	l.reqIn.Drain(func(p *pendingRequest) {
		dropped++
		if p != nil {
			p.session.done()
		}
	})
	l.respOut.Drain(func(c *completion) {
		dropped++
		c.headers.Release()
		c.body.Release()
		c.session.done()
	})
	l.metrics.InFlight.Sub(float64(dropped))
	if dropped > 0 {
		l.log.Info("Dropping unfinished requests", "count", dropped)
	}

	err := multierr.Combine(
		l.multi.Close(),
		l.reactor.Close(),
		l.reqIn.Close(),
		l.respOut.Close(),
		l.stopQ.Close(),
		l.teardown.Close(),
	)
	return err
}

// onSocket maps engine interest onto reactor file events. Each call replaces
// the interest previously registered for fd.
func (l *EventLoop) onSocket(fd int, what api.PollAction) error {
	var err error
	switch what {
	case api.PollNone:
	case api.PollIn:
		err = multierr.Append(
			l.reactor.CreateFileEvent(fd, api.EventReadable, l.onReadiness),
			l.reactor.DeleteFileEvent(fd, api.EventWritable))
	case api.PollOut:
		err = multierr.Append(
			l.reactor.CreateFileEvent(fd, api.EventWritable, l.onReadiness),
			l.reactor.DeleteFileEvent(fd, api.EventReadable))
	case api.PollInOut:
		err = l.reactor.CreateFileEvent(fd, api.EventBoth, l.onReadiness)
	case api.PollRemove:
		err = l.reactor.DeleteFileEvent(fd, api.EventBoth)
	default:
		err = fmt.Errorf("poll action %d: %w", what, api.ErrInvalidArgument)
	}
	if err != nil {
		l.log.Error(err, "Socket interest update failed", "fd", fd, "action", what.String())
		return fmt.Errorf("%w: %v", api.ErrResourceExhausted, err)
	}
	return nil
}

// onEngineTimer replaces the single engine timeout.
func (l *EventLoop) onEngineTimer(timeout time.Duration) error {
	if l.timerID != noActiveTimer {
		_ = l.reactor.DeleteTimeEvent(l.timerID)
		l.timerID = noActiveTimer
	}
	if timeout < 0 {
		return nil
	}
	id, err := l.reactor.CreateTimeEvent(timeout, l.onTimerFired)
	if err != nil {
		l.metrics.TimerFailures.Inc()
		return fmt.Errorf("schedule engine timeout: %w: %v", api.ErrResourceExhausted, err)
	}
	l.timerID = id
	return nil
}

func (l *EventLoop) onTimerFired(int64) {
	l.timerID = noActiveTimer
	l.tick(api.SocketTimeout, api.EventNone)
}

func (l *EventLoop) onReadiness(fd int, fired api.EventMask) {
	l.tick(fd, fired)
}

// tick drives the engine once and delivers whatever finished.
func (l *EventLoop) tick(fd int, fired api.EventMask) {
	if _, err := l.multi.SocketAction(fd, fired); err != nil {
		l.log.Error(err, "Socket action failed", "fd", fd)
	}
	l.collect()
}

func (l *EventLoop) collect() {
	for {
		msg, ok := l.multi.InfoRead()
		if !ok {
			return
		}
		e := msg.Easy
		x, _ := e.Private().(*inFlight)
		_ = l.multi.Remove(e)
		e.ReleaseRequestData()
		if x == nil {
			l.multi.Cleanup(e)
			continue
		}
		l.deliver(x, msg.Result, msg.Detail)
	}
}

func (l *EventLoop) onRequests(int, api.EventMask) {
	l.reqIn.Drain(l.submit)
	l.collect()
}

// submit configures a handle for p and hands it to the engine.
func (l *EventLoop) submit(p *pendingRequest) {
	if p == nil || p.session == nil {
		return
	}
	s := p.session
	e := l.multi.NewEasy()
	x := &inFlight{req: p, easy: e, headers: buffer.NewChain(), body: buffer.NewChain()}
	l.active[x] = struct{}{}
	l.transfers.Add(1)
	e.SetPrivate(x)

	if p.dummy {
		e.MarkComplete()
		l.deliver(x, api.ResultOK, "")
		return
	}

	e.SetMethod(p.method)
	e.SetURL(p.url)
	e.SetShare(s.share)
	e.SetTLS(s.tlsOptions(p.cert))
	e.SetConnectTimeout(s.cfg.ConnectTimeout)
	e.SetTimeout(s.cfg.Timeout)
	if p.headers != nil {
		e.SetHeaders(p.headers)
	}
	if p.auth != nil {
		e.SetUserPwd(p.auth.Username, p.auth.Password)
	}
	if s.cfg.CookieEngine {
		e.EnableCookieEngine()
	}
	for _, c := range p.cookies {
		if err := e.AddCookie(c); err != nil {
			l.log.V(logging.DEBUG).Info("Ignoring cookie line", "url", p.url, "err", err.Error())
		}
	}
	if p.body != nil {
		e.SetBody(p.body)
	}
	e.SetHeaderFunc(x.headers.Append)
	e.SetWriteFunc(x.body.Append)
	p.headers, p.cookies, p.body, p.auth, p.cert = nil, nil, nil, nil, nil

	if err := l.multi.Add(e); err != nil {
		l.deliver(x, api.ResultResourceExhausted, err.Error())
	}
}

// deliver pushes the outcome of x to the caller. Failed transfers release
// their buffers and handle here, on the loop goroutine.
func (l *EventLoop) deliver(x *inFlight, code api.ResultCode, detail string) {
	delete(l.active, x)
	l.transfers.Add(-1)
	x.easy.SetPrivate(nil)
	c := &completion{
		token:   x.req.token,
		session: x.req.session,
		dummy:   x.req.dummy,
	}
	if code.OK() {
		c.headers, c.body, c.easy = x.headers, x.body, x.easy
		c.info = *x.easy.Info()
	} else {
		x.headers.Release()
		x.body.Release()
		l.multi.Cleanup(x.easy)
		l.metrics.HandlesReleased.Inc()
		c.err = api.NewTransferError(code, detail)
		l.log.V(logging.DEBUG).Info("Transfer failed", "url", x.req.url, "err", c.err.Error())
	}
	x.req = nil
	if err := concurrency.Give(l.respOut, &c); err != nil {
		l.log.Error(err, "Outcome dropped")
	}
}

func (l *EventLoop) onTeardown(int, api.EventMask) {
	l.teardown.Drain(func(e *transfer.Easy) {
		if e == nil {
			return
		}
		l.multi.Cleanup(e)
		l.metrics.HandlesReleased.Inc()
	})
}

func (l *EventLoop) onStop(int, api.EventMask) {
	l.stopQ.Drain(func(struct{}) {})
	l.stopRequested.Store(false)
	l.stop = true
}
