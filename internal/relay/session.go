package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"camrelay/internal/extractor"
	"camrelay/internal/governor"
	"camrelay/internal/probe"
	"camrelay/internal/transcoder"
	"camrelay/internal/upstream"
	"camrelay/pkg/models"
)

// Session relays one camera stream to one client
type Session struct {
	ID     string
	Params Params
	Stats  models.SessionStats

	relay *Relay
	log   logrus.FieldLogger

	mu        sync.RWMutex
	state     models.SessionState
	endpoint  string
	err       error
	endedAt   time.Time
	lastFrame *models.Frame
	cancel    context.CancelFunc
	stopped   bool
}

// NewSession creates a session in the Probing state. It does no I/O.
func (r *Relay) NewSession(p Params) *Session {
	id := uuid.New().String()
	s := &Session{
		ID:     id,
		Params: p,
		relay:  r,
		state:  models.SessionStateProbing,
		log: r.log.WithFields(logrus.Fields{
			"session": id,
			"host":    p.Host,
		}),
	}
	s.Stats.StartTime = time.Now()
	return s
}

// State returns the current lifecycle state
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state).Debug("Session state changed")
}

// Endpoint returns the upstream URL being relayed, once connected
func (s *Session) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Err returns the error that failed the session, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// LastFrame returns the most recently emitted frame
func (s *Session) LastFrame() *models.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrame
}

// Stop cancels a running session. The session ends as Closed.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Info returns the API view of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.RLock()
	state, endpoint, err, endedAt := s.state, s.endpoint, s.err, s.endedAt
	s.mu.RUnlock()

	end := time.Now()
	if !endedAt.IsZero() {
		end = endedAt
	}

	info := models.SessionInfo{
		ID:              s.ID,
		State:           state,
		Transport:       s.Params.Transport,
		ClientIP:        s.Params.ClientIP,
		Host:            s.Params.Host,
		Endpoint:        endpoint,
		FPSLimit:        s.Params.FPSLimit,
		DropPolicy:      s.Params.Policy.String(),
		Resolution:      s.Params.Resolution(),
		Quality:         s.Params.Quality,
		StartedAt:       s.Stats.StartTime.Format(time.RFC3339),
		Duration:        int(end.Sub(s.Stats.StartTime).Seconds()),
		FramesProcessed: s.Stats.FramesProcessed.Load(),
		FramesDropped:   s.Stats.FramesDropped.Load(),
		DecodeFailures:  s.Stats.DecodeFailures.Load(),
		BytesIn:         s.Stats.BytesTransferred.Load(),
		BytesOut:        s.Stats.BytesSent.Load(),
	}
	if last := s.Stats.LastFrameTime(); !last.IsZero() {
		info.LastFrameAt = last.Format(time.RFC3339Nano)
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// Run drives the session until the upstream ends, the client goes away or
// ctx is cancelled. It returns nil for those normal endings and the failure
// otherwise; failures are also reported through sink.Fail. Every goroutine
// and upstream connection the session started is released before Run
// returns.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		cancel()
	}

	m := s.relay.metrics
	m.RecordSessionStart()
	s.log.WithFields(logrus.Fields{
		"fps_limit":  s.Params.FPSLimit,
		"drop":       s.Params.Policy.String(),
		"resolution": s.Params.Resolution(),
		"quality":    s.Params.Quality,
	}).Info("Session started")

	err := s.run(ctx, sink)

	state := models.SessionStateClosed
	switch {
	case err == nil:
	case errors.Is(err, ErrDownstreamClosed):
		s.log.Info("Client disconnected")
		err = nil
	case ctx.Err() != nil:
		// stopped or the caller went away; whatever failed after that is a consequence
		s.log.Debug("Session cancelled")
		err = nil
	default:
		state = models.SessionStateFailed
		m.RecordError()
		s.log.WithError(err).Warn("Session failed")
		sink.Fail(err)
	}

	s.mu.Lock()
	s.state = state
	s.err = err
	s.endedAt = time.Now()
	s.mu.Unlock()

	duration := time.Since(s.Stats.StartTime)
	m.RecordSessionEnd(string(state), duration.Seconds())
	s.log.WithFields(logrus.Fields{
		"state":    state,
		"frames":   s.Stats.FramesProcessed.Load(),
		"dropped":  s.Stats.FramesDropped.Load(),
		"duration": duration.Round(time.Millisecond),
	}).Info("Session ended")

	return err
}

func (s *Session) run(ctx context.Context, sink Sink) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.endpoint = conn.URL
	s.state = models.SessionStateStreaming
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"endpoint":     conn.URL,
		"content_type": conn.ContentType,
	}).Info("Streaming")

	err = s.stream(ctx, conn, sink)
	if errors.Is(err, io.EOF) {
		s.setState(models.SessionStateDraining)
		if s.Stats.FramesProcessed.Load() == 0 {
			return ErrNoFrames
		}
		return nil
	}
	return err
}

// connect walks the candidate URLs in priority order. A candidate that fails
// to open after probing Available is recorded and the next one is probed.
func (s *Session) connect(ctx context.Context) (*upstream.Connection, error) {
	prober := s.relay.prober
	paths := s.Params.Paths
	if len(paths) == 0 {
		paths = prober.Paths()
	}
	urls := probe.CandidateURLs(s.Params.Host, s.Params.Port, paths)

	attempts := make([]models.ProbeResult, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.setState(models.SessionStateProbing)
		res := prober.Check(ctx, u)
		if !res.Available() {
			attempts = append(attempts, res)
			continue
		}

		s.setState(models.SessionStateConnecting)
		target := u
		if s.relay.opts.UpstreamHints {
			target = hintedURL(u, s.Params)
		}
		conn, err := s.relay.pool.Open(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.WithError(err).WithField("endpoint", u).Warn("Endpoint probed available but failed to open, trying next")
			attempts = append(attempts, probe.ClassifyConnectError(u, err))
			continue
		}
		return conn, nil
	}

	return nil, &probe.Failure{Attempts: attempts}
}

// stream pumps upstream chunks through the extractor and governor into sink.
// The reader goroutine hands over one chunk at a time on an unbuffered
// channel, so a slow sink stalls upstream reads instead of queueing frames.
func (s *Session) stream(ctx context.Context, conn *upstream.Connection, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			chunk, err := conn.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	p := &pump{
		session: s,
		sink:    sink,
		ext:     extractor.New(s.relay.opts.MaxFrameSize),
		gov:     governor.New(s.Params.FPSLimit, s.Params.Policy),
	}
	if s.Params.Transcode() {
		p.tc = transcoder.New(transcoder.Options{
			Width:   s.Params.Width,
			Height:  s.Params.Height,
			Quality: s.Params.Quality,
		})
	}
	defer p.stopHold()

	m := s.relay.metrics
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.holdC:
			if err := p.flushHeld(); err != nil {
				return err
			}

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.log.Debug("Upstream closed the stream")
				// the held frame is the freshest one; it still gets its slot
				if ferr := p.flushAtEnd(ctx); ferr != nil {
					return ferr
				}
			} else if p.held != nil {
				p.drop("stream_end")
				p.held = nil
			}
			return err

		case chunk := <-chunks:
			s.Stats.BytesTransferred.Add(uint64(len(chunk)))
			m.RecordUpstreamBytes(len(chunk))

			frames, ferr := p.ext.Feed(chunk)
			for _, frame := range frames {
				if err := p.handle(ctx, frame); err != nil {
					return err
				}
			}
			if ferr != nil {
				return ferr
			}
		}
	}
}

// pump holds the per-session streaming state
type pump struct {
	session *Session
	sink    Sink
	ext     *extractor.Extractor
	gov     *governor.Governor
	tc      *transcoder.Transcoder

	// newest frame waiting for its slot under PolicyDropOldest
	held      *models.Frame
	holdTimer *time.Timer
	holdC     <-chan time.Time
}

func (p *pump) handle(ctx context.Context, frame *models.Frame) error {
	d := p.gov.Decide(time.Now())
	switch d.Action {
	case governor.Emit:
		if p.held != nil {
			// a fresher frame got the slot first
			p.drop("superseded")
			p.held = nil
			p.stopHold()
		}
		return p.emit(frame)

	case governor.Drop:
		p.drop("rate_limit")
		return nil

	case governor.Hold:
		if p.held != nil {
			p.drop("superseded")
		}
		p.held = frame
		if p.holdC == nil {
			p.armHold(d.Wait)
		}
		return nil

	case governor.Delay:
		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		p.gov.Emitted(time.Now())
		return p.emit(frame)
	}
	return nil
}

func (p *pump) armHold(wait time.Duration) {
	if p.holdTimer == nil {
		p.holdTimer = time.NewTimer(wait)
	} else {
		p.holdTimer.Reset(wait)
	}
	p.holdC = p.holdTimer.C
}

func (p *pump) stopHold() {
	if p.holdTimer != nil {
		p.holdTimer.Stop()
	}
	p.holdC = nil
}

func (p *pump) flushHeld() error {
	p.holdC = nil
	frame := p.held
	p.held = nil
	if frame == nil {
		return nil
	}
	p.gov.Emitted(time.Now())
	return p.emit(frame)
}

// flushAtEnd waits for the held frame's slot and emits it
func (p *pump) flushAtEnd(ctx context.Context) error {
	if p.held == nil {
		return nil
	}
	if p.holdC != nil {
		select {
		case <-ctx.Done():
			p.drop("stream_end")
			p.held = nil
			return ctx.Err()
		case <-p.holdC:
		}
	}
	return p.flushHeld()
}

func (p *pump) drop(reason string) {
	p.session.Stats.FramesDropped.Add(1)
	p.session.relay.metrics.RecordFrameDropped(reason)
}

func (p *pump) emit(frame *models.Frame) error {
	s := p.session
	m := s.relay.metrics

	out := frame
	if p.tc != nil {
		var err error
		out, err = p.tc.Transcode(frame)
		if err != nil {
			s.Stats.DecodeFailures.Add(1)
			m.RecordDecodeFailure()
			s.log.WithError(err).WithField("seq", frame.Seq).Debug("Forwarding frame untranscoded")
		}
	}

	if err := p.sink.WriteFrame(out); err != nil {
		return err
	}

	now := time.Now()
	s.Stats.FramesProcessed.Add(1)
	s.Stats.BytesSent.Add(uint64(out.Size()))
	s.Stats.MarkFrame(now)
	m.RecordFrame(out.Size())

	s.mu.Lock()
	s.lastFrame = out
	s.mu.Unlock()
	return nil
}
