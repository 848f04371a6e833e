package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
	"github.com/dtpsim/voicestage/internal/dispatch"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/playback"
	"github.com/dtpsim/voicestage/internal/recorder"
	"github.com/dtpsim/voicestage/internal/syncx"
	"github.com/dtpsim/voicestage/internal/trace"
	"github.com/dtpsim/voicestage/internal/transcript"
	"github.com/dtpsim/voicestage/internal/vad"
)

// Devices is everything the controller needs from the machine it runs on.
type Devices interface {
	OpenInput(ctx context.Context) (audio.Input, error)
	NewDetector(ctx context.Context) (vad.Detector, error)
	NewEncoder() audio.Encoder
	Play(ctx context.Context, clip audio.Clip) error
}

// Dispatcher delivers one turn to the inference service.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Reply, error)
}

const (
	msgDispatchError = "Error contacting server."
	msgNoAudio       = "No audio to finalize."
	msgAwaiting      = "Session complete. Generating feedback..."
	msgFinalFailed   = "Final submission failed. Retry to resend."
	msgFinalRetry    = "Retrying final submission."
	msgIncomplete    = "Final reply did not close the session. Retry to resend."

	chunkBacklog    = 32
	finalPoll       = 20 * time.Millisecond
	transcriptLimit = 1000
	eventBuffer     = 128
	completeWait    = 2 * time.Second
)

// Options configure one session.
type Options struct {
	SessionID  string
	ScenarioID string

	Ticks        int
	TickInterval time.Duration

	Segmenter       vad.Config
	Rate            int           // recorder encode rate
	Grace           time.Duration // speech end debounce
	PreRoll         time.Duration
	MinSegmentBytes int

	ShortReplyMaxChars int
	AwaitCompletion    bool          // end only on a completed reply to the final turn
	FinalWait          time.Duration // how long the final send waits for an in-flight turn
}

func (o Options) withDefaults() Options {
	if o.Ticks <= 0 {
		o.Ticks = 600
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Rate <= 0 {
		o.Rate = 16000
	}
	if o.ShortReplyMaxChars <= 0 {
		o.ShortReplyMaxChars = 10
	}
	if o.FinalWait <= 0 {
		o.FinalWait = 15 * time.Second
	}
	return o
}

// Controller is the session state machine. All state transitions go through
// its methods; callbacks from the recorder, segmenter, dispatcher and playback
// queue may interleave freely.
type Controller struct {
	opts  Options
	dev   Devices
	disp  Dispatcher
	synth playback.Synthesizer

	trace      trace.Context
	log        *slog.Logger
	transcript *transcript.Store
	events     *syncx.Broadcast[Event]
	ticks      tickSource

	started  syncx.Flag
	waiting  syncx.Flag
	ended    syncx.Latch
	finished syncx.Latch

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	phase       Phase
	remaining   int
	topics      topicSet
	promptIndex int
	turn        uint64
	inflight    context.CancelFunc
	final       *audio.Segment
	finalErr    error

	input audio.Input
	det   vad.Detector
	seg   *vad.Segmenter
	rec   *recorder.Recorder
	queue *playback.Queue
	timer *countdown

	wg sync.WaitGroup
}

// New creates a controller in the Starting phase.
func New(opts Options, dev Devices, disp Dispatcher, synth playback.Synthesizer) *Controller {
	opts = opts.withDefaults()
	tc := trace.New()
	tc.SessionID = opts.SessionID
	return &Controller{
		opts:       opts,
		dev:        dev,
		disp:       disp,
		synth:      synth,
		trace:      tc,
		log:        trace.Logger(trace.WithContext(context.Background(), tc)),
		transcript: transcript.NewStore(transcriptLimit, eventBuffer),
		events:     syncx.NewBroadcast[Event](eventBuffer),
		ticks:      realTicks,
		remaining:  opts.Ticks,
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.opts.SessionID }

// ScenarioID returns the case the session runs against.
func (c *Controller) ScenarioID() string { return c.opts.ScenarioID }

// Start acquires the input and detector and begins the countdown. Any
// acquisition failure is fatal: the session moves straight to Ended.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.TryAcquire() {
		return apperrors.New(apperrors.ErrCodeSessionActive, "session already started")
	}

	c.mu.Lock()
	if c.phase != Starting {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeSessionEnded, "session closed before start")
	}
	c.ctx, c.cancel = context.WithCancel(trace.WithContext(ctx, c.trace))
	runCtx := c.ctx
	c.mu.Unlock()

	input, err := c.dev.OpenInput(runCtx)
	if err != nil {
		return c.fail(fatal(err, apperrors.ErrCodeDeviceUnavailable, "open audio input"))
	}
	det, err := c.dev.NewDetector(runCtx)
	if err != nil {
		_ = input.Close()
		return c.fail(fatal(err, apperrors.ErrCodeVADInitFailed, "create speech detector"))
	}
	rs, err := audio.NewResampler(input.SampleRate(), c.opts.Rate)
	if err != nil {
		_ = det.Close()
		_ = input.Close()
		return c.fail(fatal(err, apperrors.ErrCodeDeviceUnavailable, "audio input rate"))
	}
	chunks, err := input.Start(runCtx)
	if err != nil {
		_ = det.Close()
		_ = input.Close()
		return c.fail(fatal(err, apperrors.ErrCodeDeviceUnavailable, "start audio input"))
	}

	c.mu.Lock()
	if c.phase != Starting {
		c.mu.Unlock()
		_ = det.Close()
		_ = input.Close()
		return apperrors.New(apperrors.ErrCodeSessionEnded, "session closed during start")
	}
	c.input = input
	c.det = det
	c.rec = recorder.New(recorder.Config{
		Rate:       c.opts.Rate,
		Grace:      c.opts.Grace,
		PreRoll:    c.opts.PreRoll,
		MinBytes:   c.opts.MinSegmentBytes,
		NewEncoder: c.dev.NewEncoder,
		Ended:      c.ended.Tripped,
	}, c.onSegment)
	c.seg = vad.NewSegmenter(det, c.opts.Segmenter)
	c.queue = playback.New(runCtx, c.synth, c.dev, playback.Hooks{
		OnStart:  func(playback.Task) { c.emitState() },
		OnPlayed: func(playback.Task) { c.emitState() },
		OnError:  c.onPlaybackError,
	})
	c.timer = newCountdown(c.opts.Ticks, c.opts.TickInterval, c.ticks, c.tick, c.expire)
	c.phase = Active

	vadIn := make(chan audio.Chunk, chunkBacklog)
	c.wg.Add(3)
	go c.pump(runCtx, rs, chunks, vadIn)
	go c.runSegmenter(runCtx, vadIn)
	go c.watchSpeech()
	c.timer.start()
	c.mu.Unlock()

	c.log.Info("session started", "scenario", c.opts.ScenarioID, "ticks", c.opts.Ticks, "interval", c.opts.TickInterval)
	c.emitState()
	return nil
}

func fatal(err error, code apperrors.Code, msg string) error {
	if apperrors.CategoryOf(err) == apperrors.CategoryFatalStartup {
		return err
	}
	return apperrors.Wrap(err, code, msg)
}

// fail ends a session that never became active.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.phase = Ended
	c.ended.Trip()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.log.Error("session start failed", "error", err)
	c.addLine(transcript.RoleSystem, err.Error())
	c.publish(Event{Kind: EventError, Error: errorInfo(err, true)})
	c.closeStreams(ReasonStartFailed)
	return err
}

// pump converts the live input to the detector rate and tees it into the
// recorder and the segmenter.
func (c *Controller) pump(ctx context.Context, rs *audio.Resampler, in <-chan audio.Chunk, out chan<- audio.Chunk) {
	defer c.wg.Done()
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if from, to := rs.Rates(); from != to {
				samples, err := rs.Process(chunk.Samples)
				if err != nil {
					c.log.Warn("resample failed, chunk dropped", "error", err)
					continue
				}
				chunk.Samples, chunk.Rate = samples, to
			}
			if len(chunk.Samples) == 0 {
				continue
			}
			c.rec.Write(chunk)
			select {
			case out <- chunk:
			case <-c.ended.Done():
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) runSegmenter(ctx context.Context, in <-chan audio.Chunk) {
	defer c.wg.Done()
	if err := c.seg.Run(ctx, in); err != nil {
		err = apperrors.Wrap(err, apperrors.ErrCodeVADFailed, "speech detection stopped")
		c.log.Error("segmenter failed", "error", err)
		c.publish(Event{Kind: EventError, Error: errorInfo(err, false)})
	}
}

func (c *Controller) watchSpeech() {
	defer c.wg.Done()
	for ev := range c.seg.Events() {
		switch ev.Kind {
		case vad.SpeechStart:
			if c.rec.SpeechStarted() {
				c.log.Debug("capture started", "offset", ev.Offset, "p", ev.Probability)
				c.emitState()
			}
		case vad.SpeechEnd:
			c.rec.SpeechEnded()
		}
	}
}

func (c *Controller) tick(remaining int) {
	c.mu.Lock()
	if c.phase != Active {
		c.mu.Unlock()
		return
	}
	c.remaining = remaining
	c.mu.Unlock()
	c.publish(Event{Kind: EventTick, Remaining: c.seconds(remaining)})
}

func (c *Controller) expire() {
	c.log.Info("session time elapsed")
	c.Finalize()
}

// onSegment receives captures finished by the speech-end debounce or a manual stop.
func (c *Controller) onSegment(seg *audio.Segment) {
	c.mu.Lock()
	if c.ended.Tripped() {
		c.mu.Unlock()
		c.log.Debug("segment after end dropped", "seq", seg.Seq)
		return
	}
	turn, ok := c.claimLocked(false)
	if !ok {
		c.mu.Unlock()
		c.log.Info("reply pending, segment dropped", "seq", seg.Seq, "bytes", seg.Len())
		c.emitState()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.addLine(transcript.RoleYou, fmt.Sprintf("(audio %d, %.1fs)", seg.Seq, seg.Duration.Seconds()))
	go c.exchange(ctx, turn, dispatch.Request{Segment: seg})
}

// SendText submits a typed turn. It fails while a reply is pending.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperrors.New(apperrors.ErrCodeInvalidArgument, "empty text turn")
	}

	c.mu.Lock()
	if err := c.activeLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	turn, ok := c.claimLocked(false)
	if !ok {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeUnavailable, "waiting for a reply")
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.addLine(transcript.RoleYou, text)
	go c.exchange(ctx, turn, dispatch.Request{Transcript: text})
	return nil
}

// ForceStopCapture ends the open capture now and dispatches it as a normal
// turn. It reports whether a segment was produced.
func (c *Controller) ForceStopCapture() bool {
	c.mu.Lock()
	if c.phase != Active {
		c.mu.Unlock()
		return false
	}
	rec := c.rec
	c.mu.Unlock()

	seg := rec.ForceStop(false)
	if seg == nil {
		return false
	}
	c.onSegment(seg)
	return true
}

func (c *Controller) activeLocked() error {
	switch c.phase {
	case Active:
		return nil
	case Starting:
		return apperrors.New(apperrors.ErrCodeInvalidArgument, "session not started")
	default:
		return apperrors.New(apperrors.ErrCodeSessionEnded, "session has ended")
	}
}

// claimLocked takes the reply flag. force takes it even if held, abandoning the
// outstanding turn.
func (c *Controller) claimLocked(force bool) (uint64, bool) {
	if force {
		if c.waiting.Force() && c.inflight != nil {
			c.inflight()
		}
	} else if !c.waiting.TryAcquire() {
		return 0, false
	}
	c.turn++
	c.inflight = nil
	return c.turn, true
}

// release frees the reply flag unless a later turn has taken it over.
func (c *Controller) release(turn uint64) {
	c.mu.Lock()
	if c.turn == turn {
		if c.inflight != nil {
			c.inflight()
			c.inflight = nil
		}
		c.waiting.Release()
	}
	c.mu.Unlock()
	c.emitState()
}

func (c *Controller) request(req dispatch.Request) dispatch.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.SessionID = c.opts.SessionID
	req.ScenarioID = c.opts.ScenarioID
	req.Topics = c.topics.list()
	req.PromptIndex = c.promptIndex
	return req
}

func (c *Controller) exchange(ctx context.Context, turn uint64, req dispatch.Request) {
	defer c.wg.Done()
	defer c.release(turn)

	reply, err := c.disp.Send(ctx, c.request(req))
	if err != nil {
		if ctx.Err() != nil && c.ended.Tripped() {
			c.log.Info("turn abandoned at session end")
			return
		}
		c.log.Warn("dispatch failed", "error", err)
		c.addLine(transcript.RoleSystem, msgDispatchError)
		c.publish(Event{Kind: EventError, Error: errorInfo(err, false)})
		return
	}
	c.applyReply(reply, false)
	if reply.Completed {
		c.log.Info("service completed the session on a regular turn")
		c.finish(ReasonCompleted)
	}
}

// applyReply folds reply metadata into the session and voices short replies
// while the session is still live.
func (c *Controller) applyReply(reply dispatch.Reply, final bool) {
	c.mu.Lock()
	if tag := reply.TopicTag(); tag != "" && c.topics.add(tag) {
		c.log.Debug("topic discussed", "topic", tag, "topics", c.topics.len())
	}
	if reply.NextPrompt {
		c.promptIndex++
	}
	spoken := !final && reply.Spoken(c.opts.ShortReplyMaxChars)
	if spoken {
		if c.ended.Tripped() {
			c.log.Debug("late reply not spoken", "text", reply.Text)
		} else {
			c.queue.Enqueue(reply.Text)
		}
	}
	c.mu.Unlock()

	role := transcript.RolePatient
	if final {
		role = transcript.RoleFeedback
	}
	c.addLine(role, reply.Text)
	c.emitState()
}

// Finalize ends capture and submits the final segment. Only the first call
// (from the timer or a manual action) does anything; it reports whether this
// call performed the finalization.
func (c *Controller) Finalize() bool {
	c.mu.Lock()
	if c.phase != Active || !c.ended.Trip() {
		c.mu.Unlock()
		return false
	}
	c.phase = Finalizing
	c.mu.Unlock()

	c.log.Info("finalizing session")
	c.timer.Stop()
	c.seg.Stop()
	c.emitState()

	seg := c.rec.ForceStop(true)
	if seg == nil {
		seg = c.rec.Assemble()
	}
	c.rec.Close()
	if seg == nil {
		c.addLine(transcript.RoleSystem, msgNoAudio)
		c.finish(ReasonNoAudio)
		return true
	}

	c.mu.Lock()
	c.final = seg
	c.wg.Add(1)
	c.mu.Unlock()

	c.addLine(transcript.RoleSystem, msgAwaiting)
	go c.sendFinal()
	return true
}

// RetryFinalize re-sends the final segment after a failed final submission.
func (c *Controller) RetryFinalize() error {
	c.mu.Lock()
	switch {
	case c.phase == Ended:
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeSessionEnded, "session has ended")
	case c.phase != Finalizing || c.final == nil:
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInvalidArgument, "session is not finalizing")
	case c.finalErr == nil:
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeUnavailable, "final submission in progress")
	}
	c.finalErr = nil
	c.wg.Add(1)
	c.mu.Unlock()

	c.addLine(transcript.RoleSystem, msgFinalRetry)
	go c.sendFinal()
	return nil
}

func (c *Controller) sendFinal() {
	defer c.wg.Done()
	ctx, span := trace.StartSpan(c.ctx, "session.finalize")
	defer span.End()

	turn, ok := c.awaitTurn(ctx)
	if !ok {
		return
	}
	defer c.release(turn)

	c.mu.Lock()
	seg := c.final
	c.mu.Unlock()
	span.SetAttr("seq", seg.Seq)
	span.SetAttr("bytes", seg.Len())

	reply, err := c.disp.Send(ctx, c.request(dispatch.Request{Segment: seg, Final: true}))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !apperrors.IsCode(err, apperrors.ErrCodeFinalizeFailed) {
			err = apperrors.Wrap(err, apperrors.ErrCodeFinalizeFailed, "send final segment")
		}
		span.SetError(err)
		c.finalFailed(err, msgFinalFailed)
		return
	}

	c.applyReply(reply, true)
	switch {
	case reply.Completed:
		c.finish(ReasonCompleted)
	case !c.opts.AwaitCompletion:
		c.finish(ReasonAcknowledged)
	default:
		c.finalFailed(apperrors.New(apperrors.ErrCodeFinalizeFailed, "final reply did not complete the session"), msgIncomplete)
	}
}

func (c *Controller) finalFailed(err error, line string) {
	c.mu.Lock()
	c.finalErr = err
	c.mu.Unlock()
	c.log.Error("final submission failed", "error", err)
	c.addLine(transcript.RoleSystem, line)
	c.publish(Event{Kind: EventError, Error: errorInfo(err, true)})
}

// awaitTurn waits for the outstanding turn to resolve, abandoning it after FinalWait.
func (c *Controller) awaitTurn(ctx context.Context) (uint64, bool) {
	deadline := time.NewTimer(c.opts.FinalWait)
	defer deadline.Stop()
	poll := time.NewTicker(finalPoll)
	defer poll.Stop()

	for {
		if turn, ok, live := c.claimFinal(false); ok || !live {
			return turn, ok
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-deadline.C:
			c.log.Warn("abandoning outstanding turn for final submission", "waited", c.opts.FinalWait)
			turn, ok, _ := c.claimFinal(true)
			return turn, ok
		case <-poll.C:
		}
	}
}

// claimFinal takes the reply flag for the final send. It fails without
// claiming once the session has left Finalizing, which happens when the
// outstanding turn completed the session.
func (c *Controller) claimFinal(force bool) (turn uint64, ok, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Finalizing {
		return 0, false, false
	}
	turn, ok = c.claimLocked(force)
	return turn, ok, true
}

// finish moves the session to Ended and releases every resource. Idempotent.
func (c *Controller) finish(reason string) {
	c.mu.Lock()
	if c.phase == Ended {
		c.mu.Unlock()
		return
	}
	c.ended.Trip()
	c.phase = Ended
	c.finalErr = nil
	c.mu.Unlock()

	c.timer.Stop()
	c.seg.Stop()
	c.rec.Close()
	if err := c.input.Close(); err != nil {
		c.log.Warn("closing audio input", "error", err)
	}
	dropped := c.queue.Close()
	if err := c.det.Close(); err != nil {
		c.log.Warn("closing speech detector", "error", err)
	}
	c.cancel()

	c.log.Info("session ended", "reason", reason, "discarded_playback", dropped)
	c.closeStreams(reason)
}

func (c *Controller) closeStreams(reason string) {
	c.emitState()
	// The completion event must reach slow subscribers before the stream closes.
	c.events.PublishWait(Event{Kind: EventComplete, SessionID: c.opts.SessionID, At: time.Now(), Reason: reason}, completeWait)
	c.events.Close()
	c.transcript.Close()
	c.finished.Trip()
}

// Close tears the session down without a final submission. Safe to call repeatedly.
func (c *Controller) Close() {
	c.mu.Lock()
	switch c.phase {
	case Ended:
		c.mu.Unlock()
		return
	case Starting:
		c.phase = Ended
		c.ended.Trip()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		c.closeStreams(ReasonClosed)
		return
	}
	c.mu.Unlock()
	c.finish(ReasonClosed)
}

// Done is closed once the session reaches Ended.
func (c *Controller) Done() <-chan struct{} { return c.finished.Done() }

// Wait blocks until the session has ended and its goroutines have exited.
func (c *Controller) Wait() {
	<-c.finished.Done()
	c.wg.Wait()
}

// State returns a snapshot of the session flags.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Phase:            c.phase,
		RemainingSeconds: c.seconds(c.remaining),
		DiscussedTopics:  c.topics.list(),
		PromptIndex:      c.promptIndex,
		WaitingForReply:  c.waiting.Held(),
		Ended:            c.ended.Tripped(),
	}
	if c.queue != nil {
		s.PlayingAudio = c.queue.Playing()
		s.QueuedReplies = c.queue.Pending()
	}
	if c.rec != nil {
		s.Capturing = c.rec.Capturing()
	}
	return s
}

func (c *Controller) seconds(ticks int) int {
	return int(math.Ceil((time.Duration(ticks) * c.opts.TickInterval).Seconds()))
}

// Subscribe streams session events until the session ends or cancel is called.
func (c *Controller) Subscribe() (<-chan Event, func()) { return c.events.Subscribe() }

// Transcript returns the lines recorded so far.
func (c *Controller) Transcript() []transcript.Entry { return c.transcript.Entries() }

func (c *Controller) addLine(role transcript.Role, text string) {
	e, ok := c.transcript.Add(role, text)
	if !ok {
		return
	}
	c.log.Info("transcript", "role", role, "text", e.Text)
	c.publish(Event{Kind: EventTranscript, Line: &e})
}

func (c *Controller) emitState() {
	s := c.State()
	c.publish(Event{Kind: EventState, State: &s})
}

func (c *Controller) publish(ev Event) {
	ev.SessionID = c.opts.SessionID
	ev.At = time.Now()
	c.events.Publish(ev)
}

func (c *Controller) onPlaybackError(task playback.Task, err error) {
	c.log.Warn("reply playback failed", "task", task.ID, "error", err)
	c.publish(Event{Kind: EventError, Error: errorInfo(err, false)})
}
