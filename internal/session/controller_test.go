package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
	"github.com/dtpsim/voicestage/internal/dispatch"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/transcript"
	"github.com/dtpsim/voicestage/internal/vad"
)

const testRate = 16000

// fakeInput hands out a chunk channel the test writes to.
type fakeInput struct {
	ch       chan audio.Chunk
	rate     int
	startErr error
	closed   atomic.Int32
}

func (f *fakeInput) Start(context.Context) (<-chan audio.Chunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.ch, nil
}
func (f *fakeInput) SampleRate() int {
	if f.rate != 0 {
		return f.rate
	}
	return testRate
}
func (f *fakeInput) Close() error { f.closed.Add(1); return nil }

// markerDetector scores a window as speech when its first sample is loud, so
// the outcome does not depend on goroutine timing.
type markerDetector struct {
	closed atomic.Int32
}

func (d *markerDetector) Score(_ context.Context, window []float32, _ int) (float32, error) {
	if len(window) > 0 && window[0] > 0.1 {
		return 0.9, nil
	}
	return 0, nil
}
func (d *markerDetector) Reset(context.Context) error { return nil }
func (d *markerDetector) Close() error                { d.closed.Add(1); return nil }

type fakeDevices struct {
	input    *fakeInput
	det      *markerDetector
	inputErr error
	detErr   error

	mu     sync.Mutex
	played int
}

func (f *fakeDevices) OpenInput(context.Context) (audio.Input, error) {
	if f.inputErr != nil {
		return nil, f.inputErr
	}
	return f.input, nil
}

func (f *fakeDevices) NewDetector(context.Context) (vad.Detector, error) {
	if f.detErr != nil {
		return nil, f.detErr
	}
	return f.det, nil
}

func (f *fakeDevices) NewEncoder() audio.Encoder { return audio.NewWAVEncoder(testRate) }

func (f *fakeDevices) Play(context.Context, audio.Clip) error {
	f.mu.Lock()
	f.played++
	f.mu.Unlock()
	return nil
}

type handler func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error)

type fakeDispatcher struct {
	mu     sync.Mutex
	reqs   []dispatch.Request
	handle handler
}

func (f *fakeDispatcher) Send(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	h := f.handle
	f.mu.Unlock()
	if h == nil {
		return dispatch.Reply{Text: "ok", Completed: req.Final}, nil
	}
	return h(ctx, req)
}

func (f *fakeDispatcher) requests() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func (f *fakeDispatcher) count(final bool) int {
	n := 0
	for _, r := range f.requests() {
		if r.Final == final {
			n++
		}
	}
	return n
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	gate  chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	return audio.Clip{Data: []byte("RIFF"), MIME: audio.MIMEWAV}, nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type harness struct {
	t     *testing.T
	c     *Controller
	dev   *fakeDevices
	disp  *fakeDispatcher
	synth *fakeSynth
	ticks chan time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "s-1"
	}
	if opts.ScenarioID == "" {
		opts.ScenarioID = "DTP-001"
	}
	if opts.Ticks == 0 {
		opts.Ticks = 600
	}
	opts.Rate = testRate
	opts.Segmenter = vad.Config{Rate: testRate, PositiveThreshold: 0.5, NegativeThreshold: 0.3, RedemptionFrames: 2}
	if opts.Grace == 0 {
		opts.Grace = 10 * time.Millisecond
	}
	opts.PreRoll = 250 * time.Millisecond

	h := &harness{
		t:     t,
		dev:   &fakeDevices{input: &fakeInput{ch: make(chan audio.Chunk, 256)}, det: &markerDetector{}},
		disp:  &fakeDispatcher{},
		synth: &fakeSynth{},
		ticks: make(chan time.Time, 16),
	}
	h.c = New(opts, h.dev, h.disp, h.synth)
	h.c.ticks = func(time.Duration) (<-chan time.Time, func()) { return h.ticks, func() {} }
	t.Cleanup(func() {
		h.c.Close()
		h.c.Wait()
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		h.t.Fatalf("Start() = %v", err)
	}
}

func (h *harness) chunks(n int, level float32) {
	for i := 0; i < n; i++ {
		s := make([]float32, vad.WindowSamples)
		for j := range s {
			s[j] = level
		}
		h.dev.input.ch <- audio.Chunk{Samples: s, Rate: testRate}
	}
}

// utterance produces one SpeechStart/SpeechEnd cycle.
func (h *harness) utterance() {
	h.chunks(3, 0.5)
	h.chunks(3, 0)
}

func (h *harness) tick() {
	select {
	case h.ticks <- time.Now():
	case <-time.After(time.Second):
		h.t.Fatal("countdown not receiving ticks")
	}
}

func (h *harness) lines(role transcript.Role) []string {
	var out []string
	for _, e := range h.c.Transcript() {
		if e.Role == role {
			out = append(out, e.Text)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitEnded(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end, phase %s", c.State().Phase)
	}
}

func TestTimerScenario(t *testing.T) {
	h := newHarness(t, Options{Ticks: 2, AwaitCompletion: true})
	release := make(chan struct{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if !req.Final {
			return dispatch.Reply{Text: "Hello", Route: dispatch.RouteShort}, nil
		}
		select {
		case <-release:
		case <-ctx.Done():
			return dispatch.Reply{}, ctx.Err()
		}
		return dispatch.Reply{Text: "Well structured presentation.", Completed: true}, nil
	}
	h.start()

	h.utterance()
	waitFor(t, "non-final dispatch", func() bool { return h.disp.count(false) == 1 })
	waitFor(t, "reply flag release", func() bool { return !h.c.State().WaitingForReply })
	waitFor(t, "short reply played", func() bool { return len(h.synth.spoken()) == 1 })

	h.tick()
	waitFor(t, "first tick", func() bool { return h.c.State().RemainingSeconds == 1 })
	h.tick()
	waitFor(t, "final dispatch", func() bool { return h.disp.count(true) == 1 })

	if p := h.c.State().Phase; p != Finalizing {
		t.Fatalf("phase before final reply = %s, want finalizing", p)
	}
	close(release)
	waitEnded(t, h.c)
	h.c.Wait()

	if n := h.disp.count(false); n != 1 {
		t.Errorf("non-final dispatches = %d, want 1", n)
	}
	if n := h.disp.count(true); n != 1 {
		t.Errorf("final dispatches = %d, want 1", n)
	}
	if fb := h.lines(transcript.RoleFeedback); len(fb) != 1 || fb[0] != "Well structured presentation." {
		t.Errorf("feedback lines = %v", fb)
	}
	if got := h.synth.spoken(); len(got) != 1 || got[0] != "Hello" {
		t.Errorf("spoken = %v, want [Hello]", got)
	}
	if h.dev.input.closed.Load() == 0 {
		t.Error("input not closed at end")
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{Ticks: 1})
	h.start()
	h.chunks(4, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.c.Finalize() {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	h.tick()
	waitEnded(t, h.c)
	h.c.Wait()

	if won.Load() != 1 {
		t.Errorf("%d Finalize calls reported success, want 1", won.Load())
	}
	if n := h.disp.count(true); n != 1 {
		t.Errorf("final dispatches = %d, want 1", n)
	}
	if h.c.Finalize() {
		t.Error("Finalize after end reported success")
	}
}

func TestManualFinalizeDuringCapture(t *testing.T) {
	h := newHarness(t, Options{Ticks: 3})
	h.start()

	h.chunks(3, 0.5)
	waitFor(t, "capture", func() bool { return h.c.State().Capturing })

	if !h.c.Finalize() {
		t.Fatal("Finalize() = false")
	}
	h.tick()
	h.tick()
	h.tick()
	waitEnded(t, h.c)
	h.c.Wait()

	reqs := h.disp.requests()
	if len(reqs) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(reqs))
	}
	if !reqs[0].Final || reqs[0].Segment == nil || !reqs[0].Segment.Final {
		t.Errorf("captured segment not sent as final: %+v", reqs[0])
	}
	if reqs[0].SessionID != "s-1" || reqs[0].ScenarioID != "DTP-001" {
		t.Errorf("request ids = %q/%q", reqs[0].SessionID, reqs[0].ScenarioID)
	}
}

func TestNoCaptureOrDispatchAfterEnd(t *testing.T) {
	h := newHarness(t, Options{Ticks: 10, AwaitCompletion: true})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if req.Final {
			return dispatch.Reply{Text: "feedback"}, nil
		}
		return dispatch.Reply{Text: "ok"}, nil
	}
	h.start()
	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })

	h.c.Finalize()
	waitFor(t, "final dispatch", func() bool { return h.disp.count(true) == 1 })

	h.utterance()
	h.utterance()
	time.Sleep(100 * time.Millisecond)

	if h.c.State().Capturing {
		t.Error("capture started after end")
	}
	if n := h.disp.count(false); n != 0 {
		t.Errorf("non-final dispatches after end = %d", n)
	}
	if h.c.ForceStopCapture() {
		t.Error("ForceStopCapture produced a segment after end")
	}
	if err := h.c.SendText("hello"); !apperrors.IsCode(err, apperrors.ErrCodeSessionEnded) {
		t.Errorf("SendText after end = %v, want SESSION_ENDED", err)
	}
}

func TestDispatchErrorReleasesFlag(t *testing.T) {
	h := newHarness(t, Options{})
	var calls atomic.Int32
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if calls.Add(1) == 1 {
			return dispatch.Reply{}, apperrors.Wrap(apperrors.FromHTTPStatus(502, "bad gateway"), apperrors.ErrCodeDispatchFailed, "send segment")
		}
		return dispatch.Reply{Text: "Yes"}, nil
	}
	h.start()

	h.utterance()
	waitFor(t, "error line", func() bool { return len(h.lines(transcript.RoleSystem)) == 1 })
	if got := h.lines(transcript.RoleSystem)[0]; got != msgDispatchError {
		t.Errorf("system line = %q", got)
	}
	waitFor(t, "flag release", func() bool { return !h.c.State().WaitingForReply })

	h.utterance()
	waitFor(t, "second reply", func() bool { return len(h.lines(transcript.RolePatient)) == 1 })
	if h.c.State().Phase != Active {
		t.Errorf("phase = %s, want active", h.c.State().Phase)
	}
}

func TestStateCountsQueuedReplies(t *testing.T) {
	h := newHarness(t, Options{})
	h.synth.gate = make(chan struct{})
	h.start()

	for i, text := range []string{"one", "two", "three"} {
		if err := h.c.SendText(text); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "reply", func() bool { return len(h.lines(transcript.RolePatient)) == i+1 })
		waitFor(t, "flag release", func() bool { return !h.c.State().WaitingForReply })
	}
	waitFor(t, "playback start", func() bool { return len(h.synth.spoken()) == 1 })
	if !h.c.State().PlayingAudio {
		t.Error("PlayingAudio = false while the first reply is synthesizing")
	}
	if got := h.c.State().QueuedReplies; got != 2 {
		t.Errorf("QueuedReplies = %d, want 2", got)
	}

	close(h.synth.gate)
	waitFor(t, "queue drained", func() bool {
		s := h.c.State()
		return s.QueuedReplies == 0 && !s.PlayingAudio
	})
}

func TestBusyDropsNonFinal(t *testing.T) {
	h := newHarness(t, Options{})
	block := make(chan struct{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		<-block
		return dispatch.Reply{Text: "ok"}, nil
	}
	h.start()

	if err := h.c.SendText("first"); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SendText("second"); !apperrors.IsCode(err, apperrors.ErrCodeUnavailable) {
		t.Errorf("SendText while waiting = %v", err)
	}
	h.utterance()
	time.Sleep(100 * time.Millisecond)
	close(block)

	waitFor(t, "reply", func() bool { return len(h.lines(transcript.RolePatient)) == 1 })
	if n := len(h.disp.requests()); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
	if req := h.disp.requests()[0]; req.Transcript != "first" || req.Segment != nil {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestKnownTopicIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		return dispatch.Reply{Text: "noted", Topic: "Smoking", NextPrompt: true}, nil
	}
	h.start()

	for i, text := range []string{"do you smoke?", "how much?"} {
		if err := h.c.SendText(text); err != nil {
			t.Fatal(err)
		}
		want := i + 1
		waitFor(t, "reply", func() bool { return len(h.lines(transcript.RolePatient)) == want })
		waitFor(t, "flag release", func() bool { return !h.c.State().WaitingForReply })
	}

	st := h.c.State()
	if len(st.DiscussedTopics) != 1 || st.DiscussedTopics[0] != "Smoking" {
		t.Errorf("topics = %v, want [Smoking]", st.DiscussedTopics)
	}
	if st.PromptIndex != 2 {
		t.Errorf("prompt index = %d, want 2", st.PromptIndex)
	}
	reqs := h.disp.requests()
	if len(reqs[1].Topics) != 1 || reqs[1].PromptIndex != 1 {
		t.Errorf("second request context = %v / %d", reqs[1].Topics, reqs[1].PromptIndex)
	}
}

func TestPlaceholderReplyContinues(t *testing.T) {
	h := newHarness(t, Options{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		return dispatch.Reply{Text: dispatch.Placeholder, Placeholder: true}, nil
	}
	h.start()

	if err := h.c.SendText("hello?"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "placeholder line", func() bool { return len(h.lines(transcript.RolePatient)) == 1 })
	if got := h.lines(transcript.RolePatient)[0]; got != dispatch.Placeholder {
		t.Errorf("line = %q", got)
	}
	if len(h.synth.spoken()) != 0 {
		t.Error("placeholder was spoken")
	}
	if h.c.State().Phase != Active {
		t.Error("session did not continue")
	}
}

func TestShortRepliesSpokenLongNot(t *testing.T) {
	h := newHarness(t, Options{ShortReplyMaxChars: 10})
	replies := []dispatch.Reply{
		{Text: "Yes"},
		{Text: "A much longer explanation of the findings"},
		{Text: "Route says long", Route: dispatch.RouteLong},
		{Text: "Route says short even though long", Route: dispatch.RouteShort},
	}
	var n atomic.Int32
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		return replies[n.Add(1)-1], nil
	}
	h.start()

	for i := range replies {
		if err := h.c.SendText("q"); err != nil {
			t.Fatal(err)
		}
		want := i + 1
		waitFor(t, "reply", func() bool { return len(h.lines(transcript.RolePatient)) == want })
		waitFor(t, "flag release", func() bool { return !h.c.State().WaitingForReply })
	}
	waitFor(t, "playback", func() bool { return len(h.synth.spoken()) == 2 })

	got := h.synth.spoken()
	if got[0] != "Yes" || got[1] != "Route says short even though long" {
		t.Errorf("spoken = %v", got)
	}
}

func TestLateReplyNotSpoken(t *testing.T) {
	h := newHarness(t, Options{FinalWait: 2 * time.Second})
	release := make(chan struct{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if req.Final {
			return dispatch.Reply{Text: "final", Completed: true}, nil
		}
		<-release
		return dispatch.Reply{Text: "Hi", Route: dispatch.RouteShort}, nil
	}
	h.start()

	if err := h.c.SendText("hello"); err != nil {
		t.Fatal(err)
	}
	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })

	h.c.Finalize()
	time.Sleep(50 * time.Millisecond)
	if n := h.disp.count(true); n != 0 {
		t.Fatalf("final sent before outstanding turn resolved")
	}
	close(release)
	waitEnded(t, h.c)
	h.c.Wait()

	if got := h.synth.spoken(); len(got) != 0 {
		t.Errorf("late reply spoken: %v", got)
	}
	if n := h.disp.count(true); n != 1 {
		t.Errorf("final dispatches = %d, want 1", n)
	}
}

func TestFinalWaitAbandonsOutstandingTurn(t *testing.T) {
	h := newHarness(t, Options{FinalWait: 50 * time.Millisecond})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if req.Final {
			return dispatch.Reply{Text: "final", Completed: true}, nil
		}
		<-ctx.Done()
		return dispatch.Reply{}, ctx.Err()
	}
	h.start()

	if err := h.c.SendText("hello"); err != nil {
		t.Fatal(err)
	}
	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })
	h.c.Finalize()
	waitEnded(t, h.c)
	h.c.Wait()

	if n := h.disp.count(true); n != 1 {
		t.Errorf("final dispatches = %d, want 1", n)
	}
	for _, line := range h.lines(transcript.RoleSystem) {
		if line == msgDispatchError {
			t.Error("abandoned turn reported as a dispatch error")
		}
	}
}

func TestFinalFailureAndRetry(t *testing.T) {
	h := newHarness(t, Options{AwaitCompletion: true})
	var finals atomic.Int32
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if finals.Add(1) == 1 {
			return dispatch.Reply{}, apperrors.New(apperrors.ErrCodeFinalizeFailed, "send final segment")
		}
		return dispatch.Reply{Text: "feedback", Completed: true}, nil
	}
	h.start()
	events, cancel := h.c.Subscribe()
	defer cancel()

	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })

	if err := h.c.RetryFinalize(); !apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument) {
		t.Errorf("RetryFinalize while active = %v", err)
	}
	h.c.Finalize()

	var failed *ErrorInfo
	timeout := time.After(3 * time.Second)
	for failed == nil {
		select {
		case ev := <-events:
			if ev.Kind == EventError && ev.Error.Terminal {
				failed = ev.Error
			}
		case <-timeout:
			t.Fatal("no finalize error event")
		}
	}
	if failed.Code != apperrors.ErrCodeFinalizeFailed.String() || failed.Category != string(apperrors.CategoryTransientFinalize) {
		t.Errorf("error event = %+v", failed)
	}
	if h.c.State().Phase != Finalizing {
		t.Fatalf("phase = %s, want finalizing", h.c.State().Phase)
	}

	waitFor(t, "flag release", func() bool { return !h.c.State().WaitingForReply })
	if err := h.c.RetryFinalize(); err != nil {
		t.Fatalf("RetryFinalize() = %v", err)
	}
	waitEnded(t, h.c)
	h.c.Wait()

	reqs := h.disp.requests()
	if len(reqs) != 2 || reqs[0].Segment != reqs[1].Segment {
		t.Errorf("retry did not resend the same segment: %d requests", len(reqs))
	}
	if err := h.c.RetryFinalize(); !apperrors.IsCode(err, apperrors.ErrCodeSessionEnded) {
		t.Errorf("RetryFinalize after end = %v", err)
	}
}

func TestCompletedOnRegularTurnEndsSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		return dispatch.Reply{Text: "That concludes the exam.", Completed: true}, nil
	}
	h.start()

	if err := h.c.SendText("I'm done"); err != nil {
		t.Fatal(err)
	}
	waitEnded(t, h.c)
	h.c.Wait()

	if n := h.disp.count(true); n != 0 {
		t.Errorf("final dispatches = %d, want 0", n)
	}
	if st := h.c.State(); st.Phase != Ended || !st.Ended {
		t.Errorf("state = %+v", st)
	}
}

func TestCompletedTurnDuringFinalizeSkipsFinalSend(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		if req.Final {
			return dispatch.Reply{Text: "feedback", Completed: true}, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return dispatch.Reply{}, ctx.Err()
		}
		return dispatch.Reply{Text: "That concludes the exam.", Completed: true}, nil
	}
	h.start()
	events, cancel := h.c.Subscribe()
	defer cancel()

	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })
	if err := h.c.SendText("I'm done"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "regular turn in flight", func() bool { return h.disp.count(false) == 1 })

	if !h.c.Finalize() {
		t.Fatal("Finalize() = false")
	}
	// Let the final send poll at least once against the held flag.
	time.Sleep(3 * finalPoll)
	close(gate)
	waitEnded(t, h.c)
	h.c.Wait()

	if n := h.disp.count(true); n != 0 {
		t.Errorf("final dispatches = %d, want 0 after the turn completed the session", n)
	}
	var reason string
	for ev := range events {
		if ev.Kind == EventComplete {
			reason = ev.Reason
		}
	}
	if reason != ReasonCompleted {
		t.Errorf("complete reason = %q, want %q", reason, ReasonCompleted)
	}
}

func TestCompleteReachesSlowSubscriber(t *testing.T) {
	h := newHarness(t, Options{Ticks: 1000})
	h.start()
	events, cancel := h.c.Subscribe()
	defer cancel()

	waitFor(t, "subscriber buffer full", func() bool {
		if len(events) == cap(events) {
			return true
		}
		h.tick()
		return false
	})

	go h.c.Close()
	var last Event
	for ev := range events {
		last = ev
	}
	if last.Kind != EventComplete || last.Reason != ReasonClosed {
		t.Errorf("last event = %s %q, want %s %q", last.Kind, last.Reason, EventComplete, ReasonClosed)
	}
}

func TestFinalizeWithoutAudio(t *testing.T) {
	h := newHarness(t, Options{})
	h.start()
	events, cancel := h.c.Subscribe()
	defer cancel()

	h.c.Finalize()
	waitEnded(t, h.c)

	if n := len(h.disp.requests()); n != 0 {
		t.Errorf("dispatches = %d, want 0", n)
	}
	if sys := h.lines(transcript.RoleSystem); len(sys) != 1 || sys[0] != msgNoAudio {
		t.Errorf("system lines = %v", sys)
	}
	var reason string
	for ev := range events {
		if ev.Kind == EventComplete {
			reason = ev.Reason
		}
	}
	if reason != ReasonNoAudio {
		t.Errorf("complete reason = %q, want %q", reason, ReasonNoAudio)
	}
}

func TestAcknowledgedEndsWithoutCompletion(t *testing.T) {
	h := newHarness(t, Options{AwaitCompletion: false})
	h.disp.handle = func(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
		return dispatch.Reply{Text: "received"}, nil
	}
	h.start()
	h.chunks(2, 0)
	waitFor(t, "history", func() bool { return len(h.dev.input.ch) == 0 })

	h.c.Finalize()
	waitEnded(t, h.c)
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeDevices)
		want     apperrors.Code
		inClosed bool
	}{
		{"no input", func(d *fakeDevices) { d.inputErr = errors.New("no device") }, apperrors.ErrCodeDeviceUnavailable, false},
		{"no detector", func(d *fakeDevices) { d.detErr = errors.New("model missing") }, apperrors.ErrCodeVADInitFailed, true},
		{"input start", func(d *fakeDevices) { d.input.startErr = errors.New("busy") }, apperrors.ErrCodeDeviceUnavailable, true},
		{"input rate", func(d *fakeDevices) { d.input.rate = -1 }, apperrors.ErrCodeDeviceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tt.setup(h.dev)

			err := h.c.Start(context.Background())
			if !apperrors.IsCode(err, tt.want) {
				t.Fatalf("Start() = %v, want %s", err, tt.want)
			}
			if apperrors.CategoryOf(err) != apperrors.CategoryFatalStartup {
				t.Errorf("category = %s", apperrors.CategoryOf(err))
			}
			if st := h.c.State(); st.Phase != Ended {
				t.Errorf("phase = %s, want ended", st.Phase)
			}
			if got := h.dev.input.closed.Load() > 0; got != tt.inClosed {
				t.Errorf("input closed = %v, want %v", got, tt.inClosed)
			}
			if h.c.Finalize() {
				t.Error("Finalize succeeded on a failed session")
			}
			if err := h.c.Start(context.Background()); !apperrors.IsCode(err, apperrors.ErrCodeSessionActive) {
				t.Errorf("second Start = %v", err)
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.start()
	h.c.Close()
	h.c.Close()
	waitEnded(t, h.c)
	h.c.Wait()

	if n := h.dev.input.closed.Load(); n != 1 {
		t.Errorf("input closed %d times, want 1", n)
	}
	if n := h.dev.det.closed.Load(); n != 1 {
		t.Errorf("detector closed %d times, want 1", n)
	}
	if len(h.disp.requests()) != 0 {
		t.Error("Close sent a final segment")
	}
}

func TestTopicSet(t *testing.T) {
	var s topicSet
	for _, tag := range []string{"pain", " Pain ", "", "smoking", "PAIN"} {
		s.add(tag)
	}
	got := s.list()
	if len(got) != 2 || got[0] != "pain" || got[1] != "smoking" {
		t.Errorf("topics = %v", got)
	}
}
