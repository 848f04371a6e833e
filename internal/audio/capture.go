package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

const (
	framesPerBuffer = 1024
	chunkBacklog    = 64
)

var (
	micKeywords       = []string{"microphone", "input", "mic", "built-in", "headset"}
	loopbackKeywords  = []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"}
	preferredKeywords = []string{"macbook", "built-in", "headset"}
)

// Capturer reads the best available microphone through PortAudio.
// A Capturer is single-use: Start once, Close once.
type Capturer struct {
	rate     int
	excluded []string

	mu      sync.Mutex
	started bool
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewCapturer prepares a microphone capture at rate Hz.
func NewCapturer(rate int, excludedDevices []string) *Capturer {
	return &Capturer{rate: rate, excluded: excludedDevices, done: make(chan struct{})}
}

func (c *Capturer) SampleRate() int { return c.rate }

// Start opens the microphone. Failure to find or open one is ErrCodeDeviceUnavailable.
func (c *Capturer) Start(ctx context.Context) (<-chan Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, apperrors.New(apperrors.ErrCodeDeviceUnavailable, "capture already started")
	}
	c.started = true

	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "initialize portaudio")
	}
	devices, err := portaudio.Devices()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "list devices")
	}
	names := make([]string, 0, len(devices))
	byName := make(map[string]*portaudio.DeviceInfo, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		names = append(names, d.Name)
		byName[d.Name] = d
	}
	pick := pickMicrophone(names, c.excluded)
	if pick == "" {
		if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil && !matchesAny(def.Name, c.excluded) {
			pick = def.Name
			byName[pick] = def
		}
	}
	if pick == "" {
		_ = portaudio.Terminate()
		return nil, apperrors.New(apperrors.ErrCodeDeviceUnavailable, "no usable microphone")
	}
	dev := byName[pick]

	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.rate),
		FramesPerBuffer: framesPerBuffer,
	}, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "open input stream").WithMetadata("device", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "start input stream").WithMetadata("device", dev.Name)
	}
	c.stream = stream

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	out := make(chan Chunk, chunkBacklog)
	slog.Info("started audio capture", "device", dev.Name, "rate", c.rate)

	go func() {
		defer close(out)
		defer close(c.done)
		for runCtx.Err() == nil {
			if err := stream.Read(); err != nil {
				if runCtx.Err() == nil {
					slog.Warn("audio read error", "device", dev.Name, "error", err)
				}
				return
			}
			chunk := Chunk{
				Samples:  append([]float32(nil), buf...),
				Rate:     c.rate,
				DeviceID: dev.Name,
				At:       time.Now(),
			}
			select {
			case out <- chunk:
			default:
				slog.Debug("audio backlog full, dropping chunk", "device", dev.Name)
			}
		}
	}()
	return out, nil
}

// Close stops the stream and releases PortAudio. Safe to call repeatedly.
func (c *Capturer) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stream == nil {
			return
		}
		c.cancel()
		_ = c.stream.Stop()
		<-c.done
		_ = c.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}

// pickMicrophone chooses a real microphone, skipping loopback and excluded devices.
func pickMicrophone(names, excluded []string) string {
	best := ""
	for _, n := range names {
		if matchesAny(n, excluded) || matchesAny(n, loopbackKeywords) || !matchesAny(n, micKeywords) {
			continue
		}
		if best == "" || prefer(n, best) {
			best = n
		}
	}
	return best
}

func prefer(name, current string) bool {
	for _, p := range preferredKeywords {
		if containsFold(name, p) && !containsFold(current, p) {
			return true
		}
	}
	return false
}

func matchesAny(name string, keywords []string) bool {
	for _, k := range keywords {
		if containsFold(name, k) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
