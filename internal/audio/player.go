package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

const interruptGrace = 1200 * time.Millisecond

// PortAudioPlayer plays PCM WAV clips on the default output device.
// Play calls are serialized; the caller owns ordering.
type PortAudioPlayer struct {
	mu sync.Mutex
}

func NewPortAudioPlayer() *PortAudioPlayer { return &PortAudioPlayer{} }

func (p *PortAudioPlayer) Play(ctx context.Context, clip Clip) error {
	pcm, err := DecodeWAV(clip.Data)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodePlaybackFailed, "decode %s clip", clip.MIME)
	}
	if pcm.Channels != 1 && pcm.Channels != 2 {
		return apperrors.Newf(apperrors.ErrCodePlaybackFailed, "unsupported channel count %d", pcm.Channels)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "initialize portaudio")
	}
	defer func() { _ = portaudio.Terminate() }()

	frames := framesPerBuffer
	buf := make([]int16, frames*pcm.Channels)
	stream, err := portaudio.OpenDefaultStream(0, pcm.Channels, float64(pcm.Rate), frames, buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "open output stream")
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePlaybackFailed, "start output stream")
	}
	defer func() { _ = stream.Stop() }()

	for off := 0; off < len(pcm.Samples); off += len(buf) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n := copy(buf, pcm.Samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodePlaybackFailed, "write output stream")
		}
	}
	return nil
}

// CommandPlayer pipes each clip into an external player such as ffplay.
// It handles any format the command understands, including MP3.
type CommandPlayer struct {
	command []string
}

func NewCommandPlayer(command []string) *CommandPlayer {
	return &CommandPlayer{command: command}
}

func (p *CommandPlayer) Play(ctx context.Context, clip Clip) error {
	if len(p.command) == 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "empty player command")
	}
	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDeviceUnavailable, "start %s", p.command[0])
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodePlaybackFailed, "%s: %s", p.command[0], strings.TrimSpace(stderr.String()))
		}
		return nil
	case <-ctx.Done():
	}

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-waitErr:
	case <-time.After(interruptGrace):
		_ = cmd.Process.Kill()
		<-waitErr
	}
	return ctx.Err()
}

// DetectMIME sniffs a clip's container when the collaborator did not label it.
func DetectMIME(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return MIMEWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return MIMEMPEG
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MIMEMPEG
	default:
		return "application/octet-stream"
	}
}

// ErrUnsupportedClip is returned by players that cannot render a format.
var ErrUnsupportedClip = errors.New("audio: unsupported clip format")

// AutoPlayer routes WAV clips to PortAudio and everything else to a command.
type AutoPlayer struct {
	PCM   Player
	Other Player
}

func (a AutoPlayer) Play(ctx context.Context, clip Clip) error {
	mime := clip.MIME
	if mime == "" {
		mime = DetectMIME(clip.Data)
	}
	switch {
	case mime == MIMEWAV && a.PCM != nil:
		return a.PCM.Play(ctx, clip)
	case a.Other != nil:
		return a.Other.Play(ctx, clip)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedClip, mime)
	}
}
