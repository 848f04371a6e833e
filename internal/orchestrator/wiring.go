package orchestrator

import (
	"context"

	"github.com/dtpsim/voicestage/internal/audio"
	"github.com/dtpsim/voicestage/internal/config"
	"github.com/dtpsim/voicestage/internal/dispatch"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/grpcclient"
	"github.com/dtpsim/voicestage/internal/tts"
	"github.com/dtpsim/voicestage/internal/vad"
)

// Devices opens the local microphone and speaker for a session.
type Devices struct {
	cfg    *config.Config
	player audio.Player
}

// NewDevices selects the playback backend from cfg.
func NewDevices(cfg *config.Config) *Devices {
	command := audio.NewCommandPlayer(cfg.PlayerCommand)
	var player audio.Player = command
	if cfg.Player == "portaudio" {
		player = audio.AutoPlayer{PCM: audio.NewPortAudioPlayer(), Other: command}
	}
	return &Devices{cfg: cfg, player: player}
}

func (d *Devices) OpenInput(context.Context) (audio.Input, error) {
	return audio.NewCapturer(d.cfg.SampleRate, d.cfg.ExcludedAudioDevices), nil
}

// NewDetector returns the configured detector. The remote detector is checked
// once so an unreachable model fails the session start.
func (d *Devices) NewDetector(ctx context.Context) (vad.Detector, error) {
	if d.cfg.VADBackend != "grpc" {
		return vad.NewEnergy(), nil
	}
	client, err := grpcclient.New(d.cfg.VADAddr, grpcclient.DefaultConfig())
	if err != nil {
		return nil, err
	}
	det := vad.NewRemote(client)

	checkCtx, cancel := context.WithTimeout(ctx, DetectorCheckTimeout)
	defer cancel()
	if err := det.Reset(checkCtx); err != nil {
		_ = det.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeVADInitFailed, "vad service unreachable").WithMetadata("addr", d.cfg.VADAddr)
	}
	return det, nil
}

func (d *Devices) NewEncoder() audio.Encoder { return audio.NewWAVEncoder(d.cfg.VADSampleRate) }

func (d *Devices) Play(ctx context.Context, clip audio.Clip) error { return d.player.Play(ctx, clip) }

// Router sends audio turns and typed turns to their own endpoints.
type Router struct {
	Audio *dispatch.Client
	Text  *dispatch.Client
}

func (r *Router) Send(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	if req.Segment == nil && req.Transcript != "" && r.Text != nil {
		return r.Text.Send(ctx, req)
	}
	return r.Audio.Send(ctx, req)
}

// NewDeps builds the production collaborators from cfg.
func NewDeps(cfg *config.Config) Deps {
	router := &Router{
		Audio: dispatch.New(dispatch.Config{URL: cfg.InferenceURL, Timeout: cfg.RequestTimeout}),
	}
	if cfg.TextURL != "" && cfg.TextURL != cfg.InferenceURL {
		router.Text = dispatch.New(dispatch.Config{URL: cfg.TextURL, Timeout: cfg.RequestTimeout})
	}
	return Deps{
		Devices:    NewDevices(cfg),
		Dispatcher: router,
		Synth:      tts.New(cfg.TTSURL, cfg.TTSEncoding, cfg.RequestTimeout, nil),
	}
}
