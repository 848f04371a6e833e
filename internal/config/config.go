// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

type Config struct {
	HTTPAddr     string
	InferenceURL string
	TextURL      string
	TTSURL       string
	TTSEncoding  string

	VADBackend           string // "energy" or "grpc"
	VADAddr              string
	SampleRate           int
	VADSampleRate        int
	PositiveThreshold    float64
	NegativeThreshold    float64
	Throttle             time.Duration
	RedemptionFrames     int
	SpeechEndGrace       time.Duration
	ExcludedAudioDevices []string

	SessionDuration    time.Duration
	TickInterval       time.Duration
	MinSegmentBytes    int
	ShortReplyMaxChars int
	AwaitCompletion    bool
	FinalWait          time.Duration
	RequestTimeout     time.Duration

	Player        string // "portaudio" or "command"
	PlayerCommand []string
	CasesFile     string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	inference := getEnv("INFERENCE_URL", "http://localhost:5000/transcribe")
	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8000"),
		InferenceURL: inference,
		TextURL:      getEnv("INFERENCE_TEXT_URL", inference),
		TTSURL:       getEnv("TTS_URL", "http://localhost:5000/tts"),
		TTSEncoding:  getEnv("TTS_AUDIO_ENCODING", "LINEAR16"),

		VADBackend:           getEnv("VAD_BACKEND", "energy"),
		VADAddr:              getEnv("VAD_ADDR", "localhost:50051"),
		SampleRate:           getEnvInt("SAMPLE_RATE", 48000),
		VADSampleRate:        getEnvInt("VAD_SAMPLE_RATE", 16000),
		PositiveThreshold:    getEnvFloat("VAD_POSITIVE_THRESHOLD", 0.5),
		NegativeThreshold:    getEnvFloat("VAD_NEGATIVE_THRESHOLD", 0.3),
		Throttle:             getEnvMillis("VAD_THROTTLE_MS", 200),
		RedemptionFrames:     getEnvInt("VAD_REDEMPTION_FRAMES", 8),
		SpeechEndGrace:       getEnvMillis("SPEECH_END_GRACE_MS", 300),
		ExcludedAudioDevices: getEnvList("EXCLUDED_AUDIO_DEVICES", []string{"iphone", "teams"}),

		SessionDuration:    time.Duration(getEnvInt("SESSION_SECONDS", 600)) * time.Second,
		TickInterval:       getEnvMillis("TICK_MS", 1000),
		MinSegmentBytes:    getEnvInt("MIN_SEGMENT_BYTES", 16000),
		ShortReplyMaxChars: getEnvInt("SHORT_REPLY_MAX_CHARS", 10),
		AwaitCompletion:    getEnvBool("AWAIT_COMPLETION", true),
		FinalWait:          getEnvMillis("FINAL_WAIT_MS", 15000),
		RequestTimeout:     getEnvMillis("REQUEST_TIMEOUT_MS", 60000),

		Player:        getEnv("PLAYER", "portaudio"),
		PlayerCommand: getEnvList("PLAYER_COMMAND", []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"}),
		CasesFile:     getEnv("CASES_FILE", ""),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.PositiveThreshold <= 0 || c.PositiveThreshold > 1:
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "positive threshold %v out of range", c.PositiveThreshold)
	case c.NegativeThreshold < 0 || c.NegativeThreshold >= c.PositiveThreshold:
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "negative threshold %v must be below positive %v", c.NegativeThreshold, c.PositiveThreshold)
	case c.SampleRate <= 0 || c.VADSampleRate <= 0:
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "sample rates must be positive")
	case c.SessionDuration <= 0 || c.TickInterval <= 0:
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "session duration and tick must be positive")
	case c.VADBackend != "energy" && c.VADBackend != "grpc":
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "unknown vad backend %q", c.VADBackend)
	case c.Player != "portaudio" && c.Player != "command":
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "unknown player %q", c.Player)
	case c.Player == "command" && len(c.PlayerCommand) == 0:
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "player command is empty")
	}
	return nil
}

// Ticks is the number of countdown ticks in one session.
func (c *Config) Ticks() int {
	n := int(c.SessionDuration / c.TickInterval)
	if n < 1 {
		return 1
	}
	return n
}

func (c *Config) String() string {
	return fmt.Sprintf("http=%s inference=%s tts=%s vad=%s session=%s", c.HTTPAddr, c.InferenceURL, c.TTSURL, c.VADBackend, c.SessionDuration)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvMillis(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Millisecond
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
