// Package orchestrator owns the live session, wiring controllers to the
// machine's devices and the remote services.
package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dtpsim/voicestage/internal/casedata"
	"github.com/dtpsim/voicestage/internal/config"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/playback"
	"github.com/dtpsim/voicestage/internal/recorder"
	"github.com/dtpsim/voicestage/internal/session"
	"github.com/dtpsim/voicestage/internal/syncx"
	"github.com/dtpsim/voicestage/internal/trace"
	"github.com/dtpsim/voicestage/internal/vad"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Devices    session.Devices
	Dispatcher session.Dispatcher
	Synth      playback.Synthesizer
}

// Summary describes a session for listings.
type Summary struct {
	ID         string        `json:"id"`
	ScenarioID string        `json:"scenarioId"`
	Phase      session.Phase `json:"phase"`
}

// Manager starts sessions and enforces a single live one at a time, since a
// session owns the microphone and the speaker.
type Manager struct {
	cfg   *config.Config
	cases *casedata.Catalog
	deps  Deps

	ctx    context.Context
	cancel context.CancelFunc

	active *syncx.Guard[*session.Controller]

	mu       sync.RWMutex
	sessions map[string]*session.Controller
	order    []string
}

// New creates a manager. Sessions outlive the request that started them and
// are bound to ctx instead.
func New(ctx context.Context, cfg *config.Config, cases *casedata.Catalog, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:      cfg,
		cases:    cases,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		active:   syncx.NewGuard[*session.Controller](nil),
		sessions: make(map[string]*session.Controller),
	}
}

// Cases exposes the catalog sessions are started against.
func (m *Manager) Cases() *casedata.Catalog { return m.cases }

// Start begins a session for the given case. It fails with SESSION_ACTIVE
// while another session is live. A session that fails to start is still
// registered so its transcript can be read.
func (m *Manager) Start(ctx context.Context, scenarioID string) (*session.Controller, error) {
	cs, err := m.cases.Get(scenarioID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := session.New(m.options(id, cs.ID), m.deps.Devices, m.deps.Dispatcher, m.deps.Synth)

	err = m.active.Update(func(cur **session.Controller) error {
		if *cur != nil && (*cur).State().Phase != session.Ended {
			return apperrors.Newf(apperrors.ErrCodeSessionActive, "session %s is still running", (*cur).ID())
		}
		*cur = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.register(c)

	log := trace.Logger(trace.WithSession(ctx, id))
	if err := c.Start(m.ctx); err != nil {
		log.Error("session failed to start", "scenario", cs.ID, "error", err)
		m.clearActive(c)
		return c, err
	}
	log.Info("session running", "scenario", cs.ID)

	go func() {
		<-c.Done()
		m.clearActive(c)
	}()
	return c, nil
}

func (m *Manager) options(id, scenarioID string) session.Options {
	cfg := m.cfg
	return session.Options{
		SessionID:    id,
		ScenarioID:   scenarioID,
		Ticks:        cfg.Ticks(),
		TickInterval: cfg.TickInterval,
		Segmenter: vad.Config{
			Rate:              cfg.VADSampleRate,
			PositiveThreshold: float32(cfg.PositiveThreshold),
			NegativeThreshold: float32(cfg.NegativeThreshold),
			Throttle:          cfg.Throttle,
			RedemptionFrames:  cfg.RedemptionFrames,
		},
		Rate:               cfg.VADSampleRate,
		Grace:              cfg.SpeechEndGrace,
		PreRoll:            recorder.DefaultPreRoll,
		MinSegmentBytes:    cfg.MinSegmentBytes,
		ShortReplyMaxChars: cfg.ShortReplyMaxChars,
		AwaitCompletion:    cfg.AwaitCompletion,
		FinalWait:          cfg.FinalWait,
	}
}

func (m *Manager) register(c *session.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[c.ID()] = c
	m.order = append(m.order, c.ID())

	// Forget the oldest ended sessions beyond the retention limit.
	for len(m.order) > MaxRetainedSessions {
		pruned := false
		for i, id := range m.order {
			if s := m.sessions[id]; s.State().Phase == session.Ended {
				delete(m.sessions, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				pruned = true
				break
			}
		}
		if !pruned {
			break
		}
	}
}

func (m *Manager) clearActive(c *session.Controller) {
	_ = m.active.Update(func(cur **session.Controller) error {
		if *cur == c {
			*cur = nil
		}
		return nil
	})
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*session.Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "session %q not found", id)
	}
	return c, nil
}

// Active returns the live session, or nil.
func (m *Manager) Active() *session.Controller { return m.active.Load() }

// List summarizes registered sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		c := m.sessions[id]
		out = append(out, Summary{ID: id, ScenarioID: c.ScenarioID(), Phase: c.State().Phase})
	}
	return out
}

// Remove tears a session down and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "session %q not found", id)
	}
	c.Close()
	m.clearActive(c)
	return nil
}

// Shutdown closes every session and waits for them to wind down.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*session.Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		all = append(all, c)
	}
	m.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	m.cancel()
}
