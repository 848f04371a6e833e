// Package session runs one timed spoken-exam session: it owns the microphone,
// the countdown, the reply flags and the single finalization.
package session

import (
	"fmt"
	"strings"
)

// Phase is the controller lifecycle stage.
type Phase int

const (
	Starting Phase = iota
	Active
	Finalizing
	Ended
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Finalizing:
		return "finalizing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{Starting, Active, Finalizing, Ended} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State is a point-in-time copy of the session flags and counters.
type State struct {
	Phase            Phase    `json:"phase"`
	RemainingSeconds int      `json:"remainingSeconds"`
	DiscussedTopics  []string `json:"discussedTopics"`
	PromptIndex      int      `json:"promptIndex"`
	WaitingForReply  bool     `json:"waitingForReply"`
	PlayingAudio     bool     `json:"playingAudio"`
	QueuedReplies    int      `json:"queuedReplies"`
	Capturing        bool     `json:"capturing"`
	Ended            bool     `json:"ended"`
}

// topicSet is a grow-only set that remembers insertion order.
type topicSet struct {
	order []string
	seen  map[string]struct{}
}

// add inserts tag and reports whether it was new. Matching ignores case and
// surrounding space.
func (t *topicSet) add(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false
	}
	key := strings.ToLower(tag)
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	t.order = append(t.order, tag)
	return true
}

func (t *topicSet) list() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *topicSet) len() int { return len(t.order) }
