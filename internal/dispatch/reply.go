package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Route is the remote service's classification of a reply.
type Route string

const (
	RouteShort Route = "short"
	RouteLong  Route = "long"
)

// Placeholder stands in for a reply the service did not provide.
const Placeholder = "[No reply]"

// nextPromptIntent is the intent tag that advances the prompt index.
const nextPromptIntent = "next_prompt"

// Reply is one decoded inference response.
type Reply struct {
	Text        string
	Raw         string
	Topic       string
	Intent      string
	Route       Route
	Completed   bool
	NextPrompt  bool
	Placeholder bool
}

// Spoken reports whether the reply should be voiced. Unrouted replies are
// voiced when they are at most maxChars long.
func (r Reply) Spoken(maxChars int) bool {
	if r.Placeholder || r.Text == "" {
		return false
	}
	switch r.Route {
	case RouteShort:
		return true
	case RouteLong:
		return false
	default:
		return utf8.RuneCountInString(r.Text) <= maxChars
	}
}

// TopicTag returns the tag to record as discussed, preferring the topic.
func (r Reply) TopicTag() string {
	if r.Topic != "" {
		return r.Topic
	}
	if r.Intent != "" && r.Intent != nextPromptIntent {
		return r.Intent
	}
	return ""
}

type wireReply struct {
	Reply      *string  `json:"reply"`
	Intent     string   `json:"intent"`
	Topic      string   `json:"topic"`
	Route      string   `json:"route"`
	Completed  flexBool `json:"completed"`
	NextPrompt flexBool `json:"nextPrompt"`
}

// flexBool accepts true, "true", 1 and "1".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	*b = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// ParseReply decodes a response body. Only a body that is not a JSON object is an error.
func ParseReply(body []byte) (Reply, error) {
	var w wireReply
	if err := json.Unmarshal(body, &w); err != nil {
		return Reply{}, err
	}
	r := Reply{
		Intent:     strings.TrimSpace(w.Intent),
		Topic:      strings.TrimSpace(w.Topic),
		Route:      Route(strings.ToLower(strings.TrimSpace(w.Route))),
		Completed:  bool(w.Completed),
		NextPrompt: bool(w.NextPrompt) || strings.EqualFold(strings.TrimSpace(w.Intent), nextPromptIntent),
	}
	if w.Reply != nil {
		r.Raw = *w.Reply
		r.Text = DecodeText(r.Raw)
	}
	if r.Text == "" {
		r.Text = Placeholder
		r.Placeholder = true
	}
	return r, nil
}

// DecodeText undoes transport encoding when it is clearly present. Decoding
// is strict, so stray trailing bits reject the input, and the decoded form is
// used only if it is printable UTF-8 containing a letter. Otherwise the
// trimmed raw string is returned unchanged.
func DecodeText(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding.Strict(), base64.RawStdEncoding.Strict()} {
		b, err := enc.DecodeString(s)
		if err != nil || len(b) == 0 {
			continue
		}
		if printable(b) {
			return strings.TrimSpace(string(b))
		}
	}
	return s
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	letter := false
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
		letter = letter || unicode.IsLetter(r)
	}
	return letter
}
