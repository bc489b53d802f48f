package feed

import (
	"errors"
	"fmt"
	"strings"
)

// TopicKind identifies the category of a subscription topic.
type TopicKind string

const (
	TopicInstrument TopicKind = "instrument"
	TopicMarket     TopicKind = "market"
	TopicSector     TopicKind = "sector"
	TopicStatus     TopicKind = "status"
)

// ErrUnknownTopic is returned when a topic string does not map to a
// supported topic kind or carries an invalid code.
var ErrUnknownTopic = errors.New("unknown topic")

// Topic is a parsed subscription topic.
//
// Wire format is "kind:code", e.g. "instrument:AAPL", "market:NASDAQ",
// "sector:TECH". The market-wide status topic is the bare string "status"
// and carries no code.
type Topic struct {
	Kind TopicKind
	Code string
}

// ParseTopic validates and parses a topic string from a client or from a
// broker subject.
//
// Validation is strict on purpose: topics become broker subjects and map
// keys, so anything that is not a known kind with a well-formed code is
// rejected before it touches shared state.
func ParseTopic(s string) (Topic, error) {
	if s == string(TopicStatus) {
		return Topic{Kind: TopicStatus}, nil
	}

	kind, code, ok := strings.Cut(s, ":")
	if !ok || code == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrUnknownTopic, s)
	}

	switch TopicKind(kind) {
	case TopicInstrument, TopicMarket, TopicSector:
	default:
		return Topic{}, fmt.Errorf("%w: %q", ErrUnknownTopic, s)
	}

	if !validCode(code) {
		return Topic{}, fmt.Errorf("%w: invalid code in %q", ErrUnknownTopic, s)
	}

	return Topic{Kind: TopicKind(kind), Code: code}, nil
}

// validCode accepts uppercase symbols like "AAPL", "BRK.B", "SPX-W".
// Max length 24 keeps hostile inputs from bloating registry keys.
func validCode(code string) bool {
	if len(code) == 0 || len(code) > 24 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// String returns the wire form of the topic.
func (t Topic) String() string {
	if t.Kind == TopicStatus {
		return string(TopicStatus)
	}
	return string(t.Kind) + ":" + t.Code
}

// Subject maps a topic to its broker subject.
//
// Subject structure:
//   - Part 0: Namespace ("feed")
//   - Part 1: Topic kind ("instrument", "market", "sector", "status")
//   - Part 2: Code ("AAPL", "NASDAQ", "TECH") - absent for "status"
//
// Examples: "feed.instrument.AAPL", "feed.status".
// All instances subscribe to the wildcard "feed.>".
func (t Topic) Subject() string {
	if t.Kind == TopicStatus {
		return "feed.status"
	}
	return "feed." + string(t.Kind) + "." + t.Code
}

// SubjectPattern is the wildcard every instance subscribes to on the
// shared broker.
const SubjectPattern = "feed.>"

// TopicFromSubject reverses Subject. Unknown subjects are rejected so a
// misconfigured publisher on the shared broker cannot inject arbitrary
// registry keys.
func TopicFromSubject(subject string) (Topic, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 || parts[0] != "feed" {
		return Topic{}, fmt.Errorf("%w: subject %q", ErrUnknownTopic, subject)
	}
	if parts[1] == string(TopicStatus) && len(parts) == 2 {
		return Topic{Kind: TopicStatus}, nil
	}
	if len(parts) != 3 {
		return Topic{}, fmt.Errorf("%w: subject %q", ErrUnknownTopic, subject)
	}
	return ParseTopic(parts[1] + ":" + parts[2])
}
