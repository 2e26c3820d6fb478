package protocol

import (
	"strings"
	"time"
)

// Announcement kinds accepted on SubjectAnnounceRequest.
const (
	KindLinked   = "linked"
	KindUnlinked = "unlinked"
	KindSymbols  = "symbols"
)

// AnnounceRequest asks the gateway to speak an announcement.
type AnnounceRequest struct {
	Kind      string   `json:"kind"`
	Reflector string   `json:"reflector,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	Target    string   `json:"target,omitempty"`

	// TraceParent is a W3C traceparent header continued by the announce span.
	TraceParent string `json:"traceparent,omitempty"`
}

// VoiceFrame carries one paced voice frame toward the radio transport.
type VoiceFrame struct {
	AnnouncementID string `json:"announcement_id"`
	Source         string `json:"source"`
	Sequence       int    `json:"sequence"`
	Payload        []byte `json:"payload"`
	Final          bool   `json:"final"`
}

// AnnounceStatus reports the outcome of an announcement.
type AnnounceStatus struct {
	AnnouncementID string    `json:"announcement_id"`
	Target         string    `json:"target"`
	Kind           string    `json:"kind"`
	Frames         int       `json:"frames"`
	Missing        []string  `json:"missing,omitempty"`
	Completed      bool      `json:"completed"`
	Replaced       bool      `json:"replaced,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectAnnounceRequest  = "voice.announce.request"
	SubjectAnnounceDone     = "voice.announce.done"
	SubjectVoiceFramePrefix = "voice.frame"
)

// FrameSubject returns the subject frames for target are published on.
func FrameSubject(target string) string {
	return SubjectVoiceFramePrefix + "." + target
}

// ValidSubjectToken reports whether s can stand as one token of a subject:
// non-empty, without separators, wildcards or whitespace.
func ValidSubjectToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
