// Package dedup reconciles the three message sources (outbox, real-time push,
// paged history) into one canonical, ordered, duplicate-free timeline per chat.
package dedup

import (
	"sort"
	"sync"
	"time"

	"github.com/marreiros/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultWindow is the timestamp tolerance for content-based echo matching.
const DefaultWindow = 1000 * time.Millisecond

// Matcher decides whether an incoming item and an existing timeline entry are
// the same logical message.
type Matcher struct {
	Name  string
	Match func(incoming, existing CanonicalMessage) bool
}

// Matchers returns the matching rules in their fixed precedence. The order is
// part of the contract: rule 1 is authoritative, rules 3 and 4 are heuristics
// that step aside whenever both sides carry a local marker, so two genuinely
// distinct messages from the same client never collapse on content alone. A
// keyless echo still matches the marked local record it mirrors, whichever
// side of the merge it arrives on.
func Matchers(window time.Duration) []Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return []Matcher{
		{
			Name: "server_id",
			Match: func(in, ex CanonicalMessage) bool {
				return in.ServerID != "" && in.ServerID == ex.ServerID
			},
		},
		{
			Name: "local_id",
			Match: func(in, ex CanonicalMessage) bool {
				return in.LocalID != "" && in.LocalID == ex.LocalID
			},
		},
		{
			Name: "text_content_window",
			Match: func(in, ex CanonicalMessage) bool {
				if in.LocalID != "" && ex.LocalID != "" {
					return false
				}
				if in.ChatID != ex.ChatID || in.SenderID != ex.SenderID {
					return false
				}
				if in.MsgType != store.TypeText || ex.MsgType != store.TypeText {
					return false
				}
				if in.Content != ex.Content {
					return false
				}
				diff := in.CreatedAt - ex.CreatedAt
				if diff < 0 {
					diff = -diff
				}
				return diff <= window.Milliseconds()
			},
		},
		{
			Name: "media_attachment_ref",
			Match: func(in, ex CanonicalMessage) bool {
				if in.LocalID != "" && ex.LocalID != "" {
					return false
				}
				if in.ChatID != ex.ChatID {
					return false
				}
				if in.MsgType != store.TypeAudio && in.MsgType != store.TypeImage {
					return false
				}
				return in.MsgType == ex.MsgType && in.AttachmentRef != "" && in.AttachmentRef == ex.AttachmentRef
			},
		},
	}
}

// Resolver merges message sources through the ordered matcher list and tracks
// observed echoes (local id -> server id) so the sync engine can short-circuit
// a retry whose previous attempt actually reached the server.
type Resolver struct {
	matchers []Matcher
	logger   *zap.Logger

	mu     sync.Mutex
	echoes map[string]string
}

// NewResolver creates a resolver with the given content-match window.
func NewResolver(window time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		matchers: Matchers(window),
		logger:   logger,
		echoes:   make(map[string]string),
	}
}

// NoteEcho records that the server assigned serverID to the message the
// client knows as localID. Fed by send results and by real-time echoes that
// carry the idempotency key, whichever arrives first.
func (r *Resolver) NoteEcho(localID, serverID string) {
	if localID == "" || serverID == "" {
		return
	}
	r.mu.Lock()
	r.echoes[localID] = serverID
	r.mu.Unlock()
}

// EchoServerID returns the server id observed for localID, if any.
func (r *Resolver) EchoServerID(localID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.echoes[localID]
	return id, ok
}

// Forget drops the echo record for localID once the outbox row is gone.
func (r *Resolver) Forget(localID string) {
	r.mu.Lock()
	delete(r.echoes, localID)
	r.mu.Unlock()
}

// match returns the index of the existing entry the incoming item collapses
// into, or -1 if it is a genuinely new message.
func (r *Resolver) match(incoming CanonicalMessage, existing []CanonicalMessage) int {
	for _, m := range r.matchers {
		for i := range existing {
			if m.Match(incoming, existing[i]) {
				if r.logger != nil {
					r.logger.Debug("dedup match",
						zap.String("rule", m.Name),
						zap.String("incoming", incoming.Key()),
						zap.String("existing", existing[i].Key()))
				}
				return i
			}
		}
	}
	return -1
}

// Merge folds incoming items into the timeline, collapsing duplicates per the
// matcher precedence, and returns the result sorted canonically. Server-side
// items win the merged entry's identity and timestamp; the local id is kept so
// later passes still match. Merge is idempotent: feeding the same items again
// yields the same timeline.
func (r *Resolver) Merge(timeline []CanonicalMessage, incoming ...CanonicalMessage) []CanonicalMessage {
	merged := make([]CanonicalMessage, len(timeline))
	copy(merged, timeline)

	for _, in := range incoming {
		i := r.match(in, merged)
		if i < 0 {
			merged = append(merged, in)
			continue
		}
		merged[i] = collapse(merged[i], in)
	}

	SortCanonical(merged)
	return merged
}

// collapse combines two representations of the same logical message. The one
// carrying a server id is authoritative for identity, timestamp and status.
func collapse(a, b CanonicalMessage) CanonicalMessage {
	authoritative, local := b, a
	if b.ServerID == "" && a.ServerID != "" {
		authoritative, local = a, b
	}
	out := authoritative
	if out.LocalID == "" {
		out.LocalID = local.LocalID
	}
	if out.ServerID != "" {
		out.IsLocalOnly = false
		out.SyncState = ""
		out.RetryCount = 0
		out.ErrorMessage = ""
	}
	if out.AttachmentRef == "" {
		out.AttachmentRef = local.AttachmentRef
	}
	return out
}

// SortCanonical orders a timeline by created_at ascending, ties broken by
// key lexical order for determinism.
func SortCanonical(msgs []CanonicalMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].Key() < msgs[j].Key()
	})
}
