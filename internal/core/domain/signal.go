package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// SignalEnvelope is one addressed signaling message. A participant discards
// any envelope not addressed to itself.
type SignalEnvelope struct {
	Type SignalType      `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

func (e *SignalEnvelope) Validate() error {
	switch e.Type {
	case SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return ErrMalformedPayload
	}
	if e.From == "" || e.To == "" {
		return ErrMalformedPayload
	}
	return nil
}

// AddressedTo reports whether the envelope targets the given presence key or
// the broadcaster alias when the local role is broadcaster.
func (e *SignalEnvelope) AddressedTo(key PresenceKey, role Role) bool {
	if e.To == string(key) {
		return true
	}
	return role == RoleBroadcaster && e.To == BroadcasterAlias
}

type ChannelEventKind string

const (
	EventPresenceSync  ChannelEventKind = "presence-sync"
	EventPresenceJoin  ChannelEventKind = "presence-join"
	EventPresenceLeave ChannelEventKind = "presence-leave"
	EventSignal        ChannelEventKind = "broadcast:signal"
	EventComment       ChannelEventKind = "broadcast:comment"
	EventSessionEnded  ChannelEventKind = "broadcast:session-ended"
)

// ChannelEvent is the tagged variant delivered by the signaling channel.
// Exactly one of Entries, Presence, Signal or Raw is populated, according to
// Kind.
type ChannelEvent struct {
	Kind     ChannelEventKind `json:"kind"`
	Entries  []PresenceEntry  `json:"entries,omitempty"`
	Presence *PresenceEntry   `json:"presence,omitempty"`
	Signal   *SignalEnvelope  `json:"signal,omitempty"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
}

// Validate checks the variant invariant for events arriving off the wire.
func (ev *ChannelEvent) Validate() error {
	switch ev.Kind {
	case EventPresenceSync:
		for i := range ev.Entries {
			if err := ev.Entries[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case EventPresenceJoin, EventPresenceLeave:
		if ev.Presence == nil {
			return ErrMalformedPayload
		}
		return ev.Presence.Validate()
	case EventSignal:
		if ev.Signal == nil {
			return ErrMalformedPayload
		}
		return ev.Signal.Validate()
	case EventComment, EventSessionEnded:
		return nil
	default:
		return ErrMalformedPayload
	}
}
