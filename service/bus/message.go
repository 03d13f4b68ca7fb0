package bus

import (
	"encoding/json"
	"time"

	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
	"PPAuth/tools/ids"
)

// Message types.
const (
	TypeTokenRefreshed      = "TOKEN_REFRESHED"
	TypeTokenVersionUpdated = "TOKEN_VERSION_UPDATED"
	TypeLogout              = "LOGOUT"
	TypeLeaderElected       = "LEADER_ELECTED"

	TypeSessionUpdated = "SESSION_UPDATED"
	TypeSessionExpired = "SESSION_EXPIRED"
	TypeUserActivity   = "USER_ACTIVITY"
)

// DefaultFreshness is the acceptance window around the receiver's clock.
const DefaultFreshness = 5 * time.Second

// Message is never persisted. Timestamp is unix milliseconds and Origin
// is the id of the sending context.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Origin    string         `json:"origin"`
}

func NewMessage(typ, origin string, now time.Time, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		ID:        ids.NewMessageID(now),
		Type:      typ,
		Payload:   payload,
		Timestamp: clock.UnixMilli(now),
		Origin:    origin,
	}
}

func (m Message) Time() time.Time { return clock.FromUnixMilli(m.Timestamp) }

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	switch {
	case m.Type == "":
		return errs.ErrMalformed.WrapMsg("missing type", "id", m.ID)
	case m.Timestamp <= 0:
		return errs.ErrMalformed.WrapMsg("missing timestamp", "type", m.Type)
	case m.Origin == "":
		return errs.ErrMalformed.WrapMsg("missing origin", "type", m.Type)
	}
	return nil
}

// Accept is the receive-side filter: malformed messages, messages from
// self and messages further than window from now are rejected.
func Accept(m Message, self string, now time.Time, window time.Duration) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Origin == self {
		return errs.ErrStaleMessage.WrapMsg("self-originated", "type", m.Type)
	}
	if window <= 0 {
		window = DefaultFreshness
	}
	skew := now.Sub(m.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return errs.ErrStaleMessage.WrapMsg("outside freshness window", "type", m.Type, "skew", skew.String())
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode message", "type", m.Type)
	}
	return b, nil
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errs.ErrMalformed.WrapMsg("decode message", "err", err.Error())
	}
	return m, nil
}
