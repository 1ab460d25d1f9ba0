package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sanctuary/rtc/internal/domain"
)

// ErrUnknownKind is returned by Decode for a kind this build does not know.
var ErrUnknownKind = errors.New("unknown message kind")

// envelope is the JSON shape of a domain.Message on the wire.
type envelope struct {
	ID      string          `json:"id"`
	Session string          `json:"session"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	SentAt  int64           `json:"sentAt,omitempty"`
	Kind    domain.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals msg into its wire form.
func Encode(msg domain.Message) ([]byte, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("encode %s: empty payload", msg.ID)
	}
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := envelope{
		ID:      msg.ID,
		Session: msg.SessionID,
		From:    msg.From,
		To:      msg.To,
		Kind:    msg.Payload.Kind(),
		Payload: body,
	}
	if !msg.SentAt.IsZero() {
		env.SentAt = msg.SentAt.UnixMilli()
	}
	return json.Marshal(env)
}

// Decode parses a wire message. Malformed input and unknown kinds are errors
// wrapping domain.ErrNegotiation.
func Decode(data []byte) (domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Message{}, fmt.Errorf("%w: unmarshal envelope: %v", domain.ErrNegotiation, err)
	}
	if env.From == "" {
		return domain.Message{}, fmt.Errorf("%w: message %q has no sender", domain.ErrNegotiation, env.ID)
	}

	p, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %s: %v", domain.ErrNegotiation, env.Kind, err)
	}

	msg := domain.Message{
		ID:        env.ID,
		SessionID: env.Session,
		From:      env.From,
		To:        env.To,
		Payload:   p,
	}
	if env.SentAt > 0 {
		msg.SentAt = time.UnixMilli(env.SentAt).UTC()
	}
	return msg, nil
}

func decodePayload(kind domain.Kind, raw json.RawMessage) (domain.Payload, error) {
	switch kind {
	case domain.KindOffer:
		var p domain.Offer
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.SDP == "" {
			return nil, errors.New("empty sdp")
		}
		return p, nil
	case domain.KindAnswer:
		var p domain.Answer
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.SDP == "" {
			return nil, errors.New("empty sdp")
		}
		return p, nil
	case domain.KindICECandidate:
		var p domain.ICECandidatePayload
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case domain.KindParticipantReady:
		var p domain.ParticipantReady
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case domain.KindHandRaised:
		var p domain.HandRaised
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case domain.KindViewerJoin:
		return domain.ViewerJoin{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}
