package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

// EventMessage is the wire form of a deposit event. Amounts travel as decimal strings.
type EventMessage struct {
	Ref         string `json:"ref"`
	From        string `json:"from"`
	To          string `json:"to"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	ExternalTag string `json:"externalTag,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// EncodeEvent converts an event to its wire form
func EncodeEvent(e models.DepositEvent) EventMessage {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.Unix()
	}
	return EventMessage{
		Ref:         e.Ref,
		From:        e.From,
		To:          e.To,
		Token:       e.Token,
		Amount:      amount,
		ExternalTag: e.ExternalTag,
		Timestamp:   ts,
	}
}

// Decode converts a wire event back, rejecting malformed amounts
func (m EventMessage) Decode() (models.DepositEvent, error) {
	amount, err := ParseAmount(m.Amount)
	if err != nil {
		return models.DepositEvent{}, fmt.Errorf("event %s: %w", m.Ref, err)
	}
	e := models.DepositEvent{
		Ref:         m.Ref,
		From:        m.From,
		To:          m.To,
		Token:       m.Token,
		Amount:      amount,
		ExternalTag: m.ExternalTag,
	}
	if m.Timestamp != 0 {
		e.Timestamp = time.Unix(m.Timestamp, 0).UTC()
	}
	return e, nil
}

// ParseAmount parses a non-negative base-10 integer
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}
