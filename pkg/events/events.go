// Package events describes position lifecycle events and the publishers that
// carry them out of the engine.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/margin/pkg/assets"
)

type Type string

const (
	Opened            Type = "opened"
	Edited            Type = "edited"
	Closed            Type = "closed"
	Liquidated        Type = "liquidated"
	LiquidationFailed Type = "liquidation_failed"
)

// Event is one committed lifecycle transition.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	PositionID uint64            `json:"positionId"`
	Account    assets.Account    `json:"account"`
	Time       time.Time         `json:"time"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, positionID uint64, account assets.Account, fields map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		PositionID: positionID,
		Account:    account,
		Time:       time.Now().UTC(),
		Fields:     fields,
	}
}

// Publisher delivers events. Engines treat publish errors as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
