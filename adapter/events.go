package adapter

import (
	"math/big"

	"yieldsource/crypto"
)

// Event types emitted by the engine.
const (
	EventTypeSupplied             = "adapter.supplied"
	EventTypeRedeemed             = "adapter.redeemed"
	EventTypeSwept                = "adapter.swept"
	EventTypeReapproved           = "adapter.reapproved"
	EventTypeOwnershipTransferred = "adapter.ownership_transferred"
	EventTypeAssetManagerUpdated  = "adapter.asset_manager_updated"
)

// Event is the canonical notification payload for adapter activity.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events after the operation that produced them has been
// finalised.
type Emitter interface {
	Emit(Event)
}

// Emitters fans one event out to several sinks in order.
type Emitters []Emitter

func (es Emitters) Emit(ev Event) {
	for _, e := range es {
		if e != nil {
			e.Emit(ev)
		}
	}
}

func newSuppliedEvent(caller, beneficiary crypto.Address, amount, credits *big.Int) Event {
	return Event{
		Type: EventTypeSupplied,
		Attributes: map[string]string{
			"caller":      caller.String(),
			"beneficiary": beneficiary.String(),
			"amount":      amount.String(),
			"credits":     credits.String(),
		},
	}
}

func newRedeemedEvent(caller crypto.Address, requested, actual, credits *big.Int) Event {
	return Event{
		Type: EventTypeRedeemed,
		Attributes: map[string]string{
			"caller":    caller.String(),
			"requested": requested.String(),
			"actual":    actual.String(),
			"credits":   credits.String(),
		},
	}
}

func newSweptEvent(caller, asset, to crypto.Address, amount *big.Int) Event {
	return Event{
		Type: EventTypeSwept,
		Attributes: map[string]string{
			"caller": caller.String(),
			"asset":  asset.String(),
			"to":     to.String(),
			"amount": amount.String(),
		},
	}
}

func newReapprovedEvent(caller crypto.Address, topUp *big.Int) Event {
	return Event{
		Type: EventTypeReapproved,
		Attributes: map[string]string{
			"caller": caller.String(),
			"top_up": topUp.String(),
		},
	}
}

func newOwnershipEvent(previous, next crypto.Address) Event {
	return Event{
		Type: EventTypeOwnershipTransferred,
		Attributes: map[string]string{
			"previous": previous.String(),
			"next":     next.String(),
		},
	}
}

func newAssetManagerEvent(manager crypto.Address) Event {
	attrs := map[string]string{"manager": ""}
	if !manager.IsZero() {
		attrs["manager"] = manager.String()
	}
	return Event{Type: EventTypeAssetManagerUpdated, Attributes: attrs}
}
