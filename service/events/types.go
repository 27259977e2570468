// Package events publishes transaction state changes to NATS JetStream so
// downstream consumers (notifiers, audit, dashboards) can react without
// polling the gateway.
package events

import (
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
)

// StateChangeEvent is published on every applied transaction transition,
// to the subject "txstate.{chain}.{tx_id}".
type StateChangeEvent struct {
	TxID     string       `json:"tx_id"`
	WalletID string       `json:"wallet_id"`
	Chain    string       `json:"chain"`
	Kind     chain.OpKind `json:"kind"`
	TxHash   string       `json:"tx_hash,omitempty"`

	FromState db.TxState `json:"from_state"`
	ToState   db.TxState `json:"to_state"`
	Reason    string     `json:"reason,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromTransaction builds the event for an applied transition on txn.
func FromTransaction(txn *db.Transaction, from, to db.TxState, reason string) *StateChangeEvent {
	event := &StateChangeEvent{
		TxID:        txn.ID,
		WalletID:    txn.WalletID,
		Chain:       txn.Chain,
		Kind:        txn.Kind,
		FromState:   from,
		ToState:     to,
		Reason:      reason,
		PublishedAt: time.Now().UTC(),
	}
	if txn.TxHash != nil {
		event.TxHash = *txn.TxHash
	}
	return event
}
