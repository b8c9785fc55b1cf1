package store

import (
	"time"
)

// Watch contains the fields for an intent hash followed until commitment, saved to DB.
type Watch struct {
	ID      []byte    `json:"id"`
	Hash    string    `json:"hash"`
	Session string    `json:"session,omitempty"`
	Kind    string    `json:"kind,omitempty"` // manifest kind of the transaction, if built from one
	Since   time.Time `json:"since"`
}

// ListenedWatches contains the watches of a network saved to DB.
type ListenedWatches struct {
	Net     string  `json:"net"`
	Watches []Watch `json:"watches"`
}

// Session is the context of a dapp user: the network used, the account connected and the addresses of the
// components and resources created or selected so far, by name (ie. component, pool_unit, resource_a).
type Session struct {
	ID        string            `json:"id"`
	Net       string            `json:"net"`
	Account   string            `json:"account,omitempty"`
	Addresses map[string]string `json:"addresses"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Values returns the session account and addresses keyed as manifest values.
func (s Session) Values() map[string]string {
	v := make(map[string]string, len(s.Addresses)+1)
	for k, a := range s.Addresses {
		v[k] = a
	}

	if s.Account != "" {
		v["account"] = s.Account
	}

	return v
}
