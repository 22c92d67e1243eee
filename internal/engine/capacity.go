package engine

import (
	"github.com/tidewater/outreach/internal/models"
)

// Allocation is the sendable account set for one batch, computed once
// at batch start.
type Allocation struct {
	Accounts           []models.SendingAccount
	TotalCapacity      int
	EffectiveBatchSize int
}

// NoCapacity reports whether no account can take mail today. Not an
// error condition: the caller reschedules to the next day's window.
func (a *Allocation) NoCapacity() bool {
	return len(a.Accounts) == 0
}

// Allocate filters the assigned accounts down to those that may send
// (active, healthy, quota remaining) and caps the requested batch size
// by the total remaining quota.
func Allocate(accounts []models.SendingAccount, requested int) *Allocation {
	alloc := &Allocation{}

	for _, a := range accounts {
		if !a.Sendable() {
			continue
		}
		alloc.Accounts = append(alloc.Accounts, a)
		alloc.TotalCapacity += a.RemainingToday()
	}

	alloc.EffectiveBatchSize = requested
	if alloc.TotalCapacity < requested {
		alloc.EffectiveBatchSize = alloc.TotalCapacity
	}

	return alloc
}

// rotor is the round-robin cursor over an allocation's accounts. It is
// explicit state scoped to one batch, not a shared counter: overlapping
// batches each carry their own.
type rotor struct {
	i int
}

// next returns the next account in the cycle.
func (r *rotor) next(accounts []models.SendingAccount) *models.SendingAccount {
	if len(accounts) == 0 {
		return nil
	}
	a := &accounts[r.i%len(accounts)]
	r.i++
	return a
}
