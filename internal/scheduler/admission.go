package scheduler

import (
	"context"
	"fmt"

	"github.com/example/renderflow/internal/state"
)

// CapacityOptions parameterizes the admission policy. The trusted (PAT) mode
// collapses the source system's parallel claim variants into one path: it
// skips the credit precondition and ignores the run-class filter, everything
// else is the same arithmetic.
type CapacityOptions struct {
	IncludeActive bool
	RunClass      string
	Pool          string
	Trusted       bool
}

// Capacity returns how many additional tasks the user may have claimed right
// now. Zero is the normal "admission denied" answer (credits exhausted, cap
// reached, pool preference mismatch); it is never an error.
func (e *Engine) Capacity(ctx context.Context, userID string, opts CapacityOptions) (int, error) {
	user, ok, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return e.capacityForUser(ctx, user, opts)
}

func (e *Engine) capacityForUser(ctx context.Context, user state.UserRecord, opts CapacityOptions) (int, error) {
	switch opts.Pool {
	case state.PoolLocal:
		if !user.AllowsLocalWorkers {
			return 0, nil
		}
	case state.PoolCloud:
		if !user.AllowsCloudWorkers {
			return 0, nil
		}
	}
	if !opts.Trusted {
		balance, err := e.store.LedgerBalance(ctx, user.ID)
		if err != nil {
			return 0, err
		}
		if balance <= 0 {
			return 0, nil
		}
	}

	inProgress, err := e.store.CountRunningTasks(ctx, user.ID, e.types.CountableKinds(""))
	if err != nil {
		return 0, err
	}
	readyKinds := e.claimableKinds(opts.RunClass, opts.Trusted)
	readyQueued, err := e.store.CountReadyTasks(ctx, user.ID, readyKinds)
	if err != nil {
		return 0, err
	}

	if opts.IncludeActive {
		total := inProgress + readyQueued
		if total > MaxConcurrency {
			total = MaxConcurrency
		}
		return total, nil
	}
	remaining := MaxConcurrency - inProgress
	if remaining < 0 {
		remaining = 0
	}
	if readyQueued < remaining {
		remaining = readyQueued
	}
	return remaining, nil
}

// FleetCapacity sums capacity across all users, for dashboards and for the
// cross-user claim mode. Returns the total and the number of users with
// nonzero capacity.
func (e *Engine) FleetCapacity(ctx context.Context, opts CapacityOptions) (int, int, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return 0, 0, err
	}
	total := 0
	eligible := 0
	for _, u := range users {
		c, err := e.capacityForUser(ctx, u, opts)
		if err != nil {
			return 0, 0, err
		}
		if c > 0 {
			eligible++
			total += c
		}
	}
	return total, eligible, nil
}

// eligibleUsers returns the users with nonzero remaining capacity under the
// given policy. Advisory only: the claim transition re-checks nothing about
// capacity, which the admission model accepts because Capacity is a gate on
// queue entry rather than a linearizable counter.
func (e *Engine) eligibleUsers(ctx context.Context, opts CapacityOptions) ([]string, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		c, err := e.capacityForUser(ctx, u, CapacityOptions{
			RunClass: opts.RunClass,
			Pool:     opts.Pool,
			Trusted:  opts.Trusted,
		})
		if err != nil {
			return nil, err
		}
		if c > 0 {
			out = append(out, u.ID)
		}
	}
	return out, nil
}

func (e *Engine) claimableKinds(runClass string, trusted bool) []string {
	if trusted || runClass == "" {
		return nil
	}
	return e.types.Kinds(runClass)
}
