package assignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/store"
)

// Resolver answers "is this driver on shift for this bus right now".
type Resolver struct {
	store store.Store
	log   *util.Logger
}

func NewResolver(s store.Store, log *util.Logger) *Resolver {
	return &Resolver{store: s, log: log}
}

// ResolveActive returns the active assignment covering now. When operator
// error left several overlapping assignments, the one with the greatest
// shift start wins and the conflict is logged.
func (r *Resolver) ResolveActive(ctx context.Context, driverID, busID string, now time.Time) (*domain.Assignment, error) {
	matches, err := r.store.FindActiveAssignments(ctx, driverID, busID, now)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, apperrors.ErrNoActiveAssignment
	}

	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].ShiftStart.After(matches[j].ShiftStart)
		})
		r.log.Warn("AssignmentResolver", fmt.Sprintf(
			"%d overlapping active assignments for driver %s on bus %s, using %s",
			len(matches), driverID, busID, matches[0].ID))
	}

	a := matches[0]
	return &a, nil
}
