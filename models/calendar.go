package models

import (
	"context"
	"errors"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/types"
)

// CalendarModel backs the per-user calendar subscription feed.
type CalendarModel struct {
	users store.UserStore
	polls store.PollStore
}

func NewCalendarModel(users store.UserStore, polls store.PollStore) *CalendarModel {
	return &CalendarModel{users: users, polls: polls}
}

// FinalizedSchedulePolls resolves the feed token to its user and returns
// their schedule polls that have a finalized option. The token is the only
// credential on this path.
func (cm *CalendarModel) FinalizedSchedulePolls(ctx context.Context, calendarToken string) ([]*types.Poll, error) {
	user, err := cm.users.GetUserByCalendarToken(ctx, calendarToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Calendar")
		}
		return nil, apperrors.NewDatabaseError(err)
	}

	polls, err := cm.polls.ListPollsByCreator(ctx, user.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	var out []*types.Poll
	for _, p := range polls {
		if p.Kind == types.PollKindSchedule && p.FinalOptionID != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
