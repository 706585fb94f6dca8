package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// schedulerInterval is how often the background pass runs.
const schedulerInterval = time.Minute

// ExpiryMailer is the slice of EmailService the scheduler needs.
type ExpiryMailer interface {
	SendExpiryReminder(ctx context.Context, poll *types.Poll) int
}

// Scheduler runs the periodic maintenance pass: expiry reminders for polls
// that opted in, and purging of expired single-use user tokens. Polls past
// their expiry are never mutated; expiry is evaluated at read and vote time.
type Scheduler struct {
	log    *zap.SugaredLogger
	polls  store.PollStore
	users  store.UserStore
	mailer ExpiryMailer

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func NewScheduler(polls store.PollStore, users store.UserStore, mailer ExpiryMailer) *Scheduler {
	return &Scheduler{
		log:    logger.GetLogger().Named("scheduler"),
		polls:  polls,
		users:  users,
		mailer: mailer,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the background loop. The first pass runs after one
// interval, not immediately, so startup stays quiet.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(schedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// RunOnce executes a single maintenance pass. Exposed for tests and for
// one-shot invocation from operational tooling.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	s.sendExpiryReminders(ctx, now)
	s.purgeExpiredTokens(ctx, now)
}

func (s *Scheduler) sendExpiryReminders(ctx context.Context, now time.Time) {
	due, err := s.polls.ListPollsDueExpiryReminder(ctx, now)
	if err != nil {
		s.log.Errorw("Failed to list polls due expiry reminder", "error", err)
		return
	}

	for _, poll := range due {
		// Claim first so concurrent processes send at most one reminder.
		won, err := s.polls.ClaimExpiryReminder(ctx, poll.ID)
		if err != nil {
			s.log.Errorw("Failed to claim expiry reminder", "pollId", poll.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		// The due listing does not load votes; reload the poll so the
		// mailer sees the participants.
		full, err := s.polls.GetPollByID(ctx, poll.ID)
		if err != nil {
			s.log.Errorw("Failed to load poll for expiry reminder", "pollId", poll.ID, "error", err)
			continue
		}
		sent := s.mailer.SendExpiryReminder(ctx, full)
		s.log.Infow("Sent expiry reminder", "pollId", poll.ID, "recipients", sent)
	}
}

func (s *Scheduler) purgeExpiredTokens(ctx context.Context, now time.Time) {
	purged, err := s.users.PurgeExpiredTokens(ctx, now)
	if err != nil {
		s.log.Errorw("Failed to purge expired user tokens", "error", err)
		return
	}
	if purged > 0 {
		s.log.Infow("Purged expired user tokens", "count", purged)
	}
}
