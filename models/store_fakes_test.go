package models

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/types"
)

// fakeStore is a single in-memory backing store implementing all the store
// interfaces the models consume. Advisory locks are real mutexes held until
// the transaction ends, so lock-dependent invariants are exercised for real.
type fakeStore struct {
	mu sync.Mutex

	polls  map[string]*types.Poll
	votes  map[int64]*types.Vote
	users  map[string]*types.User
	notifs []*types.NotificationLog

	nextVoteID   int64
	nextOptionID int64
	now          time.Time

	lockMu      sync.Mutex
	locks       map[int64]*sync.Mutex
	lockHistory []int64

	// beforeCapacityCount, when set, runs at the start of CountYesVotes.
	// Races widen the check-then-insert window through it.
	beforeCapacityCount func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls: make(map[string]*types.Poll),
		votes: make(map[int64]*types.Vote),
		users: make(map[string]*types.User),
		locks: make(map[int64]*sync.Mutex),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) lockKeys() []int64 {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	return append([]int64(nil), f.lockHistory...)
}

func (f *fakeStore) addUser(u *types.User) {
	f.users[u.ID] = u
}

func (f *fakeStore) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// --- store.PollStore ---

func (f *fakeStore) CreatePollWithOptions(_ context.Context, poll *types.Poll, options []*types.PollOption) (*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := *poll
	p.ID = uuid.New().String()
	p.IsActive = true
	p.CreatedAt = f.tick()
	p.UpdatedAt = p.CreatedAt
	for _, opt := range options {
		f.nextOptionID++
		o := *opt
		o.ID = f.nextOptionID
		o.PollID = p.ID
		p.Options = append(p.Options, &o)
	}
	f.polls[p.ID] = &p
	return f.snapshotLocked(&p), nil
}

func (f *fakeStore) GetPollByID(_ context.Context, id string) (*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.snapshotLocked(p), nil
}

func (f *fakeStore) GetPollByPublicToken(_ context.Context, token string) (*types.Poll, error) {
	return f.findPoll(func(p *types.Poll) bool { return p.PublicToken == token })
}

func (f *fakeStore) GetPollByAdminToken(_ context.Context, token string) (*types.Poll, error) {
	return f.findPoll(func(p *types.Poll) bool { return p.AdminToken == token })
}

func (f *fakeStore) findPoll(match func(*types.Poll) bool) (*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.polls {
		if match(p) {
			return f.snapshotLocked(p), nil
		}
	}
	return nil, store.ErrNotFound
}

// snapshotLocked returns a copy with options and votes eagerly loaded, the
// way the real store reads behave.
func (f *fakeStore) snapshotLocked(p *types.Poll) *types.Poll {
	c := *p
	c.Options = append([]*types.PollOption(nil), p.Options...)
	c.Votes = nil
	for _, v := range f.sortedVotesLocked() {
		if v.PollID == p.ID {
			vc := *v
			c.Votes = append(c.Votes, &vc)
		}
	}
	return &c
}

func (f *fakeStore) sortedVotesLocked() []*types.Vote {
	out := make([]*types.Vote, 0, len(f.votes))
	for id := int64(1); id <= f.nextVoteID; id++ {
		if v, ok := f.votes[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeStore) UpdatePoll(_ context.Context, id string, patch *types.PollUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if patch.ClearExpiresAt {
		p.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		p.ExpiresAt = patch.ExpiresAt
	}
	if patch.AllowVoteEdit != nil {
		p.AllowVoteEdit = *patch.AllowVoteEdit
	}
	if patch.AllowVoteWithdrawal != nil {
		p.AllowVoteWithdrawal = *patch.AllowVoteWithdrawal
	}
	if patch.AllowMultipleSlots != nil {
		p.AllowMultipleSlots = *patch.AllowMultipleSlots
	}
	if patch.AllowMaybe != nil {
		p.AllowMaybe = *patch.AllowMaybe
	}
	if patch.ResultsPublic != nil {
		p.ResultsPublic = *patch.ResultsPublic
	}
	if patch.EnableExpiryReminder != nil {
		p.EnableExpiryReminder = *patch.EnableExpiryReminder
		if *patch.EnableExpiryReminder {
			p.ExpiryReminderSent = false
		}
	}
	if patch.ExpiryReminderHours != nil {
		p.ExpiryReminderHours = *patch.ExpiryReminderHours
	}
	p.UpdatedAt = f.tick()
	return nil
}

func (f *fakeStore) SetFinalOption(_ context.Context, id string, optionID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[id]
	if !ok {
		return store.ErrNotFound
	}
	p.FinalOptionID = optionID
	return nil
}

func (f *fakeStore) DeletePoll(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.polls[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.polls, id)
	for vid, v := range f.votes {
		if v.PollID == id {
			delete(f.votes, vid)
		}
	}
	return nil
}

func (f *fakeStore) ListPollsByCreator(_ context.Context, userID string) ([]*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Poll
	for _, p := range f.polls {
		if p.CreatorUserID != nil && *p.CreatorUserID == userID {
			out = append(out, f.snapshotLocked(p))
		}
	}
	return out, nil
}

func (f *fakeStore) ListPollsByParticipant(_ context.Context, userID string) ([]*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []*types.Poll
	for _, v := range f.sortedVotesLocked() {
		if v.UserID == nil || *v.UserID != userID || seen[v.PollID] {
			continue
		}
		seen[v.PollID] = true
		if p, ok := f.polls[v.PollID]; ok {
			if p.CreatorUserID != nil && *p.CreatorUserID == userID {
				continue
			}
			out = append(out, f.snapshotLocked(p))
		}
	}
	return out, nil
}

func (f *fakeStore) AddOption(_ context.Context, pollID string, opt *types.PollOption) (*types.PollOption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[pollID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.nextOptionID++
	o := *opt
	o.ID = f.nextOptionID
	o.PollID = pollID
	o.Position = len(p.Options)
	p.Options = append(p.Options, &o)
	return &o, nil
}

func (f *fakeStore) UpdateOption(_ context.Context, pollID string, optionID int64, patch *types.OptionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[pollID]
	if !ok {
		return store.ErrNotFound
	}
	for _, o := range p.Options {
		if o.ID == optionID {
			if patch.Text != nil {
				o.Text = *patch.Text
			}
			if patch.MaxCapacity != nil {
				o.MaxCapacity = patch.MaxCapacity
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) DeleteOption(_ context.Context, pollID string, optionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[pollID]
	if !ok {
		return store.ErrNotFound
	}
	for i, o := range p.Options {
		if o.ID == optionID {
			p.Options = append(p.Options[:i], p.Options[i+1:]...)
			for vid, v := range f.votes {
				if v.OptionID == optionID {
					delete(f.votes, vid)
				}
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ListPollsDueExpiryReminder(_ context.Context, now time.Time) ([]*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Poll
	for _, p := range f.polls {
		if !p.EnableExpiryReminder || p.ExpiryReminderSent || !p.IsActive || p.ExpiresAt == nil {
			continue
		}
		window := time.Duration(p.ExpiryReminderHours) * time.Hour
		if p.ExpiresAt.After(now) && !p.ExpiresAt.After(now.Add(window)) {
			out = append(out, f.snapshotLocked(p))
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimExpiryReminder(_ context.Context, pollID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[pollID]
	if !ok || p.ExpiryReminderSent {
		return false, nil
	}
	p.ExpiryReminderSent = true
	return true, nil
}

// --- store.VoteStore ---

func (f *fakeStore) ListVotesByPoll(_ context.Context, pollID string) ([]*types.Vote, error) {
	return f.listVotes(func(v *types.Vote) bool { return v.PollID == pollID })
}

func (f *fakeStore) ListVotesByEmail(_ context.Context, pollID, email string) ([]*types.Vote, error) {
	email = strings.ToLower(email)
	return f.listVotes(func(v *types.Vote) bool {
		return v.PollID == pollID && strings.ToLower(v.VoterEmail) == email
	})
}

func (f *fakeStore) ListVotesByEditToken(_ context.Context, editToken string) ([]*types.Vote, error) {
	return f.listVotes(func(v *types.Vote) bool { return v.VoterEditToken == editToken })
}

func (f *fakeStore) ListVotesByVoterKey(_ context.Context, pollID, voterKey string) ([]*types.Vote, error) {
	return f.listVotes(func(v *types.Vote) bool { return v.PollID == pollID && v.VoterKey == voterKey })
}

func (f *fakeStore) ListVotesByUserID(_ context.Context, pollID, userID string) ([]*types.Vote, error) {
	return f.listVotes(func(v *types.Vote) bool {
		return v.PollID == pollID && v.UserID != nil && *v.UserID == userID
	})
}

func (f *fakeStore) listVotes(match func(*types.Vote) bool) ([]*types.Vote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Vote
	for _, v := range f.sortedVotesLocked() {
		if match(v) {
			vc := *v
			out = append(out, &vc)
		}
	}
	return out, nil
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(tx store.VoteTx) error) error {
	tx := &fakeVoteTx{store: f, held: make(map[int64]*sync.Mutex)}
	defer tx.releaseLocks()
	return fn(tx)
}

type fakeVoteTx struct {
	store *fakeStore
	held  map[int64]*sync.Mutex
}

// AdvisoryLock mirrors pg_advisory_xact_lock: blocking, reentrant within the
// transaction, released when the transaction ends.
func (t *fakeVoteTx) AdvisoryLock(_ context.Context, key int64) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	t.store.lockMu.Lock()
	m, ok := t.store.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.store.locks[key] = m
	}
	t.store.lockHistory = append(t.store.lockHistory, key)
	t.store.lockMu.Unlock()

	m.Lock()
	t.held[key] = m
	return nil
}

func (t *fakeVoteTx) releaseLocks() {
	for _, m := range t.held {
		m.Unlock()
	}
}

func (t *fakeVoteTx) ListVotesForVoter(_ context.Context, pollID, email, voterKey string) ([]*types.Vote, error) {
	email = strings.ToLower(email)
	return t.store.listVotes(func(v *types.Vote) bool {
		if v.PollID != pollID {
			return false
		}
		if email != "" && strings.ToLower(v.VoterEmail) == email {
			return true
		}
		return v.VoterKey == voterKey
	})
}

func (t *fakeVoteTx) CountYesVotes(_ context.Context, pollID string, optionID int64) (int, error) {
	if t.store.beforeCapacityCount != nil {
		t.store.beforeCapacityCount()
	}
	votes, _ := t.store.listVotes(func(v *types.Vote) bool {
		return v.PollID == pollID && v.OptionID == optionID && v.Response == types.VoteYes
	})
	return len(votes), nil
}

func (t *fakeVoteTx) InsertVote(_ context.Context, v *types.Vote) (*types.Vote, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextVoteID++
	c := *v
	c.ID = t.store.nextVoteID
	c.VoterEmail = strings.ToLower(c.VoterEmail)
	c.CreatedAt = t.store.tick()
	c.UpdatedAt = c.CreatedAt
	t.store.votes[c.ID] = &c
	out := c
	return &out, nil
}

func (t *fakeVoteTx) UpdateVote(_ context.Context, id int64, response types.VoteResponseValue, comment *string) (*types.Vote, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	v, ok := t.store.votes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	v.Response = response
	if comment != nil {
		v.Comment = comment
	}
	v.UpdatedAt = t.store.tick()
	c := *v
	return &c, nil
}

func (t *fakeVoteTx) DeleteVotes(_ context.Context, ids []int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range ids {
		delete(t.store.votes, id)
	}
	return nil
}

// --- store.UserStore ---

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUserByCalendarToken(_ context.Context, token string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.CalendarToken != nil && *u.CalendarToken == token {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) PurgeExpiredTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// --- store.NotificationStore ---

func (f *fakeStore) LogNotification(_ context.Context, log *types.NotificationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *log
	c.ID = int64(len(f.notifs) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = f.tick()
	}
	f.notifs = append(f.notifs, &c)
	return nil
}

func (f *fakeStore) CountByType(_ context.Context, pollID string, t types.NotificationType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notifs {
		if n.PollID == pollID && n.Type == t {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) LastOfType(_ context.Context, pollID string, t types.NotificationType) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, n := range f.notifs {
		if n.PollID == pollID && n.Type == t {
			at := n.CreatedAt
			if last == nil || at.After(*last) {
				last = &at
			}
		}
	}
	return last, nil
}

// recordingBroadcaster captures broadcast events for assertions.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	pollID  string
	typ     types.EventType
	payload any
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, poll *types.Poll, eventType types.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{pollID: poll.ID, typ: eventType, payload: payload})
}

func (r *recordingBroadcaster) ofType(t types.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.typ == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingMailer captures confirmation sends, along with the cancellation
// state of the context each send was handed.
type recordingMailer struct {
	mu      sync.Mutex
	sends   []string
	ctxErrs []error
}

func (r *recordingMailer) SendVoterConfirmation(ctx context.Context, _ *types.Poll, email, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, email)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
}
