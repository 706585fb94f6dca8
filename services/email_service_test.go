package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally-backend/config"
	"github.com/tallyhq/tally-backend/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*resend.SendEmailRequest
	err  error
}

func (f *fakeSender) SendWithContext(_ context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &resend.SendEmailResponse{Id: "msg-1"}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memNotifLog struct {
	mu   sync.Mutex
	logs []*types.NotificationLog
}

func (m *memNotifLog) LogNotification(_ context.Context, log *types.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memNotifLog) CountByType(_ context.Context, pollID string, t types.NotificationType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.logs {
		if l.PollID == pollID && l.Type == t {
			n++
		}
	}
	return n, nil
}

func (m *memNotifLog) LastOfType(context.Context, string, types.NotificationType) (*time.Time, error) {
	return nil, nil
}

func newTestEmailService(t *testing.T) (*EmailService, *fakeSender, *memNotifLog) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.BaseURL = "https://polls.example.test"
	cfg.Email.ResendAPIKey = "re_test"
	cfg.Email.FromAddress = "polls@example.test"
	cfg.Email.FromName = "Tally"

	notifs := &memNotifLog{}
	svc := NewEmailServiceWithRegistry(cfg, notifs, prometheus.NewRegistry())
	t.Cleanup(svc.Close)

	sender := &fakeSender{}
	svc.client = sender
	return svc, sender, notifs
}

func TestVoterConfirmationCarriesEditLink(t *testing.T) {
	svc, sender, notifs := newTestEmailService(t)
	poll := &types.Poll{ID: "p1", Title: "Lunch & Dinner"}

	svc.SendVoterConfirmation(context.Background(), poll, "Voter@X.test", "Ann", "edit-tok")

	require.Equal(t, 1, sender.count())
	req := sender.sent[0]
	assert.Equal(t, []string{"Voter@X.test"}, req.To)
	assert.Contains(t, req.Html, "https://polls.example.test/vote/edit/edit-tok")
	assert.Contains(t, req.Html, "Lunch &amp; Dinner", "title is escaped")

	require.Len(t, notifs.logs, 1)
	assert.Equal(t, "voter@x.test", notifs.logs[0].RecipientEmail)
	assert.Equal(t, types.NotificationVoterConfirmation, notifs.logs[0].Type)
}

func TestVoterConfirmationCooldown(t *testing.T) {
	svc, sender, _ := newTestEmailService(t)
	poll := &types.Poll{ID: "p1", Title: "Lunch"}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	svc.SendVoterConfirmation(context.Background(), poll, "a@x.test", "", "tok")
	svc.SendVoterConfirmation(context.Background(), poll, "a@x.test", "", "tok")
	assert.Equal(t, 1, sender.count(), "second send within the window is suppressed")

	// Case differences map to the same cooldown key.
	svc.SendVoterConfirmation(context.Background(), poll, "A@X.TEST", "", "tok")
	assert.Equal(t, 1, sender.count())

	// A different poll is a different key.
	svc.SendVoterConfirmation(context.Background(), &types.Poll{ID: "p2", Title: "Other"}, "a@x.test", "", "tok")
	assert.Equal(t, 2, sender.count())

	now = base.Add(confirmationCooldown + time.Second)
	svc.SendVoterConfirmation(context.Background(), poll, "a@x.test", "", "tok")
	assert.Equal(t, 3, sender.count(), "window elapsed")
}

func TestManualReminderDeduplicatesRecipients(t *testing.T) {
	svc, sender, _ := newTestEmailService(t)
	poll := &types.Poll{
		ID:          "p1",
		Title:       "Offsite",
		PublicToken: "pub",
		Votes: []*types.Vote{
			{VoterEmail: "A@x.test"},
			{VoterEmail: "a@x.test"},
			{VoterEmail: ""},
			{VoterKey: "device:anon"},
			{VoterEmail: "b@x.test"},
		},
	}

	n := svc.SendManualReminder(context.Background(), poll, "Please respond!")

	assert.Equal(t, 2, n)
	require.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"a@x.test"}, sender.sent[0].To)
	assert.Equal(t, []string{"b@x.test"}, sender.sent[1].To)
	assert.Contains(t, sender.sent[0].Html, "https://polls.example.test/poll/pub")
	assert.Contains(t, sender.sent[0].Html, "Please respond!")
}

func TestExpiryReminderMailsParticipants(t *testing.T) {
	svc, sender, notifs := newTestEmailService(t)
	expires := time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)
	poll := &types.Poll{
		ID:          "p1",
		Title:       "Offsite",
		PublicToken: "pub",
		ExpiresAt:   &expires,
		Votes: []*types.Vote{
			{VoterEmail: "a@x.test"},
			{VoterEmail: "A@x.test"},
			{VoterKey: "device:anon"},
			{VoterEmail: "b@x.test"},
		},
	}

	n := svc.SendExpiryReminder(context.Background(), poll)

	assert.Equal(t, 2, n)
	require.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"a@x.test"}, sender.sent[0].To)
	assert.Equal(t, []string{"b@x.test"}, sender.sent[1].To)
	assert.Contains(t, sender.sent[0].Html, "https://polls.example.test/poll/pub")
	assert.Contains(t, sender.sent[0].Html, "2026-04-01 18:00 UTC")

	require.Len(t, notifs.logs, 2)
	assert.Equal(t, types.NotificationExpiryReminder, notifs.logs[0].Type)
}

func TestPollCreatedRequiresCreatorEmail(t *testing.T) {
	svc, sender, _ := newTestEmailService(t)

	svc.SendPollCreated(context.Background(), &types.Poll{ID: "p1", Title: "No email"}, "adm")
	assert.Zero(t, sender.count())

	email := "owner@x.test"
	svc.SendPollCreated(context.Background(), &types.Poll{
		ID: "p2", Title: "With email", PublicToken: "pub", CreatorEmail: &email,
	}, "adm")
	require.Equal(t, 1, sender.count())
	assert.Contains(t, sender.sent[0].Html, "/poll/admin/adm")
}

func TestDisabledServiceStillLogsNotifications(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.BaseURL = "https://polls.example.test"
	cfg.Email.FromAddress = "polls@example.test"
	cfg.Email.FromName = "Tally"

	notifs := &memNotifLog{}
	svc := NewEmailServiceWithRegistry(cfg, notifs, prometheus.NewRegistry())
	t.Cleanup(svc.Close)

	svc.SendVoterConfirmation(context.Background(), &types.Poll{ID: "p1", Title: "T"}, "a@x.test", "", "")

	require.Len(t, notifs.logs, 1, "reminder caps still count sends that were skipped")
}

func TestSendFailureDoesNotLogNotification(t *testing.T) {
	svc, sender, notifs := newTestEmailService(t)
	sender.err = assert.AnError

	svc.SendVoterConfirmation(context.Background(), &types.Poll{ID: "p1", Title: "T"}, "a@x.test", "", "")

	assert.Zero(t, sender.count())
	assert.Empty(t, notifs.logs)
}
