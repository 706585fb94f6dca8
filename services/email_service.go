// Package services holds the long-running application services: outbound
// email and the expiry scheduler.
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/tallyhq/tally-backend/config"
	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// confirmationCooldown suppresses duplicate voter-confirmation emails for
// the same poll and address within this window.
const confirmationCooldown = 30 * time.Second

// resendSender is the slice of the Resend client the service uses, kept
// narrow so tests can substitute a recorder.
type resendSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailService sends all outbound poll email through Resend. Sends are best
// effort: failures are logged and counted, never surfaced to voters.
type EmailService struct {
	log     *zap.SugaredLogger
	client  resendSender
	notifs  store.NotificationStore
	from    string
	baseURL string
	enabled bool

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time
	stopSweep  chan struct{}
	sweepOnce  sync.Once

	sentTotal    *prometheus.CounterVec
	sendDuration prometheus.Histogram

	now func() time.Time
}

func NewEmailService(cfg *config.Config, notifs store.NotificationStore) *EmailService {
	return NewEmailServiceWithRegistry(cfg, notifs, prometheus.DefaultRegisterer)
}

func NewEmailServiceWithRegistry(cfg *config.Config, notifs store.NotificationStore, reg prometheus.Registerer) *EmailService {
	s := &EmailService{
		log:       logger.GetLogger().Named("email_service"),
		notifs:    notifs,
		from:      fmt.Sprintf("%s <%s>", cfg.Email.FromName, cfg.Email.FromAddress),
		baseURL:   strings.TrimRight(cfg.Server.BaseURL, "/"),
		enabled:   cfg.Email.ResendAPIKey != "",
		cooldowns: make(map[string]time.Time),
		stopSweep: make(chan struct{}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_emails_sent_total",
			Help: "Outbound emails by notification type and outcome",
		}, []string{"type", "status"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_email_send_duration_seconds",
			Help:    "Latency of Resend API calls",
			Buckets: prometheus.DefBuckets,
		}),
		now: time.Now,
	}
	if s.enabled {
		s.client = resend.NewClient(cfg.Email.ResendAPIKey).Emails
	} else {
		s.log.Warnw("No Resend API key configured, outbound email disabled")
	}
	if reg != nil {
		reg.MustRegister(s.sentTotal, s.sendDuration)
	}
	go s.sweepCooldowns()
	return s
}

// Close stops the cooldown sweeper.
func (s *EmailService) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

// SendPollCreated mails the creator their admin and share links.
func (s *EmailService) SendPollCreated(ctx context.Context, poll *types.Poll, adminToken string) {
	if poll.CreatorEmail == nil || *poll.CreatorEmail == "" {
		return
	}
	body := fmt.Sprintf(
		"<p>Your poll <strong>%s</strong> has been created.</p>"+
			"<p>Share link: <a href=\"%s\">%s</a></p>"+
			"<p>Admin link (keep this private): <a href=\"%s\">%s</a></p>",
		htmlEscape(poll.Title),
		s.publicLink(poll.PublicToken), s.publicLink(poll.PublicToken),
		s.adminLink(adminToken), s.adminLink(adminToken))

	s.deliver(ctx, poll, types.NotificationCreation, *poll.CreatorEmail,
		fmt.Sprintf("Your poll \"%s\" is live", poll.Title), body)
}

// SendVoterConfirmation implements models.ConfirmationSender. A 30 second
// per-poll-and-address cooldown absorbs rapid resubmissions.
func (s *EmailService) SendVoterConfirmation(ctx context.Context, poll *types.Poll, email, name, editToken string) {
	if email == "" {
		return
	}
	key := poll.ID + "|" + strings.ToLower(email)

	s.cooldownMu.Lock()
	last, seen := s.cooldowns[key]
	now := s.now()
	if seen && now.Sub(last) < confirmationCooldown {
		s.cooldownMu.Unlock()
		s.log.Debugw("Suppressed duplicate voter confirmation",
			"pollId", poll.ID, "email", logger.MaskEmail(email))
		return
	}
	s.cooldowns[key] = now
	s.cooldownMu.Unlock()

	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + htmlEscape(name)
	}
	body := fmt.Sprintf(
		"<p>%s,</p><p>your response to <strong>%s</strong> has been recorded.</p>",
		greeting, htmlEscape(poll.Title))
	if editToken != "" {
		link := fmt.Sprintf("%s/vote/edit/%s", s.baseURL, editToken)
		body += fmt.Sprintf("<p>You can change your response here: <a href=\"%s\">%s</a></p>", link, link)
	}

	s.deliver(ctx, poll, types.NotificationVoterConfirmation, email,
		fmt.Sprintf("Your response to \"%s\"", poll.Title), body)
}

// SendManualReminder mails every distinct participant address. Returns how
// many recipients were addressed.
func (s *EmailService) SendManualReminder(ctx context.Context, poll *types.Poll, message string) int {
	recipients := participantEmails(poll)
	body := fmt.Sprintf(
		"<p>This is a reminder about the poll <strong>%s</strong>.</p>"+
			"<p><a href=\"%s\">%s</a></p>",
		htmlEscape(poll.Title), s.publicLink(poll.PublicToken), s.publicLink(poll.PublicToken))
	if message != "" {
		body += fmt.Sprintf("<p>%s</p>", htmlEscape(message))
	}

	for _, email := range recipients {
		s.deliver(ctx, poll, types.NotificationManualReminder, email,
			fmt.Sprintf("Reminder: \"%s\"", poll.Title), body)
	}
	return len(recipients)
}

// SendExpiryReminder mails every distinct participant that the poll is about
// to close. Returns how many recipients were addressed. Callers pass the poll
// with votes loaded; without them there is nobody to mail.
func (s *EmailService) SendExpiryReminder(ctx context.Context, poll *types.Poll) int {
	recipients := participantEmails(poll)
	when := ""
	if poll.ExpiresAt != nil {
		when = poll.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")
	}
	body := fmt.Sprintf(
		"<p>The poll <strong>%s</strong> closes soon (%s).</p>"+
			"<p>Review or change your response: <a href=\"%s\">%s</a></p>",
		htmlEscape(poll.Title), when,
		s.publicLink(poll.PublicToken), s.publicLink(poll.PublicToken))

	for _, email := range recipients {
		s.deliver(ctx, poll, types.NotificationExpiryReminder, email,
			fmt.Sprintf("\"%s\" closes soon", poll.Title), body)
	}
	return len(recipients)
}

func (s *EmailService) deliver(ctx context.Context, poll *types.Poll, t types.NotificationType, to, subject, html string) {
	if !s.enabled {
		s.log.Infow("Email disabled, skipping send",
			"type", t, "to", logger.MaskEmail(to), "subject", subject)
		s.logNotification(ctx, poll, t, to)
		return
	}

	start := s.now()
	_, err := s.client.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    html,
	})
	s.sendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.sentTotal.WithLabelValues(string(t), "error").Inc()
		s.log.Errorw("Failed to send email",
			"type", t, "to", logger.MaskEmail(to), "pollId", poll.ID, "error", err)
		return
	}

	s.sentTotal.WithLabelValues(string(t), "sent").Inc()
	s.logNotification(ctx, poll, t, to)
}

func (s *EmailService) logNotification(ctx context.Context, poll *types.Poll, t types.NotificationType, to string) {
	err := s.notifs.LogNotification(ctx, &types.NotificationLog{
		PollID:         poll.ID,
		Type:           t,
		RecipientEmail: strings.ToLower(to),
	})
	if err != nil {
		s.log.Errorw("Failed to log notification", "type", t, "pollId", poll.ID, "error", err)
	}
}

func (s *EmailService) sweepCooldowns() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			cutoff := s.now().Add(-confirmationCooldown)
			s.cooldownMu.Lock()
			for key, at := range s.cooldowns {
				if at.Before(cutoff) {
					delete(s.cooldowns, key)
				}
			}
			s.cooldownMu.Unlock()
		}
	}
}

func (s *EmailService) publicLink(token string) string {
	return fmt.Sprintf("%s/poll/%s", s.baseURL, token)
}

func (s *EmailService) adminLink(token string) string {
	return fmt.Sprintf("%s/poll/admin/%s", s.baseURL, token)
}

// participantEmails returns the distinct lowercased voter addresses of a
// poll, in first-seen order.
func participantEmails(poll *types.Poll) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range poll.Votes {
		email := strings.ToLower(strings.TrimSpace(v.VoterEmail))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&#34;",
	)
	return r.Replace(s)
}
