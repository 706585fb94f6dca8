package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/middleware"
	"github.com/tallyhq/tally-backend/models"
	"github.com/tallyhq/tally-backend/types"
)

// CalendarFeedSource resolves a calendar token to the user's finalized
// schedule polls. Implemented by models.CalendarModel.
type CalendarFeedSource interface {
	FinalizedSchedulePolls(ctx context.Context, calendarToken string) ([]*types.Poll, error)
}

// ExportHandler serves the result data sinks: CSV, ICS, and the per-user
// calendar feed.
type ExportHandler struct {
	results *models.ResultsModel
	feeds   CalendarFeedSource
}

func NewExportHandler(results *models.ResultsModel, feeds CalendarFeedSource) *ExportHandler {
	return &ExportHandler{results: results, feeds: feeds}
}

// ExportCSVHandler handles GET /polls/:token/export/csv: the participant x
// option matrix as a downloadable CSV.
func (h *ExportHandler) ExportCSVHandler(c *gin.Context) {
	poll, err := h.results.GetPollForExport(c.Request.Context(), c.Param("token"), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(poll, "csv")))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.WriteAll(models.ParticipantMatrix(poll)); err != nil {
		_ = c.Error(apperrors.InternalServerError("Failed to write CSV export"))
	}
}

// ExportICSHandler handles GET /polls/:token/export/ics. Only the finalized
// option is exported when one is set; otherwise every scheduled option
// appears as a tentative event.
func (h *ExportHandler) ExportICSHandler(c *gin.Context) {
	poll, err := h.results.GetPollForExport(c.Request.Context(), c.Param("token"), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	options := poll.Options
	if poll.FinalOptionID != nil {
		options = nil
		for _, opt := range poll.Options {
			if opt.ID == *poll.FinalOptionID {
				options = []*types.PollOption{opt}
				break
			}
		}
	}

	body := renderICS(pollEvents(poll, options, poll.FinalOptionID != nil))

	c.Header("Content-Type", "text/calendar; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(poll, "ics")))
	c.String(http.StatusOK, body)
}

// CalendarFeedHandler handles GET /calendar/:calendarToken/feed.ics, the
// subscription feed of a user's finalized schedule polls.
func (h *ExportHandler) CalendarFeedHandler(c *gin.Context) {
	polls, err := h.feeds.FinalizedSchedulePolls(c.Request.Context(), c.Param("calendarToken"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var events []icsEvent
	for _, poll := range polls {
		if poll.FinalOptionID == nil {
			continue
		}
		for _, opt := range poll.Options {
			if opt.ID == *poll.FinalOptionID {
				events = append(events, pollEvents(poll, []*types.PollOption{opt}, true)...)
			}
		}
	}

	c.Header("Content-Type", "text/calendar; charset=utf-8")
	c.String(http.StatusOK, renderICS(events))
}

type icsEvent struct {
	uid       string
	summary   string
	desc      string
	start     time.Time
	end       time.Time
	confirmed bool
}

func pollEvents(poll *types.Poll, options []*types.PollOption, confirmed bool) []icsEvent {
	var events []icsEvent
	for _, opt := range options {
		start, end, ok := models.ScheduleWindow(opt)
		if !ok {
			continue
		}
		summary := poll.Title
		if !confirmed {
			summary = poll.Title + ": " + opt.Text
		}
		events = append(events, icsEvent{
			uid:       fmt.Sprintf("%s-%d@tally", poll.ID, opt.ID),
			summary:   summary,
			desc:      poll.Description,
			start:     start,
			end:       end,
			confirmed: confirmed,
		})
	}
	return events
}

const icsTimeLayout = "20060102T150405Z"

func renderICS(events []icsEvent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//Tally//Polling//EN\r\n")
	b.WriteString("CALSCALE:GREGORIAN\r\n")

	now := time.Now().UTC().Format(icsTimeLayout)
	for _, ev := range events {
		status := "TENTATIVE"
		if ev.confirmed {
			status = "CONFIRMED"
		}
		b.WriteString("BEGIN:VEVENT\r\n")
		fmt.Fprintf(&b, "UID:%s\r\n", ev.uid)
		fmt.Fprintf(&b, "DTSTAMP:%s\r\n", now)
		fmt.Fprintf(&b, "DTSTART:%s\r\n", ev.start.UTC().Format(icsTimeLayout))
		fmt.Fprintf(&b, "DTEND:%s\r\n", ev.end.UTC().Format(icsTimeLayout))
		fmt.Fprintf(&b, "SUMMARY:%s\r\n", icsEscape(ev.summary))
		if ev.desc != "" {
			fmt.Fprintf(&b, "DESCRIPTION:%s\r\n", icsEscape(ev.desc))
		}
		fmt.Fprintf(&b, "STATUS:%s\r\n", status)
		b.WriteString("END:VEVENT\r\n")
	}

	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func icsEscape(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\n", `\n`,
	)
	return r.Replace(s)
}

func exportFilename(poll *types.Poll, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		}
		return -1
	}, poll.Title)
	if name == "" {
		name = "poll"
	}
	return name + "." + ext
}
