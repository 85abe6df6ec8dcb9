// Package notification renders appointment notices from templates, hands
// them to a delivery channel and keeps the most recent ones in memory for
// inspection and retry.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("notice not found")

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notice is one rendered message addressed to a patient or a doctor.
type Notice struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Channel delivers a rendered notice (mail relay, SMS gateway, log...).
type Channel interface {
	Deliver(ctx context.Context, n *Notice) error
}

// LogChannel writes every notice as a structured log line.
type LogChannel struct {
	logger zerolog.Logger
}

func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Deliver(_ context.Context, n *Notice) error {
	ev := c.logger.Info().
		Str("type", "notification").
		Str("notice_id", n.ID).
		Str("template_id", n.TemplateID).
		Str("recipient", n.Recipient).
		Str("subject", n.Subject)
	for k, v := range n.Metadata {
		ev = ev.Str(k, v)
	}
	ev.Msg("notice delivered")
	return nil
}

// Template is a subject and body with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const (
	TemplateBooked      = "appointment-booked"
	TemplateRescheduled = "appointment-rescheduled"
	TemplateConfirmed   = "appointment-confirmed"
	TemplateCancelled   = "appointment-cancelled"
)

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine holding the built-in appointment
// templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:      TemplateBooked,
			Subject: "Rendez-vous planifié le {{date}}",
			Body:    "Votre rendez-vous n°{{appointment_id}} du {{date}} à {{time}} ({{duration}} min) est planifié.",
		},
		{
			ID:      TemplateRescheduled,
			Subject: "Rendez-vous déplacé au {{date}}",
			Body:    "Votre rendez-vous n°{{appointment_id}} a été déplacé au {{date}} à {{time}} ({{duration}} min).",
		},
		{
			ID:      TemplateConfirmed,
			Subject: "Rendez-vous confirmé le {{date}}",
			Body:    "Votre rendez-vous n°{{appointment_id}} du {{date}} à {{time}} est confirmé.",
		},
		{
			ID:      TemplateCancelled,
			Subject: "Rendez-vous annulé",
			Body:    "Votre rendez-vous n°{{appointment_id}} du {{date}} à {{time}} a été annulé.",
		},
	} {
		e.RegisterTemplate(t)
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

func (e *TemplateEngine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[id]
	return ok
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as they are.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

const defaultKeep = 500

// Dispatcher renders, delivers and remembers notices. Only the newest keep
// notices are retained.
type Dispatcher struct {
	channel   Channel
	templates *TemplateEngine
	now       func() time.Time
	keep      int

	mu      sync.RWMutex
	notices []*Notice
	byID    map[string]*Notice
}

func NewDispatcher(ch Channel, tpl *TemplateEngine, keep int) *Dispatcher {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Dispatcher{
		channel:   ch,
		templates: tpl,
		now:       time.Now,
		keep:      keep,
		byID:      make(map[string]*Notice),
	}
}

func (d *Dispatcher) Templates() *TemplateEngine { return d.templates }

// Send renders templateID for recipient and delivers it. The notice is
// recorded even when delivery fails; the delivery error is returned.
func (d *Dispatcher) Send(ctx context.Context, templateID, recipient string, data, metadata map[string]string) (*Notice, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notice{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		CreatedAt:  d.now().UTC(),
		Metadata:   metadata,
	}
	sendErr := d.deliver(ctx, n)
	d.remember(n)
	return n, sendErr
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notice) error {
	if err := d.channel.Deliver(ctx, n); err != nil {
		d.mu.Lock()
		n.Status = StatusFailed
		n.Error = err.Error()
		d.mu.Unlock()
		return err
	}
	sentAt := d.now().UTC()
	d.mu.Lock()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) remember(n *Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
	d.byID[n.ID] = n
	if over := len(d.notices) - d.keep; over > 0 {
		for _, old := range d.notices[:over] {
			delete(d.byID, old.ID)
		}
		d.notices = append([]*Notice(nil), d.notices[over:]...)
	}
}

// Get returns a copy of the notice.
func (d *Dispatcher) Get(id string) (Notice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[id]
	if !ok {
		return Notice{}, false
	}
	return *n, true
}

// Recent returns up to limit notices, newest first. An empty recipient
// matches every notice.
func (d *Dispatcher) Recent(recipient string, limit int) []Notice {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []Notice{}
	for i := len(d.notices) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		n := d.notices[i]
		if recipient == "" || n.Recipient == recipient {
			out = append(out, *n)
		}
	}
	return out
}

// Retry redelivers a failed notice.
func (d *Dispatcher) Retry(ctx context.Context, id string) (Notice, error) {
	d.mu.RLock()
	n, ok := d.byID[id]
	status := Status("")
	if ok {
		status = n.Status
	}
	d.mu.RUnlock()
	if !ok {
		return Notice{}, ErrNotFound
	}
	if status != StatusFailed {
		return Notice{}, fmt.Errorf("notice %q is %s, only failed notices can be retried", id, status)
	}

	err := d.deliver(ctx, n)
	got, _ := d.Get(id)
	return got, err
}

func (d *Dispatcher) Stats() map[Status]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := map[Status]int{StatusSent: 0, StatusFailed: 0}
	for _, n := range d.notices {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes the notice log to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/retry", h.Retry)
}

// List handles GET /notifications?recipient=patient:12&limit=50.
func (h *Handler) List(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > defaultKeep {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.dispatcher.Recent(c.QueryParam("recipient"), limit))
}

func (h *Handler) Get(c echo.Context) error {
	n, ok := h.dispatcher.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case n.ID == "":
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
