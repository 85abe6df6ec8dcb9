package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// mockChannel records deliveries and fails while failing is set.
type mockChannel struct {
	mu        sync.Mutex
	delivered []Notice
	failing   bool
}

func (m *mockChannel) Deliver(_ context.Context, n *Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("relay unavailable")
	}
	m.delivered = append(m.delivered, *n)
	return nil
}

func (m *mockChannel) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

func bookedData() map[string]string {
	return map[string]string{
		"appointment_id": "31",
		"date":           "2026-03-09",
		"time":           "10:00",
		"duration":       "30",
	}
}

func TestTemplateEngine_BuiltIns(t *testing.T) {
	eng := NewTemplateEngine()
	for _, id := range []string{TemplateBooked, TemplateRescheduled, TemplateConfirmed, TemplateCancelled} {
		if !eng.Has(id) {
			t.Errorf("missing built-in template %s", id)
		}
	}

	subject, body, err := eng.Render(TemplateBooked, bookedData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Rendez-vous planifié le 2026-03-09" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "n°31") || !strings.Contains(body, "10:00 (30 min)") {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RegisterAndMissing(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "rappel", Subject: "Rappel {{date}}", Body: "{{who}} {{unknown}}"})

	_, body, err := eng.Render("rappel", map[string]string{"who": "Dr Martin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Dr Martin {{unknown}}" {
		t.Errorf("body = %q", body)
	}
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestDispatcher_Send(t *testing.T) {
	ch := &mockChannel{}
	d := NewDispatcher(ch, nil, 0)

	n, err := d.Send(context.Background(), TemplateBooked, "patient:12", bookedData(), map[string]string{"appointment_id": "31"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == "" || n.Status != StatusSent || n.SentAt == nil {
		t.Errorf("unexpected notice %+v", n)
	}
	if len(ch.delivered) != 1 || ch.delivered[0].Recipient != "patient:12" {
		t.Errorf("unexpected deliveries %+v", ch.delivered)
	}

	if _, err := d.Send(context.Background(), "nope", "patient:12", nil, nil); err == nil {
		t.Error("expected a render error")
	}
	if got := len(d.Recent("", 0)); got != 1 {
		t.Errorf("render failures are not recorded, got %d notices", got)
	}
}

func TestDispatcher_FailureAndRetry(t *testing.T) {
	ch := &mockChannel{failing: true}
	d := NewDispatcher(ch, nil, 0)

	n, err := d.Send(context.Background(), TemplateCancelled, "patient:12", bookedData(), nil)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if n.Status != StatusFailed || n.Error == "" {
		t.Errorf("unexpected notice %+v", n)
	}
	if stats := d.Stats(); stats[StatusFailed] != 1 || stats[StatusSent] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}

	ch.setFailing(false)
	got, err := d.Retry(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != StatusSent || got.Error != "" {
		t.Errorf("unexpected notice after retry %+v", got)
	}

	if _, err := d.Retry(context.Background(), n.ID); err == nil {
		t.Error("a sent notice cannot be retried")
	}
	if _, err := d.Retry(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatcher_RecentKeepsNewest(t *testing.T) {
	d := NewDispatcher(&mockChannel{}, nil, 3)
	var ids []string
	for _, who := range []string{"patient:1", "patient:2", "patient:1", "patient:1"} {
		n, err := d.Send(context.Background(), TemplateConfirmed, who, bookedData(), nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
	}

	all := d.Recent("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 retained notices, got %d", len(all))
	}
	if _, ok := d.Get(ids[0]); ok {
		t.Error("the oldest notice should have been evicted")
	}
	mine := d.Recent("patient:1", 10)
	if len(mine) != 2 || mine[0].ID != ids[3] || mine[1].ID != ids[2] {
		t.Errorf("expected the two newest patient:1 notices, newest first, got %+v", mine)
	}
	if got := d.Recent("", 1); len(got) != 1 || got[0].ID != ids[3] {
		t.Errorf("limit not honoured: %+v", got)
	}
}

func TestLogChannel_Deliver(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(zerolog.New(&buf))
	n := &Notice{ID: "n1", TemplateID: TemplateBooked, Recipient: "doctor:7", Subject: "s", Metadata: map[string]string{"appointment_id": "31"}}
	if err := ch.Deliver(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q", buf.String())
	}
	if line["recipient"] != "doctor:7" || line["appointment_id"] != "31" || line["type"] != "notification" {
		t.Errorf("unexpected log line %v", line)
	}
}

func newHandlerEnv(t *testing.T) (*echo.Echo, *Dispatcher, *mockChannel) {
	t.Helper()
	ch := &mockChannel{}
	d := NewDispatcher(ch, nil, 0)
	e := echo.New()
	NewHandler(d).RegisterRoutes(e.Group(""))
	return e, d, ch
}

func doRequest(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListAndGet(t *testing.T) {
	e, d, _ := newHandlerEnv(t)
	n, _ := d.Send(context.Background(), TemplateBooked, "patient:12", bookedData(), nil)
	d.Send(context.Background(), TemplateBooked, "doctor:7", bookedData(), nil)

	rec := doRequest(e, http.MethodGet, "/notifications?recipient=patient:12")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []Notice
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != n.ID {
		t.Errorf("unexpected list %+v", list)
	}

	if rec := doRequest(e, http.MethodGet, "/notifications?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/notifications/"+n.ID); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/notifications/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_RetryAndStats(t *testing.T) {
	e, d, ch := newHandlerEnv(t)
	ch.setFailing(true)
	n, _ := d.Send(context.Background(), TemplateCancelled, "patient:12", bookedData(), nil)

	if rec := doRequest(e, http.MethodPost, "/notifications/"+n.ID+"/retry"); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 while the channel fails, got %d", rec.Code)
	}
	ch.setFailing(false)
	if rec := doRequest(e, http.MethodPost, "/notifications/"+n.ID+"/retry"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/notifications/"+n.ID+"/retry"); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a sent notice, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/notifications/missing/retry"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec := doRequest(e, http.MethodGet, "/notifications/stats")
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["sent"] != 1 || stats["failed"] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}
}
