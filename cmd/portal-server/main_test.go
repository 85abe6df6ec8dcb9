package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AssilM/CarnetDeSante-sub003/internal/config"
	"github.com/AssilM/CarnetDeSante-sub003/internal/domain/scheduling"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/auth"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/db"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/notification"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/telemetry"
)

const testKey = "0123456789abcdef0123456789abcdef"

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            env,
		CORSOrigins:    []string{"http://localhost:3000"},
		AuthSigningKey: testKey,
		AuthIssuer:     "carnet-de-sante",
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		RateLimitTTL:   time.Minute,
		RequestTimeout: 5 * time.Second,
		BodyLimit:      "1M",
		TimeZone:       "UTC",
	}
}

func newTestServer(t *testing.T, env string) *server {
	t.Helper()
	srv, err := newServer(testConfig(env), zerolog.New(io.Discard), nil, telemetry.NewCollector("portal"))
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return srv
}

func serve(srv *server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func signed(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.SignToken([]byte(testKey), "carnet-de-sante", "42", roles, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestNewServer_Health(t *testing.T) {
	srv := newTestServer(t, "production")

	rec := serve(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestNewServer_MetricsArePublic(t *testing.T) {
	srv := newTestServer(t, "production")
	serve(srv, http.MethodGet, "/health", "")

	rec := serve(srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "portal_http_requests_total") {
		t.Errorf("expected request counter in exposition, got %s", rec.Body.String())
	}
}

func TestNewServer_APIRequiresToken(t *testing.T) {
	srv := newTestServer(t, "production")

	rec := serve(srv, http.MethodGet, "/api/v1/appointments", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestNewServer_AuthenticatedRequestReachesHandler(t *testing.T) {
	srv := newTestServer(t, "production")

	rec := serve(srv, http.MethodGet, "/api/v1/appointments/abc", signed(t, auth.RolePatient))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("expected the rate limiter to run on the API group")
	}
}

func TestNewServer_RoleGating(t *testing.T) {
	srv := newTestServer(t, "production")

	rec := serve(srv, http.MethodDelete, "/api/v1/appointments/5", signed(t, auth.RolePatient))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a patient deleting, got %d", rec.Code)
	}
	rec = serve(srv, http.MethodPost, "/api/v1/appointments/5/confirm", signed(t, auth.RolePatient))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a patient confirming, got %d", rec.Code)
	}
}

func TestNewServer_DevModeGrantsAdmin(t *testing.T) {
	srv := newTestServer(t, "development")

	rec := serve(srv, http.MethodDelete, "/api/v1/appointments/0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected the handler to reject id 0 with 400, got %d", rec.Code)
	}
}

func TestNewServer_BadTimezone(t *testing.T) {
	cfg := testConfig("production")
	cfg.TimeZone = "Nowhere/Special"
	if _, err := newServer(cfg, zerolog.Nop(), nil, telemetry.NewCollector("portal")); err == nil {
		t.Fatal("expected an error for an unknown time zone")
	}
}

func TestMigrationsFS_Embedded(t *testing.T) {
	entries, err := fs.Glob(migrationsFS(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected embedded migrations")
	}
}

func TestMigrationsFS_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "002_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := fs.Glob(migrationsFS(dir), "*.sql")
	if err != nil || len(entries) != 1 || entries[0] != "002_extra.sql" {
		t.Fatalf("unexpected entries %v, %v", entries, err)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "core", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "extra"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2026-03-01 10:00:00") {
		t.Errorf("missing applied row:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("missing pending row:\n%s", out)
	}
}

func TestTokenCmd_RequiresSubject(t *testing.T) {
	cmd := tokenCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--subject") {
		t.Fatalf("expected subject error, got %v", err)
	}
}

type captureChannel struct {
	notices []notification.Notice
	err     error
}

func (c *captureChannel) Deliver(_ context.Context, n *notification.Notice) error {
	c.notices = append(c.notices, *n)
	return c.err
}

func testAppointment() *scheduling.Appointment {
	return &scheduling.Appointment{
		ID:        31,
		PatientID: 12,
		DoctorID:  7,
		Date:      scheduling.Date{Year: 2026, Month: time.March, Day: 9},
		StartTime: scheduling.Clock(10, 0, 0),
		Duration:  30,
		Status:    scheduling.StatusPlanned,
	}
}

func TestAppointmentNotifier_Recipients(t *testing.T) {
	ch := &captureChannel{}
	n := appointmentNotifier{dispatcher: notification.NewDispatcher(ch, nil, 0)}
	ctx := context.Background()

	if err := n.AppointmentChanged(ctx, scheduling.EventBooked, testAppointment()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.notices) != 2 || ch.notices[0].Recipient != "patient:12" || ch.notices[1].Recipient != "doctor:7" {
		t.Fatalf("unexpected notices %+v", ch.notices)
	}
	if !strings.Contains(ch.notices[0].Body, "2026-03-09 à 10:00 (30 min)") {
		t.Errorf("unexpected body %q", ch.notices[0].Body)
	}

	if err := n.AppointmentChanged(ctx, scheduling.EventConfirmed, testAppointment()); err != nil {
		t.Fatal(err)
	}
	if len(ch.notices) != 3 || ch.notices[2].Recipient != "patient:12" {
		t.Fatalf("a confirmation only goes to the patient, got %+v", ch.notices)
	}

	if err := n.AppointmentChanged(ctx, scheduling.EventStarted, testAppointment()); err != nil {
		t.Fatal(err)
	}
	if len(ch.notices) != 3 {
		t.Errorf("starting a consultation sends nothing, got %d notices", len(ch.notices))
	}
}

func TestAppointmentNotifier_JoinsDeliveryErrors(t *testing.T) {
	ch := &captureChannel{err: errors.New("relay down")}
	n := appointmentNotifier{dispatcher: notification.NewDispatcher(ch, nil, 0)}

	err := n.AppointmentChanged(context.Background(), scheduling.EventCancelled, testAppointment())
	if err == nil || !strings.Contains(err.Error(), "patient:12") || !strings.Contains(err.Error(), "doctor:7") {
		t.Fatalf("expected both deliveries to fail, got %v", err)
	}
}

func TestNewServer_NotificationsAreAdminOnly(t *testing.T) {
	srv := newTestServer(t, "production")

	if rec := serve(srv, http.MethodGet, "/api/v1/notifications", signed(t, auth.RoleDoctor)); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a doctor, got %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/api/v1/notifications", signed(t, auth.RoleAdmin)); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for an admin, got %d", rec.Code)
	}
}

func TestNotificationChannel_Selection(t *testing.T) {
	cfg := testConfig("production")
	ch, closeFn := notificationChannel(cfg, zerolog.Nop())
	if _, ok := ch.(*notification.LogChannel); !ok {
		t.Errorf("expected the log channel without brokers, got %T", ch)
	}
	if err := closeFn(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}

	cfg.NotifyKafkaBrokers = []string{"localhost:9092"}
	cfg.NotifyKafkaTopic = "appointment-notices"
	ch, closeFn = notificationChannel(cfg, zerolog.Nop())
	defer closeFn()
	if _, ok := ch.(*notification.BreakerChannel); !ok {
		t.Errorf("expected kafka behind a breaker, got %T", ch)
	}
}
