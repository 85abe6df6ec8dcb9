package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/auth"
)

// AuditEntry records who touched which appointment or availability resource.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // appointments, availability, doctors
	ResourceID string
	Action     string // read, create, update, delete, or the lifecycle verb
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const apiPrefix = "/api/v1/"

// Audit logs an "access" line for every request under /api/v1. An optional
// recorder receives the same entry; its failures are logged and otherwise
// ignored.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: responseStatus(c, err),
				RequestID:  requestIDOf(c),
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
			}
			entry.Resource, entry.ResourceID, entry.Action = describe(req.Method, req.URL.Path)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("access")

			return err
		}
	}
}

// describe splits an /api/v1 path into resource, id and action.
//
//	GET    /api/v1/appointments           -> appointments, "", read
//	PATCH  /api/v1/appointments/7         -> appointments, 7, update
//	POST   /api/v1/appointments/7/cancel  -> appointments, 7, cancel
//	GET    /api/v1/availability/check     -> availability, "", check
func describe(method, path string) (resource, id, action string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	resource = segs[0]
	if resource == "" {
		resource = "unknown"
	}
	action = methodAction(method)

	switch resource {
	case "availability":
		if len(segs) > 1 {
			action = segs[1]
		}
	default:
		if len(segs) > 1 {
			id = segs[1]
		}
		if len(segs) > 2 && method == http.MethodPost && resource == "appointments" {
			action = segs[2]
		}
	}
	return resource, id, action
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
