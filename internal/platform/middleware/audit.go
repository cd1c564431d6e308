package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/tabconfig/internal/platform/auth"
	"github.com/ehr/tabconfig/internal/platform/db"
)

// auditEntry records one configuration change attempt.
type auditEntry struct {
	Timestamp      time.Time
	RequestID      string
	TenantID       string
	UserID         string
	UserRoles      []string
	OrganizationID string
	RoleID         string
	Action         string
	Resource       string
	TargetID       string
	Method         string
	Path           string
	IPAddress      string
	StatusCode     int
}

// auditRecorder receives each entry alongside the log line.
type auditRecorder func(entry auditEntry) error

// Audit logs every mutating request under /api/v1/ once it completes, with
// the caller identity and the outcome status. Reads are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return audit(logger)
}

func audit(logger zerolog.Logger, recorders ...auditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := auditAction(req.Method)
			if action == "" || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := c.Request().Context()
			resource, target := auditTarget(req.URL.Path)
			entry := auditEntry{
				Timestamp:      time.Now().UTC(),
				TenantID:       db.TenantFromContext(ctx),
				UserID:         auth.UserIDFromContext(ctx),
				UserRoles:      auth.RolesFromContext(ctx),
				OrganizationID: auth.OrganizationIDFromContext(ctx),
				RoleID:         auth.RoleIDFromContext(ctx),
				Action:         action,
				Resource:       resource,
				TargetID:       target,
				Method:         req.Method,
				Path:           req.URL.Path,
				IPAddress:      c.RealIP(),
				StatusCode:     status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, record := range recorders {
				if recErr := record(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("type", "config_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("organization_id", entry.OrganizationID).
				Str("role_id", entry.RoleID).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("target_id", entry.TargetID).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("config_change")

			return err
		}
	}
}

// auditAction maps mutating methods to an action name; reads map to "".
func auditAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return ""
	}
}

// auditTarget splits /api/v1/<resource>[/<id>[/...]] into resource and id.
// Named sub-routes such as /reorder and /reset are returned as the target.
func auditTarget(path string) (string, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource := "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resource = segments[0]
	}
	if len(segments) > 1 {
		return resource, segments[1]
	}
	return resource, ""
}
