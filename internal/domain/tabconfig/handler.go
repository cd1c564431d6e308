package tabconfig

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/tabconfig/internal/platform/auth"
	"github.com/ehr/tabconfig/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/tab-configs", auth.RequireOrganization())
	g.GET("", h.Resolve)
	g.GET("/all", h.ResolveAll)
	g.GET("/candidates", h.Candidates, auth.RequireRole(auth.AdminRole))
	g.POST("", h.CreateTab)
	g.PATCH("/reorder", h.Reorder)
	g.PATCH("/:id/visibility", h.SetVisibility)
	g.PATCH("/:id", h.UpdateTab)
	g.DELETE("/reset", h.Reset)
	g.DELETE("/:id", h.DeleteTab)
}

// CallerFromContext builds the caller identity placed in ctx by the auth
// middleware.
func CallerFromContext(ctx context.Context) Caller {
	return Caller{
		OrganizationID: auth.OrganizationIDFromContext(ctx),
		RoleID:         auth.RoleIDFromContext(ctx),
		UserID:         auth.UserIDFromContext(ctx),
		Roles:          auth.RolesFromContext(ctx),
	}
}

// httpError maps domain errors to HTTP statuses. Anything unrecognized is a
// 500 with the cause kept as the internal error for the request logger.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()
	tabs, err := h.svc.Resolve(ctx, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tabs)
}

func (h *Handler) ResolveAll(c echo.Context) error {
	ctx := c.Request().Context()
	tabs, err := h.svc.ResolveAll(ctx, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tabs)
}

func (h *Handler) Candidates(c echo.Context) error {
	ctx := c.Request().Context()
	p := pagination.FromContext(c)
	rows, total, err := h.svc.Candidates(ctx, CallerFromContext(ctx), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if rows == nil {
		rows = []*TabDefinition{}
	}
	resp := pagination.NewResponse(rows, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateTab(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	tab, err := h.svc.CreateTab(ctx, in, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tab)
}

type visibilityRequest struct {
	IsVisible *bool  `json:"isVisible"`
	Scope     string `json:"scope"`
}

func (h *Handler) SetVisibility(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.IsVisible == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "isVisible is required")
	}
	scope, err := ParseScope(req.Scope)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	tab, err := h.svc.SetVisibility(ctx, id, *req.IsVisible, scope, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tab)
}

func (h *Handler) UpdateTab(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	tab, err := h.svc.UpdateTab(ctx, id, patch, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tab)
}

func (h *Handler) Reorder(c echo.Context) error {
	var items []OrderItem
	if err := c.Bind(&items); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	tabs, err := h.svc.Reorder(ctx, items, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tabs)
}

func (h *Handler) DeleteTab(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteTab(ctx, id, CallerFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type resetRequest struct {
	Scope string `json:"scope" query:"scope"`
}

func (h *Handler) Reset(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	scope, err := ParseScope(req.Scope)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	n, err := h.svc.Reset(ctx, scope, CallerFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"removed": n})
}
