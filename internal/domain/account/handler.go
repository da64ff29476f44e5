package account

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts registration and login under api with the public
// middleware (rate limiting), and /me behind bearer.
func (h *Handler) RegisterRoutes(api *echo.Group, bearer echo.MiddlewareFunc, public ...echo.MiddlewareFunc) {
	for _, role := range Roles {
		api.POST("/"+role.String()+"/register", h.Register(role), public...)
	}
	api.POST("/auth/login", h.Login, public...)
	api.GET("/me", h.Me, bearer)
}

// Register returns the registration handler for role.
func (h *Handler) Register(role Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req RegisterRequest
		if err := c.Bind(&req); err != nil {
			return apperr.BindError(err)
		}
		if err := h.svc.Register(c.Request().Context(), role, req); err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, map[string]string{"message": role.title() + " registered"})
	}
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.BindError(err)
	}
	res, err := h.svc.Login(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return apperr.Unauthenticated("missing token")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"me": id})
}
