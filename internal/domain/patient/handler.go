package patient

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/careportal/portal/internal/domain/account"
	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
	"github.com/careportal/portal/pkg/pagination"
)

// AvatarPath is the upload route; the body limit middleware treats it as
// an upload.
const AvatarPath = "/api/patient/me/avatar"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient routes under api. Every route needs a
// bearer token for a patient account.
func (h *Handler) RegisterRoutes(api *echo.Group, bearer echo.MiddlewareFunc) {
	g := api.Group("/patient", bearer, auth.RequireRole(string(account.RolePatient)))
	g.GET("/me", h.GetProfile)
	g.PUT("/me", h.UpdateProfile)
	g.POST("/me/avatar", h.UploadAvatar)
	g.PUT("/me/password", h.ChangePassword)

	g.GET("/bima", h.GetInsurance)
	g.PUT("/bima", h.UpsertInsurance)

	g.GET("/health/history", h.ListHealthHistory)
	g.POST("/health/snapshot", h.RecordHealthSnapshot)
	g.DELETE("/health/snapshot/:id", h.DeleteHealthSnapshot)
}

// requirePatient returns the caller's patient id. Handlers only ever pass
// this id to the service.
func requirePatient(ctx context.Context) (int64, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return 0, apperr.Unauthenticated("missing token")
	}
	if id.Role != string(account.RolePatient) || id.Subject <= 0 {
		return 0, apperr.Forbidden("forbidden")
	}
	return id.Subject, nil
}

func (h *Handler) GetProfile(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	p, err := h.svc.GetProfile(c.Request().Context(), pid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"profile": p})
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	var u ProfileUpdate
	if err := c.Bind(&u); err != nil {
		return apperr.BindError(err)
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), pid, u)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"profile": p, "message": "Profile updated"})
}

func (h *Handler) UploadAvatar(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}

	fh, err := c.FormFile("avatar")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return apperr.Validation("no file uploaded")
		}
		return apperr.BindError(err)
	}
	f, err := fh.Open()
	if err != nil {
		return apperr.Internal(err)
	}
	defer f.Close()

	url, err := h.svc.SetAvatar(c.Request().Context(), pid, AvatarUpload{
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"avatar_url": url, "message": "Avatar updated"})
}

func (h *Handler) ChangePassword(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	var req PasswordChange
	if err := c.Bind(&req); err != nil {
		return apperr.BindError(err)
	}
	if err := h.svc.ChangePassword(c.Request().Context(), pid, req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Password changed"})
}

func (h *Handler) GetInsurance(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	in, err := h.svc.GetInsurance(c.Request().Context(), pid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"bima": in})
}

func (h *Handler) UpsertInsurance(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	var req InsuranceInput
	if err := c.Bind(&req); err != nil {
		return apperr.BindError(err)
	}
	in, err := h.svc.UpsertInsurance(c.Request().Context(), pid, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"bima": in, "message": "Bima saved"})
}

func (h *Handler) ListHealthHistory(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	limit := pagination.LimitFromContext(c, pagination.HistoryBounds)
	history, err := h.svc.ListHealthHistory(c.Request().Context(), pid, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": history})
}

func (h *Handler) RecordHealthSnapshot(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	var in SnapshotInput
	if err := c.Bind(&in); err != nil {
		return apperr.BindError(err)
	}
	snap, err := h.svc.RecordHealthSnapshot(c.Request().Context(), pid, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"snapshot": snap})
}

func (h *Handler) DeleteHealthSnapshot(c echo.Context) error {
	pid, err := requirePatient(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return apperr.Validation("invalid id")
	}
	if err := h.svc.DeleteHealthSnapshot(c.Request().Context(), pid, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
