package grab

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
)

// Handlers provides HTTP handlers for starting downloads.
type Handlers struct {
	service *Service
}

// NewHandlers creates new grab handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the grab route on the downloads group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Create)
}

// Create starts a download.
// POST /api/v1/downloads
func (h *Handlers) Create(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	dl, err := h.service.InitiateDownload(c.Request().Context(), req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, dl)
}

func errorResponse(err error) error {
	var clientErr *ClientError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoClientsConfigured):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, downloads.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &clientErr):
		return echo.NewHTTPError(StatusForKind(clientErr.Err.Kind), err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// StatusForKind maps adapter error kinds to HTTP status codes.
func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidConfig, types.KindInvalidTorrent:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
