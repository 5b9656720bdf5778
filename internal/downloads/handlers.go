package downloads

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
)

// ClientResolver finds the adapter for a download's backend.
type ClientResolver interface {
	GetByName(ctx context.Context, name string) (*downloader.DownloadClient, error)
	Adapter(cfg *types.ClientConfig) (types.Client, error)
}

// View is a download with its derived state.
type View struct {
	*Download
	State string `json:"state"`
}

func viewOf(d *Download) View {
	return View{Download: d, State: d.State()}
}

// Handlers provides HTTP handlers for tracked downloads.
type Handlers struct {
	store   *Store
	clients ClientResolver
	logger  zerolog.Logger
}

// NewHandlers creates new download handlers.
func NewHandlers(store *Store, clients ClientResolver, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:   store,
		clients: clients,
		logger:  logger.With().Str("component", "downloads").Logger(),
	}
}

// RegisterRoutes registers download routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
}

// List returns tracked downloads, newest first.
// GET /api/v1/downloads
func (h *Handlers) List(c echo.Context) error {
	filter := ListFilter{DownloadClient: c.QueryParam("client")}
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	items, err := h.store.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	views := make([]View, 0, len(items))
	for _, d := range items {
		views = append(views, viewOf(d))
	}
	return c.JSON(http.StatusOK, views)
}

// Get returns one download.
// GET /api/v1/downloads/:id
func (h *Handlers) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	d, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrDownloadNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, viewOf(d))
}

// Delete stops tracking a download, optionally removing it from its client.
// DELETE /api/v1/downloads/:id?removeFromClient=true&deleteFiles=true
func (h *Handlers) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	d, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDownloadNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if c.QueryParam("removeFromClient") == "true" {
		opts := types.RemoveOptions{DeleteFiles: c.QueryParam("deleteFiles") == "true"}
		if err := h.removeFromClient(ctx, d, opts); err != nil {
			return err
		}
	}

	if _, err := h.store.Delete(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.logger.Info().Int64("downloadId", id).Str("client", d.DownloadClient).Msg("Deleted download")
	return c.NoContent(http.StatusNoContent)
}

// removeFromClient removes the torrent from its backend. A backend that no
// longer exists, or no longer has the torrent, is not an error.
func (h *Handlers) removeFromClient(ctx context.Context, d *Download, opts types.RemoveOptions) error {
	client, err := h.clients.GetByName(ctx, d.DownloadClient)
	if err != nil {
		if errors.Is(err, downloader.ErrClientNotFound) {
			return nil
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	adapter, err := h.clients.Adapter(&client.ClientConfig)
	if err != nil {
		return err
	}

	err = adapter.RemoveTorrent(ctx, &client.ClientConfig, d.DownloadClientID, opts)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		h.logger.Warn().Err(err).Int64("downloadId", d.ID).Str("client", d.DownloadClient).Msg("Failed to remove download from client")
		return err
	}
	return nil
}
