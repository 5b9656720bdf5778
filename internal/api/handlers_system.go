package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/downloader"
)

// runReconcile runs a pass now, or joins the one in flight.
// POST /api/v1/system/reconcile
func (s *Server) runReconcile(c echo.Context) error {
	summary := s.engine.Run(c.Request().Context())
	return c.JSON(http.StatusOK, summary)
}

// Download client handlers
func (s *Server) listDownloadClients(c echo.Context) error {
	clients, err := s.downloaderService.List(c.Request().Context())
	if err != nil {
		return err
	}
	if clients == nil {
		clients = []*downloader.DownloadClient{}
	}
	return c.JSON(http.StatusOK, clients)
}

func (s *Server) addDownloadClient(c echo.Context) error {
	var input downloader.ClientInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	client, err := s.downloaderService.Create(c.Request().Context(), &input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, client)
}

func (s *Server) getDownloadClient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	client, err := s.downloaderService.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, client)
}

func (s *Server) updateDownloadClient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var input downloader.ClientInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	client, err := s.downloaderService.Update(c.Request().Context(), id, &input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, client)
}

func (s *Server) deleteDownloadClient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	if err := s.downloaderService.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) testDownloadClient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	result, err := s.downloaderService.Test(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) testNewDownloadClient(c echo.Context) error {
	var input downloader.ClientInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.downloaderService.TestConfig(c.Request().Context(), &input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
