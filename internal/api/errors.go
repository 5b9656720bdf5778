package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/grab"
)

// errorHandler renders every error as {"error": "..."}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Int("status", code).Msg("Request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": message})
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to write error response")
	}
}

func statusFor(err error) (int, string) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, fmt.Sprint(httpErr.Message)
	}

	var adapterErr *types.Error
	if errors.As(err, &adapterErr) {
		return grab.StatusForKind(adapterErr.Kind), err.Error()
	}

	switch {
	case errors.Is(err, downloader.ErrClientNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, downloader.ErrInvalidClient):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, downloader.ErrDuplicateName):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
