package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
)

var ErrBadPath = errors.New("bad_tile_path")

type badPathError struct {
	msg string
}

func (e badPathError) Error() string {
	return e.msg
}

func (e badPathError) Unwrap() error {
	return ErrBadPath
}

func newBadPath(format string, args ...any) error {
	return badPathError{msg: fmt.Sprintf(format, args...)}
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, msg)
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{
		"error": msg,
	})
}
