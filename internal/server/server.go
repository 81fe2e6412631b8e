// Package server publishes one container over HTTP in the z/x/y layout
// web maps expect.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/container"
	"github.com/samcharles93/tessera/pkg/tile"
)

const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultReadTimeout      = 30 * time.Second
	DefaultTranscodeTimeout = 10 * time.Second
)

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	// TranscodeTimeout bounds re-encoding one tile for a client that does
	// not accept the stored compression.
	TranscodeTimeout time.Duration
	Logger           logger.Logger
}

type Server struct {
	reader container.Reader
	meta   tile.Metadata
	cfg    Config
	log    logger.Logger
}

func New(r container.Reader, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = DefaultTranscodeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		reader: r,
		meta:   r.Metadata(),
		cfg:    cfg,
		log:    log.With("container", r.Name()),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/tiles.json", s.handleTileJSON)
	e.GET("/:z/:x/:file", s.handleTile)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)

	s.log.Info("starting server",
		"address", s.cfg.Addr,
		"format", s.meta.Format,
		"compression", s.meta.Compression,
	)
	sc := echo.StartConfig{
		Address: s.cfg.Addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = s.cfg.ReadTimeout
			return nil
		},
	}
	return sc.Start(ctx, e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTile(c *echo.Context) error {
	coord, err := s.parseTilePath(c.Param("z"), c.Param("x"), c.Param("file"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.TranscodeTimeout)
	defer cancel()

	accepted := ParseAcceptEncoding(c.Request().Header.Get(echo.HeaderAcceptEncoding))
	resp, ok, err := Serve(ctx, s.reader, coord, accepted)
	if err != nil {
		return s.writeInternal(c, coord, err)
	}
	if !ok {
		return writeNotFound(c, "tile not found")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderVary, echo.HeaderAcceptEncoding)
	h.Set("Cache-Control", resp.CacheControl)
	h.Set("ETag", resp.ETag)
	if etagMatches(c.Request().Header.Get("If-None-Match"), resp.ETag) {
		return c.NoContent(http.StatusNotModified)
	}
	if resp.ContentEncoding != "" {
		h.Set(echo.HeaderContentEncoding, resp.ContentEncoding)
	}
	return c.Blob(http.StatusOK, resp.ContentType, resp.Blob.Data)
}

// parseTilePath accepts z/x/y followed by the container's tile extension.
func (s *Server) parseTilePath(zs, xs, file string) (tile.Coord, error) {
	ys, ext, _ := strings.Cut(file, ".")
	if want := strings.TrimPrefix(s.meta.Format.Extension(), "."); ext != want {
		return tile.Coord{}, newBadPath("unexpected tile extension %q", ext)
	}
	z, err := strconv.ParseUint(zs, 10, 8)
	if err != nil {
		return tile.Coord{}, newBadPath("bad zoom %q", zs)
	}
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil {
		return tile.Coord{}, newBadPath("bad column %q", xs)
	}
	y, err := strconv.ParseUint(ys, 10, 32)
	if err != nil {
		return tile.Coord{}, newBadPath("bad row %q", ys)
	}
	c := tile.NewCoord(uint8(z), uint32(x), uint32(y))
	if !c.Valid() {
		return tile.Coord{}, newBadPath("tile %s outside the grid", c)
	}
	return c, nil
}

// writeInternal logs err and answers without exposing it.
func (s *Server) writeInternal(c *echo.Context, coord tile.Coord, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Error("tile request failed", "tile", coord.String(), "error", err)
	msg := "internal error"
	switch {
	case errors.Is(err, tile.ErrIO):
		msg = "container read failed"
	case errors.Is(err, tile.ErrFormat), errors.Is(err, tile.ErrCompression):
		msg = "container data is corrupt"
	}
	return writeError(c, http.StatusInternalServerError, msg)
}

// etagMatches implements the weak comparison If-None-Match asks for.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for candidate := range strings.SplitSeq(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
