package server

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/tessera/pkg/tile"
)

// TileJSON is the subset of TileJSON 3.0.0 the server publishes.
type TileJSON struct {
	TileJSON     string            `json:"tilejson"`
	Tiles        []string          `json:"tiles"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Attribution  string            `json:"attribution,omitempty"`
	Version      string            `json:"version,omitempty"`
	Scheme       string            `json:"scheme"`
	Format       string            `json:"format"`
	MinZoom      uint8             `json:"minzoom"`
	MaxZoom      uint8             `json:"maxzoom"`
	Bounds       []float64         `json:"bounds,omitempty"`
	Center       []float64         `json:"center,omitempty"`
	VectorLayers json.RawMessage   `json:"vector_layers,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// knownAttributes are surfaced as TileJSON fields rather than attributes.
var knownAttributes = map[string]bool{
	tile.AttrName:        true,
	tile.AttrDescription: true,
	tile.AttrAttribution: true,
	tile.AttrMinZoom:     true,
	tile.AttrMaxZoom:     true,
	tile.AttrBounds:      true,
	tile.AttrCenter:      true,
	tile.AttrJSON:        true,
	"version":            true,
}

// BuildTileJSON describes meta for clients fetching tiles under baseURL.
func BuildTileJSON(meta tile.Metadata, baseURL string) TileJSON {
	tj := TileJSON{
		TileJSON:    "3.0.0",
		Tiles:       []string{strings.TrimSuffix(baseURL, "/") + "/{z}/{x}/{y}" + meta.Format.Extension()},
		Name:        meta.Attribute(tile.AttrName),
		Description: meta.Attribute(tile.AttrDescription),
		Attribution: meta.Attribute(tile.AttrAttribution),
		Version:     meta.Attribute("version"),
		Scheme:      "xyz",
		Format:      meta.Format.String(),
	}

	if lo, hi, ok := meta.Pyramid.ZoomRange(); ok {
		tj.MinZoom, tj.MaxZoom = lo, hi
		b := meta.Pyramid.Level(hi).Bound()
		tj.Bounds = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
		ctr := b.Center()
		tj.Center = []float64{ctr[0], ctr[1], float64(lo)}
	}

	// Vector tile sources carry their layer list in the json attribute.
	if raw := meta.Attribute(tile.AttrJSON); raw != "" {
		var doc struct {
			VectorLayers json.RawMessage `json:"vector_layers"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err == nil && len(doc.VectorLayers) > 0 {
			tj.VectorLayers = doc.VectorLayers
		}
	}

	for k, v := range meta.Attributes {
		if knownAttributes[k] {
			continue
		}
		if tj.Attributes == nil {
			tj.Attributes = make(map[string]string)
		}
		tj.Attributes[k] = v
	}
	return tj
}

func (s *Server) handleTileJSON(c *echo.Context) error {
	body, err := json.Marshal(BuildTileJSON(s.meta, baseURL(c.Request())))
	if err != nil {
		s.log.Error("encoding tiles.json failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "internal error")
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, body)
}

// baseURL rebuilds the origin the client used, honouring a proxy's
// X-Forwarded-Proto.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get(echo.HeaderXForwardedProto); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}

