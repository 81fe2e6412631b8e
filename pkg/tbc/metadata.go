package tbc

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/samcharles93/tessera/pkg/tile"
)

// encMode uses Core Deterministic Encoding so identical metadata always
// produces identical bytes, which keeps fingerprints stable.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tbc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("tbc: CBOR decoder initialization failed: " + err.Error())
	}
}

// metadataRecord is the on-disk form of the metadata block. Integer keys
// keep it compact; unknown keys are ignored on read.
type metadataRecord struct {
	Format      uint8             `cbor:"1,keyasint"`
	Compression uint8             `cbor:"2,keyasint"`
	Levels      []levelRecord     `cbor:"3,keyasint"`
	Attributes  map[string]string `cbor:"4,keyasint,omitempty"`
}

type levelRecord struct {
	_    struct{} `cbor:",toarray"`
	Z    uint8
	XMin uint32
	YMin uint32
	XMax uint32
	YMax uint32
}

func encodeMetadata(m tile.Metadata) ([]byte, error) {
	rec := metadataRecord{
		Format:      uint8(m.Format),
		Compression: uint8(m.Compression),
		Attributes:  m.Attributes,
	}
	for _, b := range m.Pyramid.Levels() {
		rec.Levels = append(rec.Levels, levelRecord{Z: b.Z, XMin: b.XMin, YMin: b.YMin, XMax: b.XMax, YMax: b.YMax})
	}
	return encMode.Marshal(rec)
}

// decodeMetadata parses the metadata block. The header's format and
// compression win over the copies stored here.
func decodeMetadata(data []byte, h *Header) (tile.Metadata, error) {
	var rec metadataRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return tile.Metadata{}, corrupt("metadata block: %v", err)
	}

	levels := make([]tile.BBox, 0, len(rec.Levels))
	for _, l := range rec.Levels {
		b := tile.BBox{Z: l.Z, XMin: l.XMin, YMin: l.YMin, XMax: l.XMax, YMax: l.YMax}
		if l.Z > tile.MaxZoom || b.IsEmpty() || !tile.NewCoord(l.Z, l.XMax, l.YMax).Valid() {
			return tile.Metadata{}, corrupt("metadata block: invalid level %s", b)
		}
		levels = append(levels, b)
	}

	return tile.Metadata{
		Version:     "tbc/" + h.Version(),
		Format:      h.TileFormat,
		Compression: h.Compression,
		Pyramid:     tile.PyramidFromLevels(levels),
		Attributes:  rec.Attributes,
	}, nil
}
