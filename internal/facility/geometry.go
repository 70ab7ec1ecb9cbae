package facility

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the WGS84 spatial reference used for every stored geometry.
const SRID = 4326

// Point is a WGS84 position. Longitude always comes first, matching the
// X/Y order PostGIS uses.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Validate checks that p is a finite coordinate inside the WGS84 range.
func (p Point) Validate() error {
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || p.Lon < -180 || p.Lon > 180 {
		return eris.Errorf("facility: longitude %v out of range", p.Lon)
	}
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return eris.Errorf("facility: latitude %v out of range", p.Lat)
	}
	return nil
}

// Geom builds the go-geom point for p with SRID 4326.
func (p Point) Geom() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat}).SetSRID(SRID)
}

// EncodePoint converts p to little-endian EWKB. It never returns an empty
// geometry: invalid coordinates are an error.
func EncodePoint(p Point) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := ewkb.Marshal(p.Geom(), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "facility: encode point")
	}
	return data, nil
}

// DecodePoint parses an EWKB point back into lon/lat.
func DecodePoint(data []byte) (Point, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return Point{}, eris.Wrap(err, "facility: decode point")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return Point{}, eris.Errorf("facility: expected point geometry, got %T", g)
	}
	return Point{Lon: pt.X(), Lat: pt.Y()}, nil
}
