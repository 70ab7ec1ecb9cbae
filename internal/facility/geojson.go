package facility

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Feature converts f into a GeoJSON feature carrying the record's
// properties.
func Feature(f Facility) *geojson.Feature {
	props := map[string]any{
		"name":      f.Name,
		"address":   f.Address,
		"city":      f.City,
		"postcode":  f.Postcode,
		"phone":     f.Phone,
		"website":   f.Website,
		"operator":  f.Operator,
		"emergency": f.Emergency,
		"capacity":  f.Capacity,
		"source":    f.Source,
	}
	if f.Type != "" {
		props["facility_type"] = string(f.Type)
	}
	return &geojson.Feature{
		Geometry:   f.Location.Geom(),
		Properties: props,
	}
}

// WriteFeatureCollection writes the facilities as an indented GeoJSON
// FeatureCollection.
func WriteFeatureCollection(w io.Writer, facilities []Facility) error {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(facilities))}
	for _, f := range facilities {
		fc.Features = append(fc.Features, Feature(f))
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "facility: marshal feature collection")
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return eris.Wrap(err, "facility: write feature collection")
	}
	return nil
}
