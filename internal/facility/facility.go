// Package facility defines the canonical health-facility record, the store
// variants it can be persisted into, and the normalizer that maps raw
// OpenStreetMap elements onto it.
package facility

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Source is the provenance tag stamped on every record produced by the
// Overpass ingestion pipeline.
const Source = "OSM"

// Type is the OSM amenity value of a facility.
type Type string

// Known amenity values. Other non-empty values are accepted in lower case.
const (
	Hospital   Type = "hospital"
	Clinic     Type = "clinic"
	Pharmacy   Type = "pharmacy"
	Doctors    Type = "doctors"
	Dentist    Type = "dentist"
	Laboratory Type = "laboratory"
)

// ParseType canonicalizes an amenity value: trimmed and lower-cased, so
// "Hospital" from a tag and "HOSPITAL" from a filter both mean Hospital.
func ParseType(s string) Type {
	return Type(cases.Lower(language.Und).String(strings.TrimSpace(s)))
}

// Facility is the canonical normalized record for one point-of-care location.
// Optional tag values are nil when the source did not carry them.
type Facility struct {
	Name      string  `json:"name"`
	Type      Type    `json:"facility_type,omitempty"`
	Address   string  `json:"address"`
	City      *string `json:"city"`
	Postcode  *string `json:"postcode"`
	Phone     *string `json:"phone"`
	Website   *string `json:"website"`
	Operator  *string `json:"operator"`
	Emergency *string `json:"emergency"`
	Capacity  *int    `json:"capacity"`
	Source    string  `json:"source"`
	Location  Point   `json:"-"`
}

// Key is the natural key used to detect the same real-world facility across
// ingestion runs. Type is empty for single-type stores.
type Key struct {
	Name    string
	City    string
	HasCity bool
	Type    Type
}

// String renders the key for logs and failure reports.
func (k Key) String() string {
	city := "<null>"
	if k.HasCity {
		city = k.City
	}
	if k.Type == "" {
		return fmt.Sprintf("%s / %s", k.Name, city)
	}
	return fmt.Sprintf("%s / %s / %s", k.Name, city, k.Type)
}

// Variant describes one persistent layout of the facility store.
type Variant struct {
	Name        string
	Table       string
	MultiType   bool
	Amenities   []Type
	Placeholder string
	MaxResults  int
}

// Facilities is the multi-type store keyed by (name, city, facility_type).
var Facilities = Variant{
	Name:        "facilities",
	Table:       "health_facilities",
	MultiType:   true,
	Amenities:   []Type{Hospital, Clinic, Pharmacy, Doctors, Dentist, Laboratory},
	Placeholder: "Unknown facility",
	MaxResults:  20,
}

// Hospitals is the single-type store keyed by (name, city).
var Hospitals = Variant{
	Name:        "hospitals",
	Table:       "hospitals",
	Amenities:   []Type{Hospital},
	Placeholder: "Unknown hospital",
	MaxResults:  10,
}

// ParseVariant resolves a configured variant name.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Facilities.Name:
		return Facilities, nil
	case Hospitals.Name:
		return Hospitals, nil
	default:
		return Variant{}, eris.Errorf("facility: unknown store variant %q (valid: facilities, hospitals)", name)
	}
}

// KeyOf computes the natural key of f under this variant.
func (v Variant) KeyOf(f Facility) Key {
	k := Key{Name: f.Name}
	if f.City != nil {
		k.City, k.HasCity = *f.City, true
	}
	if v.MultiType {
		k.Type = f.Type
	}
	return k
}

// KeyColumns are the identity columns forming the unique constraint.
// They never appear in an update list.
func (v Variant) KeyColumns() []string {
	if v.MultiType {
		return []string{"name", "city", "facility_type"}
	}
	return []string{"name", "city"}
}

// MutableColumns are overwritten with the latest fetch on conflict.
func (v Variant) MutableColumns() []string {
	return []string{"address", "postcode", "phone", "website", "operator", "emergency", "capacity", "geom"}
}

// InsertColumns lists every column written on first insert, in the order
// produced by Values.
func (v Variant) InsertColumns() []string {
	cols := append([]string{}, v.KeyColumns()...)
	cols = append(cols, "address", "postcode", "phone", "website", "operator", "emergency", "capacity", "source", "geom")
	return cols
}

// Values returns the column values of f in InsertColumns order. geom is the
// already encoded point geometry.
func (v Variant) Values(f Facility, geom []byte) []any {
	vals := []any{f.Name, f.City}
	if v.MultiType {
		vals = append(vals, string(f.Type))
	}
	return append(vals,
		f.Address, f.Postcode, f.Phone, f.Website, f.Operator, f.Emergency, f.Capacity,
		f.Source, geom,
	)
}

// Accepts reports whether a type filter can match anything in this variant.
// Single-type stores only hold hospitals.
func (v Variant) Accepts(t Type) bool {
	if t == "" || v.MultiType {
		return true
	}
	return t == Hospital
}
