// Package overpass fetches raw OpenStreetMap facility nodes from a list of
// Overpass API mirrors, failing over in order until one answers.
package overpass

import (
	"fmt"
	"strings"

	"github.com/cityaccess/cityaccess/internal/facility"
)

// DefaultMirrors are the public Overpass endpoints tried in order.
var DefaultMirrors = []string{
	"https://overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
	"https://lz4.overpass-api.de/api/interpreter",
}

// Query selects amenity nodes inside a country-level area.
type Query struct {
	// Country is the ISO 3166-1 alpha-2 code of the area.
	Country   string
	Amenities []facility.Type
	// TimeoutSecs is the server-side [timeout:] setting.
	TimeoutSecs int
}

// NewQuery builds the query for a store variant.
func NewQuery(country string, v facility.Variant, timeoutSecs int) Query {
	return Query{Country: country, Amenities: v.Amenities, TimeoutSecs: timeoutSecs}
}

// String renders the Overpass QL text.
func (q Query) String() string {
	timeout := q.TimeoutSecs
	if timeout <= 0 {
		timeout = 180
	}
	country := strings.ToUpper(strings.TrimSpace(q.Country))
	if country == "" {
		country = "AT"
	}

	var filter string
	switch len(q.Amenities) {
	case 0:
		filter = `["amenity"]`
	case 1:
		filter = fmt.Sprintf(`["amenity"=%q]`, string(q.Amenities[0]))
	default:
		names := make([]string, len(q.Amenities))
		for i, a := range q.Amenities {
			names[i] = string(a)
		}
		filter = fmt.Sprintf(`["amenity"~%q]`, strings.Join(names, "|"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n", timeout)
	fmt.Fprintf(&b, "area[\"ISO3166-1\"=%q][admin_level=2];\n", country)
	fmt.Fprintf(&b, "node%s(area);\n", filter)
	b.WriteString("out body;\n")
	return b.String()
}
