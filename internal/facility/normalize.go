package facility

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Element is one raw node from the Overpass JSON response.
type Element struct {
	Type string            `json:"type"`
	ID   int64             `json:"id"`
	Lat  *float64          `json:"lat"`
	Lon  *float64          `json:"lon"`
	Tags map[string]string `json:"tags"`
}

// NormalizationError reports a tag value that cannot be coerced into the
// canonical record. The element is dropped; the run continues.
type NormalizationError struct {
	ElementID int64
	Field     string
	Value     string
	Reason    string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize element %d: field %q value %q: %s", e.ElementID, e.Field, e.Value, e.Reason)
}

// Normalizer maps raw elements onto Facility records for one store variant.
type Normalizer struct {
	variant Variant
}

// NewNormalizer creates a normalizer for the given store variant.
func NewNormalizer(v Variant) *Normalizer {
	return &Normalizer{variant: v}
}

// Normalize converts el into a Facility. ok is false when the element has no
// coordinates and must be skipped; that is not an error.
func (n *Normalizer) Normalize(el Element) (f Facility, ok bool, err error) {
	if el.Lat == nil || el.Lon == nil {
		return Facility{}, false, nil
	}

	loc := Point{Lon: *el.Lon, Lat: *el.Lat}
	if vErr := loc.Validate(); vErr != nil {
		return Facility{}, false, &NormalizationError{
			ElementID: el.ID,
			Field:     "location",
			Value:     fmt.Sprintf("%v,%v", loc.Lon, loc.Lat),
			Reason:    "coordinates out of WGS84 range",
		}
	}

	tags := el.Tags
	name := n.variant.Placeholder
	if v, present := tags["name"]; present {
		name = v
	}

	capacity, err := parseCapacity(el.ID, tags)
	if err != nil {
		return Facility{}, false, err
	}

	f = Facility{
		Name:      name,
		Address:   joinAddress(tags["addr:street"], tags["addr:housenumber"]),
		City:      optional(tags, "addr:city"),
		Postcode:  optional(tags, "addr:postcode"),
		Phone:     optional(tags, "phone"),
		Website:   optional(tags, "website"),
		Operator:  optional(tags, "operator"),
		Emergency: optional(tags, "emergency"),
		Capacity:  capacity,
		Source:    Source,
		Location:  loc,
	}

	if n.variant.MultiType {
		amenity := ParseType(tags["amenity"])
		if amenity == "" {
			return Facility{}, false, &NormalizationError{
				ElementID: el.ID,
				Field:     "amenity",
				Reason:    "facility type is required",
			}
		}
		f.Type = amenity
	}

	return f, true, nil
}

// Result is the outcome of normalizing a whole dataset.
type Result struct {
	Facilities []Facility
	Skipped    int
	Rejected   []*NormalizationError
}

// NormalizeAll normalizes every element, collecting skips and rejections
// without stopping.
func (n *Normalizer) NormalizeAll(elements []Element) Result {
	res := Result{Facilities: make([]Facility, 0, len(elements))}
	for _, el := range elements {
		f, ok, err := n.Normalize(el)
		if err != nil {
			var nerr *NormalizationError
			if errors.As(err, &nerr) {
				res.Rejected = append(res.Rejected, nerr)
				continue
			}
			res.Rejected = append(res.Rejected, &NormalizationError{ElementID: el.ID, Reason: err.Error()})
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Facilities = append(res.Facilities, f)
	}
	return res
}

// parseCapacity accepts a missing or empty tag as null and rejects anything
// that is not an integer.
func parseCapacity(id int64, tags map[string]string) (*int, error) {
	raw, present := tags["capacity"]
	if !present {
		return nil, nil
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, &NormalizationError{
			ElementID: id,
			Field:     "capacity",
			Value:     raw,
			Reason:    "not an integer",
		}
	}
	return &n, nil
}

func joinAddress(street, housenumber string) string {
	return strings.TrimSpace(street + " " + housenumber)
}

func optional(tags map[string]string, key string) *string {
	v, ok := tags[key]
	if !ok {
		return nil
	}
	return &v
}
