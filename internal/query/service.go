// Package query is the read side: nearest-facility search within a radius
// and the full listing by name.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
)

// ErrInvalidArgument marks caller mistakes such as out-of-range coordinates.
var ErrInvalidArgument = eris.New("query: invalid argument")

// Error is a store failure while answering a query.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("query %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Reader is the store capability the service needs.
type Reader interface {
	Variant() facility.Variant
	Nearest(ctx context.Context, q geospatial.NearestQuery) ([]geospatial.Nearby, error)
	ListFacilities(ctx context.Context) ([]facility.Facility, error)
}

// Request is a nearest-facility search.
type Request struct {
	Lon, Lat     float64
	RadiusMeters float64
	// Type optionally restricts the search to one amenity.
	Type string
}

// Service answers proximity queries. It is safe for concurrent use.
type Service struct {
	r     Reader
	limit int
}

// NewService creates a service capped at the variant's result limit.
func NewService(r Reader) *Service {
	limit := r.Variant().MaxResults
	if limit <= 0 {
		limit = 20
	}
	return &Service{r: r, limit: limit}
}

// Limit is the maximum number of facilities Nearest returns.
func (s *Service) Limit() int { return s.limit }

func validate(req Request) error {
	switch {
	case math.IsNaN(req.Lon) || req.Lon < -180 || req.Lon > 180:
		return eris.Wrapf(ErrInvalidArgument, "lon %v out of range [-180, 180]", req.Lon)
	case math.IsNaN(req.Lat) || req.Lat < -90 || req.Lat > 90:
		return eris.Wrapf(ErrInvalidArgument, "lat %v out of range [-90, 90]", req.Lat)
	case math.IsNaN(req.RadiusMeters) || math.IsInf(req.RadiusMeters, 0) || req.RadiusMeters < 0:
		return eris.Wrapf(ErrInvalidArgument, "dist %v must be a non-negative number of meters", req.RadiusMeters)
	}
	return nil
}

// Nearest returns facilities within req.RadiusMeters (inclusive) of the
// point, nearest first. No match yields an empty, non-nil slice.
func (s *Service) Nearest(ctx context.Context, req Request) ([]geospatial.Nearby, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	out, err := s.r.Nearest(ctx, geospatial.NearestQuery{
		Center:       facility.Point{Lon: req.Lon, Lat: req.Lat},
		RadiusMeters: req.RadiusMeters,
		Type:         facility.ParseType(req.Type),
		Limit:        s.limit,
	})
	if err != nil {
		return nil, &Error{Op: "nearest", Err: err}
	}
	if out == nil {
		return []geospatial.Nearby{}, nil
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if len(out) > s.limit {
		out = out[:s.limit]
	}
	return out, nil
}

// All lists every facility ordered by name, without a cap.
func (s *Service) All(ctx context.Context) ([]facility.Facility, error) {
	out, err := s.r.ListFacilities(ctx)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	if out == nil {
		return []facility.Facility{}, nil
	}
	return out, nil
}
