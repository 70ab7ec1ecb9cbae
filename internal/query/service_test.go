package query

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
)

type stubReader struct {
	variant facility.Variant
	nearby  []geospatial.Nearby
	list    []facility.Facility
	err     error
	got     geospatial.NearestQuery
}

func (s *stubReader) Variant() facility.Variant { return s.variant }

func (s *stubReader) Nearest(_ context.Context, q geospatial.NearestQuery) ([]geospatial.Nearby, error) {
	s.got = q
	return s.nearby, s.err
}

func (s *stubReader) ListFacilities(context.Context) ([]facility.Facility, error) {
	return s.list, s.err
}

func TestNearest_PassesQueryWithVariantCap(t *testing.T) {
	r := &stubReader{variant: facility.Hospitals}
	svc := NewService(r)

	_, err := svc.Nearest(context.Background(), Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 2000, Type: " Hospital "})
	require.NoError(t, err)
	assert.Equal(t, 10, r.got.Limit)
	assert.Equal(t, facility.Point{Lon: 16.37, Lat: 48.21}, r.got.Center)
	assert.Equal(t, 2000.0, r.got.RadiusMeters)
	assert.Equal(t, facility.Hospital, r.got.Type)

	assert.Equal(t, 20, NewService(&stubReader{variant: facility.Facilities}).Limit())
}

func TestNearest_EmptyIsNotAnError(t *testing.T) {
	svc := NewService(&stubReader{variant: facility.Facilities})
	out, err := svc.Nearest(context.Background(), Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 10})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestNearest_OrdersAndCaps(t *testing.T) {
	var nearby []geospatial.Nearby
	for _, d := range []float64{50, 10, 30, 10, 70, 20, 90, 40, 60, 80, 5, 15} {
		nearby = append(nearby, geospatial.Nearby{DistanceMeters: d})
	}
	svc := NewService(&stubReader{variant: facility.Hospitals, nearby: nearby})

	out, err := svc.Nearest(context.Background(), Request{Lon: 0, Lat: 0, RadiusMeters: 100})
	require.NoError(t, err)
	require.Len(t, out, 10)
	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1].DistanceMeters, out[i].DistanceMeters)
	}
	assert.Equal(t, 5.0, out[0].DistanceMeters)
}

func TestNearest_InvalidArguments(t *testing.T) {
	r := &stubReader{variant: facility.Facilities}
	svc := NewService(r)

	cases := []Request{
		{Lon: 181, Lat: 0, RadiusMeters: 1},
		{Lon: 0, Lat: -91, RadiusMeters: 1},
		{Lon: 0, Lat: 0, RadiusMeters: -1},
		{Lon: math.NaN(), Lat: 0, RadiusMeters: 1},
		{Lon: 0, Lat: 0, RadiusMeters: math.Inf(1)},
	}
	for _, req := range cases {
		_, err := svc.Nearest(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "request %+v", req)
	}
	assert.Zero(t, r.got.Limit, "store must not be queried")
}

func TestNearest_StoreErrorIsQueryError(t *testing.T) {
	svc := NewService(&stubReader{variant: facility.Facilities, err: errors.New("connection refused")})

	_, err := svc.Nearest(context.Background(), Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 100})
	require.Error(t, err)
	var qe *Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "nearest", qe.Op)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAll(t *testing.T) {
	list := []facility.Facility{{Name: "A"}, {Name: "B"}}
	svc := NewService(&stubReader{variant: facility.Facilities, list: list})
	out, err := svc.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, list, out)

	svc = NewService(&stubReader{variant: facility.Facilities})
	out, err = svc.All(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, out)

	svc = NewService(&stubReader{variant: facility.Facilities, err: errors.New("boom")})
	_, err = svc.All(context.Background())
	var qe *Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "list", qe.Op)
}

func TestService_SQLiteScenario(t *testing.T) {
	st, err := geospatial.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"), facility.Facilities)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	city := "Wien"
	_, err = st.UpsertFacility(ctx, &facility.Facility{Name: "Klinik A", City: &city, Type: facility.Clinic,
		Source: facility.Source, Location: facility.Point{Lon: 16.37, Lat: 48.21}})
	require.NoError(t, err)

	svc := NewService(st)
	out, err := svc.Nearest(ctx, Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 500})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Klinik A", out[0].Facility.Name)
	assert.InDelta(t, 0, out[0].DistanceMeters, 0.001)

	out, err = svc.Nearest(ctx, Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 500, Type: "pharmacy"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestService_MixedCaseAmenityMatchesTypeFilter(t *testing.T) {
	st, err := geospatial.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"), facility.Facilities)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	lat, lon := 48.21, 16.37
	f, ok, err := facility.NewNormalizer(facility.Facilities).Normalize(facility.Element{
		Type: "node", ID: 7, Lat: &lat, Lon: &lon,
		Tags: map[string]string{"amenity": "Hospital", "name": "LKH"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.UpsertFacility(ctx, &f)
	require.NoError(t, err)

	svc := NewService(st)
	for _, typ := range []string{"hospital", "Hospital", "HOSPITAL"} {
		out, err := svc.Nearest(ctx, Request{Lon: lon, Lat: lat, RadiusMeters: 100, Type: typ})
		require.NoError(t, err)
		require.Len(t, out, 1, typ)
		assert.Equal(t, facility.Hospital, out[0].Facility.Type)
	}
}
