// Package geodesy computes distances on the WGS84 ellipsoid. It backs the
// embedded store, which has no PostGIS geography type to lean on.
package geodesy

import "math"

// WGS84 ellipsoid parameters.
const (
	SemiMajorAxis = 6378137.0
	Flattening    = 1 / 298.257223563
	SemiMinorAxis = SemiMajorAxis * (1 - Flattening)

	// MeanRadius is the IUGG mean earth radius used by the spherical fallback.
	MeanRadius = 6371008.8
)

const (
	maxIterations = 200
	tolerance     = 1e-12
)

// Distance returns the geodesic distance in meters between two lon/lat
// points using Vincenty's inverse formula. Nearly antipodal points, where
// the iteration does not converge, fall back to the haversine distance.
func Distance(lon1, lat1, lon2, lat2 float64) float64 {
	if lon1 == lon2 && lat1 == lat2 {
		return 0
	}
	d, ok := vincenty(lon1, lat1, lon2, lat2)
	if !ok {
		return Haversine(lon1, lat1, lon2, lat2)
	}
	return d
}

func vincenty(lon1, lat1, lon2, lat2 float64) (float64, bool) {
	const a, b, f = SemiMajorAxis, SemiMinorAxis, Flattening

	L := radians(lon2 - lon1)
	U1 := math.Atan((1 - f) * math.Tan(radians(lat1)))
	U2 := math.Atan((1 - f) * math.Tan(radians(lat2)))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	lambda := L
	var sinSigma, cosSigma, sigma, cos2Alpha, cos2SigmaM float64
	converged := false
	for i := 0; i < maxIterations; i++ {
		sinLambda, cosLambda := math.Sincos(lambda)
		sinSigma = math.Hypot(cosU2*sinLambda, cosU1*sinU2-sinU1*cosU2*cosLambda)
		if sinSigma == 0 {
			return 0, true
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cos2Alpha = 1 - sinAlpha*sinAlpha
		cos2SigmaM = 0
		if cos2Alpha != 0 {
			// Equatorial lines have cos2Alpha = 0.
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cos2Alpha
		}
		C := f / 16 * cos2Alpha * (4 + f*(4-3*cos2Alpha))
		prev := lambda
		lambda = L + (1-C)*f*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < tolerance {
			converged = true
			break
		}
	}
	if !converged {
		return 0, false
	}

	uSq := cos2Alpha * (a*a - b*b) / (b * b)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	return b * A * (sigma - deltaSigma), true
}

// Haversine returns the great-circle distance in meters on a sphere of
// MeanRadius.
func Haversine(lon1, lat1, lon2, lat2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * MeanRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox returns a lon/lat box guaranteed to contain every point within
// radius meters of the center. It is a prefilter only; callers apply the
// exact distance afterwards.
func BoundingBox(lon, lat, radius float64) (minLon, minLat, maxLon, maxLat float64) {
	// Meridional degree is never shorter than ~110.57 km; pad by 1%.
	dLat := radius / 110000.0 * 1.01
	minLat = math.Max(-90, lat-dLat)
	maxLat = math.Min(90, lat+dLat)

	edge := math.Max(math.Abs(minLat), math.Abs(maxLat))
	if edge >= 89.9 {
		return -180, minLat, 180, maxLat
	}
	dLon := dLat / math.Cos(radians(edge))
	if dLon >= 180 {
		return -180, minLat, 180, maxLat
	}
	minLon, maxLon = lon-dLon, lon+dLon
	if minLon < -180 || maxLon > 180 {
		// Crosses the antimeridian; widen rather than split the box.
		return -180, minLat, 180, maxLat
	}
	return minLon, minLat, maxLon, maxLat
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
