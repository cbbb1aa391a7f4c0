package spatial

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// WGS84 ellipsoid parameters.
const (
	WGS84SemiMajorAxis = 6378137.0
	WGS84Flattening    = 1 / 298.257223563
)

var (
	wgs84SemiMinorAxis = WGS84SemiMajorAxis * (1 - WGS84Flattening)
	wgs84E2            = WGS84Flattening * (2 - WGS84Flattening)
	wgs84EP2           = wgs84E2 / (1 - wgs84E2)
)

// Geodetic is a WGS84 position. Latitude and Longitude are in degrees, Height in
// metres above the ellipsoid.
type Geodetic struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Height    float64 `json:"height"`
}

// GeodeticToECEF converts a WGS84 position to Earth-centred Earth-fixed metres.
func GeodeticToECEF(g Geodetic) r3.Vec {
	lat := g.Latitude * math.Pi / 180.0
	lon := g.Longitude * math.Pi / 180.0
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := WGS84SemiMajorAxis / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return r3.Vec{
		X: (n + g.Height) * cosLat * math.Cos(lon),
		Y: (n + g.Height) * cosLat * math.Sin(lon),
		Z: (n*(1-wgs84E2) + g.Height) * sinLat,
	}
}

// ECEFToGeodetic converts Earth-centred Earth-fixed metres to WGS84 using
// Bowring's method with two refinement passes, which is sub-millimetre accurate
// for terrestrial heights. ok is false near the Earth's centre where the
// conversion is undefined.
func ECEFToGeodetic(p r3.Vec) (g Geodetic, ok bool) {
	a, b := WGS84SemiMajorAxis, wgs84SemiMinorAxis
	rho := math.Hypot(p.X, p.Y)
	if rho < 1e-6 && math.Abs(p.Z) < 1e-6 {
		return Geodetic{}, false
	}
	lon := math.Atan2(p.Y, p.X)

	beta := math.Atan2(a*p.Z, b*rho)
	var lat float64
	for range 3 {
		sinB, cosB := math.Sin(beta), math.Cos(beta)
		lat = math.Atan2(p.Z+wgs84EP2*b*sinB*sinB*sinB, rho-wgs84E2*a*cosB*cosB*cosB)
		beta = math.Atan2((1-WGS84Flattening)*math.Sin(lat), math.Cos(lat))
	}

	sinLat := math.Sin(lat)
	n := a / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	var h float64
	if cosLat := math.Cos(lat); math.Abs(cosLat) > 1e-10 {
		h = rho/cosLat - n
	} else {
		h = math.Abs(p.Z) - b
	}

	return Geodetic{
		Latitude:  lat * 180.0 / math.Pi,
		Longitude: lon * 180.0 / math.Pi,
		Height:    h,
	}, true
}

// EastNorthUp returns the orientation, relative to the Earth-fixed frame, of the
// local tangent plane at lat/lon (degrees) whose x, y and z axes point east,
// north and up.
func EastNorthUp(latDeg, lonDeg float64) quat.Number {
	lat := latDeg * math.Pi / 180.0
	lon := lonDeg * math.Pi / 180.0
	// Rz(lon + 90°) * Rx(90° - lat) maps x to east, y to north and z to up.
	qz := AxisAngle(r3.Vec{Z: 1}, lon+math.Pi/2)
	qx := AxisAngle(r3.Vec{X: 1}, math.Pi/2-lat)
	return Normalize(quat.Mul(qz, qx))
}

// eastUpSouthFromENU rotates the ENU basis +90° about east: y becomes up and z south.
var eastUpSouthFromENU = AxisAngle(r3.Vec{X: 1}, math.Pi/2)

// EastUpSouth returns the orientation, relative to the Earth-fixed frame, of the
// local tangent plane at lat/lon (degrees) whose x, y and z axes point east,
// up and south.
func EastUpSouth(latDeg, lonDeg float64) quat.Number {
	return Normalize(quat.Mul(EastNorthUp(latDeg, lonDeg), eastUpSouthFromENU))
}
