package geom

import "math"

// earthRadius is the spherical mercator radius in meters (EPSG:3857).
const earthRadius = 6378137.0

const maxMercatorLat = 85.05112878

// Project converts a [lon, lat] point to spherical web-mercator meters.
// Latitudes beyond the mercator limit are clamped.
func Project(p Pt) Pt {
	lat := p[1]
	if lat > maxMercatorLat {
		lat = maxMercatorLat
	}
	if lat < -maxMercatorLat {
		lat = -maxMercatorLat
	}
	x := earthRadius * p[0] * math.Pi / 180
	y := earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return Pt{x, y}
}

// Unproject converts web-mercator meters back to [lon, lat].
func Unproject(p Pt) Pt {
	lon := p[0] / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(p[1]/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return Pt{lon, lat}
}
