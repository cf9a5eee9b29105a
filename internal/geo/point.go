// Package geo encodes media capture points and measures distances between them.
package geo

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference used for every stored point (WGS 84).
const SRID = 4326

const earthRadiusMeters = 6371008.8

// NewPoint returns a WGS 84 point. go-geom orders coordinates as (x=lon, y=lat).
func NewPoint(lat, lon float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRID)
}

// EncodePoint converts a lat/lon pair to EWKB bytes with SRID 4326.
// Returns nil, nil when either coordinate is missing.
func EncodePoint(lat, lon *float64) ([]byte, error) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
		return nil, eris.Errorf("geo: coordinate out of range (%f, %f)", *lat, *lon)
	}

	data, err := ewkb.Marshal(NewPoint(*lat, *lon), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode point")
	}
	return data, nil
}

// DecodePoint parses EWKB bytes produced by EncodePoint. Empty input yields
// nil coordinates.
func DecodePoint(data []byte) (lat, lon *float64, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}

	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, nil, eris.Wrap(err, "geo: decode point")
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return nil, nil, eris.Errorf("geo: expected point, got %T", g)
	}

	y, x := p.Y(), p.X()
	return &y, &x, nil
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b *geom.Point) float64 {
	lat1, lon1 := a.Y()*math.Pi/180, a.X()*math.Pi/180
	lat2, lon2 := b.Y()*math.Pi/180, b.X()*math.Pi/180

	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Centroid returns the arithmetic mean of the given points. Adequate for the
// sub-kilometre clusters it is used on.
func Centroid(points []*geom.Point) *geom.Point {
	if len(points) == 0 {
		return nil
	}
	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.Y()
		sumLon += p.X()
	}
	n := float64(len(points))
	return NewPoint(sumLat/n, sumLon/n)
}
