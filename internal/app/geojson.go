package app

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/annotation"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/privacy"
)

func point(ll hexgrid.LatLng) orb.Point {
	return orb.Point{ll.Lng, ll.Lat}
}

// polygon closes the boundary ring as GeoJSON requires.
func polygon(boundary []hexgrid.LatLng) orb.Polygon {
	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, vertex := range boundary {
		ring = append(ring, point(vertex))
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}

func cellCollection(cells []privacy.Cell, geom aggregate.Geometry) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, cell := range cells {
		var g orb.Geometry = point(cell.Center)
		if geom == aggregate.GeometryPolygon && len(cell.Boundary) > 0 {
			g = polygon(cell.Boundary)
		}
		f := geojson.NewFeature(g)
		f.Properties["cell"] = cell.ID
		f.Properties["count"] = cell.Count
		f.Properties["res"] = cell.Resolution
		fc.Append(f)
	}
	return fc
}

func annotationCollection(items []annotation.Placed) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, item := range items {
		f := geojson.NewFeature(point(item.Center))
		f.Properties["id"] = item.ID
		f.Properties["kind"] = item.Kind
		f.Properties["title"] = item.Title
		f.Properties["votes"] = item.Net()
		f.Properties["cell"] = item.Parent
		fc.Append(f)
	}
	return fc
}
