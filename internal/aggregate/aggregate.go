// Package aggregate groups cell-keyed records into ancestor cells at a
// zoom-derived resolution and keeps the cells that fall inside a viewport.
package aggregate

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/hexgrid"
)

// BucketMidpoints is the representative magnitude of each ordinal bucket.
var BucketMidpoints = [5]float64{1, 3, 8, 15, 25}

const (
	MinBucket = 0
	MaxBucket = len(BucketMidpoints) - 1
)

func ValidBucket(bucket int) bool {
	return bucket >= MinBucket && bucket <= MaxBucket
}

type BBox struct {
	MinLng float64
	MinLat float64
	MaxLng float64
	MaxLat float64
}

// ParseBBox parses "minLng,minLat,maxLng,maxLat".
func ParseBBox(raw string) (BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return BBox{}, apperr.Validation("bbox must be minLng,minLat,maxLng,maxLat")
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, apperr.Validation("bbox must be minLng,minLat,maxLng,maxLat")
		}
		values[i] = v
	}
	box := BBox{MinLng: values[0], MinLat: values[1], MaxLng: values[2], MaxLat: values[3]}
	if box.MinLat < -90 || box.MaxLat > 90 || box.MinLng < -180 || box.MaxLng > 180 {
		return BBox{}, apperr.Validation("bbox out of range")
	}
	if box.MinLat > box.MaxLat || box.MinLng > box.MaxLng {
		return BBox{}, apperr.Validation("bbox min must not exceed max")
	}
	return box, nil
}

func (b BBox) Contains(p hexgrid.LatLng) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

type Geometry string

const (
	GeometryPoint   Geometry = "point"
	GeometryPolygon Geometry = "polygon"
)

// ParseGeometry defaults to point output.
func ParseGeometry(raw string) (Geometry, error) {
	switch Geometry(strings.ToLower(strings.TrimSpace(raw))) {
	case "", GeometryPoint:
		return GeometryPoint, nil
	case GeometryPolygon:
		return GeometryPolygon, nil
	default:
		return "", apperr.Validation("geom must be point or polygon")
	}
}

type Record struct {
	Cell   string
	Bucket int
}

type Query struct {
	BBox     BBox
	Zoom     int
	Geometry Geometry
}

// Cell is one ancestor bin. Boundary is only set for polygon output.
type Cell struct {
	ID         string
	Resolution int
	RawScore   float64
	Center     hexgrid.LatLng
	Boundary   []hexgrid.LatLng
}

type Aggregator struct {
	grid hexgrid.Index
}

func New(grid hexgrid.Index) *Aggregator {
	return &Aggregator{grid: grid}
}

// Aggregate never fails: records with an invalid cell, an out of range
// bucket, or no ancestor at the target resolution are skipped. Records
// coarser than the target resolution are binned at their own. The result is
// sorted by cell id.
func (a *Aggregator) Aggregate(records []Record, q Query) []Cell {
	res := ResolutionForZoom(q.Zoom)
	sums := make(map[string]float64)
	resolutions := make(map[string]int)
	for _, record := range records {
		if !ValidBucket(record.Bucket) || !a.grid.IsValid(record.Cell) {
			continue
		}
		parent, binRes, err := Bin(a.grid, record.Cell, res)
		if err != nil {
			continue
		}
		sums[parent] += BucketMidpoints[record.Bucket]
		resolutions[parent] = binRes
	}

	cells := make([]Cell, 0, len(sums))
	for id, score := range sums {
		cell, ok := a.locate(id, q)
		if !ok {
			continue
		}
		cell.Resolution = resolutions[id]
		cell.RawScore = score
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })
	return cells
}

func (a *Aggregator) locate(id string, q Query) (Cell, bool) {
	center, err := a.grid.Center(id)
	if err != nil {
		return Cell{}, false
	}
	cell := Cell{ID: id, Center: center}
	if q.Geometry != GeometryPolygon {
		return cell, q.BBox.Contains(center)
	}
	boundary, err := a.grid.Boundary(id)
	if err != nil || len(boundary) == 0 {
		return Cell{}, false
	}
	cell.Boundary = boundary
	for _, vertex := range boundary {
		if q.BBox.Contains(vertex) {
			return cell, true
		}
	}
	return Cell{}, false
}
