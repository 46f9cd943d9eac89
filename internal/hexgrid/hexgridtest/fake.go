// Package hexgridtest provides an in-memory hexgrid.Index for tests.
package hexgridtest

import (
	"fmt"
	"sync"

	"hexpulse/api/internal/hexgrid"
)

type cell struct {
	res    int
	parent string
	center hexgrid.LatLng
}

// Fake is a hand-built cell hierarchy. Each cell has a resolution, an
// optional parent and a center; boundaries are small squares around the
// center of half-width Radius.
type Fake struct {
	mu     sync.RWMutex
	cells  map[string]cell
	Radius float64
}

func New() *Fake {
	return &Fake{cells: make(map[string]cell), Radius: 0.01}
}

// Add registers id at res with the given parent ("" for a root).
func (f *Fake) Add(id string, res int, parent string, lat, lng float64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[id] = cell{res: res, parent: parent, center: hexgrid.LatLng{Lat: lat, Lng: lng}}
	return f
}

// Chain registers a root-to-leaf chain covering resolutions 5..5+len(ids)-1,
// every cell centered on the same point.
func (f *Fake) Chain(lat, lng float64, ids ...string) *Fake {
	parent := ""
	for i, id := range ids {
		f.mu.RLock()
		_, exists := f.cells[id]
		f.mu.RUnlock()
		if !exists {
			f.Add(id, 5+i, parent, lat, lng)
		}
		parent = id
	}
	return f
}

func (f *Fake) IsValid(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.cells[id]
	return ok
}

func (f *Fake) Resolution(id string) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.cells[id]
	if !ok {
		return 0, hexgrid.ErrInvalidCell
	}
	return c.res, nil
}

func (f *Fake) Parent(id string, res int) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	current, ok := f.cells[id]
	if !ok {
		return "", hexgrid.ErrInvalidCell
	}
	if res > current.res {
		return "", fmt.Errorf("parent of %s at resolution %d: out of range", id, res)
	}
	for current.res > res {
		if current.parent == "" {
			return "", fmt.Errorf("parent of %s at resolution %d: no ancestor", id, res)
		}
		id = current.parent
		current, ok = f.cells[id]
		if !ok {
			return "", hexgrid.ErrInvalidCell
		}
	}
	return id, nil
}

func (f *Fake) Center(id string) (hexgrid.LatLng, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.cells[id]
	if !ok {
		return hexgrid.LatLng{}, hexgrid.ErrInvalidCell
	}
	return c.center, nil
}

func (f *Fake) Boundary(id string) ([]hexgrid.LatLng, error) {
	center, err := f.Center(id)
	if err != nil {
		return nil, err
	}
	r := f.Radius
	return []hexgrid.LatLng{
		{Lat: center.Lat - r, Lng: center.Lng - r},
		{Lat: center.Lat - r, Lng: center.Lng + r},
		{Lat: center.Lat + r, Lng: center.Lng + r},
		{Lat: center.Lat + r, Lng: center.Lng - r},
	}, nil
}

func (f *Fake) FromLatLng(lat, lng float64, res int) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, c := range f.cells {
		if c.res == res && c.center.Lat == lat && c.center.Lng == lng {
			return id, nil
		}
	}
	return "", fmt.Errorf("no fake cell at (%f,%f) resolution %d", lat, lng, res)
}
