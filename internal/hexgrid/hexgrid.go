// Package hexgrid adapts the hierarchical hexagonal grid primitive used to
// key signals, memberships and annotations.
package hexgrid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/uber/h3-go/v4"
)

// MaxResolution is the finest resolution the grid supports.
const MaxResolution = 15

// MinLeafResolution is the coarsest cell accepted as a record's own cell.
const MinLeafResolution = 7

var ErrInvalidCell = errors.New("invalid cell")

type LatLng struct {
	Lat float64
	Lng float64
}

// Index is the spatial primitive the density pipeline depends on.
type Index interface {
	IsValid(cell string) bool
	Resolution(cell string) (int, error)
	Parent(cell string, res int) (string, error)
	Center(cell string) (LatLng, error)
	Boundary(cell string) ([]LatLng, error)
	FromLatLng(lat, lng float64, res int) (string, error)
}

// H3 implements Index on Uber's H3 grid. Cell ids are lowercase hex strings.
type H3 struct{}

func NewH3() H3 {
	return H3{}
}

func (H3) parse(cell string) (h3.Cell, error) {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return 0, ErrInvalidCell
	}
	c := h3.Cell(h3.IndexFromString(strings.ToLower(trimmed)))
	if !c.IsValid() {
		return 0, ErrInvalidCell
	}
	return c, nil
}

func (g H3) IsValid(cell string) bool {
	_, err := g.parse(cell)
	return err == nil
}

func (g H3) Resolution(cell string) (int, error) {
	c, err := g.parse(cell)
	if err != nil {
		return 0, err
	}
	return c.Resolution(), nil
}

func (g H3) Parent(cell string, res int) (string, error) {
	c, err := g.parse(cell)
	if err != nil {
		return "", err
	}
	if res < 0 || res > c.Resolution() {
		return "", fmt.Errorf("parent of %s at resolution %d: out of range", cell, res)
	}
	if res == c.Resolution() {
		return c.String(), nil
	}
	parent, err := c.Parent(res)
	if err != nil {
		return "", fmt.Errorf("parent of %s: %w", cell, err)
	}
	return parent.String(), nil
}

func (g H3) Center(cell string) (LatLng, error) {
	c, err := g.parse(cell)
	if err != nil {
		return LatLng{}, err
	}
	ll, err := c.LatLng()
	if err != nil {
		return LatLng{}, fmt.Errorf("center of %s: %w", cell, err)
	}
	return LatLng{Lat: ll.Lat, Lng: ll.Lng}, nil
}

func (g H3) Boundary(cell string) ([]LatLng, error) {
	c, err := g.parse(cell)
	if err != nil {
		return nil, err
	}
	boundary, err := c.Boundary()
	if err != nil {
		return nil, fmt.Errorf("boundary of %s: %w", cell, err)
	}
	out := make([]LatLng, 0, len(boundary))
	for _, vertex := range boundary {
		out = append(out, LatLng{Lat: vertex.Lat, Lng: vertex.Lng})
	}
	return out, nil
}

func (H3) FromLatLng(lat, lng float64, res int) (string, error) {
	if res < 0 || res > MaxResolution {
		return "", fmt.Errorf("resolution %d out of range", res)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("coordinate (%f,%f) out of range", lat, lng)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		return "", fmt.Errorf("locate (%f,%f): %w", lat, lng, err)
	}
	return c.String(), nil
}

// Ancestors holds the precomputed coarse cells stored alongside each record.
type Ancestors struct {
	R5 string
	R6 string
	R7 string
}

// AncestorsOf resolves the resolution 5, 6 and 7 ancestors of cell.
func AncestorsOf(index Index, cell string) (Ancestors, error) {
	var out Ancestors
	var err error
	if out.R7, err = index.Parent(cell, MinLeafResolution); err != nil {
		return Ancestors{}, err
	}
	if out.R6, err = index.Parent(cell, 6); err != nil {
		return Ancestors{}, err
	}
	if out.R5, err = index.Parent(cell, 5); err != nil {
		return Ancestors{}, err
	}
	return out, nil
}
