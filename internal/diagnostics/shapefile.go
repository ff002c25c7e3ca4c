// Package diagnostics ships offline inspection tooling for the engine: a
// class's live object set can be dumped to a point shapefile so an operator
// can load it into ordinary GIS tooling to eyeball index contents (e.g. a
// hash/sorted index built over a pair of coordinate properties) during
// testing, without the engine itself knowing anything about geometry.
//
// What: walks a snapshot of a class's objects and writes one point per
//       object, carrying the object id and one numeric property as the DBF
//       attribute row.
// How: github.com/jonas-p/go-shp, mirroring the read side already used by
//      the pack's shapefile importer.
// Why: index correctness is easiest to eyeball spatially when the indexed
//      column is itself a coordinate; this gives that without building a
//      GUI.
package diagnostics

import (
	"fmt"

	shp "github.com/jonas-p/go-shp"
)

// PointSource is the minimal slice of a transaction's read surface this
// package needs: object id plus an (x, y) coordinate pair and one tag value
// carried through as the DBF "VALUE" column.
type PointSource struct {
	ID    uint64
	X, Y  float64
	Value float64
}

// ExportShapefile writes one point per source to path, which must end in
// ".shp" (go-shp creates the companion .shx/.dbf files beside it), with an
// "ID" and "VALUE" attribute column per point.
func ExportShapefile(path string, points []PointSource) error {
	writer, err := shp.Create(path, shp.POINT)
	if err != nil {
		return fmt.Errorf("diagnostics: create shapefile %s: %w", path, err)
	}
	defer writer.Close()

	writer.SetFields([]shp.Field{
		shp.NumberField("ID", 18),
		shp.FloatField("VALUE", 18, 6),
	})

	for _, p := range points {
		n := writer.Write(&shp.Point{X: p.X, Y: p.Y})
		writer.WriteAttribute(int(n), 0, p.ID)
		writer.WriteAttribute(int(n), 1, p.Value)
	}
	return nil
}
