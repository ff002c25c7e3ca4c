package diagnostics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExportShapefileWritesPoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.shp")

	points := []PointSource{
		{ID: 1, X: 1.5, Y: 2.5, Value: 10},
		{ID: 2, X: -3, Y: 4, Value: 20},
	}
	if err := ExportShapefile(path, points); err != nil {
		t.Fatalf("export: %v", err)
	}

	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		companion := path[:len(path)-len(".shp")] + ext
		info, err := os.Stat(companion)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", companion, err)
		}
		if info.Size() == 0 {
			t.Fatalf("expected %s to be non-empty", companion)
		}
	}
}

func TestExportShapefileEmptySet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.shp")
	if err := ExportShapefile(path, nil); err != nil {
		t.Fatalf("export of empty point set: %v", err)
	}
}
