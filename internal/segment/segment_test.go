package segment

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/model"
)

// fakeSegmenter returns canned regions regardless of input.
type fakeSegmenter struct {
	regions []inference.Region
	err     error
}

func (f *fakeSegmenter) Segment(ctx context.Context, img image.Image) ([]inference.Region, error) {
	return f.regions, f.err
}

func rectRegion(r image.Rectangle, conf float64) inference.Region {
	m := geom.NewMask(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y, true)
		}
	}
	return inference.Region{Mask: m, Confidence: conf}
}

func TestRun_ClassifiesAndOrders(t *testing.T) {
	// Photo at inference resolution so no scaling is involved.
	photo := image.NewRGBA(image.Rect(0, 0, 1024, 768))
	seg := &fakeSegmenter{regions: []inference.Region{
		rectRegion(image.Rect(100, 400, 900, 700), 0.9), // large: growing area
		rectRegion(image.Rect(50, 50, 170, 130), 0.8),   // wide small: seedling tray
		rectRegion(image.Rect(600, 60, 640, 100), 0.7),  // tiny square: pot or plug
	}}
	stage := New(seg, Config{})

	containers, err := stage.Run(context.Background(), "sess-1", photo)
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 3 {
		t.Fatalf("got %d containers, want 3", len(containers))
	}

	// Scan order: top rows first.
	if containers[0].Bounds.Min.Y > containers[1].Bounds.Min.Y {
		t.Error("containers not in scan order")
	}

	var growing int
	for _, c := range containers {
		if !c.Category.Valid() {
			t.Errorf("invalid category %q", c.Category)
		}
		if c.Category.IsGrowingArea() {
			growing++
		}
		if c.ID == "" || c.SessionID != "sess-1" {
			t.Errorf("container identity not populated: %+v", c)
		}
	}
	if growing != 1 {
		t.Errorf("got %d growing areas, want 1", growing)
	}
}

func TestRun_EmptyResultIsNotError(t *testing.T) {
	stage := New(&fakeSegmenter{}, Config{})
	containers, err := stage.Run(context.Background(), "sess-1", image.NewRGBA(image.Rect(0, 0, 640, 480)))
	if err != nil {
		t.Fatalf("zero containers must not be an error, got %v", err)
	}
	if len(containers) != 0 {
		t.Fatalf("got %d containers, want 0", len(containers))
	}
}

func TestRun_InferenceErrorPropagates(t *testing.T) {
	wantErr := errors.New("corrupt input")
	stage := New(&fakeSegmenter{err: wantErr}, Config{})
	_, err := stage.Run(context.Background(), "sess-1", image.NewRGBA(image.Rect(0, 0, 640, 480)))
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped inference error", err)
	}
}

func TestRun_DropsLowConfidenceAndDuplicates(t *testing.T) {
	photo := image.NewRGBA(image.Rect(0, 0, 1024, 768))
	seg := &fakeSegmenter{regions: []inference.Region{
		rectRegion(image.Rect(100, 100, 300, 200), 0.9),
		rectRegion(image.Rect(105, 105, 305, 205), 0.6), // duplicate of the first
		rectRegion(image.Rect(500, 500, 700, 600), 0.1), // below threshold
	}}
	stage := New(seg, Config{})

	containers, err := stage.Run(context.Background(), "sess-1", photo)
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 1 {
		t.Fatalf("got %d containers, want 1 after dedupe and threshold", len(containers))
	}
	if containers[0].Confidence != 0.9 {
		t.Errorf("kept confidence %v, want the higher duplicate (0.9)", containers[0].Confidence)
	}
}

func TestClassify(t *testing.T) {
	photo := image.Rect(0, 0, 1000, 1000)
	tests := []struct {
		name   string
		region image.Rectangle
		want   model.ContainerCategory
	}{
		{"large region", image.Rect(0, 300, 900, 900), model.CategoryGrowingArea},
		{"long band", image.Rect(0, 100, 800, 300), model.CategoryGrowingArea},
		{"tiny plug", image.Rect(10, 10, 60, 60), model.CategoryPlug},
		{"small square pot", image.Rect(0, 0, 120, 120), model.CategoryPot},
		{"wide tray", image.Rect(0, 0, 300, 150), model.CategorySeedlingTry},
		{"default box", image.Rect(0, 0, 200, 180), model.CategoryBox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.region, photo); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.region, got, tt.want)
			}
		})
	}
}

func TestDownscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4096, 2048))
	scaled, scale := downscale(img, 1024)
	if scaled.Bounds().Dx() != 1024 {
		t.Errorf("long edge = %d, want 1024", scaled.Bounds().Dx())
	}
	if scale != 4 {
		t.Errorf("scale = %v, want 4", scale)
	}

	small := image.NewRGBA(image.Rect(0, 0, 800, 600))
	passthrough, scale := downscale(small, 1024)
	if passthrough != small || scale != 1 {
		t.Error("small images must pass through unscaled")
	}
}
