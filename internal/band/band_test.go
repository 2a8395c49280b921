package band

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/model"
)

var (
	canopy = color.RGBA{40, 200, 60, 255}  // saturated green
	soil   = color.RGBA{120, 90, 60, 255}  // brown, hue outside vegetation range
	shadow = color.RGBA{10, 12, 10, 255}   // below luminance threshold
	floorC = color.RGBA{90, 90, 90, 255}   // gray, below saturation threshold
)

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

func growingContainer(r image.Rectangle) model.Container {
	return model.Container{
		ID:       "cont-1",
		Category: model.CategoryGrowingArea,
		Polygon:  geom.RectPolygon(r.Inset(-1)),
		Bounds:   r,
	}
}

func TestSplitBands_NearCameraFirst(t *testing.T) {
	bands := splitBands(image.Rect(0, 0, 100, 400), 4)
	if len(bands) != 4 {
		t.Fatalf("got %d bands, want 4", len(bands))
	}
	// Band 0 is the photo bottom (near camera).
	if bands[0] != image.Rect(0, 300, 100, 400) {
		t.Errorf("band 0 = %v, want bottom quarter", bands[0])
	}
	if bands[3] != image.Rect(0, 0, 100, 100) {
		t.Errorf("band 3 = %v, want top quarter", bands[3])
	}

	// Rounding slack goes to the farthest band.
	bands = splitBands(image.Rect(0, 0, 100, 403), 4)
	total := 0
	for _, b := range bands {
		total += b.Dy()
	}
	if total != 403 {
		t.Errorf("bands cover %d rows, want 403", total)
	}
}

func TestVegetationMask_FiltersSoilShadowFloor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 10))
	fill(img, image.Rect(0, 0, 10, 10), canopy)
	fill(img, image.Rect(10, 0, 20, 10), soil)
	fill(img, image.Rect(20, 0, 30, 10), shadow)
	fill(img, image.Rect(30, 0, 40, 10), floorC)

	mask := vegetationMask(img, img.Bounds(), nil, VegetationFilter{}.withDefaults())
	if got := mask.Count(); got != 100 {
		t.Errorf("vegetation pixels = %d, want 100 (canopy block only)", got)
	}
	if !mask.Get(5, 5) {
		t.Error("canopy pixel not marked")
	}
	if mask.Get(15, 5) || mask.Get(25, 5) || mask.Get(35, 5) {
		t.Error("soil/shadow/floor pixel wrongly marked as vegetation")
	}
}

func TestRun_StoredCalibrationFallback(t *testing.T) {
	region := image.Rect(0, 0, 100, 100)
	img := image.NewRGBA(region)
	fill(img, region, canopy)

	stage := New(Config{Bands: 1})
	slot := model.SlotContext{PxPerCm: 1, FootprintCm2: 10}

	ests, err := stage.Run(context.Background(), img, growingContainer(region), nil, slot)
	if err != nil {
		t.Fatal(err)
	}
	if len(ests) != 1 {
		t.Fatalf("got %d estimations, want 1", len(ests))
	}
	e := ests[0]
	// 10000 vegetation px ÷ 10 px² footprint × 0.9 = 900.
	if e.EstimatedCount != 900 {
		t.Errorf("count = %d, want 900", e.EstimatedCount)
	}
	if e.Method != model.MethodStoredCalibration || !e.UsedCalibration {
		t.Errorf("method = %v usedCalibration = %v, want stored calibration", e.Method, e.UsedCalibration)
	}
	if e.Confidence != 0.70 {
		t.Errorf("confidence = %v, want 0.70", e.Confidence)
	}
	if e.VegetationAreaCm2 != 10000 {
		t.Errorf("vegetation area = %v cm², want 10000", e.VegetationAreaCm2)
	}
}

func TestRun_SubtractsDetectionFootprints(t *testing.T) {
	region := image.Rect(0, 0, 100, 100)
	img := image.NewRGBA(region)
	fill(img, region, canopy)

	// Two detections cover the left half; their area must not be estimated
	// over again.
	dets := []model.Detection{
		model.DetectionFromBox(image.Rect(0, 0, 50, 50), 0.9),
		model.DetectionFromBox(image.Rect(0, 50, 50, 100), 0.9),
	}

	stage := New(Config{Bands: 1, MinCalibrationSamples: 5})
	slot := model.SlotContext{PxPerCm: 1, FootprintCm2: 10}

	ests, err := stage.Run(context.Background(), img, growingContainer(region), dets, slot)
	if err != nil {
		t.Fatal(err)
	}
	if len(ests) != 1 {
		t.Fatalf("got %d estimations, want 1", len(ests))
	}
	// Remaining vegetation: 10000 − 5000 = 5000 px ⇒ 5000/10 × 0.9 = 450.
	if ests[0].EstimatedCount != 450 {
		t.Errorf("count = %d, want 450 after footprint subtraction", ests[0].EstimatedCount)
	}
}

func TestRun_DirectCalibrationPreferred(t *testing.T) {
	region := image.Rect(0, 0, 100, 100)
	img := image.NewRGBA(region)
	fill(img, region, canopy)

	// Three 10×10 detections in the band auto-calibrate a 100 px² footprint.
	dets := []model.Detection{
		model.DetectionFromBox(image.Rect(0, 0, 10, 10), 0.9),
		model.DetectionFromBox(image.Rect(20, 0, 30, 10), 0.9),
		model.DetectionFromBox(image.Rect(40, 0, 50, 10), 0.9),
	}

	stage := New(Config{Bands: 1})
	slot := model.SlotContext{PxPerCm: 1, FootprintCm2: 10}

	ests, err := stage.Run(context.Background(), img, growingContainer(region), dets, slot)
	if err != nil {
		t.Fatal(err)
	}
	if len(ests) != 1 {
		t.Fatalf("got %d estimations, want 1", len(ests))
	}
	e := ests[0]
	if e.Method != model.MethodDirectCalibration || e.UsedCalibration {
		t.Errorf("method = %v usedCalibration = %v, want direct calibration", e.Method, e.UsedCalibration)
	}
	if e.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", e.Confidence)
	}
	// Remaining vegetation: 10000 − 300 = 9700 px ÷ 100 px² × 0.9 = 87.3 ⇒ 87.
	if e.EstimatedCount != 87 {
		t.Errorf("count = %d, want 87", e.EstimatedCount)
	}
}

func TestRun_NoCalibrationSkipsBand(t *testing.T) {
	region := image.Rect(0, 0, 100, 100)
	img := image.NewRGBA(region)
	fill(img, region, canopy)

	stage := New(Config{Bands: 2})
	slot := model.SlotContext{PxPerCm: 1} // no stored footprint, no detections

	ests, err := stage.Run(context.Background(), img, growingContainer(region), nil, slot)
	if err != nil {
		t.Fatal(err)
	}
	if len(ests) != 0 {
		t.Fatalf("got %d estimations, want 0 (no footprint source)", len(ests))
	}
}

func TestRun_PolygonLimitsVegetation(t *testing.T) {
	region := image.Rect(0, 0, 100, 100)
	img := image.NewRGBA(region)
	fill(img, region, canopy)

	// Container polygon covers only the left half of the bounds.
	container := model.Container{
		ID:       "cont-1",
		Category: model.CategoryGrowingArea,
		Polygon:  geom.RectPolygon(image.Rect(-1, -1, 50, 101)),
		Bounds:   region,
	}

	stage := New(Config{Bands: 1})
	slot := model.SlotContext{PxPerCm: 1, FootprintCm2: 10}

	ests, err := stage.Run(context.Background(), img, container, nil, slot)
	if err != nil {
		t.Fatal(err)
	}
	if len(ests) != 1 {
		t.Fatal("missing estimation")
	}
	if got := ests[0].VegetationAreaCm2; got < 4500 || got > 5500 {
		t.Errorf("vegetation area = %v cm², want about half the region", got)
	}
}
