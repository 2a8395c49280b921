package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/groweye/plantcount/internal/geom"
)

// detectionClasses maps detection-model class IDs to item classes.
var detectionClasses = map[int]string{
	1: ClassPlant,
	2: ClassEmptyContainer,
	3: ClassDeadPlant,
}

// DNNDetector runs the item-detection model through the OpenCV DNN module.
// It is not safe for concurrent use; the model cache serializes access.
type DNNDetector struct {
	net           gocv.Net
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
}

// NewDNNDetector loads the detection network from its weights and config
// files. inputSize is the square network input in pixels (tiles are fed at
// native resolution, so this matches the tile size).
func NewDNNDetector(modelPath, configPath string, inputSize int, confThreshold float64) (*DNNDetector, error) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("load detection network from %s: empty net", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set detection backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set detection target: %w", err)
	}
	return &DNNDetector{
		net:           net,
		inputSize:     inputSize,
		confThreshold: float32(confThreshold),
		nmsThreshold:  0.45,
	}, nil
}

// Detect runs the network on img and returns detections above the confidence
// threshold, de-duplicated with non-max suppression.
func (d *DNNDetector) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image to Mat: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read detection output: %w", err)
	}

	imgW := float32(mat.Cols())
	imgH := float32(mat.Rows())

	// SSD-style output: rows of [batch, classID, confidence, l, t, r, b].
	var boxes []image.Rectangle
	var scores []float32
	var classes []string
	rows := out.Total() / 7
	for i := 0; i < rows; i++ {
		row := data[i*7 : i*7+7]
		conf := row[2]
		if conf < d.confThreshold {
			continue
		}
		class, ok := detectionClasses[int(row[1])]
		if !ok {
			continue
		}
		boxes = append(boxes, image.Rect(
			int(row[3]*imgW), int(row[4]*imgH),
			int(row[5]*imgW), int(row[6]*imgH),
		))
		scores = append(scores, conf)
		classes = append(classes, class)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, d.confThreshold, d.nmsThreshold)
	dets := make([]RawDetection, 0, len(keep))
	for _, idx := range keep {
		dets = append(dets, RawDetection{
			Box:        boxes[idx],
			Confidence: float64(scores[idx]),
			Class:      classes[idx],
		})
	}

	log.Debug().Int("raw", rows).Int("kept", len(dets)).Msg("DNN detection pass complete")
	return dets, nil
}

// Close releases the network.
func (d *DNNDetector) Close() error {
	return d.net.Close()
}

// maskGrid is the fixed side length of the per-instance mask the
// segmentation network emits; each mask is upsampled to its box.
const maskGrid = 15

// DNNSegmenter runs the instance-segmentation model (Mask R-CNN style: a
// detection head plus a low-resolution mask head) through the OpenCV DNN
// module. Not safe for concurrent use; the model cache serializes access.
type DNNSegmenter struct {
	net           gocv.Net
	inputSize     int
	confThreshold float32
	maskThreshold float32
}

// NewDNNSegmenter loads the segmentation network. inputSize is the long-edge
// inference resolution.
func NewDNNSegmenter(modelPath, configPath string, inputSize int, confThreshold float64) (*DNNSegmenter, error) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("load segmentation network from %s: empty net", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set segmentation backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set segmentation target: %w", err)
	}
	return &DNNSegmenter{
		net:           net,
		inputSize:     inputSize,
		confThreshold: float32(confThreshold),
		maskThreshold: 0.5,
	}, nil
}

// Segment runs the network on img and returns one foreground mask per
// instance above the confidence threshold, in img's coordinate frame.
func (s *DNNSegmenter) Segment(ctx context.Context, img image.Image) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image to Mat: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(s.inputSize, s.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	outs := s.net.ForwardLayers([]string{"detection_out_final", "detection_masks"})
	if len(outs) != 2 {
		for i := range outs {
			outs[i].Close()
		}
		return nil, fmt.Errorf("segmentation network returned %d outputs, want 2", len(outs))
	}
	boxesOut, masksOut := outs[0], outs[1]
	defer boxesOut.Close()
	defer masksOut.Close()

	boxData, err := boxesOut.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read segmentation boxes: %w", err)
	}
	maskData, err := masksOut.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read segmentation masks: %w", err)
	}

	imgW := mat.Cols()
	imgH := mat.Rows()
	imgRect := image.Rect(0, 0, imgW, imgH)

	instances := boxesOut.Total() / 7
	if instances == 0 {
		return nil, nil
	}
	maskStride := len(maskData) / instances // one grid per class per instance
	maskArea := maskGrid * maskGrid

	var regions []Region
	for i := 0; i < instances; i++ {
		row := boxData[i*7 : i*7+7]
		conf := row[2]
		if conf < s.confThreshold {
			continue
		}
		classID := int(row[1])

		box := image.Rect(
			int(row[3]*float32(imgW)), int(row[4]*float32(imgH)),
			int(row[5]*float32(imgW)), int(row[6]*float32(imgH)),
		).Intersect(imgRect)
		if box.Empty() {
			continue
		}

		grid := maskData[i*maskStride+classID*maskArea : i*maskStride+(classID+1)*maskArea]

		// Upsample the fixed-size mask grid to the instance box with
		// nearest-neighbor sampling.
		mask := geom.NewMask(box)
		for y := box.Min.Y; y < box.Max.Y; y++ {
			gy := (y - box.Min.Y) * maskGrid / box.Dy()
			for x := box.Min.X; x < box.Max.X; x++ {
				gx := (x - box.Min.X) * maskGrid / box.Dx()
				if grid[gy*maskGrid+gx] >= s.maskThreshold {
					mask.Set(x, y, true)
				}
			}
		}

		regions = append(regions, Region{Mask: mask, Confidence: float64(conf)})
	}

	log.Debug().Int("instances", instances).Int("kept", len(regions)).Msg("DNN segmentation pass complete")
	return regions, nil
}

// Close releases the network.
func (s *DNNSegmenter) Close() error {
	return s.net.Close()
}
