// Package main provides a local CLI that runs the counting pipeline against
// a photo on disk: same segmentation, tiled detection, and band estimation
// as the Lambda workers, but with an in-memory session store and local file
// output. Used for calibrating thresholds against reference photos before
// they reach production.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/groweye/plantcount/internal/band"
	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/logging"
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/pipeline"
	"github.com/groweye/plantcount/internal/segment"
	"github.com/groweye/plantcount/internal/slotcfg"
	"github.com/groweye/plantcount/internal/store"
	"github.com/groweye/plantcount/internal/tiling"
)

// CLI flags
var (
	photoFlag     string
	outDirFlag    string
	modelDirFlag  string
	productFlag   string
	stateFlag     string
	pxPerCmFlag   float64
	footprintFlag float64
	bandsFlag     int
	workersFlag   int
	skipVarFlag   float64
)

var rootCmd = &cobra.Command{
	Use:   "count-cli",
	Short: "Count plants in a storage-slot photo",
	Long: `count-cli runs the full counting pipeline on a local photo: instance
segmentation into containers, tiled detection per container, and band
density estimation for growing areas.

The annotated visualization and the result bundle are written next to the
photo (or to --out). Slot calibration comes from flags or a .env file.

Examples:
  count-cli --photo slot-a12.jpg --px-per-cm 4.2 --footprint-cm2 9.5
  count-cli -p rack7.jpg --models ./models --bands 6 --out ./results`,
	RunE: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&photoFlag, "photo", "p", "", "Photo to process (required)")
	rootCmd.Flags().StringVarP(&outDirFlag, "out", "o", "", "Output directory (default: photo's directory)")
	rootCmd.Flags().StringVar(&modelDirFlag, "models", "./models", "Directory holding the detection and segmentation models")
	rootCmd.Flags().StringVar(&productFlag, "product", "unknown", "Expected product in the slot")
	rootCmd.Flags().StringVar(&stateFlag, "state", "unknown", "Expected life-cycle state")
	rootCmd.Flags().Float64Var(&pxPerCmFlag, "px-per-cm", 0, "Pixels per centimeter at the slot plane (required)")
	rootCmd.Flags().Float64Var(&footprintFlag, "footprint-cm2", 0, "Pre-calibrated item footprint in cm² (band-estimation fallback)")
	rootCmd.Flags().IntVar(&bandsFlag, "bands", 0, "Perspective bands for density estimation (default 4)")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 0, "Inference workers (default 4)")
	rootCmd.Flags().Float64Var(&skipVarFlag, "skip-variance", 0, "Skip tiles below this grayscale variance (0 disables)")
	rootCmd.MarkFlagRequired("photo")
	rootCmd.MarkFlagRequired("px-per-cm")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	godotenv.Load()
	logging.Init()

	outDir := outDirFlag
	if outDir == "" {
		outDir = filepath.Dir(photoFlag)
	}

	cache := inference.NewCache(inference.CacheConfig{})
	defer cache.Close()
	detector := inference.CachedDetector(cache, "detect", func() (io.Closer, error) {
		return inference.NewDNNDetector(
			filepath.Join(modelDirFlag, "detect.pb"),
			filepath.Join(modelDirFlag, "detect.pbtxt"), 512, 0.40)
	})
	segmenter := inference.CachedSegmenter(cache, "segment", func() (io.Closer, error) {
		return inference.NewDNNSegmenter(
			filepath.Join(modelDirFlag, "segment.pb"),
			filepath.Join(modelDirFlag, "segment.pbtxt"), 1024, 0.30)
	})

	const slotID = "local"
	slots := slotcfg.StaticProvider{slotID: model.SlotContext{
		SlotID:          slotID,
		ExpectedProduct: productFlag,
		ExpectedState:   stateFlag,
		FootprintCm2:    footprintFlag,
		PxPerCm:         pxPerCmFlag,
	}}

	sessions := store.NewMemoryStore()
	ctx := context.Background()
	session := &model.Session{
		ID:        "local-" + time.Now().Format("20060102-150405"),
		Status:    model.StatusPending,
		PhotoKey:  photoFlag,
		SlotID:    slotID,
		CreatedAt: time.Now().Unix(),
	}
	if err := sessions.CreateSession(ctx, session); err != nil {
		return err
	}

	coordinator := pipeline.New(
		pipeline.Config{InferenceWorkers: workersFlag},
		sessions,
		&localPhotos{outDir: outDir},
		slots,
		segment.New(segmenter, segment.Config{}),
		tiling.New(detector, tiling.Config{SkipVariance: skipVarFlag}),
		band.New(band.Config{Bands: bandsFlag}),
		nil,
	)

	result, err := coordinator.Run(ctx, session.ID)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), sessions, result)
	return nil
}

func printSummary(w io.Writer, sessions *store.MemoryStore, session *model.Session) {
	fmt.Fprintf(w, "Session    %s\n", session.ID)
	fmt.Fprintf(w, "Status     %s\n", session.Status)
	if session.Error != "" {
		fmt.Fprintf(w, "Error      %s\n", session.Error)
	}

	containers, err := sessions.GetContainerResults(context.Background(), session.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read container results")
		return
	}
	for _, cr := range containers {
		detected := 0
		for _, d := range cr.Detections {
			if d.IsAlive && !d.IsEmptyContainer {
				detected++
			}
		}
		fmt.Fprintf(w, "  %-14s %-10s detected=%-4d", cr.Container.Category, cr.SubTask.State, detected)
		if len(cr.Estimations) > 0 {
			estimated := 0
			for _, e := range cr.Estimations {
				estimated += e.EstimatedCount
			}
			fmt.Fprintf(w, " estimated=%-4d bands=%d", estimated, len(cr.Estimations))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Detected   %d\n", session.DetectedCount)
	fmt.Fprintf(w, "Estimated  %d\n", session.EstimatedCount)
	fmt.Fprintf(w, "Total      %d (confidence %.2f)\n", session.Total(), session.Confidence)
	if session.AnnotatedKey != "" {
		fmt.Fprintf(w, "Annotated  %s\n", session.AnnotatedKey)
	}
	if session.ResultKey != "" {
		fmt.Fprintf(w, "Bundle     %s\n", session.ResultKey)
	}
}

// localPhotos adapts the local filesystem to the coordinator's PhotoStore.
type localPhotos struct {
	outDir string
}

var _ pipeline.PhotoStore = (*localPhotos)(nil)

func (l *localPhotos) FetchImage(_ context.Context, key string) (image.Image, error) {
	f, err := os.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open photo %s: %w", key, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode photo %s: %w", key, err)
	}
	return img, nil
}

func (l *localPhotos) UploadAnnotated(_ context.Context, sessionID string, jpegData []byte) (string, error) {
	path := filepath.Join(l.outDir, sessionID+"-annotated.jpg")
	if err := os.WriteFile(path, jpegData, 0o644); err != nil {
		return "", fmt.Errorf("write annotated photo: %w", err)
	}
	return path, nil
}

func (l *localPhotos) UploadResultBundle(_ context.Context, sessionID string, result interface{}) (string, error) {
	path := filepath.Join(l.outDir, sessionID+"-result.json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result bundle: %w", err)
	}
	return path, nil
}
