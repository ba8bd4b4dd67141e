package commands

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/histo-embed/server/internal/app"
	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/data/features"
	"github.com/histo-embed/server/internal/data/npy"
	"github.com/histo-embed/server/internal/data/table"
	"github.com/histo-embed/server/internal/dataset"
)

var (
	sampleNumTiles  int
	sampleSeed      int64
	sampleMode      string
	sampleStrict    bool
	sampleValidate  bool
	sampleRowsOut   string
	sampleFeatures  string
	sampleReportOut string
)

// sampleCmd builds a dataset from a manifest
var sampleCmd = &cobra.Command{
	Use:   "sample <slides.csv>",
	Short: "sample tiles from every slide and export the dataset",
	Long: `Sample tiles from every slide of a manifest and aggregate their features
and metadata. Slides that fail to load are skipped and reported unless --strict
is set. Flags left unset fall back to the sampling section of the configuration.`,
	Example: `  $ embedctl sample slides.csv -k 8 --rows rows.csv
  $ embedctl sample slides.csv --mode per_slide --seed 3 --features features.npy --report report.json`,
	Args: cobra.ExactArgs(1),
	RunE: runSample,
}

func init() {
	addSamplingFlags(sampleCmd)
	sampleCmd.Flags().StringVar(&sampleRowsOut, "rows", "", "Write sampled rows as CSV to this file (- for stdout)")
	sampleCmd.Flags().StringVar(&sampleFeatures, "features", "", "Write the feature matrix as .npy to this file")
	sampleCmd.Flags().StringVar(&sampleReportOut, "report", "", "Write the per-slide report as JSON to this file")
}

// addSamplingFlags registers the flags that override the sampling section.
func addSamplingFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&sampleNumTiles, "num-tiles", "k", 0, "Tiles sampled per slide")
	cmd.Flags().Int64Var(&sampleSeed, "seed", 0, "Sampling seed")
	cmd.Flags().StringVar(&sampleMode, "mode", "", "Sampling mode (stream, per_slide)")
	cmd.Flags().BoolVar(&sampleStrict, "strict", false, "Abort on the first slide error")
	cmd.Flags().BoolVar(&sampleValidate, "validate-coordinates", false, "Check coordinate tables against feature tensors")
}

// buildDataset loads the manifest and samples it with the configured options
// overridden by any flags the command set.
func buildDataset(cmd *cobra.Command, csvPath string) (*dataset.Dataset, *dataset.Report, error) {
	s := cfg.Sampling
	if f := cmd.Flags().Lookup("num-tiles"); f != nil && f.Changed {
		s.NumTilesPerWSI = sampleNumTiles
	}
	if f := cmd.Flags().Lookup("seed"); f != nil && f.Changed {
		s.Seed = sampleSeed
	}
	if f := cmd.Flags().Lookup("mode"); f != nil && f.Changed {
		s.Mode = sampleMode
	}
	if f := cmd.Flags().Lookup("strict"); f != nil && f.Changed {
		s.Strict = sampleStrict
	}
	if f := cmd.Flags().Lookup("validate-coordinates"); f != nil && f.Changed {
		s.ValidateCoordinates = sampleValidate
	}
	opts, err := app.BuilderOptions(s, cliLogger())
	if err != nil {
		return nil, nil, err
	}

	tbl, err := table.LoadFile(csvPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := features.NewStore()
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()
	coordCache, err := coords.NewCache(cfg.Cache.CoordinateTables)
	if err != nil {
		return nil, nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return dataset.NewBuilder(store, coordCache, opts).Build(ctx, tbl)
}

func runSample(cmd *cobra.Command, args []string) error {
	ds, report, err := buildDataset(cmd, args[0])
	if err != nil {
		return err
	}

	if sampleRowsOut != "" {
		if err := writeRows(cmd, sampleRowsOut, ds); err != nil {
			return err
		}
	}
	if sampleFeatures != "" {
		if err := writeFeatures(sampleFeatures, ds); err != nil {
			return err
		}
	}
	if sampleReportOut != "" {
		if err := writeJSONFile(sampleReportOut, report.Slides); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "sampled %d rows (dim %d) from %d slides, %d failed\n",
		ds.Len(), ds.Dim(), len(report.Slides), report.Failed())
	for _, serr := range report.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  skipped %v\n", serr)
	}
	return nil
}

func writeRows(cmd *cobra.Command, path string, ds *dataset.Dataset) error {
	out := cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create rows file: %w", err)
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	header := append([]string{"row", "tile_index", "wsi_path", "coordinates_path"}, ds.MetadataCols...)
	if err := w.Write(header); err != nil {
		return err
	}
	for i := 0; i < ds.Len(); i++ {
		rec := []string{
			strconv.Itoa(i),
			strconv.Itoa(ds.TileIndices[i]),
			ds.WSIPaths[i],
			ds.CoordinatesPaths[i],
		}
		for _, col := range ds.MetadataCols {
			rec = append(rec, ds.Metadata[col][i])
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeFeatures(path string, ds *dataset.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create features file: %w", err)
	}
	if err := npy.WriteFloat32(f, ds.Len(), ds.Dim(), ds.Float32s()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
