package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/histo-embed/server/internal/app"
	"github.com/histo-embed/server/internal/service"
)

var (
	gallerySelect     string
	galleryMaxImages  int
	galleryContextDim int
	gallerySeed       int64
	galleryOutDir     string
)

// galleryCmd renders a preview set for selected rows
var galleryCmd = &cobra.Command{
	Use:   "gallery <slides.csv>",
	Short: "render a preview gallery for selected dataset rows",
	Long: `Build the dataset for a manifest, pick a preview subset of the selected rows
and render each as a context image with the sampled tile highlighted. Images are
written as <id>.png next to a manifest.json describing every item, including the
ones that failed to render.`,
	Example: `  $ embedctl gallery slides.csv --out-dir previews
  $ embedctl gallery slides.csv --select 1,5,9 --context-dim 2 --max-images 3`,
	Args: cobra.ExactArgs(1),
	RunE: runGallery,
}

func init() {
	addSamplingFlags(galleryCmd)
	galleryCmd.Flags().StringVar(&gallerySelect, "select", "", "Comma-separated row indices (default all rows)")
	galleryCmd.Flags().IntVar(&galleryMaxImages, "max-images", 0, "Maximum number of previews (default from configuration)")
	galleryCmd.Flags().IntVar(&galleryContextDim, "context-dim", -1, "Context window half-width in tiles (default from configuration)")
	galleryCmd.Flags().Int64Var(&gallerySeed, "gallery-seed", 0, "Seed of the preview selection (default from configuration)")
	galleryCmd.Flags().StringVar(&galleryOutDir, "out-dir", "gallery", "Output directory")
}

type manifestItem struct {
	service.GalleryItem
	File string `json:"file,omitempty"`
}

func runGallery(cmd *cobra.Command, args []string) error {
	ds, _, err := buildDataset(cmd, args[0])
	if err != nil {
		return err
	}

	indices, err := parseSelection(gallerySelect, ds.Len())
	if err != nil {
		return err
	}

	opts := app.GalleryOptions(cfg.Gallery)
	if galleryMaxImages > 0 {
		opts.MaxImages = galleryMaxImages
	}
	if galleryContextDim >= 0 {
		opts.ContextDim = galleryContextDim
	}
	if cmd.Flags().Changed("gallery-seed") {
		opts.Seed = gallerySeed
	}

	c, err := app.New(cfg, cliLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	items, err := c.Gallery.Render(cmd.Context(), ds, indices, opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(galleryOutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	manifest := make([]manifestItem, 0, len(items))
	failed := 0
	for _, item := range items {
		entry := manifestItem{GalleryItem: item}
		entry.Thumbnail, entry.Full = "", ""
		if item.Error != "" {
			failed++
		} else {
			entry.File = item.ID + ".png"
			if err := os.WriteFile(filepath.Join(galleryOutDir, entry.File), item.FullPNG, 0644); err != nil {
				return err
			}
		}
		manifest = append(manifest, entry)
	}
	if err := writeJSONFile(filepath.Join(galleryOutDir, "manifest.json"), manifest); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "rendered %d of %d selected rows into %s, %d failed\n",
		len(items)-failed, len(indices), galleryOutDir, failed)
	return nil
}

// parseSelection parses comma-separated row indices. An empty selection
// selects every row.
func parseSelection(s string, n int) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid row %q in --select", part)
		}
		out = append(out, v)
	}
	return out, nil
}
