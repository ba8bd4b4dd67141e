package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/histo-embed/server/internal/app"
)

var (
	tileWSI        string
	tileCoords     string
	tileIndex      int
	tileContextDim int
	tileOutDir     string
)

// tileCmd renders a single tile and its context window
var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "render one tile and its context window as PNG",
	Long: `Render the tile at --index of a coordinate table, read from its slide at
level 0, and the context window of --context-dim tiles around it. The files are
written as <slide>_<index>_tile.png and <slide>_<index>_context.png.`,
	Example: `  $ embedctl tile --wsi a.svs --coords a_coords.npy --index 42
  $ embedctl tile --wsi a.svs --coords a_coords.npy --index 42 --context-dim 2 --out-dir previews`,
	Args: cobra.NoArgs,
	RunE: runTile,
}

func init() {
	tileCmd.Flags().StringVar(&tileWSI, "wsi", "", "Slide path")
	tileCmd.Flags().StringVar(&tileCoords, "coords", "", "Coordinate table path (.npy)")
	tileCmd.Flags().IntVar(&tileIndex, "index", 0, "Tile index in the coordinate table")
	tileCmd.Flags().IntVar(&tileContextDim, "context-dim", -1, "Context window half-width in tiles (default from configuration)")
	tileCmd.Flags().StringVar(&tileOutDir, "out-dir", ".", "Output directory")
	tileCmd.MarkFlagRequired("wsi")
	tileCmd.MarkFlagRequired("coords")
}

func runTile(cmd *cobra.Command, args []string) error {
	contextDim := tileContextDim
	if contextDim < 0 {
		contextDim = cfg.Gallery.ContextDim
	}

	c, err := app.New(cfg, cliLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	tilePNG, err := c.Tiles.TilePNG(ctx, tileWSI, tileCoords, tileIndex)
	if err != nil {
		return fmt.Errorf("tile %d of %s: %w", tileIndex, tileWSI, err)
	}
	contextPNG, err := c.Tiles.ContextPNG(ctx, tileWSI, tileCoords, tileIndex, contextDim)
	if err != nil {
		return fmt.Errorf("context of tile %d of %s: %w", tileIndex, tileWSI, err)
	}

	if err := os.MkdirAll(tileOutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	base := fmt.Sprintf("%s_%d", slideStem(tileWSI), tileIndex)
	tilePath := filepath.Join(tileOutDir, base+"_tile.png")
	contextPath := filepath.Join(tileOutDir, base+"_context.png")
	if err := os.WriteFile(tilePath, tilePNG, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(contextPath, contextPNG, 0644); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), tilePath)
	fmt.Fprintln(cmd.OutOrStdout(), contextPath)
	return nil
}

// slideStem returns the slide file name without its extension.
func slideStem(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
