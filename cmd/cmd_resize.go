// cmd_resize.go - Resize Command
// Hauptfunktionen: ResizeHandler
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/latentd/latentd/envconfig"
	"github.com/latentd/latentd/fs/bundle"
	"github.com/latentd/latentd/lora"
	"github.com/latentd/latentd/ml"
)

func newResizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resize BUNDLE",
		Short: "Rebuild an adapter network at a different rank",
		Args:  cobra.ExactArgs(1),
		RunE:  ResizeHandler,
	}

	cmd.Flags().Int("rank", 32, "Target rank for linear layers")
	cmd.Flags().Int("conv-rank", 0, "Target rank for convolution layers (default: rank)")
	cmd.Flags().StringP("output", "o", "", "Output bundle path (required)")
	cmd.Flags().Bool("gpu", false, "Prefer the accelerator for large factorizations")
	cmd.MarkFlagRequired("output") //nolint:errcheck

	return cmd
}

// ResizeHandler - Zerlegt ein Adapter-Netzwerk und baut es beim
// Ziel-Rang neu auf
func ResizeHandler(cmd *cobra.Command, args []string) error {
	rank, _ := cmd.Flags().GetInt("rank")
	convRank, _ := cmd.Flags().GetInt("conv-rank")
	output, _ := cmd.Flags().GetString("output")
	gpu, _ := cmd.Flags().GetBool("gpu")

	if rank < 1 {
		return fmt.Errorf("rank must be at least 1, got %d", rank)
	}
	if convRank < 1 {
		convRank = rank
	}

	weights, err := bundle.LoadWeights(args[0])
	if err != nil {
		return err
	}

	net, _, err := lora.BuildNetwork(args[0], weights)
	if err != nil {
		return err
	}

	device := ml.CPU()
	if gpu {
		device = ml.Accelerator(int(envconfig.SVDDevice()))
	}

	dec, cachePath := cachedDecomposition(args[0])
	if dec == nil {
		err = net.PrecomputeDecomposition(device, func(p lora.Progress) {
			fmt.Fprintf(os.Stderr, "decomposing %d/%d: %s\n", p.Completed, p.Total, p.Layer)
		})
		if err != nil {
			return err
		}
		dec = net.Decomposition()

		if cachePath != "" {
			if err := bundle.SaveDecomposition(cachePath, dec); err != nil {
				slog.Warn("could not persist decomposition", "path", cachePath, "error", err)
			}
		}
	}

	layers := make([]string, 0, len(dec))
	for l := range dec {
		layers = append(layers, l)
	}
	sort.Strings(layers)

	out := make(map[string]*ml.Tensor, 3*len(layers))
	for _, layer := range layers {
		up, down, alpha, err := lora.KeyAtRank(dec[layer], rank, convRank)
		if err != nil {
			return fmt.Errorf("layer %s: %w", layer, err)
		}
		out[layer+".lora_up.weight"] = up
		out[layer+".lora_down.weight"] = down
		out[layer+".alpha"] = ml.Scalar(alpha)
	}

	if err := bundle.SaveWeights(output, out); err != nil {
		return err
	}

	fmt.Printf("wrote %d layers to %s\n", len(layers), output)
	return nil
}

// cachedDecomposition sucht eine persistierte Faktorisierung fuer das
// Eingabe-Bundle unter LATENTD_DECOMPOSITION_CACHE. Gibt zusaetzlich
// den Cache-Pfad zurueck (leer wenn kein Cache konfiguriert ist),
// damit eine frisch berechnete Zerlegung dort abgelegt werden kann.
func cachedDecomposition(input string) (map[string]lora.Decomposition, string) {
	dir := envconfig.DecompositionCache()
	if dir == "" {
		return nil, ""
	}

	path := filepath.Join(dir, filepath.Base(input)+".dec")
	dec, err := bundle.LoadDecomposition(path)
	if err != nil {
		return nil, path
	}
	slog.Info("using cached decomposition", "path", path, "layers", len(dec))
	return dec, path
}
