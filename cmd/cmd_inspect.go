// cmd_inspect.go - Inspect Command
// Hauptfunktionen: InspectHandler
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/latentd/latentd/format"
	"github.com/latentd/latentd/fs/bundle"
	"github.com/latentd/latentd/lora"
	"github.com/latentd/latentd/ml"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect BUNDLE",
		Short: "Show the layers of an adapter network bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}

// InspectHandler - Listet die Layer eines Adapter-Bundles auf
func InspectHandler(cmd *cobra.Command, args []string) error {
	weights, err := bundle.LoadWeights(args[0])
	if err != nil {
		return err
	}

	net, report, err := lora.BuildNetwork(args[0], weights)
	if err != nil {
		return err
	}

	var data [][]string
	var total int64

	for _, layer := range net.Layers() {
		m, _ := net.Module(layer)
		size := layerByteSize(weights, layer)
		total += size

		data = append(data, []string{
			m.LayerName(),
			variantName(m),
			strconv.Itoa(m.Rank()),
			strconv.FormatFloat(float64(m.Alpha()), 'g', -1, 32),
			denseShape(weights, layer),
			format.HumanBytes(size),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"LAYER", "TYPE", "RANK", "ALPHA", "SHAPE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("\n%d layers, %s total\n", net.Len(), format.HumanBytes(total))
	if len(report.Missing) > 0 {
		fmt.Printf("%d keys without partner were skipped\n", len(report.Missing))
	}

	return nil
}

func variantName(m lora.Module) string {
	switch m.(type) {
	case *lora.HadamardLowRank:
		return "hadamard"
	case *lora.LowRank:
		return "low-rank"
	default:
		return "unknown"
	}
}

// denseShape leitet die Form des dichten Deltas aus den Faktoren ab:
// Ausgabe-Dimension aus dem Up-Faktor, Rest aus dem Down-Faktor
func denseShape(weights map[string]*ml.Tensor, layer string) string {
	up, down := weights[layer+".lora_up.weight"], weights[layer+".lora_down.weight"]
	if up == nil || down == nil {
		up, down = weights[layer+".hada_w1_a"], weights[layer+".hada_w1_b"]
	}
	if up == nil || down == nil {
		return "-"
	}

	dims := append([]int{up.Dim(0)}, down.Shape()[1:]...)
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// layerByteSize summiert die Groessen aller Keys der Layer-Partition
func layerByteSize(weights map[string]*ml.Tensor, layer string) int64 {
	var size int64
	for k, t := range weights {
		if strings.HasPrefix(k, layer+".") {
			size += t.ByteSize()
		}
	}
	return size
}
