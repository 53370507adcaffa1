// network_test.go - Unit Tests fuer Netzwerk-Konstruktion aus Faktor-Saetzen
package lora

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/latentd/latentd/ml"
)

// linearState baut einen serialisierten Faktor-Satz fuer einen linearen
// LowRank-Layer
func linearState(layer string, in, out, rank int, alpha float32) map[string]*ml.Tensor {
	state := map[string]*ml.Tensor{
		layer + ".lora_down.weight": ml.Zeros(rank, in),
		layer + ".lora_up.weight":   ml.Zeros(out, rank),
	}
	if alpha != 0 {
		state[layer+".alpha"] = ml.Scalar(alpha)
	}
	return state
}

func TestBuildNetworkLowRank(t *testing.T) {
	state := linearState("lora_unet_to_q", 8, 8, 4, 2)
	for k, v := range linearState("lora_unet_to_v", 8, 8, 4, 0) {
		state[k] = v
	}

	n, report, err := BuildNetwork("test", state)
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}
	if len(report.Missing) != 0 {
		t.Errorf("Missing = %v, erwartet leer", report.Missing)
	}
	if n.Len() != 2 {
		t.Fatalf("Len = %d, erwartet 2", n.Len())
	}

	q, ok := n.Module("lora_unet_to_q")
	if !ok {
		t.Fatal("Modul lora_unet_to_q fehlt")
	}
	if q.Alpha() != 2 || q.Rank() != 4 {
		t.Errorf("alpha/rank = %v/%d, erwartet 2/4", q.Alpha(), q.Rank())
	}

	// fehlendes Alpha defaultet auf den Rang (Skalierungsfaktor 1.0)
	v, _ := n.Module("lora_unet_to_v")
	if v.Alpha() != 4 {
		t.Errorf("alpha = %v, erwartet Default 4", v.Alpha())
	}
}

func TestBuildNetworkClassifiesHadamard(t *testing.T) {
	state := map[string]*ml.Tensor{
		"lora_unet_ff.hada_w1_a": ml.Zeros(8, 4),
		"lora_unet_ff.hada_w1_b": ml.Zeros(4, 8),
		"lora_unet_ff.hada_w2_a": ml.Zeros(8, 4),
		"lora_unet_ff.hada_w2_b": ml.Zeros(4, 8),
	}
	for k, v := range linearState("lora_unet_to_k", 8, 8, 4, 0) {
		state[k] = v
	}

	n, _, err := BuildNetwork("test", state)
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}

	ff, _ := n.Module("lora_unet_ff")
	if _, ok := ff.(*HadamardLowRank); !ok {
		t.Errorf("lora_unet_ff ist %T, erwartet *HadamardLowRank", ff)
	}
	k, _ := n.Module("lora_unet_to_k")
	if _, ok := k.(*LowRank); !ok {
		t.Errorf("lora_unet_to_k ist %T, erwartet *LowRank", k)
	}
}

func TestBuildNetworkRejectsUnsupportedFormats(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"kronecker", "lora_unet_to_q.lokr_w1", ErrKroneckerUnsupported},
		{"mid", "lora_unet_to_q.mid_weight", ErrMidUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := linearState("lora_unet_to_q", 8, 8, 4, 0)
			state[tt.key] = ml.Zeros(4, 4)

			_, _, err := BuildNetwork("test", state)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("BuildNetwork = %v, erwartet %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildNetworkReportsMissingKeys(t *testing.T) {
	state := linearState("lora_unet_to_q", 8, 8, 4, 0)
	// Partition ohne Up-Faktor: wird uebersprungen, nicht fatal
	state["lora_unet_to_v.lora_down.weight"] = ml.Zeros(4, 8)

	n, report, err := BuildNetwork("test", state)
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}
	if n.Len() != 1 {
		t.Errorf("Len = %d, erwartet 1", n.Len())
	}
	want := []string{"lora_unet_to_v.lora_up.weight"}
	if diff := cmp.Diff(want, report.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
}

func TestNetworkFromLayersSkipsConvWhenDisabled(t *testing.T) {
	layers := map[string]BaseLayer{
		"lora_unet_resnet_conv1": fakeConvLayer{in: 4, out: 4, kernel: 3, stride: 1, padding: 1},
		"lora_unet_to_q":         fakeLinearLayer{in: 8, out: 8},
	}

	n, err := NetworkFromLayers("test", layers, 4, 0, false)
	if err != nil {
		t.Fatalf("NetworkFromLayers: %v", err)
	}
	if n.Len() != 1 {
		t.Fatalf("Len = %d, erwartet 1 (Conv-Ziel uebersprungen)", n.Len())
	}
	if _, ok := n.Module("lora_unet_to_q"); !ok {
		t.Error("lineares Ziel fehlt")
	}

	full, err := NetworkFromLayers("test", layers, 4, 0, true)
	if err != nil {
		t.Fatalf("NetworkFromLayers: %v", err)
	}
	if full.Len() != 2 {
		t.Errorf("Len = %d, erwartet 2", full.Len())
	}
}

func TestSetStrength(t *testing.T) {
	n, _, err := BuildNetwork("test", linearState("lora_unet_to_q", 4, 4, 2, 0))
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}

	n.SetStrength(0.65)
	m, _ := n.Module("lora_unet_to_q")
	if m.Multiplier() != 0.65 {
		t.Errorf("Multiplier = %v, erwartet 0.65", m.Multiplier())
	}
}

func TestNetworkPlacementAccessors(t *testing.T) {
	n, _, err := BuildNetwork("test", linearState("lora_unet_to_q", 4, 4, 2, 0))
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}

	n.To(ml.Accelerator(0), ml.DTypeF16)
	if n.Device().IsCPU() {
		t.Error("Device = cpu, erwartet Accelerator")
	}
	if n.DType() != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet float16", n.DType())
	}
}
