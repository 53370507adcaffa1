// tensor_test.go - Unit Tests fuer Tensor-Grundstruktur und Placement
package ml

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewShapeValidation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New() sollte bei falscher Datenlaenge panicen")
		}
	}()
	New([]float32{1, 2, 3}, 2, 2)
}

func TestToQuantizesF16(t *testing.T) {
	// 1/3 ist in float16 nicht exakt darstellbar
	tr := New([]float32{1.0 / 3.0, 2, -5.5}, 3)
	tr.To(CPU(), DTypeF16)

	if tr.DType() != DTypeF16 {
		t.Errorf("DType = %v, erwartet %v", tr.DType(), DTypeF16)
	}

	vals := tr.Floats()
	if vals[0] == float32(1.0)/3.0 {
		t.Error("float16-Quantisierung hat den Wert nicht veraendert")
	}
	// exakt darstellbare Werte bleiben erhalten
	if vals[1] != 2 || vals[2] != -5.5 {
		t.Errorf("exakt darstellbare Werte veraendert: %v", vals)
	}
}

func TestToQuantizesBF16(t *testing.T) {
	tr := New([]float32{1.000001, 1024, -3}, 3)
	tr.To(CPU(), DTypeBF16)

	if tr.DType() != DTypeBF16 {
		t.Errorf("DType = %v, erwartet %v", tr.DType(), DTypeBF16)
	}
	vals := tr.Floats()
	if vals[0] == 1.000001 {
		t.Error("bfloat16-Quantisierung hat den Wert nicht veraendert")
	}
	if vals[1] != 1024 || vals[2] != -3 {
		t.Errorf("exakt darstellbare Werte veraendert: %v", vals)
	}
}

func TestToDevicePlacement(t *testing.T) {
	tr := Zeros(2, 2)
	if !tr.Device().IsCPU() {
		t.Fatalf("neue Tensoren muessen auf der CPU liegen, Device = %v", tr.Device())
	}

	tr.To(Accelerator(0), DTypeF32)
	if tr.Device().IsCPU() {
		t.Error("To() hat das Device nicht gesetzt")
	}
	if got := tr.Device().String(); got != "gpu:0" {
		t.Errorf("Device.String() = %q, erwartet %q", got, "gpu:0")
	}
}

func TestShapeOps(t *testing.T) {
	tr := New([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2, 1)

	tests := []struct {
		name string
		got  []int
		want []int
	}{
		{"Reshape", tr.Reshape(4, 2).Shape(), []int{4, 2}},
		{"Flatten", tr.Flatten(1).Shape(), []int{2, 4}},
		{"Squeeze", tr.Squeeze().Shape(), []int{2, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNarrow(t *testing.T) {
	// (2, 3): Zeilen [1 2 3], [4 5 6]
	tr := New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	rows := tr.Narrow(0, 1)
	if diff := cmp.Diff([]float32{1, 2, 3}, rows.Floats()); diff != "" {
		t.Errorf("Narrow(0, 1) mismatch (-want +got):\n%s", diff)
	}

	cols := tr.Narrow(1, 2)
	if diff := cmp.Diff([]float32{1, 2, 4, 5}, cols.Floats()); diff != "" {
		t.Errorf("Narrow(1, 2) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 2}, cols.Shape()); diff != "" {
		t.Errorf("Narrow(1, 2) shape mismatch (-want +got):\n%s", diff)
	}
}

func TestGobRoundTrip(t *testing.T) {
	orig := New([]float32{1.5, -2.25, 3.125, 0}, 2, 2)
	orig.To(Accelerator(1), DTypeF16)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(orig); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got Tensor
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if diff := cmp.Diff(orig.Shape(), got.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(orig.Floats(), got.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if got.DType() != DTypeF16 {
		t.Errorf("DType = %v, erwartet %v", got.DType(), DTypeF16)
	}
	// geladene Tensoren liegen immer im Host-Speicher
	if !got.Device().IsCPU() {
		t.Errorf("Device = %v, erwartet cpu", got.Device())
	}
}

func TestScalar(t *testing.T) {
	s := Scalar(4)
	if s.Item() != 4 {
		t.Errorf("Item() = %v, erwartet 4", s.Item())
	}
	if s.NumDims() != 0 {
		t.Errorf("NumDims() = %d, erwartet 0", s.NumDims())
	}
}
