// Package ml - Datentypen und Device-Platzierung
//
// Dieses Modul enthaelt:
// - DType: Speicher-Praezision fuer Tensoren (float32, float16, bfloat16)
// - Device: Residenz eines Tensors (Host-CPU oder Accelerator)
package ml

import "fmt"

// DType beschreibt die Speicher-Praezision eines Tensors.
// Die Rechen-Praezision ist immer float32; F16/BF16 quantisieren
// die gespeicherten Werte durch die jeweilige 16-bit-Darstellung.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	case DTypeBF16:
		return "bfloat16"
	default:
		return fmt.Sprintf("DType(%d)", int(t))
	}
}

// Size gibt die Byte-Groesse eines Elements zurueck
func (t DType) Size() int {
	switch t {
	case DTypeF32:
		return 4
	default:
		return 2
	}
}

// ParseDType parst einen Praezisions-Namen (z.B. aus LATENTD_PRECISION)
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32", "f32", "fp32":
		return DTypeF32, nil
	case "float16", "f16", "fp16":
		return DTypeF16, nil
	case "bfloat16", "bf16":
		return DTypeBF16, nil
	default:
		return DTypeF32, fmt.Errorf("unknown precision %q", s)
	}
}

// DeviceKind unterscheidet Host-Speicher von Accelerator-Speicher
type DeviceKind int

const (
	DeviceCPU DeviceKind = iota
	DeviceAccelerator
)

// Device identifiziert die Residenz eines Tensors.
// Die Arithmetik laeuft in dieser Implementierung immer auf der CPU;
// die Platzierung ist Buchhaltung, die von den Caches durchgesetzt wird.
type Device struct {
	Kind  DeviceKind
	Index int
}

// CPU gibt das Host-Device zurueck
func CPU() Device {
	return Device{Kind: DeviceCPU}
}

// Accelerator gibt das Accelerator-Device mit dem gegebenen Index zurueck
func Accelerator(index int) Device {
	return Device{Kind: DeviceAccelerator, Index: index}
}

// IsCPU meldet ob das Device der Host-Speicher ist
func (d Device) IsCPU() bool {
	return d.Kind == DeviceCPU
}

func (d Device) String() string {
	if d.Kind == DeviceCPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.Index)
}
