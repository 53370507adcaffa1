// Package ml - Tensor-Grundstruktur
//
// Dieses Modul enthaelt:
// - Tensor: dichter Float-Tensor mit Shape, DType und Device
// - New/Zeros/Scalar: Konstruktoren
// - To: In-Place Device/Praezisions-Verschiebung mit echter Quantisierung
// - Reshape/Flatten/Squeeze/Narrow: Shape-Operationen
package ml

import (
	"fmt"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor ist ein dichter Float-Tensor in Row-Major-Layout.
// Die Daten werden immer als float32 gehalten; der DType beschreibt die
// Speicher-Praezision, durch die die Werte beim letzten To() quantisiert
// wurden. Device/Praezisions-Verschiebungen mutieren den Tensor in-place
// und sind nicht nebenlaeufig mit Lesern desselben Tensors sicher.
type Tensor struct {
	shape  []int
	dtype  DType
	device Device
	data   []float32
}

// New erstellt einen float32-Tensor auf der CPU aus den gegebenen Daten.
// Die Datenlaenge muss dem Produkt der Shape entsprechen.
func New(data []float32, shape ...int) *Tensor {
	n := numElems(shape)
	if len(data) != n {
		panic(fmt.Sprintf("ml: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		shape:  slices.Clone(shape),
		dtype:  DTypeF32,
		device: CPU(),
		data:   data,
	}
}

// Zeros erstellt einen mit Nullen initialisierten Tensor
func Zeros(shape ...int) *Tensor {
	return New(make([]float32, numElems(shape)), shape...)
}

// Scalar erstellt einen 0-dimensionalen Tensor (z.B. fuer Alpha-Werte)
func Scalar(v float32) *Tensor {
	return &Tensor{
		shape:  []int{},
		dtype:  DTypeF32,
		device: CPU(),
		data:   []float32{v},
	}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape gibt eine Kopie der Shape zurueck
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Dim gibt die Groesse der n-ten Dimension zurueck
func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

// NumDims gibt die Anzahl der Dimensionen zurueck
func (t *Tensor) NumDims() int {
	return len(t.shape)
}

// Elems gibt die Gesamtzahl der Elemente zurueck
func (t *Tensor) Elems() int {
	return len(t.data)
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Device() Device {
	return t.device
}

// Floats gibt die Tensor-Daten als Kopie zurueck
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

// Item gibt den ersten Wert zurueck; fuer Skalare der Skalarwert selbst
func (t *Tensor) Item() float32 {
	if len(t.data) == 0 {
		panic("ml: Item on empty tensor")
	}
	return t.data[0]
}

// Clone erstellt eine tiefe Kopie mit identischer Platzierung
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:  slices.Clone(t.shape),
		dtype:  t.dtype,
		device: t.device,
		data:   slices.Clone(t.data),
	}
}

// To verschiebt den Tensor in-place auf das Device und quantisiert die
// Werte durch die Ziel-Praezision. Der Rueckgabewert ist der Empfaenger
// selbst, fuer Verkettung.
func (t *Tensor) To(device Device, dtype DType) *Tensor {
	t.device = device
	if dtype == t.dtype {
		return t
	}
	switch dtype {
	case DTypeF16:
		for i, v := range t.data {
			t.data[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		copy(t.data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(t.data)))
	}
	t.dtype = dtype
	return t
}

// Reshape gibt eine neue Sicht mit der gegebenen Shape zurueck.
// Die Daten werden geteilt, nicht kopiert.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numElems(shape) != len(t.data) {
		panic(fmt.Sprintf("ml: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{
		shape:  slices.Clone(shape),
		dtype:  t.dtype,
		device: t.device,
		data:   t.data,
	}
}

// Flatten kollabiert alle Dimensionen ab from zu einer
func (t *Tensor) Flatten(from int) *Tensor {
	if from < 0 || from >= len(t.shape) {
		panic(fmt.Sprintf("ml: flatten from %d out of range for shape %v", from, t.shape))
	}
	shape := slices.Clone(t.shape[:from])
	rest := 1
	for _, d := range t.shape[from:] {
		rest *= d
	}
	return t.Reshape(append(shape, rest)...)
}

// Squeeze entfernt alle Dimensionen der Groesse 1
func (t *Tensor) Squeeze() *Tensor {
	var shape []int
	for _, d := range t.shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	return t.Reshape(shape...)
}

// Narrow gibt die ersten length Eintraege entlang dim als Kopie zurueck
func (t *Tensor) Narrow(dim, length int) *Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("ml: narrow dim %d out of range for shape %v", dim, t.shape))
	}
	if length > t.shape[dim] {
		panic(fmt.Sprintf("ml: narrow length %d exceeds dim %d of shape %v", length, dim, t.shape))
	}

	outShape := slices.Clone(t.shape)
	outShape[dim] = length

	// Stride der betroffenen Dimension und Blockgroessen berechnen
	inner := 1
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	out := make([]float32, outer*length*inner)
	for o := 0; o < outer; o++ {
		src := o * t.shape[dim] * inner
		dst := o * length * inner
		copy(out[dst:dst+length*inner], t.data[src:src+length*inner])
	}

	return &Tensor{
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
		data:   out,
	}
}

// ByteSize gibt die Speichergroesse in der aktuellen Praezision zurueck
func (t *Tensor) ByteSize() int64 {
	return int64(len(t.data)) * int64(t.dtype.Size())
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.shape, t.dtype, t.device)
}
