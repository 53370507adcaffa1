// Package ml - Tensor-Arithmetik
//
// Dieses Modul enthaelt:
// - MatMul/MulElem/Add/Scale/Clamp: Matrix- und Elementweise Operationen
// - Transpose/Diag: 2-D Hilfsoperationen
// - Linear/Conv2D: Anwendung von Gewichten auf Aktivierungen
// - AbsQuantile: Quantil der Absolutbetraege ueber mehrere Tensoren
//
// Ergebnisse tragen immer DTypeF32 (Rechen-Praezision) und das Device
// des linken Operanden.
package ml

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"
)

func (t *Tensor) dense() *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("ml: expected 2-D tensor, got shape %v", t.shape))
	}
	data := make([]float64, len(t.data))
	for i, v := range t.data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.shape[0], t.shape[1], data)
}

func fromDense(m mat.Matrix, device Device) *Tensor {
	r, c := m.Dims()
	data := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = float32(m.At(i, j))
		}
	}
	out := New(data, r, c)
	out.device = device
	return out
}

// MatMul berechnet das 2-D Matrixprodukt t x o
func (t *Tensor) MatMul(o *Tensor) (*Tensor, error) {
	if t.NumDims() != 2 || o.NumDims() != 2 {
		return nil, fmt.Errorf("matmul requires 2-D operands, got %v x %v", t.shape, o.shape)
	}
	if t.shape[1] != o.shape[0] {
		return nil, fmt.Errorf("matmul shape mismatch: %v x %v", t.shape, o.shape)
	}
	var out mat.Dense
	out.Mul(t.dense(), o.dense())
	return fromDense(&out, t.device), nil
}

// MulElem berechnet das elementweise Produkt gleich geformter Tensoren
func (t *Tensor) MulElem(o *Tensor) (*Tensor, error) {
	if !slices.Equal(t.shape, o.shape) {
		return nil, fmt.Errorf("elementwise product shape mismatch: %v vs %v", t.shape, o.shape)
	}
	data := make([]float32, len(t.data))
	for i := range t.data {
		data[i] = t.data[i] * o.data[i]
	}
	out := New(data, t.shape...)
	out.device = t.device
	return out, nil
}

// Add berechnet die elementweise Summe gleich geformter Tensoren
func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	if !slices.Equal(t.shape, o.shape) {
		return nil, fmt.Errorf("add shape mismatch: %v vs %v", t.shape, o.shape)
	}
	data := make([]float32, len(t.data))
	for i := range t.data {
		data[i] = t.data[i] + o.data[i]
	}
	out := New(data, t.shape...)
	out.device = t.device
	return out, nil
}

// Scale multipliziert alle Elemente mit s
func (t *Tensor) Scale(s float64) *Tensor {
	data := make([]float32, len(t.data))
	for i := range t.data {
		data[i] = float32(float64(t.data[i]) * s)
	}
	out := New(data, t.shape...)
	out.device = t.device
	return out
}

// Clamp begrenzt alle Elemente auf das Intervall [lo, hi]
func (t *Tensor) Clamp(lo, hi float32) *Tensor {
	data := make([]float32, len(t.data))
	for i, v := range t.data {
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		data[i] = v
	}
	out := New(data, t.shape...)
	out.device = t.device
	return out
}

// Transpose gibt die Transponierte einer 2-D Matrix zurueck
func (t *Tensor) Transpose() *Tensor {
	if t.NumDims() != 2 {
		panic(fmt.Sprintf("ml: transpose requires 2-D tensor, got %v", t.shape))
	}
	r, c := t.shape[0], t.shape[1]
	data := make([]float32, len(t.data))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[j*r+i] = t.data[i*c+j]
		}
	}
	out := New(data, c, r)
	out.device = t.device
	return out
}

// Diag erstellt eine Diagonalmatrix aus einem 1-D Tensor
func Diag(s *Tensor) *Tensor {
	if s.NumDims() != 1 {
		panic(fmt.Sprintf("ml: diag requires 1-D tensor, got %v", s.shape))
	}
	n := s.shape[0]
	data := make([]float32, n*n)
	for i, v := range s.data {
		data[i*n+i] = v
	}
	out := New(data, n, n)
	out.device = s.device
	return out
}

// Linear wendet eine Gewichtsmatrix w (out, in) auf x (batch, in) an:
// y = x w^T mit Ergebnis-Shape (batch, out)
func Linear(x, w *Tensor) (*Tensor, error) {
	if x.NumDims() != 2 || w.NumDims() != 2 {
		return nil, fmt.Errorf("linear requires 2-D operands, got %v and %v", x.shape, w.shape)
	}
	if x.shape[1] != w.shape[1] {
		return nil, fmt.Errorf("linear expects x (batch, %d), got %v", w.shape[1], x.shape)
	}
	return x.MatMul(w.Transpose())
}

// Conv2D wendet einen Faltungskern w (out, in, kh, kw) auf x (n, in, h, w)
// an, mit identischem Stride und Padding in beiden Raumdimensionen.
func Conv2D(x, w *Tensor, stride, padding int) (*Tensor, error) {
	if x.NumDims() != 4 || w.NumDims() != 4 {
		return nil, fmt.Errorf("conv2d requires 4-D operands, got %v and %v", x.shape, w.shape)
	}
	if stride < 1 {
		return nil, fmt.Errorf("conv2d stride must be positive, got %d", stride)
	}
	n, inC, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	outC, kIn, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3]
	if inC != kIn {
		return nil, fmt.Errorf("conv2d channel mismatch: input %d, kernel %d", inC, kIn)
	}

	outH := (h+2*padding-kh)/stride + 1
	outW := (wd+2*padding-kw)/stride + 1
	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("conv2d output would be empty for input %v, kernel %v", x.shape, w.shape)
	}

	out := make([]float32, n*outC*outH*outW)
	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var acc float64
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= wd {
									continue
								}
								xi := ((b*inC+ic)*h+iy)*wd + ix
								wi := ((oc*inC+ic)*kh+ky)*kw + kx
								acc += float64(x.data[xi]) * float64(w.data[wi])
							}
						}
					}
					out[((b*outC+oc)*outH+oy)*outW+ox] = float32(acc)
				}
			}
		}
	}

	res := New(out, n, outC, outH, outW)
	res.device = x.device
	return res, nil
}

// AbsQuantile berechnet das q-Quantil der Absolutbetraege ueber die
// Konkatenation aller gegebenen Tensoren, mit linearer Interpolation
// zwischen benachbarten Raengen.
func AbsQuantile(q float64, tensors ...*Tensor) float32 {
	var vals []float64
	for _, t := range tensors {
		for _, v := range t.data {
			vals = append(vals, math.Abs(float64(v)))
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)

	pos := q * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return float32(vals[lo])
	}
	frac := pos - float64(lo)
	return float32(vals[lo]*(1-frac) + vals[hi]*frac)
}
