// Package lora - HadamardLowRank-Variante (LoHA)
//
// Dieses Modul enthaelt:
// - HadamardLowRank: zwei unabhaengige Low-Rank Faktor-Paare, deren
//   Matrixprodukte elementweise multipliziert werden
// - HadamardFromWeights: Konstruktion aus serialisierten Faktoren
//
// Diese Variante hat keinen Merge-Pfad in Basisgewichte: die
// Rekonstruktion braucht immer eine explizite Ziel-Shape.
package lora

import (
	"fmt"

	"github.com/latentd/latentd/ml"
)

// HadamardLowRank haelt die Faktor-Paare (w1a x w1b) und (w2a x w2b),
// jeweils in linearer Form (out, rank) x (rank, in) unabhaengig von der
// Dimensionalitaet des Ziels.
type HadamardLowRank struct {
	network string
	layer   string
	rank    int
	alpha   float32

	w1a, w1b *ml.Tensor
	w2a, w2b *ml.Tensor

	multiplier float32
}

// HadamardFromWeights baut ein HadamardLowRank-Modul aus den vier
// serialisierten Faktor-Tensoren.
func HadamardFromWeights(network, layer string, w1a, w1b, w2a, w2b, alpha *ml.Tensor) (*HadamardLowRank, error) {
	if w1a == nil || w1b == nil || w2a == nil || w2b == nil {
		return nil, fmt.Errorf("loha %s: layer %s is missing factor tensors", network, layer)
	}

	rank := w1a.Dim(1)
	return &HadamardLowRank{
		network:    network,
		layer:      layer,
		rank:       rank,
		alpha:      alphaOrRank(alpha, rank),
		w1a:        w1a,
		w1b:        w1b,
		w2a:        w2a,
		w2b:        w2b,
		multiplier: 1,
	}, nil
}

func (m *HadamardLowRank) NetworkName() string { return m.network }
func (m *HadamardLowRank) LayerName() string   { return m.layer }
func (m *HadamardLowRank) Rank() int           { return m.rank }
func (m *HadamardLowRank) Alpha() float32      { return m.alpha }

func (m *HadamardLowRank) Multiplier() float32     { return m.multiplier }
func (m *HadamardLowRank) SetMultiplier(v float32) { m.multiplier = v }

func (m *HadamardLowRank) scale() float64 {
	return float64(m.alpha) / float64(m.rank)
}

// GetWeight rekonstruiert das dichte Delta als elementweises Produkt
// der beiden Matrixprodukte, skaliert mit Alpha/Rank und auf shape
// zurueckgeformt. Ohne explizite Ziel-Shape ist der Aufruf ein fataler
// Nutzungsfehler (ErrShapeRequired): diese Variante kennt keinen
// Merge-in-Base-Pfad.
func (m *HadamardLowRank) GetWeight(shape []int) (*ml.Tensor, error) {
	if shape == nil {
		return nil, fmt.Errorf("loha %s: layer %s: %w", m.network, m.layer, ErrShapeRequired)
	}

	w1, err := m.w1a.MatMul(m.w1b)
	if err != nil {
		return nil, fmt.Errorf("loha %s: layer %s: %w", m.network, m.layer, err)
	}
	w2, err := m.w2a.MatMul(m.w2b)
	if err != nil {
		return nil, fmt.Errorf("loha %s: layer %s: %w", m.network, m.layer, err)
	}
	w, err := w1.MulElem(w2)
	if err != nil {
		return nil, fmt.Errorf("loha %s: layer %s: %w", m.network, m.layer, err)
	}

	elems := 1
	for _, d := range shape {
		elems *= d
	}
	if elems != w.Elems() {
		return nil, fmt.Errorf("loha %s: layer %s: target shape %v needs %d elements, factors give %d",
			m.network, m.layer, shape, elems, w.Elems())
	}

	return w.Scale(m.scale()).Reshape(shape...), nil
}

// Apply rekonstruiert das dichte Delta in der Shape des Original-Layers
// und faltet oder multipliziert je nach Dimensionalitaet des Ziels.
func (m *HadamardLowRank) Apply(x *ml.Tensor, original BaseLayer) (*ml.Tensor, error) {
	shape := original.WeightShape()
	w, err := m.GetWeight(shape)
	if err != nil {
		return nil, err
	}

	if len(shape) > 2 {
		conv, ok := original.(ConvLayer)
		if !ok {
			return nil, fmt.Errorf("loha %s: layer %s: convolutional target does not expose conv parameters", m.network, m.layer)
		}
		return ml.Conv2D(x, w, conv.Stride(), conv.Padding())
	}
	return ml.Linear(x, w)
}

func (m *HadamardLowRank) To(device ml.Device, dtype ml.DType) {
	m.w1a.To(device, dtype)
	m.w1b.To(device, dtype)
	m.w2a.To(device, dtype)
	m.w2b.To(device, dtype)
}

func (m *HadamardLowRank) Device() ml.Device { return m.w1a.Device() }
func (m *HadamardLowRank) DType() ml.DType   { return m.w1a.DType() }
