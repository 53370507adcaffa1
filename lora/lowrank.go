// Package lora - LowRank-Variante
//
// Dieses Modul enthaelt:
// - LowRank: klassischer Adapter aus Down- und Up-Faktor
// - LowRankFromWeights: Konstruktion aus serialisierten Faktor-Tensoren
//   mit Heuristik fuer Stride und Padding
// - LowRankFromLayer: Konstruktion aus einem lebenden Basis-Layer
package lora

import (
	"fmt"
	"strings"

	"github.com/latentd/latentd/ml"
)

// LowRank haelt einen Down-Faktor (rank, in[, k, k]) und einen Up-Faktor
// (out, rank[, 1, 1]). Das rekonstruierte Delta ist up x down, skaliert
// mit Alpha/Rank.
type LowRank struct {
	network string
	layer   string
	rank    int
	alpha   float32

	down *ml.Tensor
	up   *ml.Tensor

	// conv ist nil fuer lineare Ziele
	conv *ConvParams

	multiplier float32
}

// LowRankFromWeights baut ein LowRank-Modul aus serialisierten Faktoren.
// Faltungs-Ziele werden am Tensor-Rang des Down-Faktors erkannt (>2
// Dimensionen). Stride und Padding werden heuristisch abgeleitet:
// Kernel 3 -> Padding 1, sonst 0; Layer-Namen mit Downsampling-Marker
// ("downsamplers", "op") -> Stride 2, sonst 1.
func LowRankFromWeights(network, layer string, up, down, alpha *ml.Tensor) (*LowRank, error) {
	if up == nil || down == nil {
		return nil, fmt.Errorf("lora %s: layer %s is missing factor tensors", network, layer)
	}

	rank := down.Dim(0)
	m := &LowRank{
		network:    network,
		layer:      layer,
		rank:       rank,
		alpha:      alphaOrRank(alpha, rank),
		down:       down,
		up:         up,
		multiplier: 1,
	}

	if down.NumDims() > 2 {
		kernel := down.Dim(2)
		padding := 0
		if kernel == 3 {
			padding = 1
		}
		stride := 1
		if strings.Contains(layer, "downsamplers") || strings.Contains(layer, "op") {
			stride = 2
		}
		m.conv = &ConvParams{Kernel: kernel, Stride: stride, Padding: padding}
	}

	return m, nil
}

// LowRankFromLayer baut ein leeres LowRank-Modul ueber einem lebenden
// Basis-Layer. Kanalzahlen, Kernel, Stride und Padding kommen direkt
// aus dem Layer, ohne Heuristik. Die Faktoren sind mit Null initialisiert
// (Trainings-Startpunkt: das Delta ist die Nullfunktion).
func LowRankFromLayer(network, layer string, base BaseLayer, rank int, alpha float32) (*LowRank, error) {
	if rank < 1 {
		return nil, fmt.Errorf("lora %s: layer %s: rank must be positive, got %d", network, layer, rank)
	}
	if alpha == 0 {
		alpha = float32(rank)
	}

	m := &LowRank{
		network:    network,
		layer:      layer,
		rank:       rank,
		alpha:      alpha,
		multiplier: 1,
	}

	switch l := base.(type) {
	case ConvLayer:
		k := l.Kernel()
		m.conv = &ConvParams{Kernel: k, Stride: l.Stride(), Padding: l.Padding()}
		m.down = ml.Zeros(rank, l.InChannels(), k, k)
		m.up = ml.Zeros(l.OutChannels(), rank, 1, 1)
	case LinearLayer:
		m.down = ml.Zeros(rank, l.InFeatures())
		m.up = ml.Zeros(l.OutFeatures(), rank)
	default:
		return nil, fmt.Errorf("lora %s: layer %s: unsupported base layer type %T", network, layer, base)
	}

	return m, nil
}

func alphaOrRank(alpha *ml.Tensor, rank int) float32 {
	if alpha == nil {
		return float32(rank)
	}
	return alpha.Item()
}

func (m *LowRank) NetworkName() string { return m.network }
func (m *LowRank) LayerName() string   { return m.layer }
func (m *LowRank) Rank() int           { return m.rank }
func (m *LowRank) Alpha() float32      { return m.alpha }

// Conv gibt die Faltungsparameter zurueck, oder nil fuer lineare Ziele
func (m *LowRank) Conv() *ConvParams { return m.conv }

func (m *LowRank) Multiplier() float32     { return m.multiplier }
func (m *LowRank) SetMultiplier(v float32) { m.multiplier = v }

// scale ist der effektive Skalierungsfaktor Alpha/Rank
func (m *LowRank) scale() float64 {
	return float64(m.alpha) / float64(m.rank)
}

// GetWeight rekonstruiert das dichte Delta: up x down, skaliert mit
// Alpha/Rank. Linear: (out, in). Faltung: beide Faktoren werden ueber
// die hinteren Dimensionen geflacht, multipliziert und auf
// (out, in, k, k) zurueckgeformt. shape wird ignoriert.
func (m *LowRank) GetWeight(shape []int) (*ml.Tensor, error) {
	if m.conv == nil {
		w, err := m.up.MatMul(m.down)
		if err != nil {
			return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
		}
		return w.Scale(m.scale()), nil
	}

	out := m.up.Dim(0)
	in := m.down.Dim(1)
	k := m.conv.Kernel

	w, err := m.up.Flatten(1).MatMul(m.down.Flatten(1))
	if err != nil {
		return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
	}
	return w.Reshape(out, in, k, k).Scale(m.scale()), nil
}

// Apply wendet das Delta als zwei aufeinanderfolgende Projektionen an
// (erst down, dann up), das Ergebnis mit Alpha/Rank nachskaliert. Das
// dichte Delta wird nie materialisiert - bei rank << min(in, out) ist
// das deutlich billiger. Die Skalierung haengt an genau einer Stelle,
// damit auch negative Alphas exakt den GetWeight-Pfad reproduzieren.
func (m *LowRank) Apply(x *ml.Tensor, original BaseLayer) (*ml.Tensor, error) {
	if m.conv == nil {
		h, err := ml.Linear(x, m.down)
		if err != nil {
			return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
		}
		y, err := ml.Linear(h, m.up)
		if err != nil {
			return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
		}
		return y.Scale(m.scale()), nil
	}

	h, err := ml.Conv2D(x, m.down, m.conv.Stride, m.conv.Padding)
	if err != nil {
		return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
	}
	y, err := ml.Conv2D(h, m.up, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("lora %s: layer %s: %w", m.network, m.layer, err)
	}
	return y.Scale(m.scale()), nil
}

func (m *LowRank) To(device ml.Device, dtype ml.DType) {
	m.down.To(device, dtype)
	m.up.To(device, dtype)
}

func (m *LowRank) Device() ml.Device { return m.down.Device() }
func (m *LowRank) DType() ml.DType   { return m.down.DType() }
