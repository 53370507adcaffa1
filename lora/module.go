// Package lora - Adapter-Module
//
// Dieses Modul enthaelt:
// - Module: Interface fuer Low-Rank Adapter-Varianten
// - BaseLayer/LinearLayer/ConvLayer: Kollaborator-Interfaces fuer
//   Ziel-Layer eines Basismodells
// - Fehlerwerte fuer nicht unterstuetzte Operationen und Formate
//
// Es gibt genau zwei Varianten: LowRank (lora_up x lora_down) und
// HadamardLowRank (elementweises Produkt zweier Faktor-Paare). Beide
// implementieren GetWeight und Apply vollstaendig; Dispatch laeuft
// ueber das Interface, nicht ueber Laufzeit-Typpruefungen im Aufrufer.
package lora

import (
	"errors"

	"github.com/latentd/latentd/ml"
)

var (
	// ErrKroneckerUnsupported - LoKR-Dateien werden nicht geladen
	ErrKroneckerUnsupported = errors.New("kronecker-factor (lokr) adapters are not supported")

	// ErrMidUnsupported - CP-Decomposition-Dateien werden nicht geladen
	ErrMidUnsupported = errors.New("cp-decomposition (mid) adapters are not supported")

	// ErrShapeRequired - Hadamard-Rekonstruktion braucht eine Ziel-Shape
	ErrShapeRequired = errors.New("hadamard adapter requires an explicit target shape")

	// ErrNoMerge - Hadamard-Adapter koennen nicht in Basisgewichte gemerged werden
	ErrNoMerge = errors.New("hadamard adapters cannot be merged into a base model")
)

// Module ist ein einzelnes Low-Rank Gewichts-Delta fuer einen Ziel-Layer.
// Immutabel bis auf Device/Praezisions-Platzierung und den Laufzeit-
// Multiplikator bei dynamischem Attach. Der effektive Skalierungsfaktor
// jeder Rekonstruktion ist immer Alpha/Rank.
type Module interface {
	NetworkName() string
	LayerName() string
	Rank() int
	Alpha() float32

	// GetWeight rekonstruiert das dichte Delta. shape ist fuer LowRank
	// optional (nil) und fuer HadamardLowRank verpflichtend.
	GetWeight(shape []int) (*ml.Tensor, error)

	// Apply wendet das Delta auf eine Aktivierung an, ohne das dichte
	// Delta zu materialisieren wo moeglich. original liefert Shape und
	// Faltungsparameter des Ziel-Layers.
	Apply(x *ml.Tensor, original BaseLayer) (*ml.Tensor, error)

	// Multiplier ist die Laufzeit-Blendstaerke bei dynamischem Attach.
	// Statisch gemergte Module ignorieren sie.
	Multiplier() float32
	SetMultiplier(m float32)

	To(device ml.Device, dtype ml.DType)
	Device() ml.Device
	DType() ml.DType
}

// BaseLayer ist die minimale Sicht auf einen Ziel-Layer des Basismodells
type BaseLayer interface {
	WeightShape() []int
}

// LinearLayer beschreibt einen linearen Ziel-Layer
type LinearLayer interface {
	BaseLayer
	InFeatures() int
	OutFeatures() int
}

// ConvLayer beschreibt einen Faltungs-Ziel-Layer
type ConvLayer interface {
	BaseLayer
	InChannels() int
	OutChannels() int
	Kernel() int
	Stride() int
	Padding() int
}

// ConvParams haelt die Faltungs-Metadaten eines Conv-Adapters
type ConvParams struct {
	Kernel  int
	Stride  int
	Padding int
}
