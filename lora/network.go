// Package lora - Adapter-Netzwerk
//
// Dieses Modul enthaelt:
// - Network: benannte Sammlung von Adapter-Modulen, indiziert nach
//   Ziel-Layer-Name
// - BuildNetwork: Konstruktion aus einem serialisierten Faktor-Satz
//   (Partitionierung des flachen Key-Raums, Varianten-Klassifikation)
// - NetworkFromLayers: Konstruktion ueber den Layern eines Basismodells
// - BuildReport: Diagnose fuer unvollstaendige Faktor-Saetze
package lora

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/latentd/latentd/ml"
)

// Serialisierte Key-Konventionen fuer einen Ziel-Layer L
const (
	suffixDown  = ".lora_down.weight"
	suffixUp    = ".lora_up.weight"
	suffixAlpha = ".alpha"

	suffixW1A = ".hada_w1_a"
	suffixW1B = ".hada_w1_b"
	suffixW2A = ".hada_w2_a"
	suffixW2B = ".hada_w2_b"

	// Nicht unterstuetzte Formate: ein einziger Key mit einem dieser
	// Marker laesst den gesamten Ladevorgang fatal fehlschlagen.
	markerKronecker = ".lokr_"
	markerMid       = ".mid_"
)

// AttachState beschreibt den Attach-Zustand eines Netzwerks
type AttachState int

const (
	Unattached AttachState = iota
	AttachedDynamic
	AttachedStatic
)

func (s AttachState) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case AttachedDynamic:
		return "dynamic"
	case AttachedStatic:
		return "static"
	default:
		return fmt.Sprintf("AttachState(%d)", int(s))
	}
}

// BuildReport meldet Diskrepanzen beim Laden, die den Ladevorgang nicht
// abbrechen: Partitionen, denen erwartete Parameter-Keys fehlen, werden
// uebersprungen und hier fuer die Diagnose des Aufrufers gesammelt.
type BuildReport struct {
	// Missing enthaelt die fehlenden Keys uebersprungener Partitionen
	Missing []string
}

// Network ist eine benannte Sammlung von Adapter-Modulen mit eindeutigen
// Ziel-Layer-Namen. Die Dekomposition wird pro Instanz hoechstens einmal
// berechnet (memoisiert) und lebt bis zur Eviction des Netzwerks.
type Network struct {
	name    string
	modules map[string]Module

	// decomposition ist nil bis zum ersten PrecomputeDecomposition
	decomposition map[string]Decomposition

	state AttachState
}

// BuildNetwork partitioniert den flachen Key-Raum eines serialisierten
// Faktor-Satzes nach gemeinsamem Layer-Namen-Praefix und baut pro
// Partition ein Modul. Partitionen mit Hadamard-Keys werden als
// HadamardLowRank klassifiziert, alle anderen als LowRank. Keys mit
// Kronecker- oder Middle-Factor-Markern sind fatal.
func BuildNetwork(name string, weights map[string]*ml.Tensor) (*Network, *BuildReport, error) {
	for k := range weights {
		if strings.Contains(k, markerKronecker) {
			return nil, nil, fmt.Errorf("adapter %s: key %q: %w", name, k, ErrKroneckerUnsupported)
		}
		if strings.Contains(k, markerMid) {
			return nil, nil, fmt.Errorf("adapter %s: key %q: %w", name, k, ErrMidUnsupported)
		}
	}

	layers := make(map[string]struct{})
	for k := range weights {
		prefix, _, _ := strings.Cut(k, ".")
		layers[prefix] = struct{}{}
	}

	names := make([]string, 0, len(layers))
	for l := range layers {
		names = append(names, l)
	}
	sort.Strings(names)

	n := &Network{
		name:    name,
		modules: make(map[string]Module, len(names)),
	}
	report := &BuildReport{}

	for _, layer := range names {
		alpha := weights[layer+suffixAlpha]

		var m Module
		if _, isHada := weights[layer+suffixW1A]; isHada {
			missing := missingKeys(weights, layer, suffixW1A, suffixW1B, suffixW2A, suffixW2B)
			if len(missing) > 0 {
				report.Missing = append(report.Missing, missing...)
				continue
			}
			var err error
			m, err = HadamardFromWeights(name, layer,
				weights[layer+suffixW1A], weights[layer+suffixW1B],
				weights[layer+suffixW2A], weights[layer+suffixW2B], alpha)
			if err != nil {
				return nil, nil, err
			}
		} else {
			missing := missingKeys(weights, layer, suffixUp, suffixDown)
			if len(missing) > 0 {
				report.Missing = append(report.Missing, missing...)
				continue
			}
			var err error
			m, err = LowRankFromWeights(name, layer,
				weights[layer+suffixUp], weights[layer+suffixDown], alpha)
			if err != nil {
				return nil, nil, err
			}
		}
		n.modules[layer] = m
	}

	if len(report.Missing) > 0 {
		slog.Warn("adapter state is missing parameter keys", "adapter", name, "missing", report.Missing)
	}

	return n, report, nil
}

func missingKeys(weights map[string]*ml.Tensor, layer string, suffixes ...string) []string {
	var missing []string
	for _, s := range suffixes {
		if _, ok := weights[layer+s]; !ok {
			missing = append(missing, layer+s)
		}
	}
	return missing
}

// NetworkFromLayers baut ein leeres LowRank-Netzwerk ueber den Layern
// eines Basismodells (Trainings-Startpunkt). Faltungs-Ziele werden am
// Layer-Namen erkannt ("resnet", "sample") und bei conv=false
// uebersprungen.
func NetworkFromLayers(name string, layers map[string]BaseLayer, rank int, alpha float32, conv bool) (*Network, error) {
	n := &Network{
		name:    name,
		modules: make(map[string]Module, len(layers)),
	}

	for layer, base := range layers {
		isConv := strings.Contains(layer, "resnet") || strings.Contains(layer, "sample")
		if isConv && !conv {
			continue
		}
		m, err := LowRankFromLayer(name, layer, base, rank, alpha)
		if err != nil {
			return nil, err
		}
		n.modules[layer] = m
	}

	return n, nil
}

// Name gibt den Netzwerk-Namen zurueck
func (n *Network) Name() string { return n.name }

// State gibt den aktuellen Attach-Zustand zurueck
func (n *Network) State() AttachState { return n.state }

// Len gibt die Anzahl der enthaltenen Module zurueck
func (n *Network) Len() int { return len(n.modules) }

// Module gibt das Modul fuer einen Ziel-Layer zurueck
func (n *Network) Module(layer string) (Module, bool) {
	m, ok := n.modules[layer]
	return m, ok
}

// Layers gibt die Ziel-Layer-Namen sortiert zurueck
func (n *Network) Layers() []string {
	names := make([]string, 0, len(n.modules))
	for l := range n.modules {
		names = append(names, l)
	}
	sort.Strings(names)
	return names
}

// SetStrength setzt den Laufzeit-Multiplikator aller Module. Bereits
// statisch gemergte Module sind davon nicht betroffen.
func (n *Network) SetStrength(strength float32) {
	for _, m := range n.modules {
		m.SetMultiplier(strength)
	}
}

// To verschiebt alle Module auf Device und Praezision
func (n *Network) To(device ml.Device, dtype ml.DType) {
	for _, m := range n.modules {
		m.To(device, dtype)
	}
}

// Device gibt das Device des Netzwerks zurueck. Leere Netzwerke liegen
// auf der CPU. Expliziter Accessor statt Attribut-Durchgriff auf einen
// darunterliegenden Parameter.
func (n *Network) Device() ml.Device {
	for _, m := range n.modules {
		return m.Device()
	}
	return ml.CPU()
}

// DType gibt die Speicher-Praezision des Netzwerks zurueck
func (n *Network) DType() ml.DType {
	for _, m := range n.modules {
		return m.DType()
	}
	return ml.DTypeF32
}
