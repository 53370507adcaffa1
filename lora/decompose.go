// Package lora - Dekompositions-Pipeline
//
// Dieses Modul enthaelt:
// - Compose: dichte Deltas aller Module in Speicher-Praezision
// - Decompose: trunkierte Singulaerwertzerlegung pro Layer
// - PrecomputeDecomposition: memoisierter Einstiegspunkt
// - KeyAtRank: Rekonstruktion eines LowRank-Adapters bei gewaehltem Rang
//   mit ausreisser-robustem Clamping
//
// Dieser Pfad existiert fuer Export und als Dekompositions-Eingabe.
// Er gehoert nicht auf den Inferenz-Pfad pro Generierungsschritt.
package lora

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/latentd/latentd/format"
	"github.com/latentd/latentd/ml"
)

// maxComponents begrenzt die pro Layer gehaltenen Singulaerkomponenten
// und damit den Speicher fuer die nachgelagerte Rang-Auswahl.
const maxComponents = 256

// svdAcceleratorDim: oberhalb dieser Matrixdimension lohnt sich die
// Zerlegung auf dem Accelerator.
const svdAcceleratorDim = 4096

// svdMinThreads: darunter gilt die parallele Rechenkapazitaet des Hosts
// als niedrig und die Zerlegung wandert ebenfalls auf den Accelerator.
const svdMinThreads = 6

// Decomposition ist das trunkierte SVD-Ergebnis eines Layers zusammen
// mit der originalen Gewichts-Shape. Alle vier Felder muessen bei
// Persistenz exakt round-trippen.
type Decomposition struct {
	U     *ml.Tensor
	S     *ml.Tensor
	Vh    *ml.Tensor
	Shape []int
}

// Progress ist der Fortschrittszustand einer laufenden Dekomposition.
// Der Callback ist rein beratend: er darf nicht benutzt werden, um
// geteilten Zustand zu mutieren, und kann nichts abbrechen.
type Progress struct {
	Layer     string
	Completed int
	Total     int
}

// ProgressFunc wird einmal pro verarbeitetem Layer aufgerufen
type ProgressFunc func(Progress)

// Compose berechnet das dichte Delta jedes Moduls in Speicher-Praezision
// (float16), indiziert nach Ziel-Layer-Name. Als Nebeneffekt wird die
// eigene Platzierung des Netzwerks vereinheitlicht: float32 auf der CPU
// waehrend der Berechnung, float16 auf der CPU danach.
func (n *Network) Compose() (map[string]*ml.Tensor, error) {
	n.To(ml.CPU(), ml.DTypeF32)

	out := make(map[string]*ml.Tensor, len(n.modules))
	for _, layer := range n.Layers() {
		m := n.modules[layer]
		w, err := m.GetWeight(nil)
		if err != nil {
			return nil, fmt.Errorf("compose %s: %w", n.name, err)
		}
		out[m.LayerName()] = w.To(ml.CPU(), ml.DTypeF16)
	}

	n.To(ml.CPU(), ml.DTypeF16)
	return out, nil
}

// Decompose zerlegt jede Gewichtsmatrix eines Mappings in (U, S, Vh),
// trunkiert auf maxComponents fuehrende Komponenten. Faltungsgewichte
// mit Kernel >1x1 werden entlang aller Dimensionen ausser der
// Ausgangskanal-Dimension geflacht; 1x1-Kernel und 2-D Gewichte werden
// auf 2-D gequetscht. Grosse Matrizen (Dimension > 4096) oder geringe
// parallele Rechenkapazitaet verlagern die Zerlegung auf device; das
// trunkierte Ergebnis liegt danach immer im Host-Speicher.
func Decompose(weights map[string]*ml.Tensor, device ml.Device, progress ProgressFunc) (map[string]Decomposition, error) {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]Decomposition, len(keys))
	for i, k := range keys {
		w := weights[k]
		shape := w.Shape()

		m := w.Clone().To(ml.CPU(), ml.DTypeF32)
		switch {
		case len(shape) == 4 && !(shape[2] == 1 && shape[3] == 1):
			m = m.Flatten(1)
		case len(shape) == 4:
			m = m.Squeeze()
		}
		if m.NumDims() != 2 {
			return nil, fmt.Errorf("decompose %s: expected a matrix after flattening, got shape %v", k, m.Shape())
		}

		if m.Dim(0) > svdAcceleratorDim || m.Dim(1) > svdAcceleratorDim || runtime.NumCPU() < svdMinThreads {
			m.To(device, ml.DTypeF32)
		}

		u, s, vh, err := ml.SVD(m, maxComponents)
		if err != nil {
			return nil, fmt.Errorf("decompose %s: %w", k, err)
		}

		out[k] = Decomposition{
			U:     u.To(ml.CPU(), ml.DTypeF32),
			S:     s.To(ml.CPU(), ml.DTypeF32),
			Vh:    vh.To(ml.CPU(), ml.DTypeF32),
			Shape: shape,
		}
		size := uint64(u.ByteSize() + s.ByteSize() + vh.ByteSize())
		slog.Debug("decomposed layer", "layer", k, "shape", shape, "components", s.Dim(0), "size", format.HumanBytes2(size))

		if progress != nil {
			progress(Progress{Layer: k, Completed: i + 1, Total: len(keys)})
		}
	}

	return out, nil
}

// PrecomputeDecomposition berechnet Compose und Decompose genau einmal
// pro Netzwerk-Instanz. Weitere Aufrufe nach einem vorhandenen Ergebnis
// sind No-Ops.
func (n *Network) PrecomputeDecomposition(device ml.Device, progress ProgressFunc) error {
	if n.decomposition != nil {
		return nil
	}

	weights, err := n.Compose()
	if err != nil {
		return err
	}
	dec, err := Decompose(weights, device, progress)
	if err != nil {
		return err
	}
	n.decomposition = dec
	return nil
}

// Decomposition gibt das memoisierte Dekompositions-Mapping zurueck,
// oder nil wenn PrecomputeDecomposition noch nicht gelaufen ist.
func (n *Network) Decomposition() map[string]Decomposition {
	return n.decomposition
}

// KeyAtRank rekonstruiert aus einer gecachten Zerlegung einen LowRank-
// Adapter beim angeforderten Rang. Fuer Faltungs-Layer mit Kernel >1x1
// gilt convRank, sonst rank; beides wird auf min(in, out) und die
// verfuegbaren Komponenten geklemmt. Die Singulaerwerte werden in U
// gefaltet, dann werden U und Vh symmetrisch auf das 99%-Quantil der
// Absolutbetraege geklemmt, bevor auf Speicher-Praezision quantisiert
// wird - das begrenzt den Dynamikumfang-Verlust der float16-Ablage.
// Rueckgabe: (up, down, alpha = effektiver Rang).
func KeyAtRank(dec Decomposition, rank, convRank int) (up, down *ml.Tensor, alpha float32, err error) {
	conv := len(dec.Shape) == 4
	conv3x3 := conv && !(dec.Shape[2] == 1 && dec.Shape[3] == 1)
	outDim, inDim := dec.Shape[0], dec.Shape[1]

	newRank := rank
	if conv3x3 {
		newRank = convRank
	}
	if newRank > inDim {
		newRank = inDim
	}
	if newRank > outDim {
		newRank = outDim
	}
	if newRank > dec.S.Dim(0) {
		newRank = dec.S.Dim(0)
	}
	if newRank < 1 {
		return nil, nil, 0, fmt.Errorf("rank %d is not usable for shape %v", newRank, dec.Shape)
	}

	u := dec.U.Narrow(1, newRank)
	s := dec.S.Narrow(0, newRank)
	vh := dec.Vh.Narrow(0, newRank)

	u, err = u.MatMul(ml.Diag(s))
	if err != nil {
		return nil, nil, 0, err
	}

	hi := ml.AbsQuantile(0.99, u, vh)
	u = u.Clamp(-hi, hi)
	vh = vh.Clamp(-hi, hi)

	if conv {
		u = u.Reshape(outDim, newRank, 1, 1)
		vh = vh.Reshape(newRank, inDim, dec.Shape[2], dec.Shape[3])
	}

	up = u.To(ml.CPU(), ml.DTypeF16)
	down = vh.To(ml.CPU(), ml.DTypeF16)
	return up, down, float32(newRank), nil
}
