// Package lora - Attach/Detach auf ein Basismodell
//
// Dieses Modul enthaelt:
// - Model/AdapterHost: Kollaborator-Interfaces des Ziel-Modells
// - Attach: statisches Mergen oder dynamisches Einblenden aller Module
// - Detach: Loesen eines dynamisch angehaengten Netzwerks
//
// Zustandsmaschine pro Netzwerk:
//
//	Unattached -> (Attach dynamisch) -> AttachedDynamic -> (Detach) -> Unattached
//	Unattached -> (Attach statisch)  -> AttachedStatic (terminal fuer diese Modell-Instanz)
//
// Die Umkehr eines statischen Attach verlangt das Wiederherstellen der
// aufgezeichneten Baseline-Staerke und das Neuladen makelloser Gewichte
// der betroffenen Klassen (storage.ClearModified).
package lora

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrAlreadyAttached - das Netzwerk haengt bereits an einem Modell
	ErrAlreadyAttached = errors.New("network is already attached")

	// ErrStaticAttached - statisch gemergte Netzwerke koennen nicht geloest werden
	ErrStaticAttached = errors.New("statically merged network cannot be detached")
)

// layerPrefix wird beim Aufloesen des Ziel-Layers vom Modul-Namen
// gestrippt: Adapter-Keys tragen ihn, die Layer-Registry des Modells
// nicht.
const layerPrefix = "lora_"

// AdapterHost ist ein Layer des Basismodells, der Adapter-Module
// annehmen kann: statisch (Delta in die eigenen Gewichte mergen) oder
// dynamisch (lebende Referenz halten und pro Forward-Pass mit dem
// Laufzeit-Multiplikator einblenden).
type AdapterHost interface {
	AttachAdapter(m Module, static bool) error
	DetachAdapter(network string)
}

// Model ist die Sicht des Adapters auf das Ziel-Modell: Layer-Lookup
// ueber den gestrippten Namen, Registry statisch angehaengter Netzwerke
// und Lese-/Schreibzugriff auf die Baseline-Staerke pro Netzwerk-Name.
type Model interface {
	AdapterTarget(name string) (AdapterHost, bool)
	StaticAttached(network string) bool
	RecordStatic(network string, baseline float32)
	Strength(network string) float32
}

// Attach haengt alle Module an die passenden Layer des Modells an.
// Statisches Attach ist pro Netzwerk-Name und Modell idempotent: ist
// der Name bereits registriert, ist der Aufruf ein No-Op. Vor dem
// ersten statischen Merge wird die aktuelle Baseline-Staerke des
// Modells aufgezeichnet, damit der Merge spaeter umkehrbar bleibt.
func (n *Network) Attach(model Model, static bool) error {
	if static && model.StaticAttached(n.name) {
		slog.Debug("network already statically attached", "network", n.name)
		return nil
	}
	if n.state != Unattached {
		return fmt.Errorf("network %s (%s): %w", n.name, n.state, ErrAlreadyAttached)
	}

	if static {
		model.RecordStatic(n.name, model.Strength(n.name))
	}

	attached := 0
	for _, layer := range n.Layers() {
		m := n.modules[layer]
		target := strings.TrimPrefix(m.LayerName(), layerPrefix)
		host, ok := model.AdapterTarget(target)
		if !ok {
			continue
		}
		if err := host.AttachAdapter(m, static); err != nil {
			return fmt.Errorf("network %s: layer %s: %w", n.name, layer, err)
		}
		attached++
	}

	if static {
		n.state = AttachedStatic
	} else {
		n.state = AttachedDynamic
	}
	slog.Info("attached adapter network", "network", n.name, "mode", n.state, "layers", attached)
	return nil
}

// Detach loest ein dynamisch angehaengtes Netzwerk von allen Layern.
// Statisch gemergte Netzwerke sind terminal (ErrStaticAttached).
func (n *Network) Detach(model Model) error {
	switch n.state {
	case Unattached:
		return nil
	case AttachedStatic:
		return fmt.Errorf("network %s: %w", n.name, ErrStaticAttached)
	}

	for _, layer := range n.Layers() {
		m := n.modules[layer]
		target := strings.TrimPrefix(m.LayerName(), layerPrefix)
		if host, ok := model.AdapterTarget(target); ok {
			host.DetachAdapter(n.name)
		}
	}

	n.state = Unattached
	slog.Info("detached adapter network", "network", n.name)
	return nil
}
