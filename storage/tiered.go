// Package storage - Tiered Model Cache
//
// Dieses Modul enthaelt:
// - Policy: Kapazitaets-Limits pro Komponenten-Klasse als Wertobjekt
// - Tiered: Residenz-Index mit Demotion/Eviction zwischen Accelerator
//   und Host-Speicher
//
// Die Auswahl unter gleichermassen verdraengbaren Kandidaten ist
// bewusst ungeordnet (Map-Iteration). Der Vertrag sind die aggregierten
// Zaehler: nach EnforceLimit passt die Belegung beider Tiers in die
// Limits, egal welcher Kandidat gewaehlt wurde.
package storage

import (
	"log/slog"

	"github.com/latentd/latentd/ml"
)

// Policy ist das Kapazitaets-Limit einer Komponenten-Klasse:
// Accelerator-Residenz und Host-Residenz, beide nicht-negativ.
type Policy struct {
	Accelerator int
	Host        int
}

// DefaultPolicies: die Schwergewichts-Klassen erlauben genau eine
// Accelerator-residente Instanz und keine Host-Kopie - eine verdraengte
// Instanz wird verworfen, nicht demoviert, solange Host nicht erhoeht
// wird.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassUNET: {Accelerator: 1, Host: 0},
		ClassCLIP: {Accelerator: 1, Host: 0},
		ClassVAE:  {Accelerator: 1, Host: 0},
		ClassSR:   {Accelerator: 1, Host: 0},
	}
}

// Tiered ist der Residenz-Cache fuer Schwergewichts-Komponenten,
// indiziert nach Klasse und Name.
type Tiered struct {
	policy map[Class]Policy
	loaded map[Class]map[string]Component
}

// NewTiered erstellt einen leeren Cache mit der gegebenen Policy
func NewTiered(policy map[Class]Policy) *Tiered {
	return &Tiered{
		policy: policy,
		loaded: map[Class]map[string]Component{},
	}
}

// Get gibt die residente Komponente zurueck, falls vorhanden
func (t *Tiered) Get(class Class, name string) (Component, bool) {
	c, ok := t.loaded[class][name]
	return c, ok
}

// Put fuegt eine Komponente in den Index ein
func (t *Tiered) Put(class Class, name string, c Component) {
	if t.loaded[class] == nil {
		t.loaded[class] = map[string]Component{}
	}
	t.loaded[class][name] = c
}

// Limited meldet ob die Klasse harten Limits unterliegt
func (t *Tiered) Limited(class Class) bool {
	_, ok := t.policy[class]
	return ok
}

// Names gibt die Namen aller residenten Komponenten einer Klasse zurueck
func (t *Tiered) Names(class Class) []string {
	names := make([]string, 0, len(t.loaded[class]))
	for n := range t.loaded[class] {
		names = append(names, n)
	}
	return names
}

// Count zaehlt die residenten Komponenten einer Klasse pro Tier
func (t *Tiered) Count(class Class) (accelerator, host int) {
	for _, c := range t.loaded[class] {
		if c.Device().IsCPU() {
			host++
		} else {
			accelerator++
		}
	}
	return accelerator, host
}

// DropClass verwirft alle residenten Komponenten einer Klasse
func (t *Tiered) DropClass(class Class) {
	delete(t.loaded, class)
}

// DropAll verwirft alle residenten Komponenten
func (t *Tiered) DropAll() {
	t.loaded = map[Class]map[string]Component{}
}

// EnforceLimit setzt die Kapazitaets-Limits der Klasse gegen die
// Platzierung einer Komponente auf device durch. exclude ist der Name
// der Komponente unter Platzierung; sie belegt ihren Ziel-Tier-Slot
// bereits in der Zaehlung. Ueberzaehlige Accelerator-Residenten werden
// auf den Host demoviert solange dort Kapazitaet frei ist, sonst
// verworfen; ueberzaehlige Host-Residenten werden verworfen.
func (t *Tiered) EnforceLimit(exclude string, class Class, device ml.Device) {
	pol, ok := t.policy[class]
	if !ok {
		return
	}

	foundAccel, foundHost := 0, 0
	if device.IsCPU() {
		foundHost++
	} else {
		foundAccel++
	}

	for name, c := range t.loaded[class] {
		if name == exclude {
			continue
		}
		inHost := c.Device().IsCPU()

		if foundAccel >= pol.Accelerator && !inHost {
			if foundHost < pol.Host {
				slog.Info("demoting component to host memory", "class", class, "name", name)
				c.To(ml.CPU(), c.DType())
				foundHost++
			} else {
				slog.Info("evicting component", "class", class, "name", name, "tier", "accelerator")
				delete(t.loaded[class], name)
			}
			continue
		}

		if foundHost >= pol.Host && inHost {
			slog.Info("evicting component", "class", class, "name", name, "tier", "host")
			delete(t.loaded[class], name)
			continue
		}

		if inHost {
			foundHost++
		} else {
			foundAccel++
		}
	}
}
