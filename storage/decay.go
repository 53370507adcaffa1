// Package storage - Decaying Adapter Cache
//
// Dieses Modul enthaelt:
// - DecaySet: Cache ohne Residenz-Limit fuer Adapter, Hypernetzwerke
//   und Conditioning-Netze
//
// Ein einzelner Request kann beliebig viele Adapter referenzieren,
// darum gibt es kein hartes Limit. Stattdessen wird nach jedem Request
// jeder Resident verworfen, dessen Name nicht in der Used-Menge des
// Requests steht. Das tauscht Cache-Hit-Rate gegen beschraenktes
// Speicherwachstum bei Long-Tail-Adapter-Nutzung; innerhalb eines
// Requests wird derselbe Adapter nie neu geladen.
//
// Eine Host-Speicher-Decay-Stufe (Accelerator -> Host -> weg) ist als
// Erweiterungspunkt reserviert, aber standardmaessig nicht aktiv.
package storage

import (
	"log/slog"
	"strings"
)

// DecaySet haelt die residenten Decay-Komponenten pro Klasse
type DecaySet struct {
	loaded map[Class]map[string]Component
}

// NewDecaySet erstellt einen leeren Decay-Cache
func NewDecaySet() *DecaySet {
	return &DecaySet{loaded: map[Class]map[string]Component{}}
}

// Get gibt die residente Komponente zurueck, falls vorhanden
func (d *DecaySet) Get(class Class, name string) (Component, bool) {
	c, ok := d.loaded[class][name]
	return c, ok
}

// Put fuegt eine Komponente in den Index ein
func (d *DecaySet) Put(class Class, name string, c Component) {
	if d.loaded[class] == nil {
		d.loaded[class] = map[string]Component{}
	}
	d.loaded[class][name] = c
}

// Names gibt die Namen aller residenten Komponenten einer Klasse zurueck
func (d *DecaySet) Names(class Class) []string {
	names := make([]string, 0, len(d.loaded[class]))
	for n := range d.loaded[class] {
		names = append(names, n)
	}
	return names
}

// DropAll verwirft alle residenten Komponenten
func (d *DecaySet) DropAll() {
	d.loaded = map[Class]map[string]Component{}
}

// Prune verwirft jeden Residenten der Klasse, dessen Name nicht von der
// Used-Menge des abgeschlossenen Requests abgedeckt ist. Gibt die
// Anzahl der Evictions zurueck.
func (d *DecaySet) Prune(class Class, used []string) int {
	evicted := 0
	for name := range d.loaded[class] {
		if matchesUsed(name, used) {
			continue
		}
		slog.Debug("decaying unused network", "class", class, "name", name)
		delete(d.loaded[class], name)
		evicted++
	}
	return evicted
}

// matchesUsed prueft ob ein residenter Name von einem Used-Eintrag
// abgedeckt ist: exakt gleich, oder der Resident ist ein Datei-Pfad,
// der den Kurznamen als "/<name>." enthaelt.
func matchesUsed(name string, used []string) bool {
	for _, u := range used {
		if name == u || strings.Contains(name, "/"+u+".") {
			return true
		}
	}
	return false
}
