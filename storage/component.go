// Package storage - Komponenten- und Kollaborator-Interfaces
//
// Dieses Modul enthaelt:
// - Class: Komponenten-Klassen (UNET, CLIP, VAE, SR, LoRA, HN, CN)
// - Component: residentes Schwergewichts-Objekt mit Device/Praezision
// - Builder: klassen-spezifische Konstruktion aus rohen Gewichten
// - Source: Kollaborator fuer Datei-Aufloesung und Roh-Gewichte
//
// Formaterkennung und -konvertierung auf der Platte sind bewusst
// Sache des Source-Kollaborators: dieser Cache parst keine Dateiformate.
package storage

import (
	"github.com/latentd/latentd/ml"
)

// Class ist die Komponenten-Klasse eines gecachten Modells
type Class string

const (
	ClassUNET Class = "UNET"
	ClassCLIP Class = "CLIP"
	ClassVAE  Class = "VAE"
	ClassSR   Class = "SR"

	// Klassen des Decay-Caches: beliebig viele gleichzeitig resident
	ClassLoRA Class = "LoRA"
	ClassHN   Class = "HN"
	ClassCN   Class = "CN"
)

// decayClasses haben kein hartes Limit; sie werden pro Request gegen
// die Used-Menge verdraengt
var decayClasses = map[Class]bool{
	ClassLoRA: true,
	ClassHN:   true,
	ClassCN:   true,
}

// Component ist ein residentes Objekt des Caches. Device- und
// Praezisions-Verschiebungen mutieren die eigenen Tensoren in-place
// und sind nicht nebenlaeufig mit Lesern desselben Objekts sicher.
type Component interface {
	Device() ml.Device
	DType() ml.DType
	To(device ml.Device, dtype ml.DType)
}

// Builder konstruiert aus einem rohen Key->Tensor Mapping eine nutzbare
// Komponenten-Instanz in der gegebenen Praezision. Der Cache ruft ihn
// nur beim ersten Zugriff auf einen Namen.
type Builder func(name string, weights map[string]*ml.Tensor, dtype ml.DType) (Component, error)

// Source loest Komponenten-Namen zu Datei-Pfaden auf und laedt rohe
// Gewichts-Mappings, partitioniert nach Komponenten-Klasse. Discovery
// und Format-Konvertierung leben vollstaendig hinter diesem Interface.
type Source interface {
	// Lookup gibt den Datei-Pfad fuer einen Namen zurueck
	Lookup(class Class, name string) (path string, ok bool)

	// Names listet alle bekannten Namen einer Klasse
	Names(class Class) []string

	// Load laedt eine Datei und gibt ihre Sub-Mappings pro Klasse zurueck
	Load(path string) (map[Class]map[string]*ml.Tensor, error)
}
