// Package bundle - Persistenz fuer Gewichts-Bundles
//
// Dieses Modul enthaelt:
// - SaveWeights/LoadWeights: Key->Tensor Mappings auf der Platte
// - SaveDecomposition/LoadDecomposition: gecachte Faktorisierungen
//
// Das Format ist gob ueber einem versionierten Header. Es ist ein
// internes Cache- und Export-Format; fremde Checkpoint-Formate werden
// hier nicht gelesen.
package bundle

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/latentd/latentd/lora"
	"github.com/latentd/latentd/ml"
)

const (
	magic   = "latentd-bundle"
	version = 1
)

type header struct {
	Magic   string
	Version int
	Kind    string
}

const (
	kindWeights       = "weights"
	kindDecomposition = "decomposition"
)

// SaveWeights schreibt ein Key->Tensor Mapping atomar auf die Platte
func SaveWeights(path string, weights map[string]*ml.Tensor) error {
	return save(path, kindWeights, weights)
}

// LoadWeights liest ein mit SaveWeights geschriebenes Mapping. Alle
// Tensoren sind nach dem Laden Host-resident.
func LoadWeights(path string) (map[string]*ml.Tensor, error) {
	var weights map[string]*ml.Tensor
	if err := load(path, kindWeights, &weights); err != nil {
		return nil, err
	}
	return weights, nil
}

// SaveDecomposition schreibt gecachte Faktorisierungen auf die Platte
func SaveDecomposition(path string, dec map[string]lora.Decomposition) error {
	return save(path, kindDecomposition, dec)
}

// LoadDecomposition liest mit SaveDecomposition geschriebene
// Faktorisierungen
func LoadDecomposition(path string) (map[string]lora.Decomposition, error) {
	var dec map[string]lora.Decomposition
	if err := load(path, kindDecomposition, &dec); err != nil {
		return nil, err
	}
	return dec, nil
}

// save schreibt erst in eine Temp-Datei und benennt dann um, damit
// ein abgebrochener Schreib-Vorgang keine halbe Datei hinterlaesst
func save(path, kind string, payload any) error {
	f, err := os.CreateTemp(filepath.Dir(path), "bundle-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	enc := gob.NewEncoder(f)
	if err := enc.Encode(header{magic, version, kind}); err != nil {
		f.Close()
		return err
	}
	if err := enc.Encode(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

func load(path, kind string, payload any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := gob.NewDecoder(f)

	var h header
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if h.Magic != magic {
		return fmt.Errorf("not a bundle file: %s", path)
	}
	if h.Version != version {
		return fmt.Errorf("unsupported bundle version %d", h.Version)
	}
	if h.Kind != kind {
		return fmt.Errorf("bundle kind is %q, want %q", h.Kind, kind)
	}

	return dec.Decode(payload)
}
