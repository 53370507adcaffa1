// Package ml - Singulaerwertzerlegung
//
// Dieses Modul enthaelt:
// - SVD: duenne Singulaerwertzerlegung mit sofortiger Trunkierung
//   auf eine begrenzte Anzahl fuehrender Komponenten
package ml

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SVD zerlegt eine 2-D Matrix in U, S und Vh und trunkiert das Ergebnis
// sofort auf hoechstens maxComponents fuehrende Singulaerkomponenten.
// Das begrenzt den Speicher fuer die nachgelagerte Rang-Auswahl.
//
// Shapes: t (m, n) -> U (m, k), S (k), Vh (k, n) mit
// k = min(maxComponents, m, n).
func SVD(t *Tensor, maxComponents int) (u, s, vh *Tensor, err error) {
	if t.NumDims() != 2 {
		return nil, nil, nil, fmt.Errorf("svd requires a 2-D tensor, got shape %v", t.Shape())
	}
	if maxComponents < 1 {
		return nil, nil, nil, fmt.Errorf("svd requires a positive component bound, got %d", maxComponents)
	}

	var svd mat.SVD
	if ok := svd.Factorize(t.dense(), mat.SVDThin); !ok {
		return nil, nil, nil, fmt.Errorf("svd failed to converge for shape %v", t.Shape())
	}

	var um, vm mat.Dense
	svd.UTo(&um)
	svd.VTo(&vm)
	values := svd.Values(nil)

	k := len(values)
	if maxComponents < k {
		k = maxComponents
	}

	m := t.Dim(0)
	n := t.Dim(1)

	uData := make([]float32, m*k)
	for i := 0; i < m; i++ {
		for j := 0; j < k; j++ {
			uData[i*k+j] = float32(um.At(i, j))
		}
	}

	sData := make([]float32, k)
	for i := 0; i < k; i++ {
		sData[i] = float32(values[i])
	}

	// V wird transponiert abgelegt: Vh (k, n)
	vhData := make([]float32, k*n)
	for i := 0; i < k; i++ {
		for j := 0; j < n; j++ {
			vhData[i*n+j] = float32(vm.At(j, i))
		}
	}

	device := t.Device()
	u = New(uData, m, k)
	u.device = device
	s = New(sData, k)
	s.device = device
	vh = New(vhData, k, n)
	vh.device = device
	return u, s, vh, nil
}
