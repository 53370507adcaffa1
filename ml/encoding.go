// Package ml - Serialisierung
//
// Tensoren werden ueber gob persistiert (fs/bundle). Das Device wird
// bewusst nicht mitgeschrieben: geladene Tensoren liegen immer im
// Host-Speicher.
package ml

import (
	"bytes"
	"encoding/gob"
)

type tensorWire struct {
	Shape []int
	DType DType
	Data  []float32
}

func (t *Tensor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(tensorWire{
		Shape: t.shape,
		DType: t.dtype,
		Data:  t.data,
	})
	return buf.Bytes(), err
}

func (t *Tensor) GobDecode(b []byte) error {
	var w tensorWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return err
	}
	if w.Shape == nil {
		w.Shape = []int{}
	}
	t.shape = w.Shape
	t.dtype = w.DType
	t.device = CPU()
	t.data = w.Data
	return nil
}
