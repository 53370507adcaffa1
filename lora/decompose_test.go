// decompose_test.go - Unit Tests fuer Compose/Decompose/KeyAtRank
package lora

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latentd/latentd/ml"
)

func TestComposeScenario(t *testing.T) {
	// Ein linearer Layer "layer0", in=4, out=4, rank=2, alpha=2
	// (Skalierungsfaktor 1.0).
	// Alle Werte sind in float16 exakt darstellbar, daher muss der
	// Compose-Eintrag exakt up x down sein.
	up := ml.New([]float32{
		1, 0,
		0, 1,
		1, 1,
		0.5, -0.5,
	}, 4, 2)
	down := ml.New([]float32{
		1, 2, -1, 0,
		0.5, 1, 1, -2,
	}, 2, 4)

	state := map[string]*ml.Tensor{
		"layer0.lora_up.weight":   up.Clone(),
		"layer0.lora_down.weight": down.Clone(),
		"layer0.alpha":            ml.Scalar(2),
	}

	n, _, err := BuildNetwork("test", state)
	require.NoError(t, err)

	weights, err := n.Compose()
	require.NoError(t, err)

	w, ok := weights["layer0"]
	require.True(t, ok, "Compose-Mapping muss layer0 enthalten")
	require.Equal(t, []int{4, 4}, w.Shape())
	require.Equal(t, ml.DTypeF16, w.DType())

	want, err := up.MatMul(down)
	require.NoError(t, err)
	require.Equal(t, want.Floats(), w.Floats(), "keine zusaetzliche Skalierung bei alpha/rank = 1")

	// Nebeneffekt: einheitliche Platzierung in Speicher-Praezision
	require.Equal(t, ml.DTypeF16, n.DType())
	require.True(t, n.Device().IsCPU())
}

func TestComposeRejectsHadamard(t *testing.T) {
	state := map[string]*ml.Tensor{
		"lora_unet_ff.hada_w1_a": ml.Zeros(4, 2),
		"lora_unet_ff.hada_w1_b": ml.Zeros(2, 4),
		"lora_unet_ff.hada_w2_a": ml.Zeros(4, 2),
		"lora_unet_ff.hada_w2_b": ml.Zeros(2, 4),
	}
	n, _, err := BuildNetwork("test", state)
	require.NoError(t, err)

	_, err = n.Compose()
	require.ErrorIs(t, err, ErrShapeRequired)
}

func TestDecomposeShapesAndTruncation(t *testing.T) {
	weights := map[string]*ml.Tensor{
		"linear": randTensor(6, 4),
		"conv":   randTensor4(5, 3, 3, 3),
		"conv1x1": func() *ml.Tensor {
			return randTensor4(4, 6, 1, 1)
		}(),
	}

	var seen []Progress
	dec, err := Decompose(weights, ml.Accelerator(0), func(p Progress) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, dec, 3)

	// linear (6, 4): U (6, k), S (k), Vh (k, 4)
	lin := dec["linear"]
	require.Equal(t, []int{6, 4}, lin.Shape)
	require.Equal(t, 6, lin.U.Dim(0))
	require.Equal(t, 4, lin.Vh.Dim(1))
	require.True(t, lin.U.Device().IsCPU(), "Ergebnis muss im Host-Speicher liegen")

	// conv (5, 3, 3, 3): geflacht zu (5, 27)
	cv := dec["conv"]
	require.Equal(t, []int{5, 3, 3, 3}, cv.Shape)
	require.Equal(t, 5, cv.U.Dim(0))
	require.Equal(t, 27, cv.Vh.Dim(1))

	// conv1x1 (4, 6, 1, 1): gequetscht zu (4, 6)
	c1 := dec["conv1x1"]
	require.Equal(t, 4, c1.U.Dim(0))
	require.Equal(t, 6, c1.Vh.Dim(1))

	// Callback einmal pro Layer, in sortierter Reihenfolge
	require.Len(t, seen, 3)
	require.Equal(t, Progress{Layer: "conv", Completed: 1, Total: 3}, seen[0])
	require.Equal(t, Progress{Layer: "linear", Completed: 3, Total: 3}, seen[2])
}

func TestPrecomputeDecompositionMemoized(t *testing.T) {
	n, _, err := BuildNetwork("test", map[string]*ml.Tensor{
		"layer0.lora_up.weight":   randTensor(4, 2),
		"layer0.lora_down.weight": randTensor(2, 4),
	})
	require.NoError(t, err)
	require.Nil(t, n.Decomposition())

	calls := 0
	require.NoError(t, n.PrecomputeDecomposition(ml.CPU(), func(Progress) { calls++ }))
	require.Equal(t, 1, calls)
	first := n.Decomposition()
	require.NotNil(t, first)

	// zweiter Aufruf ist ein No-Op: kein weiterer Callback, gleiche Map
	require.NoError(t, n.PrecomputeDecomposition(ml.CPU(), func(Progress) { calls++ }))
	require.Equal(t, 1, calls)
	require.Equal(t, len(first), len(n.Decomposition()))
}

func TestKeyAtRankLinear(t *testing.T) {
	w := randTensor(6, 4)
	dec, err := Decompose(map[string]*ml.Tensor{"layer0": w}, ml.CPU(), nil)
	require.NoError(t, err)

	up, down, alpha, err := KeyAtRank(dec["layer0"], 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int{6, 2}, up.Shape())
	require.Equal(t, []int{2, 4}, down.Shape())
	require.EqualValues(t, 2, alpha)
	require.Equal(t, ml.DTypeF16, up.DType())
	require.Equal(t, ml.DTypeF16, down.DType())
}

func TestKeyAtRankClampsToMinDim(t *testing.T) {
	dec, err := Decompose(map[string]*ml.Tensor{"layer0": randTensor(3, 8)}, ml.CPU(), nil)
	require.NoError(t, err)

	// angeforderter Rang 16 > min(3, 8): effektiver Rang ist 3
	up, down, alpha, err := KeyAtRank(dec["layer0"], 16, 16)
	require.NoError(t, err)
	require.EqualValues(t, 3, alpha)
	require.Equal(t, []int{3, 3}, up.Shape())
	require.Equal(t, []int{3, 8}, down.Shape())
}

func TestKeyAtRankConvUsesConvRank(t *testing.T) {
	dec, err := Decompose(map[string]*ml.Tensor{"conv": randTensor4(8, 4, 3, 3)}, ml.CPU(), nil)
	require.NoError(t, err)

	up, down, alpha, err := KeyAtRank(dec["conv"], 8, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, alpha)
	require.Equal(t, []int{8, 2, 1, 1}, up.Shape())
	require.Equal(t, []int{2, 4, 3, 3}, down.Shape())
}

func TestDecompositionRoundTrip(t *testing.T) {
	// Rekonstruktion bei vollem Rang approximiert das Original bis auf
	// Clamping- und float16-Verluste.
	w := randTensor(6, 4)
	dec, err := Decompose(map[string]*ml.Tensor{"layer0": w}, ml.CPU(), nil)
	require.NoError(t, err)

	up, down, alpha, err := KeyAtRank(dec["layer0"], 4, 4)
	require.NoError(t, err)

	m, err := LowRankFromWeights("test", "layer0", up, down, ml.Scalar(alpha))
	require.NoError(t, err)
	got, err := m.GetWeight(nil)
	require.NoError(t, err)

	// alpha == rank: Skalierungsfaktor 1, Rekonstruktion naehert die
	// compose-quantisierte Matrix an
	composed := w.Clone().To(ml.CPU(), ml.DTypeF16)
	wantVals := composed.Floats()
	gotVals := got.Floats()
	var maxAbs float64
	for _, v := range wantVals {
		if a := float64(v); a > maxAbs {
			maxAbs = a
		} else if -a > maxAbs {
			maxAbs = -a
		}
	}
	for i := range wantVals {
		diff := float64(wantVals[i] - gotVals[i])
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqualf(t, diff, 0.15*maxAbs+1e-2,
			"element %d: want %v, got %v", i, wantVals[i], gotVals[i])
	}
}

// randTensor liefert deterministisch gefuellte Matrizen ohne globalen
// Zufallszustand
func randTensor(r, c int) *ml.Tensor {
	data := make([]float32, r*c)
	v := float32(0.17)
	for i := range data {
		v = v * 3.9 * (1 - v) // logistische Abbildung
		data[i] = v - 0.5
	}
	return ml.New(data, r, c)
}

func randTensor4(a, b, c, d int) *ml.Tensor {
	t := randTensor(a, b*c*d)
	return t.Reshape(a, b, c, d)
}
