package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Matrix functions I'm going to use for the calculations in the program

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// RandomArray returns 'size' samples from U(-1/sqrt(v), 1/sqrt(v)).
func RandomArray(size int, v float64, src rand.Source) []float64 {
	bound := 1.0 / math.Sqrt(v+1e-12)
	u := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = u.Rand()
	}
	return out
}

// NormalArray returns 'size' samples from N(0, sigma^2).
func NormalArray(size int, sigma float64, src rand.Source) []float64 {
	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = n.Rand()
	}
	return out
}

// RowSums returns per-row sums for a mat.Dense.
func RowSums(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = floats.Sum(m.RawRowView(i))
	}
	return out
}

// ColNorms returns the L2 norm of every column of m (d x T) -> T.
func ColNorms(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		out[j] = floats.Norm(col, 2)
	}
	return out
}

// -------- GELU activation (GPT-style, exact erf form) --------
// gelu(x) = 0.5 * x * (1 + erf(x / sqrt(2)))
// Shape-compatible with mat.Dense.Apply (i,j,v) -> value.
func GeluApply(i, j int, x float64) float64 {
	return 0.5 * x * (1.0 + math.Erf(x/math.Sqrt2))
}

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

func LastCol(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, m.At(i, c-1))
	}
	return out
}

// CausalMask returns (T x T) with 0 on and below diagonal, a large negative above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	negInf := -1e30
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, negInf)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
	}
	for i := 0; i < r; i++ {
		mx := m.At(i, 0) + mask.At(i, 0)
		for j := 1; j < c; j++ {
			v := m.At(i, j) + mask.At(i, j)
			if v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) + mask.At(i, j) - mx)
			dst.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)*inv)
		}
	}
	return dst
}

// Softmax returns a probability vector for logits v, stabilised by the max.
func Softmax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	mx := floats.Max(v)
	for i, x := range v {
		out[i] = math.Exp(x - mx)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Round rounds x to the given number of decimals; used to shrink JSON payloads.
func Round(x float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(x*scale) / scale
}

func RoundSlice(v []float64, decimals int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = Round(x, decimals)
	}
	return out
}

// AllFinite reports whether every value is neither NaN nor Inf.
func AllFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
