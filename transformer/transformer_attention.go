package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*mat.Dense // per head (dHead x dModel)
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense // (dModel x dModel)
}

// Forward runs causal multi-head self-attention over X (dModel x T).
// mask must be (T x T). When record is set the post-softmax weights of every
// head are returned (each T x T); otherwise they are dropped as soon as the
// head is done.
func (attn *Attention) Forward(X, mask *mat.Dense, parallel, record bool) (*mat.Dense, []*mat.Dense) {
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	var weights []*mat.Dense
	if record {
		weights = make([]*mat.Dense, attn.H)
	}

	work := func(h int) {
		var q, k, v, scores mat.Dense
		// Q,K,V
		q.Mul(attn.Wquery[h], X)
		k.Mul(attn.Wkey[h], X)
		v.Mul(attn.Wvalue[h], X)
		// S = (Q^T K)/sqrt(dHead)
		scores.Mul(q.T(), &k)
		scores.Scale(rescale, &scores)
		// A
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, &scores, mask)
		// O = V * A^T, written straight into this head's rows of headsCat
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Mul(&v, a.T())
		if record {
			weights[h] = a
		}
	}
	forEachHead(attn.H, parallel, work)

	return utils.Dot(attn.Woutput, headsCat), weights
}
