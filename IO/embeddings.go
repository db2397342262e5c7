package IO

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

// EmbedSequence builds the initial residual stream (dModel x T):
// column t is emb[:, ids[t]] + pos[:, t].
func EmbedSequence(emb, pos *mat.Dense, ids []int) (*mat.Dense, error) {
	d, v := emb.Dims()
	_, maxT := pos.Dims()
	T := len(ids)
	if T > maxT {
		return nil, fmt.Errorf("embed: %d positions exceed table of %d", T, maxT)
	}
	out := mat.NewDense(d, T, nil)
	for t, id := range ids {
		if id < 0 || id >= v {
			return nil, fmt.Errorf("embed: token id %d outside vocabulary [0,%d)", id, v)
		}
		for i := 0; i < d; i++ {
			out.Set(i, t, emb.At(i, id)+pos.At(i, t))
		}
	}
	return out, nil
}

// Unembed projects x (dModel x T) onto the vocabulary with the tied
// embedding matrix: logits = emb^T x, shape (|V| x T).
func Unembed(emb, x *mat.Dense) *mat.Dense {
	return utils.Dot(emb.T(), x)
}
