package transformer

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/IO"
	"github.com/Ali-Raza-H/SLM-VisualModel/params"
	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

var (
	ErrEmptySequence   = errors.New("transformer: empty token sequence")
	ErrContextOverflow = errors.New("transformer: sequence exceeds max_seq_len")
	ErrVizIndex        = errors.New("transformer: visualization layer/head out of range")
	ErrNonFinite       = errors.New("transformer: non-finite logits")
	ErrInternal        = errors.New("transformer: internal fault")
)

// Transformer is the parameter store plus the forward pass. All weights are
// set once by New and only read afterwards, so one instance can serve every
// request of the process.
type Transformer struct {
	Config params.ModelConfig
	Emb    *mat.Dense // (dModel x |V|), reused as the unembedding (tied weights)
	PosEmb *mat.Dense // (dModel x SeqLen)
	Blocks []TransformerBlock
	LnF    *LayerNorm

	HeadParallel bool

	mask *mat.Dense // (SeqLen x SeqLen), sliced per call
}

// ForwardResult holds the introspection tensors of one pass. It is rebuilt on
// every call and never cached.
type ForwardResult struct {
	Layer, Head int
	T           int

	Attention     *mat.Dense // (T x T), rows sum to 1
	MLP           *mat.Dense // (T x d_ff), post-GELU
	ResidualNorms []float64  // (T) after block Layer

	ResidualLastByLayer []float64 // (L) last position, every block
	Logits              []float64 // (|V|) last position
}

// Forward runs the full stack over ids and records internals for the
// (vizLayer, vizHead) pair only. Inputs are checked before any math runs.
func (g *Transformer) Forward(ids []int, vizLayer, vizHead int) (res *ForwardResult, err error) {
	cfg := g.Config
	T := len(ids)
	switch {
	case T == 0:
		return nil, ErrEmptySequence
	case T > cfg.SeqLen:
		return nil, fmt.Errorf("%w: %d > %d", ErrContextOverflow, T, cfg.SeqLen)
	case vizLayer < 0 || vizLayer >= cfg.Layers:
		return nil, fmt.Errorf("%w: layer %d not in [0,%d)", ErrVizIndex, vizLayer, cfg.Layers)
	case vizHead < 0 || vizHead >= cfg.NumHeads:
		return nil, fmt.Errorf("%w: head %d not in [0,%d)", ErrVizIndex, vizHead, cfg.NumHeads)
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	X, err := IO.EmbedSequence(g.Emb, g.PosEmb, ids)
	if err != nil {
		return nil, err
	}
	mask := g.mask.Slice(0, T, 0, T).(*mat.Dense)

	res = &ForwardResult{
		Layer:               vizLayer,
		Head:                vizHead,
		T:                   T,
		ResidualLastByLayer: make([]float64, cfg.Layers),
	}
	for l := range g.Blocks {
		record := l == vizLayer
		var tr blockTrace
		X, tr = g.Blocks[l].Forward(X, mask, g.HeadParallel, record)

		norms := utils.ColNorms(X)
		res.ResidualLastByLayer[l] = norms[T-1]
		if record {
			res.Attention = tr.attn[vizHead]
			res.MLP = mat.DenseCopyOf(tr.act.T())
			res.ResidualNorms = norms
		}
	}
	utils.Debugf("forward: T=%d layer=%d head=%d resid_last=%v", T, vizLayer, vizHead, res.ResidualLastByLayer)

	// logits are only read at the last position
	last := g.LnF.Forward(utils.LastCol(X))
	res.Logits = mat.Col(nil, 0, IO.Unembed(g.Emb, last))
	if !utils.AllFinite(res.Logits) {
		return nil, ErrNonFinite
	}
	return res, nil
}
