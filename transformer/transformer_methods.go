package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/params"
	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *LayerNorm
	Ln2  *LayerNorm
}

// blockTrace is what one block exposes besides its output. Attention and
// activations are only filled in for the block being visualized.
type blockTrace struct {
	attn []*mat.Dense // per head (T x T)
	act  *mat.Dense   // (h x T)
}

// Initalization

// New builds a freshly initialized, untrained model. It is a pure function of
// cfg (including cfg.Seed): the same config always yields the same weights.
func New(cfg params.ModelConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	dModel, hidden := cfg.DModel, cfg.HiddenSize

	gpt := &Transformer{
		Config: cfg,
		Emb:    mat.NewDense(dModel, cfg.VocabSize, utils.NormalArray(dModel*cfg.VocabSize, 1, src)),
		PosEmb: mat.NewDense(dModel, cfg.SeqLen, utils.NormalArray(dModel*cfg.SeqLen, 1, src)),
		Blocks: make([]TransformerBlock, cfg.Layers),
		LnF:    NewLayerNorm(dModel, cfg.LNEps),
		mask:   utils.CausalMask(cfg.SeqLen),
	}

	for i := range cfg.Layers {
		gpt.Blocks[i] = TransformerBlock{
			Attn: NewAttention(dModel, cfg.NumHeads, src),
			Mlp:  NewMLP(dModel, hidden, src),
			Ln1:  NewLayerNorm(dModel, cfg.LNEps),
			Ln2:  NewLayerNorm(dModel, cfg.LNEps),
		}
	}
	return gpt, nil
}

func NewAttention(dModel, nHeads int, src rand.Source) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*mat.Dense, nHeads),
		Wkey:   make([]*mat.Dense, nHeads),
		Wvalue: make([]*mat.Dense, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), src))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), src))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), src))
	}
	attn.Woutput = mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel), src))
	return attn
}

func NewMLP(dModel, hidden int, src rand.Source) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: mat.NewDense(hidden, dModel, utils.RandomArray(dModel*hidden, float64(dModel), src)),
		HiddenBias:    mat.NewDense(hidden, 1, utils.RandomArray(hidden, float64(dModel), src)),
		OutputWeights: mat.NewDense(dModel, hidden, utils.RandomArray(hidden*dModel, float64(hidden), src)),
		OutputBias:    mat.NewDense(dModel, 1, utils.RandomArray(dModel, float64(hidden), src)),
	}
}

// Forward applies one pre-LN block with residuals:
//
//	x = x + Attn(Ln1(x))
//	x = x + MLP(Ln2(x))
func (b *TransformerBlock) Forward(X, mask *mat.Dense, parallel, record bool) (*mat.Dense, blockTrace) {
	attnOut, weights := b.Attn.Forward(b.Ln1.Forward(X), mask, parallel, record)
	xRes := utils.Add(X, attnOut)
	mlpOut, act := b.Mlp.Forward(b.Ln2.Forward(xRes))
	tr := blockTrace{attn: weights}
	if record {
		tr.act = act
	}
	return utils.Add(xRes, mlpOut), tr
}
