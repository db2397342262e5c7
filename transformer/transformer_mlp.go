package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense // (h x d), (h x 1)
	OutputWeights, OutputBias *mat.Dense // (d x h), (d x 1)
}

// Forward returns the block output (d x T) and the post-GELU activations (h x T).
func (mlp *MLP) Forward(X *mat.Dense) (out, act *mat.Dense) {
	hiddenLin := utils.Dot(mlp.HiddenWeights, X)              // (h x T)
	hiddenWithBias := utils.AddBias(hiddenLin, mlp.HiddenBias) // (h x T)
	act = utils.Apply(utils.GeluApply, hiddenWithBias)
	finalLin := utils.Dot(mlp.OutputWeights, act) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias), act
}
