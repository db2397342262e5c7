// Package sampling turns final-position logits into one next-token choice.
//
// The order of operations is fixed: temperature, softmax, top-k (with
// renormalization), top-p over what top-k kept (with renormalization), then a
// single draw from the caller's random source.
package sampling

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

var ErrInvalidParams = errors.New("sampling: invalid parameters")

type Params struct {
	Temperature float64 // > 0
	TopK        int     // 0 disables
	TopP        float64 // (0, 1], 1 disables
}

func (p Params) Validate() error {
	switch {
	case math.IsNaN(p.Temperature) || math.IsInf(p.Temperature, 0) || p.Temperature <= 0:
		return fmt.Errorf("%w: temperature must be > 0, got %v", ErrInvalidParams, p.Temperature)
	case p.TopK < 0:
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidParams, p.TopK)
	case math.IsNaN(p.TopP) || p.TopP <= 0 || p.TopP > 1:
		return fmt.Errorf("%w: top_p must be in (0, 1], got %v", ErrInvalidParams, p.TopP)
	}
	return nil
}

type Candidate struct {
	ID    int     `json:"id"`
	Token string  `json:"token"`
	Prob  float64 `json:"prob"`
}

type Result struct {
	ID     int
	Token  string
	Prob   float64     // final, post-renormalization probability of ID
	Ranked []Candidate // every surviving id, descending probability
}

// Vocabulary names ids for display.
type Vocabulary interface {
	Piece(id int) string
}

type Sampler struct {
	Vocab Vocabulary
}

func New(v Vocabulary) *Sampler { return &Sampler{Vocab: v} }

// Sample picks one id from logits. rng is advanced by exactly one draw when
// the call succeeds and is left untouched when it fails.
func (s *Sampler) Sample(logits []float64, p Params, rng *rand.Rand) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if len(logits) == 0 {
		return Result{}, fmt.Errorf("%w: empty logits", ErrInvalidParams)
	}
	if rng == nil {
		return Result{}, fmt.Errorf("%w: nil random source", ErrInvalidParams)
	}

	scaled := make([]float64, len(logits))
	copy(scaled, logits)
	floats.Scale(1/p.Temperature, scaled)
	probs := utils.Softmax(scaled)
	if !utils.AllFinite(probs) {
		return Result{}, fmt.Errorf("%w: non-finite distribution at temperature %v", ErrInvalidParams, p.Temperature)
	}

	// Sort descending by prob; the stable sort keeps lower ids first on ties.
	ranked := make([]int, len(probs))
	for i := range ranked {
		ranked[i] = i
	}
	slices.SortStableFunc(ranked, func(a, b int) int { return cmp.Compare(probs[b], probs[a]) })

	kept := make([]float64, len(ranked))
	for i, id := range ranked {
		kept[i] = probs[id]
	}

	// Apply top-k
	if p.TopK > 0 && p.TopK < len(ranked) {
		ranked, kept = ranked[:p.TopK], kept[:p.TopK]
		renormalize(kept)
	}

	// Apply top-p (nucleus) over what top-k kept
	if p.TopP < 1 {
		cut := len(kept)
		cum := 0.0
		for i, pr := range kept {
			cum += pr
			if cum >= p.TopP {
				cut = i + 1
				break
			}
		}
		ranked, kept = ranked[:cut], kept[:cut]
		renormalize(kept)
	}

	// Sample
	// fallback for rounding at the tail: the last candidate with mass
	pick := len(kept) - 1
	for pick > 0 && kept[pick] == 0 {
		pick--
	}
	u := rng.Float64()
	cum := 0.0
	for i, pr := range kept {
		cum += pr
		if u < cum {
			pick = i
			break
		}
	}

	out := Result{
		ID:     ranked[pick],
		Prob:   kept[pick],
		Ranked: make([]Candidate, len(ranked)),
	}
	for i, id := range ranked {
		out.Ranked[i] = Candidate{ID: id, Token: s.piece(id), Prob: kept[i]}
	}
	out.Token = s.piece(out.ID)
	return out, nil
}

func (s *Sampler) piece(id int) string {
	if s.Vocab == nil {
		return fmt.Sprint(id)
	}
	return s.Vocab.Piece(id)
}

func renormalize(p []float64) {
	if sum := floats.Sum(p); sum > 0 {
		floats.Scale(1/sum, p)
	}
}
