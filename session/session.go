// Package session owns the running token sequence of the single conversation
// the engine serves and turns each request into one forward pass plus one
// sample.
package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/Ali-Raza-H/SLM-VisualModel/IO"
	"github.com/Ali-Raza-H/SLM-VisualModel/params"
	"github.com/Ali-Raza-H/SLM-VisualModel/protocol"
	"github.com/Ali-Raza-H/SLM-VisualModel/sampling"
	"github.com/Ali-Raza-H/SLM-VisualModel/transformer"
	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

type State int

const (
	Empty State = iota
	Active
	Finished
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Active:
		return "ACTIVE"
	case Finished:
		return "FINISHED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrEmpty         = errors.New("Empty session. Send a non-empty prompt first.")
	ErrPromptTooLong = errors.New("prompt too long")
)

// Options are the display and tokenization knobs of a session.
type Options struct {
	Device        string
	VizWindow     int
	TopKToSend    int
	FloatDecimals int
	PrependBOS    bool
}

func OptionsFrom(c params.ServeConfig, device string) Options {
	return Options{
		Device:        device,
		VizWindow:     c.VizWindow,
		TopKToSend:    c.TopKToSend,
		FloatDecimals: c.FloatDecimals,
		PrependBOS:    c.PrependBOS,
	}
}

// Session is not safe for concurrent use; the server funnels every request
// through one goroutine.
type Session struct {
	model   *transformer.Transformer
	tok     *IO.ByteTokenizer
	sampler *sampling.Sampler
	rng     *rand.Rand
	opts    Options

	ids   []int
	done  bool
	steps int // successful samples since the last reset
	last  *protocol.Response
}

// New creates an EMPTY session. rng is never reseeded by the session, so a
// reset does not rewind randomness.
func New(model *transformer.Transformer, tok *IO.ByteTokenizer, rng *rand.Rand, opts Options) *Session {
	if opts.VizWindow <= 0 {
		opts.VizWindow = model.Config.SeqLen
	}
	return &Session{
		model:   model,
		tok:     tok,
		sampler: sampling.New(tok),
		rng:     rng,
		opts:    opts,
	}
}

func (s *Session) State() State {
	switch {
	case len(s.ids) == 0:
		return Empty
	case s.done:
		return Finished
	}
	return Active
}

func (s *Session) TokenIDs() []int { return slices.Clone(s.ids) }

func (s *Session) Done() bool { return s.done }

// Last is the most recent successful response, nil before the first step.
func (s *Session) Last() *protocol.Response { return s.last }

func (s *Session) Limits() protocol.Limits {
	return protocol.Limits{Layers: s.model.Config.Layers, Heads: s.model.Config.NumHeads}
}

// Reset replaces the sequence with the encoded prompt and clears done. It
// does not run the model. A prompt must leave room for at least one sampled
// token.
func (s *Session) Reset(prompt string) error {
	ids, err := s.encode(prompt)
	if err != nil {
		return err
	}
	s.ids, s.done, s.steps, s.last = ids, false, 0, nil
	return nil
}

func (s *Session) encode(prompt string) ([]int, error) {
	ids := s.tok.EncodePrompt(prompt, s.opts.PrependBOS)
	if limit := s.model.Config.SeqLen; len(ids) >= limit {
		return nil, fmt.Errorf("%w: %d tokens, max_seq_len is %d", ErrPromptTooLong, len(ids), limit)
	}
	return ids, nil
}

// Step handles one request. A non-empty prompt resets and then generates
// one token; an empty prompt continues. Nothing is committed unless the
// whole step succeeds.
func (s *Session) Step(req protocol.Request) (*protocol.Response, error) {
	if err := req.Validate(s.Limits()); err != nil {
		return nil, err
	}

	ids, steps := s.ids, s.steps
	if req.Prompt != "" {
		var err error
		if ids, err = s.encode(req.Prompt); err != nil {
			return nil, err
		}
		steps = 0
	} else {
		switch s.State() {
		case Empty:
			return nil, ErrEmpty
		case Finished:
			return s.last, nil
		}
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}

	start := time.Now()
	fwd, err := s.model.Forward(ids, req.VizLayer, req.VizHead)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	pick, err := s.sampler.Sample(fwd.Logits, req.Sampling, s.rng)
	if err != nil {
		return nil, err
	}

	next := append(slices.Clone(ids), pick.ID)
	done := pick.ID == s.tok.EOS || len(next) >= s.model.Config.SeqLen
	steps++
	resp := s.respond(next, done, steps, fwd, pick, elapsed)
	utils.Debugf("session: t=%d sampled=%d p=%.4f done=%v", steps, pick.ID, pick.Prob, done)

	s.ids, s.done, s.steps, s.last = next, done, steps, resp
	return resp, nil
}

func (s *Session) respond(ids []int, done bool, steps int, fwd *transformer.ForwardResult, pick sampling.Result, elapsed time.Duration) *protocol.Response {
	cfg, dec := s.model.Config, s.opts.FloatDecimals

	// Views cover the last w positions of the pass that produced the sample.
	w := min(s.opts.VizWindow, fwd.T)
	ws := fwd.T - w

	tokStart := max(0, len(ids)-s.opts.VizWindow)

	ranked := pick.Ranked
	if n := s.opts.TopKToSend; n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	topk := make([]sampling.Candidate, len(ranked))
	for i, c := range ranked {
		topk[i] = sampling.Candidate{ID: c.ID, Token: c.Token, Prob: utils.Round(c.Prob, dec)}
	}

	return &protocol.Response{
		TokenIDs:    slices.Clone(ids),
		Tokens:      s.tok.Pieces(ids[tokStart:]),
		TokensStart: tokStart,
		Generated:   s.tok.Decode(ids),
		Sampled:     sampling.Candidate{ID: pick.ID, Token: pick.Token, Prob: utils.Round(pick.Prob, dec)},
		TopK:        topk,
		Attention: protocol.AttentionView{
			Layer:  fwd.Layer,
			Head:   fwd.Head,
			Matrix: window(fwd.Attention.Slice(ws, fwd.T, ws, fwd.T), dec),
		},
		MLP: protocol.MLPView{
			Layer:       fwd.Layer,
			Activations: window(fwd.MLP.Slice(ws, fwd.T, 0, cfg.HiddenSize), dec),
			WindowStart: ws,
		},
		Residual: protocol.ResidualView{
			Layer:       fwd.Layer,
			Norms:       utils.RoundSlice(fwd.ResidualNorms[ws:], dec),
			WindowStart: ws,
		},
		ResidualLayersLast: utils.RoundSlice(fwd.ResidualLastByLayer, dec),
		Meta: protocol.Meta{
			Device:    s.opts.Device,
			Backend:   params.Backend,
			Done:      done,
			T:         steps,
			MaxSeqLen: cfg.SeqLen,
			VizWindow: s.opts.VizWindow,
			Layers:    cfg.Layers,
			Heads:     cfg.NumHeads,
			VocabSize: cfg.VocabSize,
			Seed:      cfg.Seed,
			ForwardMS: utils.Round(float64(elapsed.Microseconds())/1000, 3),
		},
	}
}

// window copies m row by row into nested slices, rounded.
func window(m mat.Matrix, decimals int) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range r {
		out[i] = utils.RoundSlice(mat.Row(nil, i, m), decimals)
	}
	return out
}
