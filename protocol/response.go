package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/Ali-Raza-H/SLM-VisualModel/sampling"
)

type AttentionView struct {
	Layer  int         `json:"layer"`
	Head   int         `json:"head"`
	Matrix [][]float64 `json:"matrix"`
}

type MLPView struct {
	Layer       int         `json:"layer"`
	Activations [][]float64 `json:"activations"`
	WindowStart int         `json:"window_start"`
}

type ResidualView struct {
	Layer       int       `json:"layer"`
	Norms       []float64 `json:"norms"`
	WindowStart int       `json:"window_start"`
}

type Meta struct {
	Device    string  `json:"device"`
	Backend   string  `json:"backend"`
	Done      bool    `json:"done"`
	T         int     `json:"t"`
	MaxSeqLen int     `json:"max_seq_len"`
	VizWindow int     `json:"viz_window"`
	Layers    int     `json:"n_layers"`
	Heads     int     `json:"n_heads"`
	VocabSize int     `json:"vocab_size"`
	Seed      uint64  `json:"seed"`
	ForwardMS float64 `json:"forward_ms"`
}

// Response is one successful step. Every field is always present.
type Response struct {
	TokenIDs           []int                `json:"token_ids"`
	Tokens             []string             `json:"tokens"`
	TokensStart        int                  `json:"tokens_start"`
	Generated          string               `json:"generated"`
	Sampled            sampling.Candidate   `json:"sampled"`
	TopK               []sampling.Candidate `json:"topk"`
	Attention          AttentionView        `json:"attention"`
	MLP                MLPView              `json:"mlp"`
	Residual           ResidualView         `json:"residual"`
	ResidualLayersLast []float64            `json:"residual_layers_last"`
	Meta               Meta                 `json:"meta"`
}

// ErrorResponse replaces the whole payload when a request fails.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Encode serializes r without HTML escaping so pieces like "<BOS>" stay readable.
func Encode(r *Response) ([]byte, error) {
	return marshal(r)
}

// EncodeError never fails; a message is always producible.
func EncodeError(err error) []byte {
	b, mErr := marshal(ErrorResponse{Error: err.Error()})
	if mErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return b
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// IsError reports whether a raw message is an error response.
func IsError(data []byte) (string, bool) {
	var probe struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Error == nil {
		return "", false
	}
	return *probe.Error, true
}
