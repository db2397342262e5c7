// Package protocol is the wire contract between the engine and a visualization
// client: one JSON request in, one JSON response (or {"error": ...}) out.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Ali-Raza-H/SLM-VisualModel/sampling"
)

var (
	ErrMalformed  = errors.New("malformed request")
	ErrOutOfRange = errors.New("parameter out of range")
)

// Request is a validated step request.
type Request struct {
	Prompt   string // non-empty resets the session
	Sampling sampling.Params
	VizLayer int
	VizHead  int
}

// Limits bounds the visualization indices a request may ask for.
type Limits struct {
	Layers int
	Heads  int
}

// rawRequest mirrors the wire object; pointers tell "missing" from "zero".
type rawRequest struct {
	Prompt      *string  `json:"prompt"`
	Temperature *float64 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float64 `json:"top_p"`
	Step        *bool    `json:"step"`
	VizLayer    *int     `json:"viz_layer"`
	VizHead     *int     `json:"viz_head"`
}

// DecodeRequest parses and validates one request. Required: prompt,
// temperature, top_k, top_p, step (must be true). viz_layer and viz_head
// default to 0. Unknown fields are ignored. Out-of-range values are rejected,
// never clamped.
func DecodeRequest(data []byte, lim Limits) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var missing []string
	if raw.Prompt == nil {
		missing = append(missing, "prompt")
	}
	if raw.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if raw.TopK == nil {
		missing = append(missing, "top_k")
	}
	if raw.TopP == nil {
		missing = append(missing, "top_p")
	}
	if raw.Step == nil {
		missing = append(missing, "step")
	}
	if len(missing) > 0 {
		return Request{}, fmt.Errorf("%w: missing required field(s) %v", ErrMalformed, missing)
	}
	if !*raw.Step {
		return Request{}, fmt.Errorf("%w: only step=true is supported", ErrMalformed)
	}

	req := Request{
		Prompt: *raw.Prompt,
		Sampling: sampling.Params{
			Temperature: *raw.Temperature,
			TopK:        *raw.TopK,
			TopP:        *raw.TopP,
		},
	}
	if raw.VizLayer != nil {
		req.VizLayer = *raw.VizLayer
	}
	if raw.VizHead != nil {
		req.VizHead = *raw.VizHead
	}
	if err := req.Validate(lim); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate(lim Limits) error {
	if err := r.Sampling.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	if r.VizLayer < 0 || r.VizLayer >= lim.Layers {
		return fmt.Errorf("%w: viz_layer %d not in [0,%d)", ErrOutOfRange, r.VizLayer, lim.Layers)
	}
	if r.VizHead < 0 || r.VizHead >= lim.Heads {
		return fmt.Errorf("%w: viz_head %d not in [0,%d)", ErrOutOfRange, r.VizHead, lim.Heads)
	}
	return nil
}

// EncodeRequest is the client-side counterpart, used by the CLI and tests.
func EncodeRequest(r Request) ([]byte, error) {
	prompt, step := r.Prompt, true
	temp, topP := r.Sampling.Temperature, r.Sampling.TopP
	topK, layer, head := r.Sampling.TopK, r.VizLayer, r.VizHead
	return json.Marshal(rawRequest{
		Prompt:      &prompt,
		Temperature: &temp,
		TopK:        &topK,
		TopP:        &topP,
		Step:        &step,
		VizLayer:    &layer,
		VizHead:     &head,
	})
}
