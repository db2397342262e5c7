package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ali-Raza-H/SLM-VisualModel/sampling"
)

var lim = Limits{Layers: 4, Heads: 4}

func TestDecodeRequest(t *testing.T) {
	got, err := DecodeRequest([]byte(`{"prompt":"Hi","temperature":0.8,"top_k":5,"top_p":0.9,"step":true,"viz_layer":3,"viz_head":1,"extra":[1,2]}`), lim)
	if err != nil {
		t.Fatal(err)
	}
	want := Request{
		Prompt:   "Hi",
		Sampling: sampling.Params{Temperature: 0.8, TopK: 5, TopP: 0.9},
		VizLayer: 3,
		VizHead:  1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DecodeRequest (-want +got):\n%s", diff)
	}
}

func TestDecodeRequestDefaultsViz(t *testing.T) {
	got, err := DecodeRequest([]byte(`{"prompt":"","temperature":1,"top_k":0,"top_p":1,"step":true}`), lim)
	if err != nil {
		t.Fatal(err)
	}
	if got.VizLayer != 0 || got.VizHead != 0 || got.Prompt != "" {
		t.Fatalf("defaults: %+v", got)
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"prompt":`,
		"array":         `[1,2,3]`,
		"missing step":  `{"prompt":"","temperature":1,"top_k":0,"top_p":1}`,
		"step false":    `{"prompt":"","temperature":1,"top_k":0,"top_p":1,"step":false}`,
		"missing temp":  `{"prompt":"","top_k":0,"top_p":1,"step":true}`,
		"null":          `null`,
		"string top_k":  `{"prompt":"","temperature":1,"top_k":"5","top_p":1,"step":true}`,
		"fractional k":  `{"prompt":"","temperature":1,"top_k":2.5,"top_p":1,"step":true}`,
		"prompt number": `{"prompt":3,"temperature":1,"top_k":0,"top_p":1,"step":true}`,
	}
	for name, in := range cases {
		if _, err := DecodeRequest([]byte(in), lim); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestDecodeRequestOutOfRange(t *testing.T) {
	cases := map[string]string{
		"temp zero":  `{"prompt":"","temperature":0,"top_k":0,"top_p":1,"step":true}`,
		"neg top_k":  `{"prompt":"","temperature":1,"top_k":-1,"top_p":1,"step":true}`,
		"top_p zero": `{"prompt":"","temperature":1,"top_k":0,"top_p":0,"step":true}`,
		"top_p >1":   `{"prompt":"","temperature":1,"top_k":0,"top_p":1.01,"step":true}`,
		"layer":      `{"prompt":"","temperature":1,"top_k":0,"top_p":1,"step":true,"viz_layer":4}`,
		"head":       `{"prompt":"","temperature":1,"top_k":0,"top_p":1,"step":true,"viz_head":-1}`,
	}
	for name, in := range cases {
		if _, err := DecodeRequest([]byte(in), lim); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("%s: err = %v, want ErrOutOfRange", name, err)
		}
	}
}

func TestEncodeRequestDecodes(t *testing.T) {
	req := Request{Prompt: "<x>", Sampling: sampling.Params{Temperature: 0.7, TopK: 3, TopP: 0.5}, VizLayer: 2, VizHead: 3}
	b, err := EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(b, lim)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestEncodeResponseFields(t *testing.T) {
	r := &Response{
		TokenIDs: []int{256, 72},
		Tokens:   []string{"<BOS>", "H"},
		Sampled:  sampling.Candidate{ID: 72, Token: "H", Prob: 0.5},
		TopK:     []sampling.Candidate{{ID: 72, Token: "H", Prob: 0.5}},
		Meta:     Meta{Device: "cpu", MaxSeqLen: 128},
	}
	b, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"<BOS>"`) {
		t.Fatalf("special pieces should not be HTML-escaped: %s", b)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"token_ids", "tokens", "tokens_start", "generated", "sampled", "topk", "attention", "mlp", "residual", "residual_layers_last", "meta"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("response missing %q: %s", k, b)
		}
	}
	if _, ok := m["error"]; ok {
		t.Fatal("success response carries error")
	}
	if _, failed := IsError(b); failed {
		t.Fatal("IsError true for a success response")
	}
}

func TestEncodeError(t *testing.T) {
	b := EncodeError(errors.New("Only step=true is supported."))
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if len(m) != 1 || m["error"] != "Only step=true is supported." {
		t.Fatalf("error payload %s", b)
	}
	if msg, failed := IsError(b); !failed || msg != "Only step=true is supported." {
		t.Fatalf("IsError = %q, %v", msg, failed)
	}
}
