package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ali-Raza-H/SLM-VisualModel/IO"
	"github.com/Ali-Raza-H/SLM-VisualModel/params"
	"github.com/Ali-Raza-H/SLM-VisualModel/protocol"
	"github.com/Ali-Raza-H/SLM-VisualModel/session"
	"github.com/Ali-Raza-H/SLM-VisualModel/transformer"
)

const (
	promptMsg   = `{"prompt":"Hi","temperature":1,"top_k":1,"top_p":1,"step":true,"viz_layer":1,"viz_head":0}`
	continueMsg = `{"prompt":"","temperature":1,"top_k":1,"top_p":1,"step":true}`
	noStepMsg   = `{"prompt":"","temperature":1,"top_k":1,"top_p":1}`
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gpt, err := transformer.New(params.ModelConfig{
		DModel: 16, HiddenSize: 32, VocabSize: params.MinVocabSize,
		NumHeads: 2, Layers: 2, SeqLen: 16, LNEps: 1e-5, Seed: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	// keep greedy decoding away from EOS so continues always append
	for i := 0; i < gpt.Config.DModel; i++ {
		gpt.Emb.Set(i, params.EOS, 0)
	}
	sess := session.New(gpt, IO.NewByteTokenizer(), rand.New(rand.NewPCG(1, 2)), session.Options{
		Device: "cpu", VizWindow: 8, TopKToSend: 12, FloatDecimals: 4, PrependBOS: true,
	})

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	logger := log.New(io.Discard, "", 0)
	engine := NewEngine(sess, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	ts := httptest.NewServer(New(engine, m, reg, 1, logger).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/step", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func decodeResponse(t *testing.T, b []byte) protocol.Response {
	t.Helper()
	if msg, failed := protocol.IsError(b); failed {
		t.Fatalf("unexpected error response: %s", msg)
	}
	var r protocol.Response
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStepOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	code, b := post(t, ts, promptMsg)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, b)
	}
	first := decodeResponse(t, b)
	// BOS + "Hi" + one sampled token
	if len(first.TokenIDs) != 4 || first.TokenIDs[0] != params.BOS {
		t.Fatalf("token_ids %v", first.TokenIDs)
	}
	if first.Attention.Layer != 1 || len(first.Attention.Matrix) != 3 {
		t.Fatalf("attention view layer=%d rows=%d", first.Attention.Layer, len(first.Attention.Matrix))
	}

	// a malformed request is an error and leaves the session alone
	code, b = post(t, ts, noStepMsg)
	if code != http.StatusBadRequest {
		t.Fatalf("status %d for request without step", code)
	}
	if _, failed := protocol.IsError(b); !failed {
		t.Fatalf("expected error payload, got %s", b)
	}

	code, b = post(t, ts, continueMsg)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, b)
	}
	next := decodeResponse(t, b)
	if len(next.TokenIDs) != len(first.TokenIDs)+1 {
		t.Fatalf("continue after error: %d ids, want %d", len(next.TokenIDs), len(first.TokenIDs)+1)
	}
}

func TestContinueBeforePrompt(t *testing.T) {
	ts := newTestServer(t)
	code, b := post(t, ts, continueMsg)
	msg, failed := protocol.IsError(b)
	if code != http.StatusBadRequest || !failed || msg != session.ErrEmpty.Error() {
		t.Fatalf("status %d body %s", code, b)
	}
}

func TestWebsocketSingleClient(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(promptMsg)); err != nil {
		t.Fatal(err)
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	r := decodeResponse(t, b)
	if len(r.TokenIDs) != 4 {
		t.Fatalf("token_ids %v", r.TokenIDs)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"prompt":`)); err != nil {
		t.Fatal(err)
	}
	_, b, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if _, failed := protocol.IsError(b); !failed {
		t.Fatalf("expected error for truncated JSON, got %s", b)
	}

	// only one client at a time: the second gets an error and a close
	if msg, admitted := dialSecond(t, url); admitted || msg != ErrBusy.Error() {
		t.Fatalf("second client admitted=%v msg=%q", admitted, msg)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, admitted := dialSecond(t, url); admitted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slot not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// dialSecond connects, sends a continue and reports whether the server
// served it; when refused it returns the error message received.
func dialSecond(t *testing.T, url string) (string, bool) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))

	// a refused connection may already be closing; the busy message is
	// buffered ahead of the close either way
	c.WriteMessage(websocket.TextMessage, []byte(continueMsg))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msg, failed := protocol.IsError(b); failed && msg == ErrBusy.Error() {
		return msg, false
	}
	return "", true
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, promptMsg)
	post(t, ts, noStepMsg)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`slm_requests_total{outcome="reset"} 1`,
		`slm_requests_total{outcome="error"} 1`,
		`slm_tokens_generated_total 1`,
		`slm_context_tokens 4`,
		"slm_forward_seconds_count 1",
	} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("metrics missing %q:\n%s", want, b)
		}
	}
}
