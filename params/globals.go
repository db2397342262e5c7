package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Special token ids, placed right after the 256 byte ids.
const (
	ByteVocabSize = 256
	BOS           = 256
	EOS           = 257
	PAD           = 258
	MinVocabSize  = 259
)

type ModelConfig struct {
	DModel     int // model width
	HiddenSize int // MLP hidden (d_ff)
	VocabSize  int // |V|
	NumHeads   int // attention heads
	Layers     int // how many times attn --> mlp happens
	SeqLen     int // max context length
	LNEps      float64
	Seed       uint64 // weight init seed
}

func (c ModelConfig) DHead() int { return c.DModel / c.NumHeads }

func (c ModelConfig) Validate() error {
	switch {
	case c.DModel <= 0, c.HiddenSize <= 0, c.NumHeads <= 0, c.Layers <= 0, c.SeqLen <= 0:
		return fmt.Errorf("model config: sizes must be positive (%+v)", c)
	case c.DModel%c.NumHeads != 0:
		return fmt.Errorf("model config: d_model %d not divisible by %d heads", c.DModel, c.NumHeads)
	case c.VocabSize < MinVocabSize:
		return fmt.Errorf("model config: vocab size %d < %d", c.VocabSize, MinVocabSize)
	case c.LNEps <= 0:
		return errors.New("model config: layer norm eps must be > 0")
	}
	return nil
}

type ServeConfig struct {
	Addr          string
	Device        string // auto | cpu
	MaxClients    int    // concurrent websocket connections admitted
	VizWindow     int    // positions shown in attention/mlp/residual views
	TopKToSend    int    // ranked candidates sent to the client
	FloatDecimals int
	PrependBOS    bool
	SampleSeed    uint64 // 0 = seed from the clock
}

type RuntimeConfig struct {
	Model        ModelConfig
	Serve        ServeConfig
	HeadParallel bool // fan attention heads out to goroutines
	Debug        bool // enable debug logs
}

// Backend names the BLAS implementation gonum is using. Build tags may override it.
var Backend = "gonum"

var Config = RuntimeConfig{
	Model: ModelConfig{
		DModel:     128,
		HiddenSize: 256,
		VocabSize:  MinVocabSize, // bytes + BOS/EOS/PAD
		NumHeads:   4,            // dHead = DModel/NumHeads
		Layers:     4,
		SeqLen:     128,
		LNEps:      1e-5,
		Seed:       1337,
	},
	Serve: ServeConfig{
		Addr:          "localhost:8765",
		Device:        "auto",
		MaxClients:    1,
		VizWindow:     32,
		TopKToSend:    12,
		FloatDecimals: 4,
		PrependBOS:    true,
	},
	HeadParallel: os.Getenv("HEAD_PAR") == "1",
	Debug:        os.Getenv("SLM_DEBUG") == "1",
}

// LoadEnv applies SLM_* environment overrides to c.
func LoadEnv(c *RuntimeConfig) error {
	if v := os.Getenv("SLM_DEVICE"); v != "" {
		c.Serve.Device = v
	}
	if v := os.Getenv("SLM_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SLM_SEED: %w", err)
		}
		c.Model.Seed = n
	}
	if v := os.Getenv("SLM_SAMPLE_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SLM_SAMPLE_SEED: %w", err)
		}
		c.Serve.SampleSeed = n
	}
	return nil
}

// ResolveDevice maps a requested device name onto what this build can run.
// Only the CPU path exists; asking for cuda is an error rather than a silent fallback.
func ResolveDevice(requested string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", "auto", "cpu":
		return "cpu", nil
	case "cuda", "gpu":
		return "", fmt.Errorf("SLM_DEVICE=%s requested but this build has no GPU backend (backend=%s)", requested, Backend)
	}
	return "", fmt.Errorf("unknown SLM_DEVICE=%q. Use auto|cpu", requested)
}
