package params

import "testing"

func TestDefaultConfigValid(t *testing.T) {
	if err := Config.Model.Validate(); err != nil {
		t.Fatal(err)
	}
	if Config.Model.DHead() != 32 {
		t.Fatalf("DHead = %d", Config.Model.DHead())
	}
}

func TestValidateRejects(t *testing.T) {
	base := Config.Model
	cases := map[string]func(*ModelConfig){
		"zero layers":  func(c *ModelConfig) { c.Layers = 0 },
		"uneven heads": func(c *ModelConfig) { c.NumHeads = 3 },
		"small vocab":  func(c *ModelConfig) { c.VocabSize = ByteVocabSize },
		"zero eps":     func(c *ModelConfig) { c.LNEps = 0 },
		"negative seq": func(c *ModelConfig) { c.SeqLen = -1 },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SLM_DEVICE", "cpu")
	t.Setenv("SLM_SEED", "42")
	t.Setenv("SLM_SAMPLE_SEED", "7")
	c := Config
	if err := LoadEnv(&c); err != nil {
		t.Fatal(err)
	}
	if c.Serve.Device != "cpu" || c.Model.Seed != 42 || c.Serve.SampleSeed != 7 {
		t.Fatalf("env not applied: %+v", c)
	}

	t.Setenv("SLM_SEED", "nope")
	if err := LoadEnv(&c); err == nil {
		t.Fatal("expected parse error for SLM_SEED")
	}
}

func TestResolveDevice(t *testing.T) {
	for _, in := range []string{"", "auto", " CPU "} {
		got, err := ResolveDevice(in)
		if err != nil || got != "cpu" {
			t.Errorf("ResolveDevice(%q) = %q, %v", in, got, err)
		}
	}
	for _, in := range []string{"cuda", "tpu"} {
		if _, err := ResolveDevice(in); err == nil {
			t.Errorf("ResolveDevice(%q): expected error", in)
		}
	}
}
