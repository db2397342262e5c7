package main

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Ali-Raza-H/SLM-VisualModel/IO"
	"github.com/Ali-Raza-H/SLM-VisualModel/params"
	"github.com/Ali-Raza-H/SLM-VisualModel/server"
	"github.com/Ali-Raza-H/SLM-VisualModel/session"
	"github.com/Ali-Raza-H/SLM-VisualModel/transformer"
	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

var logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)

var rootCmd = &cobra.Command{
	Use:           "slmviz",
	Short:         "Step an untrained tiny GPT one token at a time and watch its internals",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// env first, explicit flags win
		if err := params.LoadEnv(&params.Config); err != nil {
			return err
		}
		return applyFlags(cmd)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the step protocol over websocket and HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Uint64("seed", params.Config.Model.Seed, "weight init seed (env SLM_SEED)")
	pf.Uint64("sample-seed", 0, "sampler seed, 0 seeds from the clock (env SLM_SAMPLE_SEED)")
	pf.String("device", params.Config.Serve.Device, "auto|cpu (env SLM_DEVICE)")
	pf.Bool("head-par", params.Config.HeadParallel, "compute attention heads in parallel (env HEAD_PAR=1)")
	pf.Bool("debug", params.Config.Debug, "verbose forward/sampling logs (env SLM_DEBUG=1)")
	pf.Int("viz-window", params.Config.Serve.VizWindow, "positions shown in attention/mlp/residual views")
	pf.Bool("bos", params.Config.Serve.PrependBOS, "prepend BOS to prompts")

	serveCmd.Flags().String("addr", params.Config.Serve.Addr, "listen address")
	serveCmd.Flags().Int("max-clients", params.Config.Serve.MaxClients, "concurrent websocket clients")

	rootCmd.AddCommand(serveCmd, stepCmd, chatCmd, tokenizeCmd)
}

func applyFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	c := &params.Config
	var err error
	if f.Changed("seed") {
		c.Model.Seed, err = f.GetUint64("seed")
	}
	if err == nil && f.Changed("sample-seed") {
		c.Serve.SampleSeed, err = f.GetUint64("sample-seed")
	}
	if err == nil && f.Changed("device") {
		c.Serve.Device, err = f.GetString("device")
	}
	if err == nil && f.Changed("head-par") {
		c.HeadParallel, err = f.GetBool("head-par")
	}
	if err == nil && f.Changed("debug") {
		c.Debug, err = f.GetBool("debug")
	}
	if err == nil && f.Changed("viz-window") {
		c.Serve.VizWindow, err = f.GetInt("viz-window")
	}
	if err == nil && f.Changed("bos") {
		c.Serve.PrependBOS, err = f.GetBool("bos")
	}
	if err == nil && f.Lookup("addr") != nil && f.Changed("addr") {
		c.Serve.Addr, err = f.GetString("addr")
	}
	if err == nil && f.Lookup("max-clients") != nil && f.Changed("max-clients") {
		c.Serve.MaxClients, err = f.GetInt("max-clients")
	}
	return err
}

// newSession builds the model and an EMPTY session from params.Config.
func newSession() (*session.Session, error) {
	c := params.Config
	device, err := params.ResolveDevice(c.Serve.Device)
	if err != nil {
		return nil, err
	}

	t1 := time.Now()
	gpt, err := transformer.New(c.Model)
	if err != nil {
		return nil, err
	}
	gpt.HeadParallel = c.HeadParallel
	logger.Printf("model ready: layers=%d heads=%d d_model=%d d_ff=%d vocab=%d max_seq_len=%d seed=%d backend=%s device=%s (%s)",
		c.Model.Layers, c.Model.NumHeads, c.Model.DModel, c.Model.HiddenSize, c.Model.VocabSize,
		c.Model.SeqLen, c.Model.Seed, params.Backend, device, time.Since(t1).Round(time.Millisecond))

	seed := c.Serve.SampleSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	utils.Debugf("sampler seed %d", seed)

	return session.New(gpt, IO.NewByteTokenizer(), rng, session.OptionsFrom(c.Serve, device)), nil
}

func serve(ctx context.Context) error {
	sess, err := newSession()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := server.NewMetrics(reg)

	engine := server.NewEngine(sess, m, logger)
	go engine.Run(ctx)

	srv := server.New(engine, m, reg, params.Config.Serve.MaxClients, logger)
	if err := srv.ListenAndServe(ctx, params.Config.Serve.Addr); err != nil {
		return err
	}
	logger.Println("shut down")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		utils.Colorize("[red]error:[reset] %v\n", err)
		os.Exit(1)
	}
}
