package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ali-Raza-H/SLM-VisualModel/IO"
	"github.com/Ali-Raza-H/SLM-VisualModel/protocol"
	"github.com/Ali-Raza-H/SLM-VisualModel/sampling"
	"github.com/Ali-Raza-H/SLM-VisualModel/utils"
)

// stepFunc runs one step either in-process or against a running server.
type stepFunc func(protocol.Request) (*protocol.Response, error)

var stepCmd = &cobra.Command{
	Use:   "step [prompt]",
	Short: "Reset with a prompt, continue --steps times, print each response as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := stepperFor(cmd)
		if err != nil {
			return err
		}
		req, err := requestFlags(cmd)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			req.Prompt = args[0]
		}
		n, _ := cmd.Flags().GetInt("steps")

		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		for i := 0; i < n; i++ {
			resp, err := step(req)
			if err != nil {
				return err
			}
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if resp.Meta.Done {
				break
			}
			req.Prompt = ""
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive prompt; streams sampled tokens colored by probability",
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := stepperFor(cmd)
		if err != nil {
			return err
		}
		req, err := requestFlags(cmd)
		if err != nil {
			return err
		}
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		return chatLoop(os.Stdin, step, req, maxTokens)
	},
}

var tokenizeCmd = &cobra.Command{
	Use:   "tokenize <text>",
	Short: "Show the ids and pieces a prompt encodes to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := IO.NewByteTokenizer()
		withBOS, _ := cmd.Flags().GetBool("bos")
		ids := tok.EncodePrompt(args[0], withBOS)
		for i, id := range ids {
			utils.Colorize("[cyan]%4d[reset] %4d  %s\n", i, id, tok.Piece(id))
		}
		fmt.Printf("%d tokens, decodes to %q\n", len(ids), tok.Decode(ids))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{stepCmd, chatCmd} {
		f := c.Flags()
		f.String("url", "", "server base URL (e.g. http://localhost:8765); empty runs in-process")
		f.Float64("temperature", 0.9, "softmax temperature (> 0)")
		f.Int("top-k", 40, "keep the k most likely ids, 0 disables")
		f.Float64("top-p", 0.95, "nucleus mass in (0, 1], 1 disables")
		f.Int("viz-layer", 0, "layer to visualize")
		f.Int("viz-head", 0, "head to visualize")
	}
	stepCmd.Flags().Int("steps", 1, "requests to send; the first carries the prompt")
	chatCmd.Flags().Int("max-tokens", 64, "tokens generated per prompt")
}

func requestFlags(cmd *cobra.Command) (protocol.Request, error) {
	f := cmd.Flags()
	var req protocol.Request
	var err error
	get := func(dst any, name string) {
		if err != nil {
			return
		}
		switch d := dst.(type) {
		case *float64:
			*d, err = f.GetFloat64(name)
		case *int:
			*d, err = f.GetInt(name)
		}
	}
	get(&req.Sampling.Temperature, "temperature")
	get(&req.Sampling.TopK, "top-k")
	get(&req.Sampling.TopP, "top-p")
	get(&req.VizLayer, "viz-layer")
	get(&req.VizHead, "viz-head")
	return req, err
}

func stepperFor(cmd *cobra.Command) (stepFunc, error) {
	url, _ := cmd.Flags().GetString("url")
	if url != "" {
		return remoteStepper(strings.TrimRight(url, "/")), nil
	}
	sess, err := newSession()
	if err != nil {
		return nil, err
	}
	return sess.Step, nil
}

func remoteStepper(base string) stepFunc {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(req protocol.Request) (*protocol.Response, error) {
		body, err := protocol.EncodeRequest(req)
		if err != nil {
			return nil, err
		}
		resp, err := client.Post(base+"/step", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if msg, failed := protocol.IsError(data); failed {
			return nil, errors.New(msg)
		}
		var out protocol.Response
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	}
}

// chatLoop reads one prompt per line and generates until done or maxTokens.
// An empty line keeps generating from where the last one stopped.
func chatLoop(in io.Reader, step stepFunc, req protocol.Request, maxTokens int) error {
	reader := bufio.NewReader(in)
	fmt.Println("Untrained tiny GPT. Enter continues, 'exit' quits.")
	started, done := false, false
	for {
		fmt.Print("You: ")
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "exit" || (err != nil && input == "") {
			return nil
		}
		if input == "" && (!started || done) {
			if done {
				utils.Colorize("[dark_gray](finished; type a new prompt)[reset]\n")
			}
			continue
		}

		req.Prompt = input
		started, done = true, false
		fmt.Print("Bot: ")
		for i := 0; i < maxTokens && !done; i++ {
			resp, err := step(req)
			if err != nil {
				utils.Colorize("\n[red]error:[reset] %v\n", err)
				break
			}
			printSampled(resp.Sampled)
			done = resp.Meta.Done
			req.Prompt = ""
		}
		fmt.Println()
	}
}

func printSampled(c sampling.Candidate) {
	color := "red"
	switch {
	case c.Prob >= 0.5:
		color = "green"
	case c.Prob >= 0.1:
		color = "yellow"
	}
	utils.Colorize("["+color+"]%s[reset]", c.Token)
}
