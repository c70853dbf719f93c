// Package main provides the boardnet CLI: model inspection, position
// evaluation, and throughput benchmarking.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boardnet-ml/boardnet/backend/cpu"
	"github.com/boardnet-ml/boardnet/backend/webgpu"
	"github.com/boardnet-ml/boardnet/compute"
	"github.com/boardnet-ml/boardnet/nn"
	"github.com/boardnet-ml/boardnet/tensor"
	"github.com/boardnet-ml/boardnet/weights"
)

const version = "v0.1.0-dev"

func usage() {
	fmt.Println("boardnet - accelerator-backed game position evaluation")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  info  -model model.yaml               Show model topology")
	fmt.Println("  eval  -model model.yaml [-gpu]        Evaluate positions from stdin")
	fmt.Println("  bench -model model.yaml [-gpu] [-batch N] [-iters N]")
	fmt.Println("  version                               Show version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("boardnet %s\n", version)
	case "info":
		err = runInfo(os.Args[2:])
	case "eval":
		err = runEval(os.Args[2:])
	case "bench":
		err = runBench(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "boardnet:", err)
		os.Exit(1)
	}
}

// newContext picks the compute context, falling back to CPU when the
// GPU is requested but unavailable.
func newContext(gpu bool) (compute.Context, error) {
	if gpu {
		if webgpu.IsAvailable() {
			return webgpu.New()
		}
		fmt.Fprintln(os.Stderr, "boardnet: webgpu unavailable, using cpu")
	}
	return cpu.New(), nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	modelPath := fs.String("model", "", "path to the model manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		return fmt.Errorf("info: -model is required")
	}

	model, err := weights.Load(*modelPath)
	if err != nil {
		return err
	}
	m := model.Manifest
	fmt.Printf("format:  %s\n", m.Format)
	fmt.Printf("input:   %d planes, %dx%d board\n", m.Input.Planes, m.Input.Height, m.Input.Width)
	fmt.Printf("tower:   %d blocks x %d filters\n", m.Blocks, m.Filters)
	if m.SEWidth > 0 {
		fmt.Printf("se:      reduction width %d\n", m.SEWidth)
	} else {
		fmt.Printf("se:      disabled\n")
	}
	fmt.Printf("policy:  %d channels -> %d outputs\n", m.Policy.Channels, m.Policy.Outputs)
	fmt.Printf("value:   %d channels -> %d hidden -> 1\n", m.Value.Channels, m.Value.Hidden)
	return nil
}

func runEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	modelPath := fs.String("model", "", "path to the model manifest")
	gpu := fs.Bool("gpu", false, "use the WebGPU context when available")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		return fmt.Errorf("eval: -model is required")
	}

	model, err := weights.Load(*modelPath)
	if err != nil {
		return err
	}
	ctx, err := newContext(*gpu)
	if err != nil {
		return err
	}
	net, err := nn.NewNetwork(ctx, tensor.Float32, model, 1)
	if err != nil {
		return err
	}
	defer net.Release()
	fmt.Fprintf(os.Stderr, "boardnet: evaluating on %s\n", ctx.Name())

	// One position per line: whitespace-separated floats, planes*H*W of
	// them, channel-major.
	perPos := net.InputLen(1)
	input := make([]float32, perPos)
	policy := make([]float32, net.PolicyOutputs())
	value := make([]float32, 1)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != perPos {
			return fmt.Errorf("line %d: got %d values, position needs %d", line, len(fields), perPos)
		}
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return fmt.Errorf("line %d: value %d: %v", line, i+1, err)
			}
			input[i] = float32(v)
		}
		if err := net.Forward(1, input, policy, value); err != nil {
			return err
		}

		fmt.Printf("value: %+.4f\n", value[0])
		fmt.Printf("policy:")
		for _, p := range policy {
			fmt.Printf(" %.4f", p)
		}
		fmt.Println()
	}
	return scanner.Err()
}

func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	modelPath := fs.String("model", "", "path to the model manifest (omit for a synthetic model)")
	gpu := fs.Bool("gpu", false, "use the WebGPU context when available")
	batch := fs.Int("batch", 32, "batch size per evaluation")
	iters := fs.Int("iters", 50, "evaluation iterations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var model *weights.Model
	var err error
	if *modelPath != "" {
		model, err = weights.Load(*modelPath)
	} else {
		var m weights.Manifest
		m.Format = weights.FormatV1
		m.Payload = "synthetic"
		m.Input.Planes = 112
		m.Input.Height = 8
		m.Input.Width = 8
		m.Filters = 128
		m.Blocks = 10
		m.SEWidth = 32
		m.Policy.Channels = 32
		m.Policy.Outputs = 1858
		m.Value.Channels = 32
		m.Value.Hidden = 128
		model, err = weights.Random(m, 1)
	}
	if err != nil {
		return err
	}

	ctx, err := newContext(*gpu)
	if err != nil {
		return err
	}
	net, err := nn.NewNetwork(ctx, tensor.Float32, model, *batch)
	if err != nil {
		return err
	}
	defer net.Release()

	input := make([]float32, net.InputLen(*batch))
	for i := range input {
		input[i] = float32(i%17) * 0.0625
	}
	policy := make([]float32, *batch*net.PolicyOutputs())
	value := make([]float32, *batch)

	// Warmup pass compiles kernels and settles algorithm selection.
	if err := net.Forward(*batch, input, policy, value); err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < *iters; i++ {
		if err := net.Forward(*batch, input, policy, value); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	total := *iters * *batch
	fmt.Printf("context:     %s\n", ctx.Name())
	fmt.Printf("batch:       %d\n", *batch)
	fmt.Printf("iterations:  %d\n", *iters)
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("positions/s: %.1f\n", float64(total)/elapsed.Seconds())
	return nil
}
