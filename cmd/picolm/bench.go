package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/picolm/internal/inference"
	"github.com/samcharles93/picolm/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		s        sampling
		warmup   int64
		runs     int64
		sessions int64
		prompt   string
	)
	flags := append(modelFlags(), s.flags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 1, Destination: &warmup},
		&cli.Int64Flag{Name: "runs", Usage: "number of measured runs", Value: 3, Destination: &runs},
		&cli.Int64Flag{Name: "sessions", Usage: "concurrent sessions per run", Value: 1, Destination: &sessions},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure prompt and generation throughput",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, fileConfig)
			applySamplingConfig(c, fileConfig, &s)
			if !c.IsSet("max-tokens") && fileConfig.MaxTokens == nil {
				s.maxTokens = 128
			}
			if sessions < 1 || runs < 1 {
				return cli.Exit("error: --runs and --sessions must be at least 1", 1)
			}

			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			cfg, err := engineConfig(ctx)
			if err != nil {
				return err
			}
			loadStart := time.Now()
			f, err := inference.LoadModel(path, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer f.Close()
			load := time.Since(loadStart)
			params := s.params()
			mc := f.Model().Config

			fmt.Println("=== picolm bench ===")
			fmt.Printf("Model:      %s (%s, %d layers, hidden %d)\n", path, mc.Arch, mc.Layers, mc.Hidden)
			fmt.Printf("CPUs:       %d (threads %d)\n", runtime.NumCPU(), f.Threads())
			fmt.Printf("Load:       %s\n", load.Round(time.Millisecond))
			fmt.Printf("Max tokens: %d\n", params.MaxTokens)
			fmt.Printf("Sessions:   %d x %d runs (+%d warmup)\n\n", sessions, runs, warmup)

			for i := range int(warmup) {
				log.Info("warmup run", "run", i+1)
				if _, err := benchRun(ctx, f, prompt, params, 1); err != nil {
					return fmt.Errorf("warmup run %d: %w", i+1, err)
				}
			}

			fmt.Printf("%-6s %10s %10s %10s %8s\n", "Run", "prefill", "gen tps", "wall", "tokens")
			var sumTPS float64
			for i := range int(runs) {
				log.Info("bench run", "run", i+1)
				start := time.Now()
				stats, err := benchRun(ctx, f, prompt, params, int(sessions))
				if err != nil {
					return fmt.Errorf("run %d: %w", i+1, err)
				}
				wall := time.Since(start)
				var prefill time.Duration
				var tokens int
				for _, st := range stats {
					prefill += st.PrefillDuration
					tokens += st.TokensGenerated
				}
				tps := float64(tokens) / wall.Seconds()
				sumTPS += tps
				fmt.Printf("%-6d %10s %10.2f %10s %8d\n", i+1,
					(prefill / time.Duration(len(stats))).Round(time.Millisecond), tps, wall.Round(time.Millisecond), tokens)
			}
			fmt.Printf("\n%-6s %21.2f\n", "Avg", sumTPS/float64(runs))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB heap, %.1f MB sys\n", float64(mem.HeapAlloc)/(1<<20), float64(mem.Sys)/(1<<20))
			return nil
		},
	}
}

// benchRun generates from n concurrent sessions and returns their stats.
func benchRun(ctx context.Context, f *inference.Factory, prompt string, p inference.SampleParams, n int) ([]inference.Stats, error) {
	stats := make([]inference.Stats, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			s, err := f.NewSession()
			if err != nil {
				return err
			}
			defer s.Close()
			sp := p
			sp.Seed = p.Seed + uint64(i)
			res, err := s.GenerateText(ctx, prompt, sp, nil)
			if err != nil {
				return err
			}
			stats[i] = res.Stats
			return nil
		})
	}
	return stats, g.Wait()
}
