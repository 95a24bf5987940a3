package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/inference"
	"github.com/samcharles93/picolm/internal/logger"
)

func runCmd() *cli.Command {
	var (
		s          sampling
		prompt     string
		promptFile string
		special    bool
		stop       []string
		streamMode string
		raw        bool
		showTokens bool
		loadCache  string
		saveCache  string
		cpuProfile string
	)
	flags := append(modelFlags(), s.flags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text", Destination: &prompt},
		&cli.StringFlag{Name: "prompt-file", Usage: "read the prompt from a file", Destination: &promptFile},
		&cli.BoolFlag{Name: "special", Usage: "map control pieces written in the prompt onto their ids", Destination: &special},
		&cli.StringSliceFlag{Name: "stop", Usage: "extra stop piece (repeatable)", Destination: &stop},
		&cli.StringFlag{Name: "stream-mode", Usage: "output mode (instant, smooth, quiet)", Value: "instant", Destination: &streamMode},
		&cli.BoolFlag{Name: "raw", Usage: "escape control characters in the output", Destination: &raw},
		&cli.BoolFlag{Name: "show-tokens", Usage: "log each sampled token id", Destination: &showTokens},
		&cli.StringFlag{Name: "load-cache", Usage: "restore a KV cache snapshot before generating", Destination: &loadCache},
		&cli.StringFlag{Name: "save-cache", Usage: "write the KV cache snapshot after generating", Destination: &saveCache},
		&cli.StringFlag{Name: "cpuprofile", Usage: "write a CPU profile to this file", Destination: &cpuProfile},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, fileConfig)
			applySamplingConfig(c, fileConfig, &s)
			overrideString(c, "stream-mode", &streamMode, fileConfig.StreamMode)

			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return err
			}
			if promptFile != "" {
				data, err := os.ReadFile(promptFile)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = string(data)
			}
			if prompt == "" && c.Args().Len() > 0 {
				prompt = strings.Join(c.Args().Slice(), " ")
			}
			if prompt == "" {
				return cli.Exit("error: a prompt is required (--prompt, --prompt-file or arguments)", 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return fmt.Errorf("create cpu profile: %w", err)
				}
				defer f.Close()
				if err := pprof.StartCPUProfile(f); err != nil {
					return fmt.Errorf("start cpu profile: %w", err)
				}
				defer pprof.StopCPUProfile()
			}

			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			cfg, err := engineConfig(ctx)
			if err != nil {
				return err
			}
			factory, err := inference.LoadModel(path, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer factory.Close()
			session, err := factory.NewSession()
			if err != nil {
				return err
			}
			defer session.Close()

			if loadCache != "" {
				restoreCache(log, session, loadCache)
			}

			tok := factory.Tokenizer()
			encode := tok.Encode
			if special {
				encode = tok.EncodeSpecial
			}
			ids, err := encode(prompt)
			if err != nil {
				return fmt.Errorf("encode prompt: %w", err)
			}
			params := s.params()
			for _, piece := range stop {
				id, ok := tok.Vocab().ID(piece)
				if !ok {
					return fmt.Errorf("stop piece %q is not in the vocabulary", piece)
				}
				params.Stop = append(params.Stop, id)
			}

			out := NewStreamWriter(os.Stdout, mode, raw)
			release := context.AfterFunc(ctx, session.Cancel)
			defer release()
			var genErr error
			for step, err := range session.Generate(ids, params) {
				if err != nil {
					genErr = err
					break
				}
				if showTokens {
					log.Debug("token", "id", step.TokenID, "piece", tok.Vocab().Piece(step.TokenID))
				}
				out.Write(tok.TokenBytes(step.TokenID))
			}
			out.Flush()
			fmt.Println()

			st := session.Stats()
			log.Info("generation finished",
				"state", session.State(),
				"prompt_tokens", st.PromptTokens,
				"reused", st.ReusedTokens,
				"generated", st.TokensGenerated,
				"prefill", st.PrefillDuration,
				"tps", fmt.Sprintf("%.2f", st.TPS),
			)

			if saveCache != "" && (genErr == nil || errors.Is(genErr, errs.ErrContextOverflow)) {
				if err := writeCache(session, saveCache); err != nil {
					return err
				}
				log.Info("kv cache saved", "path", saveCache, "tokens", len(session.Tokens()))
			}
			switch {
			case genErr == nil:
				return nil
			case errors.Is(genErr, errs.ErrCancelled):
				return cli.Exit("interrupted", 130)
			}
			return genErr
		},
	}
}

func restoreCache(log logger.Logger, s *inference.Session, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn("kv cache not loaded", "path", path, "error", err)
		return
	}
	defer f.Close()
	prefix, err := s.LoadCache(f)
	if err != nil {
		log.Warn("kv cache rejected; prompt will be recomputed", "path", path, "error", err)
		return
	}
	log.Info("kv cache restored", "path", path, "tokens", len(prefix))
}

func writeCache(s *inference.Session, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	if err := s.SaveCache(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
