package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/toy"
)

func parseKind(name string) (quant.Kind, error) {
	var names []string
	for _, k := range quant.Kinds() {
		if strings.EqualFold(k.String(), name) {
			return k, nil
		}
		names = append(names, k.String())
	}
	return 0, fmt.Errorf("unknown tensor kind %q (one of %s)", name, strings.Join(names, ", "))
}

func toyCmd() *cli.Command {
	var (
		out    string
		kind   string
		layers int64
		hidden int64
		heads  int64
		kv     int64
		ffn    int64
		vocab  int64
		ctxLen int64
		seed   uint64
		tied   bool
	)
	small := toy.Small()
	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small random llama model for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .gguf path", Required: true, Destination: &out},
			&cli.StringFlag{Name: "kind", Usage: "weight encoding (F32, F16, Q8_0, Q4_0, ...)", Value: "F32", Destination: &kind},
			&cli.Int64Flag{Name: "layers", Value: int64(small.Layers), Destination: &layers},
			&cli.Int64Flag{Name: "hidden", Value: int64(small.Hidden), Destination: &hidden},
			&cli.Int64Flag{Name: "heads", Value: int64(small.Heads), Destination: &heads},
			&cli.Int64Flag{Name: "kv-heads", Value: int64(small.KVHeads), Destination: &kv},
			&cli.Int64Flag{Name: "ffn", Value: int64(small.FFN), Destination: &ffn},
			&cli.Int64Flag{Name: "vocab", Value: 320, Usage: "vocabulary size (320 and up include byte tokens)", Destination: &vocab},
			&cli.Int64Flag{Name: "context", Value: int64(small.Context), Destination: &ctxLen},
			&cli.Uint64Flag{Name: "seed", Value: small.Seed, Destination: &seed},
			&cli.BoolFlag{Name: "tied", Usage: "share the embedding as the output projection", Destination: &tied},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			spec := toy.Spec{
				Name:    "toy",
				Layers:  int(layers),
				Hidden:  int(hidden),
				Heads:   int(heads),
				KVHeads: int(kv),
				FFN:     int(ffn),
				Vocab:   int(vocab),
				Context: int(ctxLen),
				Kind:    k,
				Tied:    tied,
				Seed:    seed,
			}
			if err := toy.WriteFile(out, spec); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("toy model written", "path", out, "kind", k, "layers", layers, "vocab", vocab)
			return nil
		},
	}
}
