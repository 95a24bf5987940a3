package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/inference"
	"github.com/samcharles93/picolm/internal/model"
	"github.com/samcharles93/picolm/internal/tensorstore"
	"github.com/samcharles93/picolm/internal/tokenizer"
)

type inspectReport struct {
	Path        string            `json:"path"`
	Size        uint64            `json:"size"`
	Version     uint32            `json:"version"`
	Alignment   uint64            `json:"alignment"`
	DataOffset  uint64            `json:"data_offset"`
	Fingerprint string            `json:"fingerprint"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Config      *model.Config     `json:"config,omitempty"`
	ConfigError string            `json:"config_error,omitempty"`
	Tokenizer   *tokenizerReport  `json:"tokenizer,omitempty"`
	Kinds       []kindReport      `json:"kinds"`
	Tensors     []tensorReport    `json:"tensors,omitempty"`
	Verified    *bool             `json:"verified,omitempty"`
	VerifyError string            `json:"verify_error,omitempty"`
}

type tokenizerReport struct {
	Model  string `json:"model"`
	Size   int    `json:"size"`
	Merges int    `json:"merges"`
	BOS    int32  `json:"bos"`
	EOS    int32  `json:"eos"`
	UNK    int32  `json:"unk"`
	AddBOS bool   `json:"add_bos"`
}

type kindReport struct {
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
	Bytes     uint64 `json:"bytes"`
	Supported bool   `json:"supported"`
}

type tensorReport struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Dims   []uint64 `json:"dims"`
	Offset uint64   `json:"offset"`
	Size   uint64   `json:"size"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON       bool
		showMeta     bool
		showTensors  bool
		tensorLimit  int
		tensorFilter string
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe a GGUF model file",
		Flags: append(modelFlags(),
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "metadata", Usage: "list metadata keys", Destination: &showMeta},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &showTensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig)
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			store, err := tensorstore.Open(path, tensorstore.Options{Advice: tensorstore.AdviceRandom})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			rep := buildReport(path, store.File(), asJSON || showMeta, asJSON || showTensors, tensorFilter, tensorLimit)
			_ = store.Close()

			if verify {
				cfg, err := engineConfig(ctx)
				if err != nil {
					return err
				}
				cfg.VerifyWeights = true
				ok := true
				if f, err := inference.LoadModel(path, cfg); err != nil {
					ok = false
					rep.VerifyError = err.Error()
				} else {
					_ = f.Close()
				}
				rep.Verified = &ok
			}

			if asJSON {
				out, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				printReport(rep, showMeta, showTensors)
			}
			if rep.Verified != nil && !*rep.Verified {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func buildReport(path string, f *gguf.File, meta, tensors bool, filter string, limit int) *inspectReport {
	rep := &inspectReport{
		Path:        path,
		Size:        f.FileSize,
		Version:     f.Header.Version,
		Alignment:   f.Alignment,
		DataOffset:  f.DataOffset,
		Fingerprint: f.Fingerprint(),
	}
	if cfg, err := model.ConfigFromFile(f); err != nil {
		rep.ConfigError = err.Error()
	} else {
		cfg.Kinds = nil
		rep.Config = &cfg
	}
	if v, err := tokenizer.VocabFromMetadata(f.KV); err == nil {
		rep.Tokenizer = &tokenizerReport{
			Model: v.Model, Size: v.Size(), Merges: len(v.Merges),
			BOS: v.BOS, EOS: v.EOS, UNK: v.UNK, AddBOS: v.AddBOS,
		}
	}
	if meta {
		rep.Metadata = make(map[string]string, len(f.KV))
		for k, v := range f.KV {
			rep.Metadata[k] = formatValue(v)
		}
	}

	byKind := map[string]*kindReport{}
	for _, t := range f.Tensors {
		name := t.Kind.String()
		kr := byKind[name]
		if kr == nil {
			kr = &kindReport{Kind: name, Supported: t.Kind.Supported()}
			byKind[name] = kr
		}
		kr.Count++
		kr.Bytes += t.Size
		if tensors && strings.Contains(t.Name, filter) && (limit <= 0 || len(rep.Tensors) < limit) {
			rep.Tensors = append(rep.Tensors, tensorReport{Name: t.Name, Kind: name, Dims: t.Dims, Offset: t.Offset, Size: t.Size})
		}
	}
	for _, kr := range byKind {
		rep.Kinds = append(rep.Kinds, *kr)
	}
	slices.SortFunc(rep.Kinds, func(a, b kindReport) int { return strings.Compare(a.Kind, b.Kind) })
	return rep
}

func formatValue(v gguf.Value) string {
	switch x := v.Value.(type) {
	case gguf.ArrayValue:
		if len(x.Values) > 8 {
			return fmt.Sprintf("[%d items]", len(x.Values))
		}
		return fmt.Sprint(x.Values)
	case string:
		if len(x) > 80 {
			return fmt.Sprintf("%q…", x[:80])
		}
		return fmt.Sprintf("%q", x)
	}
	return fmt.Sprint(v.Value)
}

func section(title string) {
	fmt.Printf("\n== %s ==\n", title)
}

func row(key string, value any) {
	fmt.Printf("  %-22s %v\n", key, value)
}

func printReport(rep *inspectReport, showMeta, showTensors bool) {
	fmt.Printf("GGUF v%d: %s (%s)\n", rep.Version, filepath.Base(rep.Path), formatBytes(rep.Size))
	row("fingerprint", rep.Fingerprint[:16])
	row("data offset", rep.DataOffset)
	row("alignment", rep.Alignment)

	section("Model")
	if c := rep.Config; c != nil {
		row("architecture", c.Arch)
		if c.Name != "" {
			row("name", c.Name)
		}
		row("layers", c.Layers)
		row("hidden", c.Hidden)
		row("heads", fmt.Sprintf("%d (kv %d, dim %d)", c.Heads, c.KVHeads, c.HeadDim))
		row("ffn", c.FFN)
		row("vocab", c.Vocab)
		row("context", c.MaxContext)
		row("rope base", c.RopeBase)
		row("rms eps", c.RMSEps)
	} else {
		row("not runnable", rep.ConfigError)
	}

	if t := rep.Tokenizer; t != nil {
		section("Tokenizer")
		row("model", t.Model)
		row("size", t.Size)
		if t.Merges > 0 {
			row("merges", t.Merges)
		}
		row("bos/eos/unk", fmt.Sprintf("%d/%d/%d", t.BOS, t.EOS, t.UNK))
		row("add bos", t.AddBOS)
	}

	section("Tensor kinds")
	for _, k := range rep.Kinds {
		note := ""
		if !k.Supported {
			note = " (unsupported)"
		}
		fmt.Printf("  %-8s %5d tensors %12s%s\n", k.Kind, k.Count, formatBytes(k.Bytes), note)
	}

	if showMeta {
		section("Metadata")
		keys := make([]string, 0, len(rep.Metadata))
		for k := range rep.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("  %-44s %s\n", k, rep.Metadata[k])
		}
	}
	if showTensors {
		section("Tensors")
		for _, t := range rep.Tensors {
			fmt.Printf("  %-40s %-6s %-16v %12d %10s\n", t.Name, t.Kind, t.Dims, t.Offset, formatBytes(t.Size))
		}
	}
	if rep.Verified != nil {
		section("Check")
		if *rep.Verified {
			row("weights", "ok")
		} else {
			row("weights", rep.VerifyError)
		}
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/mb)
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/kb)
	}
	return fmt.Sprintf("%d B", b)
}
