package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/quant"
)

// Architectures sharing the llama tensor layout.
var supportedArchs = []string{"llama", "mistral"}

// Config describes the transformer geometry. It is derived once from the
// GGUF metadata and tensor index and never changes afterwards.
type Config struct {
	Arch       string
	Name       string
	Layers     int
	Heads      int
	KVHeads    int
	Hidden     int
	HeadDim    int
	FFN        int
	Vocab      int
	MaxContext int
	RopeBase   float64
	// RopeScale divides positions before rotation (linear scaling).
	RopeScale float64
	RMSEps    float32
	FileType  uint32
	// Kinds maps every tensor name to its encoding.
	Kinds map[string]quant.Kind
}

// Group is the number of query heads sharing one key/value head.
func (c Config) Group() int { return c.Heads / c.KVHeads }

// KVDim is the width of one position's key (or value) projection.
func (c Config) KVDim() int { return c.KVHeads * c.HeadDim }

// ConfigFromFile reads the llama.* metadata keys and validates the head
// arithmetic.
func ConfigFromFile(f *gguf.File) (Config, error) {
	kv := f.KV
	arch, ok := kv.Str("general.architecture")
	if !ok {
		return Config{}, errs.Format(errs.NoOffset, "missing general.architecture")
	}
	if !slices.Contains(supportedArchs, arch) {
		return Config{}, errs.Format(errs.NoOffset, "unsupported architecture %q", arch)
	}
	key := func(s string) string { return arch + "." + s }
	need := func(s string) (int, error) {
		v, err := kv.RequireUint(key(s))
		if err != nil {
			return 0, errs.Format(errs.NoOffset, "%v", err)
		}
		if v == 0 || v > 1<<24 {
			return 0, errs.Format(errs.NoOffset, "%s = %d out of range", key(s), v)
		}
		return int(v), nil
	}

	cfg := Config{Arch: arch, RopeBase: 10000, RopeScale: 1, RMSEps: 1e-5, Kinds: map[string]quant.Kind{}}
	cfg.Name, _ = kv.Str("general.name")
	var err error
	if cfg.Layers, err = need("block_count"); err != nil {
		return Config{}, err
	}
	if cfg.Hidden, err = need("embedding_length"); err != nil {
		return Config{}, err
	}
	if cfg.FFN, err = need("feed_forward_length"); err != nil {
		return Config{}, err
	}
	if cfg.Heads, err = need("attention.head_count"); err != nil {
		return Config{}, err
	}
	if cfg.MaxContext, err = need("context_length"); err != nil {
		return Config{}, err
	}
	cfg.KVHeads = cfg.Heads
	if v, ok := kv.Uint(key("attention.head_count_kv")); ok {
		cfg.KVHeads = int(v)
	}
	if v, ok := kv.Float(key("attention.layer_norm_rms_epsilon")); ok {
		cfg.RMSEps = float32(v)
	}
	if v, ok := kv.Float(key("rope.freq_base")); ok && v > 0 {
		cfg.RopeBase = v
	}
	if t, _ := kv.Str(key("rope.scaling.type")); t == "linear" {
		if v, ok := kv.Float(key("rope.scaling.factor")); ok && v > 0 {
			cfg.RopeScale = v
		}
	}
	if v, ok := kv.Uint("general.file_type"); ok {
		cfg.FileType = uint32(v)
	}
	for _, t := range f.Tensors {
		cfg.Kinds[t.Name] = t.Kind
	}

	if cfg.KVHeads == 0 || cfg.Heads%cfg.KVHeads != 0 {
		return Config{}, &errs.Error{Kind: errs.ErrShapeMismatch, Offset: errs.NoOffset,
			Msg: fmt.Sprintf("%d query heads cannot be grouped over %d key/value heads", cfg.Heads, cfg.KVHeads)}
	}
	cfg.HeadDim = cfg.Hidden / cfg.Heads
	if v, ok := kv.Uint(key("attention.key_length")); ok {
		cfg.HeadDim = int(v)
	}
	if cfg.HeadDim == 0 || cfg.HeadDim%2 != 0 {
		return Config{}, &errs.Error{Kind: errs.ErrShapeMismatch, Offset: errs.NoOffset,
			Msg: fmt.Sprintf("head dimension %d must be even and non-zero", cfg.HeadDim)}
	}
	if rot, ok := kv.Uint(key("rope.dimension_count")); ok && int(rot) != cfg.HeadDim {
		return Config{}, &errs.Error{Kind: errs.ErrShapeMismatch, Offset: errs.NoOffset,
			Msg: fmt.Sprintf("partial rotary embeddings (%d of %d) are not supported", rot, cfg.HeadDim)}
	}

	switch {
	case kv.Len("tokenizer.ggml.tokens") > 0:
		cfg.Vocab = kv.Len("tokenizer.ggml.tokens")
	default:
		if v, ok := kv.Uint(key("vocab_size")); ok {
			cfg.Vocab = int(v)
		} else if t, ok := f.Tensor("token_embd.weight"); ok && len(t.Dims) == 2 {
			cfg.Vocab = int(t.Dims[1])
		}
	}
	if cfg.Vocab == 0 {
		return Config{}, errs.Format(errs.NoOffset, "cannot determine vocabulary size")
	}
	return cfg, nil
}
