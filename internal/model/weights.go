package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/tensor"
	"github.com/samcharles93/picolm/internal/tensorstore"
)

// Layer binds one transformer block's tensors.
type Layer struct {
	AttnNorm []float32
	Wq       *tensor.Mat
	Wk       *tensor.Mat
	Wv       *tensor.Mat
	Wo       *tensor.Mat
	FFNNorm  []float32
	Gate     *tensor.Mat
	Up       *tensor.Mat
	Down     *tensor.Mat

	refs []tensorstore.TensorRef
}

type Weights struct {
	Embed   *tensor.Mat
	OutNorm []float32
	Output  *tensor.Mat
	Layers  []Layer
}

// binder resolves tensors by name and checks their shapes against the
// config, so every mismatch surfaces at load time.
type binder struct {
	store *tensorstore.Store
	used  map[string]bool
}

func (b *binder) ref(name string, shape ...int) (tensorstore.TensorRef, error) {
	ref, ok := b.store.Ref(name)
	if !ok {
		return ref, errs.Format(errs.NoOffset, "missing tensor %q", name)
	}
	want := make([]uint64, len(shape))
	for i, d := range shape {
		want[i] = uint64(d)
	}
	got := ref.Shape
	// Trailing unit dimensions carry no information.
	for len(got) > len(want) && got[len(got)-1] == 1 {
		got = got[:len(got)-1]
	}
	if !slices.Equal(got, want) {
		return ref, errs.Shape(name, want, ref.Shape)
	}
	if !ref.Kind.Supported() {
		return ref, errs.Unsupported(name, ref.Kind.String())
	}
	b.used[name] = true
	return ref, nil
}

func (b *binder) mat(name string, cols, rows int) (*tensor.Mat, tensorstore.TensorRef, error) {
	ref, err := b.ref(name, cols, rows)
	if err != nil {
		return nil, ref, err
	}
	m, err := tensor.FromRef(b.store, ref)
	return m, ref, err
}

// vec returns a float32 view of a 1-D tensor, decoding it when it is not
// stored as aligned F32.
func (b *binder) vec(name string, n int) ([]float32, tensorstore.TensorRef, error) {
	ref, err := b.ref(name, n)
	if err != nil {
		return nil, ref, err
	}
	if f, ok := b.store.Float32s(ref); ok {
		return f, ref, nil
	}
	out := make([]float32, n)
	if err := quant.Dequantize(ref.Kind, b.store.Bytes(ref), out); err != nil {
		return nil, ref, errs.At(err, name, ref.FileOffset)
	}
	return out, ref, nil
}

// bindWeights returns the bound weights and the names of tensors the
// forward pass does not use.
func bindWeights(store *tensorstore.Store, cfg Config) (Weights, []string, error) {
	b := &binder{store: store, used: map[string]bool{}}
	var w Weights
	var err error
	if w.Embed, _, err = b.mat("token_embd.weight", cfg.Hidden, cfg.Vocab); err != nil {
		return w, nil, err
	}
	if w.OutNorm, _, err = b.vec("output_norm.weight", cfg.Hidden); err != nil {
		return w, nil, err
	}
	if _, ok := store.Ref("output.weight"); ok {
		if w.Output, _, err = b.mat("output.weight", cfg.Hidden, cfg.Vocab); err != nil {
			return w, nil, err
		}
	} else {
		w.Output = w.Embed
	}

	qDim, kvDim := cfg.Heads*cfg.HeadDim, cfg.KVDim()
	w.Layers = make([]Layer, cfg.Layers)
	for i := range w.Layers {
		l := &w.Layers[i]
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", i, s) }
		add := func(r tensorstore.TensorRef) { l.refs = append(l.refs, r) }
		var r tensorstore.TensorRef
		if l.AttnNorm, r, err = b.vec(name("attn_norm"), cfg.Hidden); err != nil {
			return w, nil, err
		}
		add(r)
		if l.FFNNorm, r, err = b.vec(name("ffn_norm"), cfg.Hidden); err != nil {
			return w, nil, err
		}
		add(r)
		for _, m := range []struct {
			dst        **tensor.Mat
			name       string
			cols, rows int
		}{
			{&l.Wq, "attn_q", cfg.Hidden, qDim},
			{&l.Wk, "attn_k", cfg.Hidden, kvDim},
			{&l.Wv, "attn_v", cfg.Hidden, kvDim},
			{&l.Wo, "attn_output", qDim, cfg.Hidden},
			{&l.Gate, "ffn_gate", cfg.Hidden, cfg.FFN},
			{&l.Up, "ffn_up", cfg.Hidden, cfg.FFN},
			{&l.Down, "ffn_down", cfg.FFN, cfg.Hidden},
		} {
			if *m.dst, r, err = b.mat(name(m.name), m.cols, m.rows); err != nil {
				return w, nil, err
			}
			add(r)
		}
	}
	var unused []string
	for _, r := range store.Refs() {
		if !b.used[r.Name] {
			unused = append(unused, r.Name)
		}
	}
	return w, unused, nil
}
