package model

import "github.com/samcharles93/picolm/internal/tensor"

// feedForward applies the gated block: x += down(silu(gate(n)) * up(n))
// where n is x normalized by the layer's ffn_norm.
func (r *Runner) feedForward(layer *Layer) error {
	cfg := &r.m.Config
	tensor.RMSNorm(r.xb, r.x, layer.FFNNorm, cfg.RMSEps)
	if err := r.exec.MatVec(r.hb, layer.Gate, r.xb); err != nil {
		return err
	}
	if err := r.exec.MatVec(r.hb2, layer.Up, r.xb); err != nil {
		return err
	}
	tensor.SwiGLU(r.hb, r.hb2)
	if err := r.exec.MatVec(r.xb2, layer.Down, r.hb); err != nil {
		return err
	}
	tensor.Add(r.x, r.xb2)
	return nil
}
