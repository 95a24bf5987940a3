package tensor

import (
	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/workpool"
)

type matVecJob struct {
	dst []float32
	w   *Mat
	x   []float32
}

func (j *matVecJob) RunRange(lo, hi int) error {
	w := j.w
	for r := lo; r < hi; r++ {
		v, err := quant.DotRow(w.Kind, w.Row(r), j.x)
		if err != nil {
			return errs.At(err, w.Name, w.rowOffset(r))
		}
		j.dst[r] = v
	}
	return nil
}

// Exec dispatches matrix work for one caller. Job state lives in the Exec
// so steady-state calls do not allocate; an Exec must not be shared between
// goroutines.
type Exec struct {
	pool *workpool.Pool
	mv   matVecJob
}

func NewExec(pool *workpool.Pool) *Exec {
	return &Exec{pool: pool}
}

func (e *Exec) Pool() *workpool.Pool { return e.pool }

// MatVec computes dst = w·x, partitioning the rows of w across the pool.
func (e *Exec) MatVec(dst []float32, w *Mat, x []float32) error {
	if len(x) != w.Cols || len(dst) < w.Rows {
		return errs.Shape(w.Name, []uint64{uint64(w.Cols), uint64(w.Rows)}, []uint64{uint64(len(x)), uint64(len(dst))})
	}
	e.mv = matVecJob{dst: dst, w: w, x: x}
	err := e.pool.Run(w.Rows, &e.mv)
	e.mv = matVecJob{}
	return err
}
