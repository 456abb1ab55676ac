package tensor

import (
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// minParallelRows is the row count below which MatVec stays on the caller's
// goroutine.
const minParallelRows = 64

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	bias   []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

// wideAccumulate selects the 8-lane partial-sum kernel on CPUs with wide
// vector units. The choice is fixed for the process, so every path that
// reaches MatVec rounds identically.
var wideAccumulate = cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.bias, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w · x where w is [R x C] and x has length C.
// Rows are split across a shared worker pool. Each row is reduced by exactly
// one worker in a fixed order, so results do not depend on scheduling.
func MatVec(dst []float32, w *Mat, x []float32) {
	matVec(dst, w, x, nil)
}

// MatVecBias computes dst = w · x + bias in a single pass over each row.
func MatVecBias(dst []float32, w *Mat, x, bias []float32) {
	if len(bias) < w.R {
		panic("matvec bias too short")
	}
	matVec(dst, w, x, bias)
}

func matVec(dst []float32, w *Mat, x, bias []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R/minParallelRows)
	if workers <= 1 {
		matVecRange(dst, w, x, bias, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, bias: bias, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func matVecRange(dst []float32, w *Mat, x, bias []float32, rs, re int) {
	for i := rs; i < re; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		sum := Dot(row, x[:w.C])
		if bias != nil {
			sum += bias[i]
		}
		dst[i] = sum
	}
}

// Dot computes the dot product of a and b using a fixed partial-sum layout.
func Dot(a, b []float32) float32 {
	if wideAccumulate {
		return dot8(a, b)
	}
	return dot4(a, b)
}

func dot4(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func dot8(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var acc [8]float32
	i := 0
	for ; i+8 <= n; i += 8 {
		acc[0] += a[i] * b[i]
		acc[1] += a[i+1] * b[i+1]
		acc[2] += a[i+2] * b[i+2]
		acc[3] += a[i+3] * b[i+3]
		acc[4] += a[i+4] * b[i+4]
		acc[5] += a[i+5] * b[i+5]
		acc[6] += a[i+6] * b[i+6]
		acc[7] += a[i+7] * b[i+7]
	}
	for ; i < n; i++ {
		acc[0] += a[i] * b[i]
	}
	return ((acc[0] + acc[1]) + (acc[2] + acc[3])) + ((acc[4] + acc[5]) + (acc[6] + acc[7]))
}

// Features describes the vector extensions the kernels detected.
func Features() []string {
	var out []string
	switch {
	case cpu.X86.HasAVX512F:
		out = append(out, "avx512f")
		fallthrough
	case cpu.X86.HasAVX2:
		out = append(out, "avx2")
	}
	if cpu.X86.HasFMA {
		out = append(out, "fma")
	}
	if cpu.ARM64.HasASIMD {
		out = append(out, "asimd")
	}
	if len(out) == 0 {
		out = append(out, "scalar")
	}
	return out
}
