package backend

import (
	"fmt"
	"math"

	"imgsynth-go/graph"
)

// evalOp dispatches one compute op to its kernel. Every kernel takes its
// operand buffers (already evaluated, since Ops is topologically
// ordered) and returns a flat F32 buffer plus the shape it represents.
// The op vocabulary here is deliberately small and generic — the NN
// block library composes these into Linear/Conv2d/GroupNorm/attention
// rather than the backend knowing about "linear" or "attention" itself,
// mirroring the spec's "backend exposes only primitive ops" boundary.
func evalOp(op graph.Op, g *graph.Graph, bufs map[int]*Buffer) ([]float32, [4]int, error) {
	operand := func(i int) *Buffer { return bufs[op.Args[i]] }

	switch op.OpType {
	case "add":
		return broadcastBinary(operand(0), operand(1), func(x, y float32) float32 { return x + y })
	case "sub":
		return broadcastBinary(operand(0), operand(1), func(x, y float32) float32 { return x - y })
	case "mul":
		return broadcastBinary(operand(0), operand(1), func(x, y float32) float32 { return x * y })
	case "scale":
		a := operand(0)
		s := float32FromArgBits(op.Args[1])
		out := make([]float32, len(a.Data))
		for i, v := range a.Data {
			out[i] = v * s
		}
		return out, a.Shape, nil
	case "matmul":
		return matmul(operand(0), operand(1))
	case "transpose2d":
		return transpose2D(operand(0))
	case "silu":
		return elementwise(operand(0), func(x float32) float32 {
			return x / (1 + float32(math.Exp(float64(-x))))
		})
	case "gelu":
		return elementwise(operand(0), geluTanh)
	case "tanh":
		return elementwise(operand(0), func(x float32) float32 { return float32(math.Tanh(float64(x))) })
	case "softmax_lastdim":
		return softmaxLastDim(operand(0))
	case "identity":
		a := operand(0)
		return append([]float32(nil), a.Data...), a.Shape, nil
	default:
		return nil, [4]int{}, fmt.Errorf("unknown op type %q", op.OpType)
	}
}

// float32FromArgBits recovers a scale constant stashed in an Args slot
// via math.Float32bits by the NN layer that emitted the op (Args is an
// []int, so a scalar constant is bit-cast through an int32).
func float32FromArgBits(bits int) float32 {
	return math.Float32frombits(uint32(int32(bits)))
}

// ArgBitsFromFloat32 is the inverse used by callers building a "scale"
// op (kept here so the bit-cast convention lives in one place).
func ArgBitsFromFloat32(f float32) int {
	return int(int32(math.Float32bits(f)))
}

func elementwise(a *Buffer, f func(float32) float32) ([]float32, [4]int, error) {
	out := make([]float32, len(a.Data))
	for i, v := range a.Data {
		out[i] = f(v)
	}
	return out, a.Shape, nil
}

func geluTanh(x float32) float32 {
	xf := float64(x)
	const c = 0.7978845608028654 // sqrt(2/pi)
	inner := c * (xf + 0.044715*xf*xf*xf)
	return float32(0.5 * xf * (1 + math.Tanh(inner)))
}

// broadcastBinary applies f elementwise, broadcasting b against a when
// b is shorter (covers bias-add, where b's shape is a single channel
// vector broadcast across the rest of a's elements).
func broadcastBinary(a, b *Buffer, f func(x, y float32) float32) ([]float32, [4]int, error) {
	if len(a.Data) == len(b.Data) {
		out := make([]float32, len(a.Data))
		for i := range a.Data {
			out[i] = f(a.Data[i], b.Data[i])
		}
		return out, a.Shape, nil
	}
	if len(b.Data) == 0 || len(a.Data)%len(b.Data) != 0 {
		return nil, [4]int{}, fmt.Errorf("broadcast mismatch: %d vs %d elements", len(a.Data), len(b.Data))
	}
	out := make([]float32, len(a.Data))
	for i := range a.Data {
		out[i] = f(a.Data[i], b.Data[i%len(b.Data)])
	}
	return out, a.Shape, nil
}

// matmul treats each buffer as a row-major 2D matrix using Shape[0] as
// the column count (inner-first convention, spec.md §3) and
// len(Data)/Shape[0] as the row count: a is (rowsA x k), b is (k x colsB)
// stored inner-first as Shape[0]=colsB.
func matmul(a, b *Buffer) ([]float32, [4]int, error) {
	k := a.Shape[0]
	if k == 0 {
		k = len(a.Data)
	}
	rowsA := len(a.Data) / k
	colsB := b.Shape[0]
	if colsB == 0 {
		colsB = len(b.Data)
	}
	kB := len(b.Data) / colsB
	if kB != k {
		return nil, [4]int{}, fmt.Errorf("matmul shape mismatch: a inner=%d, b inner=%d", k, kB)
	}
	out := make([]float32, rowsA*colsB)
	for r := 0; r < rowsA; r++ {
		for c := 0; c < colsB; c++ {
			var sum float32
			for i := 0; i < k; i++ {
				sum += a.Data[r*k+i] * b.Data[i*colsB+c]
			}
			out[r*colsB+c] = sum
		}
	}
	return out, [4]int{colsB, rowsA, 1, 1}, nil
}

// transpose2D swaps the two leading dims of a Shape[0] x rows matrix.
func transpose2D(a *Buffer) ([]float32, [4]int, error) {
	cols := a.Shape[0]
	if cols == 0 {
		return nil, [4]int{}, fmt.Errorf("transpose2d: zero-width shape")
	}
	rows := len(a.Data) / cols
	out := make([]float32, len(a.Data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = a.Data[r*cols+c]
		}
	}
	return out, [4]int{rows, cols, 1, 1}, nil
}

// softmaxLastDim applies a numerically-stable softmax over Shape[0]
// (the innermost dim), row by row.
func softmaxLastDim(a *Buffer) ([]float32, [4]int, error) {
	n := a.Shape[0]
	if n == 0 {
		n = len(a.Data)
	}
	out := make([]float32, len(a.Data))
	for row := 0; row*n < len(a.Data); row++ {
		base := row * n
		max := a.Data[base]
		for i := 1; i < n; i++ {
			if v := a.Data[base+i]; v > max {
				max = v
			}
		}
		var sum float32
		for i := 0; i < n; i++ {
			e := float32(math.Exp(float64(a.Data[base+i] - max)))
			out[base+i] = e
			sum += e
		}
		for i := 0; i < n; i++ {
			out[base+i] /= sum
		}
	}
	return out, a.Shape, nil
}
