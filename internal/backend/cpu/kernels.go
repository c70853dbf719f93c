package cpu

import (
	"fmt"
	"math"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// batchNormEpsilon matches the value folded into the trained statistics.
const batchNormEpsilon = 1e-5

func activate(act compute.Activation, v float32) float32 {
	switch act {
	case compute.ActReLU:
		if v < 0 {
			return 0
		}
		return v
	case compute.ActTanh:
		return float32(math.Tanh(float64(v)))
	case compute.ActSigmoid:
		return sigmoid(v)
	default:
		return v
	}
}

func sigmoid(v float32) float32 {
	return 1 / (1 + float32(math.Exp(float64(-v))))
}

// BiasActivation applies a per-column bias and pointwise activation to a
// (rows, cols) matrix in place.
func (c *Context) BiasActivation(dt tensor.DataType, rows, cols int, dst, bias compute.Buffer, act compute.Activation) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	if len(db) < rows*cols*dt.Size() {
		return fmt.Errorf("%w: bias target holds %d bytes, needs %d", compute.ErrUsage, len(db), rows*cols*dt.Size())
	}
	var bb []byte
	if bias != nil {
		if bb, err = bytesOf(bias); err != nil {
			return err
		}
	}

	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			v := tensor.At(dt, db, r*cols+col)
			if bb != nil {
				v += tensor.At(dt, bb, col)
			}
			tensor.SetAt(dt, db, r*cols+col, activate(act, v))
		}
	}
	return nil
}

// BatchNorm applies the inference-mode per-channel transform with
// optional residual add and fused ReLU. Statistics stay in Float32
// whatever the working precision.
func (c *Context) BatchNorm(dt tensor.DataType, n, ch, hw int, dst, src, skip, means, variances compute.Buffer, relu bool) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	mb, err := bytesOf(means)
	if err != nil {
		return err
	}
	vb, err := bytesOf(variances)
	if err != nil {
		return err
	}
	var kb []byte
	if skip != nil {
		if kb, err = bytesOf(skip); err != nil {
			return err
		}
	}
	if len(db) < n*ch*hw*dt.Size() || len(sb) < n*ch*hw*dt.Size() {
		return fmt.Errorf("%w: batchnorm buffers undersized for (%d,%d,%d)", compute.ErrUsage, n, ch, hw)
	}

	meansF := tensor.AsFloat32(mb)[:ch]
	varsF := tensor.AsFloat32(vb)[:ch]

	for img := 0; img < n; img++ {
		for c0 := 0; c0 < ch; c0++ {
			mean := meansF[c0]
			inv := 1 / float32(math.Sqrt(float64(varsF[c0]+batchNormEpsilon)))
			base := (img*ch + c0) * hw
			for i := 0; i < hw; i++ {
				v := (tensor.At(dt, sb, base+i) - mean) * inv
				if kb != nil {
					v += tensor.At(dt, kb, base+i)
				}
				if relu && v < 0 {
					v = 0
				}
				tensor.SetAt(dt, db, base+i, v)
			}
		}
	}
	return nil
}

// AddBias broadcasts a per-channel bias over (n, ch, hw).
func (c *Context) AddBias(dt tensor.DataType, n, ch, hw int, dst, src, bias compute.Buffer) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	bb, err := bytesOf(bias)
	if err != nil {
		return err
	}
	if len(db) < n*ch*hw*dt.Size() || len(sb) < n*ch*hw*dt.Size() {
		return fmt.Errorf("%w: bias-add buffers undersized for (%d,%d,%d)", compute.ErrUsage, n, ch, hw)
	}

	for img := 0; img < n; img++ {
		for c0 := 0; c0 < ch; c0++ {
			b := tensor.At(dt, bb, c0)
			base := (img*ch + c0) * hw
			for i := 0; i < hw; i++ {
				tensor.SetAt(dt, db, base+i, tensor.At(dt, sb, base+i)+b)
			}
		}
	}
	return nil
}

// GlobalAvgPool reduces (n, ch, hw) to (n, ch).
func (c *Context) GlobalAvgPool(dt tensor.DataType, n, ch, hw int, dst, src compute.Buffer) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	if len(db) < n*ch*dt.Size() || len(sb) < n*ch*hw*dt.Size() {
		return fmt.Errorf("%w: pool buffers undersized for (%d,%d,%d)", compute.ErrUsage, n, ch, hw)
	}

	for img := 0; img < n; img++ {
		for c0 := 0; c0 < ch; c0++ {
			base := (img*ch + c0) * hw
			var sum float32
			for i := 0; i < hw; i++ {
				sum += tensor.At(dt, sb, base+i)
			}
			tensor.SetAt(dt, db, img*ch+c0, sum/float32(hw))
		}
	}
	return nil
}

// GlobalScale broadcasts per-(n,c) scale/shift pairs over the spatial
// extent with optional logistic gate on the scale, skip add, and ReLU.
func (c *Context) GlobalScale(dt tensor.DataType, n, ch, hw int, dst, src, scaleShift, skip compute.Buffer, gate, relu bool) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	ssb, err := bytesOf(scaleShift)
	if err != nil {
		return err
	}
	var kb []byte
	if skip != nil {
		if kb, err = bytesOf(skip); err != nil {
			return err
		}
	}
	if len(db) < n*ch*hw*dt.Size() || len(sb) < n*ch*hw*dt.Size() || len(ssb) < n*2*ch*dt.Size() {
		return fmt.Errorf("%w: scale buffers undersized for (%d,%d,%d)", compute.ErrUsage, n, ch, hw)
	}

	for img := 0; img < n; img++ {
		for c0 := 0; c0 < ch; c0++ {
			s := tensor.At(dt, ssb, img*2*ch+c0)
			t := tensor.At(dt, ssb, img*2*ch+ch+c0)
			if gate {
				s = sigmoid(s)
			}
			base := (img*ch + c0) * hw
			for i := 0; i < hw; i++ {
				v := s*tensor.At(dt, sb, base+i) + t
				if kb != nil {
					v += tensor.At(dt, kb, base+i)
				}
				if relu && v < 0 {
					v = 0
				}
				tensor.SetAt(dt, db, base+i, v)
			}
		}
	}
	return nil
}

// Softmax normalizes each batch element's ch values, subtracting the
// row maximum first for numerical stability.
func (c *Context) Softmax(dt tensor.DataType, n, ch int, dst, src compute.Buffer) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	if len(db) < n*ch*dt.Size() || len(sb) < n*ch*dt.Size() {
		return fmt.Errorf("%w: softmax buffers undersized for (%d,%d)", compute.ErrUsage, n, ch)
	}

	for img := 0; img < n; img++ {
		base := img * ch
		max := tensor.At(dt, sb, base)
		for i := 1; i < ch; i++ {
			if v := tensor.At(dt, sb, base+i); v > max {
				max = v
			}
		}
		var sum float32
		for i := 0; i < ch; i++ {
			e := float32(math.Exp(float64(tensor.At(dt, sb, base+i) - max)))
			tensor.SetAt(dt, db, base+i, e)
			sum += e
		}
		for i := 0; i < ch; i++ {
			tensor.SetAt(dt, db, base+i, tensor.At(dt, db, base+i)/sum)
		}
	}
	return nil
}
