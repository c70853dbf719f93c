package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/parallel"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Gemm computes dst = a x b. Float32 goes through gonum BLAS; Float16
// falls back to a scalar loop over decoded elements.
func (c *Context) Gemm(dt tensor.DataType, m, n, k int, dst, a, b compute.Buffer, transB bool) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	ab, err := bytesOf(a)
	if err != nil {
		return err
	}
	bb, err := bytesOf(b)
	if err != nil {
		return err
	}
	if len(db) < m*n*dt.Size() || len(ab) < m*k*dt.Size() || len(bb) < n*k*dt.Size() {
		return fmt.Errorf("%w: gemm %dx%dx%d buffers undersized", compute.ErrUsage, m, n, k)
	}

	if dt == tensor.Float32 {
		// blas32.General describes B as stored, so the transposed case
		// hands over the (n, k) row-major weight matrix itself and lets
		// the op flag supply the transpose.
		tb := blas.NoTrans
		bm := blas32.General{Rows: k, Cols: n, Stride: n, Data: tensor.AsFloat32(bb)[:n*k]}
		if transB {
			tb = blas.Trans
			bm = blas32.General{Rows: n, Cols: k, Stride: k, Data: tensor.AsFloat32(bb)[:n*k]}
		}
		blas32.Gemm(blas.NoTrans, tb, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: tensor.AsFloat32(ab)[:m*k]},
			bm,
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: tensor.AsFloat32(db)[:m*n]})
		return nil
	}

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				bv := tensor.At(dt, bb, p*n+j)
				if transB {
					bv = tensor.At(dt, bb, j*k+p)
				}
				sum += tensor.At(dt, ab, i*k+p) * bv
			}
			tensor.SetAt(dt, db, i*n+j, sum)
		}
	}
	return nil
}

// Convolve computes a same-padded spatial convolution with optional
// fused bias and ReLU.
func (c *Context) Convolve(algo compute.ConvAlgorithm, desc compute.ConvDesc, n int,
	dst, src, filter, bias compute.Buffer, relu bool, scratch compute.Buffer) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	fb, err := bytesOf(filter)
	if err != nil {
		return err
	}
	var bv []byte
	if bias != nil {
		if bv, err = bytesOf(bias); err != nil {
			return err
		}
	}

	dt := desc.DataType
	hw := desc.Height * desc.Width
	if len(db) < n*desc.OutChannels*hw*dt.Size() || len(sb) < n*desc.InChannels*hw*dt.Size() {
		return fmt.Errorf("%w: convolution buffers undersized for batch %d", compute.ErrUsage, n)
	}

	switch algo {
	case algoDirect:
		convDirect(desc, n, db, sb, fb, bv, relu)
		return nil
	case algoIm2Col:
		var cb []byte
		if scratch != nil {
			if cb, err = bytesOf(scratch); err != nil {
				return err
			}
		}
		need := c.ConvScratchSize(desc, algo, n)
		if len(cb) < need {
			return fmt.Errorf("%w: convolution scratch holds %d bytes, needs %d",
				compute.ErrUsage, len(cb), need)
		}
		return c.convIm2Col(desc, n, db, sb, fb, bv, relu, cb)
	default:
		return fmt.Errorf("%w: unknown convolution algorithm %d", compute.ErrBackend, algo)
	}
}

// convDirect is the straightforward seven-loop convolution, fanned out
// per (image, output channel). It also serves as the Float16 path,
// decoding elements on the fly.
func convDirect(desc compute.ConvDesc, n int, dst, src, filter, bias []byte, relu bool) {
	dt := desc.DataType
	h, w, s := desc.Height, desc.Width, desc.FilterSize
	pad := s / 2
	hw := h * w

	parallel.ForBatch(n, desc.OutChannels, func(img, co int) {
		srcBase := img * desc.InChannels * hw
		dstBase := img * desc.OutChannels * hw
		var b float32
		if bias != nil {
			b = tensor.At(dt, bias, co)
		}
		filtBase := co * desc.InChannels * s * s
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum := b
				for ci := 0; ci < desc.InChannels; ci++ {
					for fy := 0; fy < s; fy++ {
						sy := y + fy - pad
						if sy < 0 || sy >= h {
							continue
						}
						for fx := 0; fx < s; fx++ {
							sx := x + fx - pad
							if sx < 0 || sx >= w {
								continue
							}
							sum += tensor.At(dt, src, srcBase+ci*hw+sy*w+sx) *
								tensor.At(dt, filter, filtBase+ci*s*s+fy*s+fx)
						}
					}
				}
				if relu && sum < 0 {
					sum = 0
				}
				tensor.SetAt(dt, dst, dstBase+co*hw+y*w+x, sum)
			}
		}
	})
}

// convIm2Col lowers each image to a (Cin*S*S, H*W) column matrix in
// scratch and multiplies it with the (Cout, Cin*S*S) filter matrix via
// BLAS. Float32 only; SelectConvAlgorithm never picks it for Float16.
func (c *Context) convIm2Col(desc compute.ConvDesc, n int, dst, src, filter, bias []byte, relu bool, scratch []byte) error {
	h, w, s := desc.Height, desc.Width, desc.FilterSize
	pad := s / 2
	hw := h * w
	k := desc.InChannels * s * s

	srcF := tensor.AsFloat32(src)
	dstF := tensor.AsFloat32(dst)
	filtF := tensor.AsFloat32(filter)[:desc.OutChannels*k]
	col := tensor.AsFloat32(scratch)[:k*hw]

	for img := 0; img < n; img++ {
		srcImg := srcF[img*desc.InChannels*hw:]
		row := 0
		for ci := 0; ci < desc.InChannels; ci++ {
			for fy := 0; fy < s; fy++ {
				for fx := 0; fx < s; fx++ {
					out := col[row*hw:]
					for y := 0; y < h; y++ {
						sy := y + fy - pad
						for x := 0; x < w; x++ {
							sx := x + fx - pad
							if sy < 0 || sy >= h || sx < 0 || sx >= w {
								out[y*w+x] = 0
							} else {
								out[y*w+x] = srcImg[ci*hw+sy*w+sx]
							}
						}
					}
					row++
				}
			}
		}

		out := dstF[img*desc.OutChannels*hw : (img+1)*desc.OutChannels*hw]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: desc.OutChannels, Cols: k, Stride: k, Data: filtF},
			blas32.General{Rows: k, Cols: hw, Stride: hw, Data: col},
			0,
			blas32.General{Rows: desc.OutChannels, Cols: hw, Stride: hw, Data: out})

		if bias != nil || relu {
			biasF := tensor.AsFloat32(bias)
			for co := 0; co < desc.OutChannels; co++ {
				var b float32
				if bias != nil {
					b = biasF[co]
				}
				plane := out[co*hw : (co+1)*hw]
				for i, v := range plane {
					v += b
					if relu && v < 0 {
						v = 0
					}
					plane[i] = v
				}
			}
		}
	}
	return nil
}
