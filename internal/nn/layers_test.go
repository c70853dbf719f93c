package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardnet-ml/boardnet/internal/backend/cpu"
	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// stubShape stands in as an upstream layer when only shape inference is
// needed.
type stubShape struct {
	c, h, w int
	dt      tensor.DataType
}

func (s *stubShape) Channels() int { return s.c }
func (s *stubShape) Height() int   { return s.h }
func (s *stubShape) Width() int    { return s.w }
func (s *stubShape) OutputShape() tensor.Shape {
	return tensor.Shape{s.c, s.h, s.w}
}
func (s *stubShape) OutputSize(n int) int {
	return s.dt.Size() * n * s.c * s.h * s.w
}
func (s *stubShape) Eval(int, compute.Buffer, compute.Buffer, compute.Buffer, compute.Buffer, compute.Context) error {
	return compute.ErrUsage
}
func (s *stubShape) Release() {}

func loadBuf(t *testing.T, ctx compute.Context, dt tensor.DataType, vals []float32) compute.Buffer {
	t.Helper()
	buf, err := ctx.NewBuffer(len(vals) * dt.Size())
	require.NoError(t, err)
	scratch, err := ctx.NewBuffer(len(vals) * 4)
	require.NoError(t, err)
	defer scratch.Release()
	require.NoError(t, ctx.Upload(buf, vals, dt, scratch))
	return buf
}

func readBuf(t *testing.T, ctx compute.Context, dt tensor.DataType, buf compute.Buffer, count int) []float32 {
	t.Helper()
	out := make([]float32, count)
	require.NoError(t, ctx.Download(out, buf, dt))
	return out
}

func emptyBuf(t *testing.T, ctx compute.Context, byteSize int) compute.Buffer {
	t.Helper()
	buf, err := ctx.NewBuffer(byteSize)
	require.NoError(t, err)
	return buf
}

func TestOutputSizeFormula(t *testing.T) {
	up := &stubShape{c: 16, h: 8, w: 8, dt: tensor.Float32}

	conv, err := NewConvolution(up, tensor.Float32, 32, 8, 8, 3, 16, true, false)
	require.NoError(t, err)
	assert.Equal(t, 4*5*32*8*8, conv.OutputSize(5))

	fc, err := NewFullyConnected(up, tensor.Float16, 10, 1, 1, compute.ActNone, true)
	require.NoError(t, err)
	assert.Equal(t, 2*3*10, fc.OutputSize(3))

	pool, err := NewGlobalAvgPool(up, tensor.Float32)
	require.NoError(t, err)
	assert.Equal(t, 4*2*16, pool.OutputSize(2))
	assert.Equal(t, 1, pool.Height())
	assert.Equal(t, 1, pool.Width())
	assert.True(t, pool.OutputShape().Equal(tensor.Shape{16, 1, 1}))
	assert.True(t, conv.OutputShape().Equal(tensor.Shape{32, 8, 8}))
}

func TestEvalBeforeLoadFails(t *testing.T) {
	ctx := cpu.New()
	conv, err := NewConvolution(nil, tensor.Float32, 2, 2, 2, 1, 2, false, false)
	require.NoError(t, err)

	dst := emptyBuf(t, ctx, conv.OutputSize(1))
	src := emptyBuf(t, ctx, conv.OutputSize(1))
	err = conv.Eval(1, dst, src, nil, nil, ctx)
	assert.ErrorIs(t, err, compute.ErrUsage)
}

func TestConvolutionConstructorValidation(t *testing.T) {
	_, err := NewConvolution(nil, tensor.Float32, 4, 8, 8, 2, 4, false, false)
	assert.ErrorIs(t, err, compute.ErrConfig, "even filter size")

	up := &stubShape{c: 3, h: 8, w: 8, dt: tensor.Float32}
	_, err = NewConvolution(up, tensor.Float32, 4, 8, 8, 3, 5, false, false)
	assert.ErrorIs(t, err, compute.ErrConfig, "upstream channel mismatch")
}

func TestConvolutionLoadWeightsValidation(t *testing.T) {
	ctx := cpu.New()
	conv, err := NewConvolution(nil, tensor.Float32, 2, 4, 4, 3, 3, false, false)
	require.NoError(t, err)

	scratch := emptyBuf(t, ctx, 1024)
	err = conv.LoadWeights(ctx, make([]float32, 7), nil, scratch)
	assert.ErrorIs(t, err, compute.ErrConfig, "short filter")

	err = conv.LoadWeights(ctx, make([]float32, 2*3*9), []float32{1, 2}, scratch)
	assert.ErrorIs(t, err, compute.ErrConfig, "bias without useBias")
}

// naiveConv is the reference same-padded convolution the layer is
// checked against.
func naiveConv(n, cout, cin, h, w, s int, src, filter, bias []float32, relu bool) []float32 {
	out := make([]float32, n*cout*h*w)
	pad := s / 2
	for img := 0; img < n; img++ {
		for co := 0; co < cout; co++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					sum := float32(0)
					for ci := 0; ci < cin; ci++ {
						for fy := 0; fy < s; fy++ {
							for fx := 0; fx < s; fx++ {
								sy, sx := y+fy-pad, x+fx-pad
								if sy < 0 || sy >= h || sx < 0 || sx >= w {
									continue
								}
								sv := src[((img*cin+ci)*h+sy)*w+sx]
								fv := filter[((co*cin+ci)*s+fy)*s+fx]
								sum += sv * fv
							}
						}
					}
					if bias != nil {
						sum += bias[co]
					}
					if relu && sum < 0 {
						sum = 0
					}
					out[((img*cout+co)*h+y)*w+x] = sum
				}
			}
		}
	}
	return out
}

func TestConvolutionMatchesReference(t *testing.T) {
	ctx := cpu.New()
	n, cout, cin, h, w, s := 2, 3, 2, 4, 4, 3

	src := make([]float32, n*cin*h*w)
	for i := range src {
		src[i] = float32(i%7) - 3
	}
	filter := make([]float32, cout*cin*s*s)
	for i := range filter {
		filter[i] = float32(i%5)*0.25 - 0.5
	}
	bias := []float32{0.5, -0.25, 1}
	want := naiveConv(n, cout, cin, h, w, s, src, filter, bias, true)

	conv, err := NewConvolution(nil, tensor.Float32, cout, h, w, s, cin, true, true)
	require.NoError(t, err)
	scratch := emptyBuf(t, ctx, 64*1024)
	require.NoError(t, conv.LoadWeights(ctx, filter, bias, scratch))
	defer conv.Release()

	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	dst := emptyBuf(t, ctx, conv.OutputSize(n))
	require.NoError(t, conv.Eval(n, dst, srcBuf, nil, scratch, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4, "index %d", i)
	}
}

func TestConvolutionRejectsSkipInput(t *testing.T) {
	ctx := cpu.New()
	conv, err := NewConvolution(nil, tensor.Float32, 1, 2, 2, 1, 1, false, false)
	require.NoError(t, err)
	scratch := emptyBuf(t, ctx, 256)
	require.NoError(t, conv.LoadWeights(ctx, []float32{1}, nil, scratch))

	buf := emptyBuf(t, ctx, conv.OutputSize(1))
	err = conv.Eval(1, buf, buf, buf, scratch, ctx)
	assert.ErrorIs(t, err, compute.ErrUsage)
}

func TestBatchNormIdentityStats(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 2, w: 2, dt: tensor.Float32}
	bn, err := NewBatchNorm(up, tensor.Float32, false)
	require.NoError(t, err)
	require.NoError(t, bn.LoadWeights(ctx, []float32{0, 0}, []float32{1, 1}))
	defer bn.Release()

	src := []float32{1, -2, 3, -4, 5, -6, 7, -8}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	dst := emptyBuf(t, ctx, bn.OutputSize(1))
	require.NoError(t, bn.Eval(1, dst, srcBuf, nil, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, len(src))
	for i := range src {
		assert.InDelta(t, src[i], got[i], 1e-3, "index %d", i)
	}
}

func TestBatchNormSkipAndReLU(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 1, h: 2, w: 2, dt: tensor.Float32}
	bn, err := NewBatchNorm(up, tensor.Float32, true)
	require.NoError(t, err)
	require.NoError(t, bn.LoadWeights(ctx, []float32{1}, []float32{1}))
	defer bn.Release()

	src := []float32{2, 0, -3, 4}
	skip := []float32{1, 1, 1, 1}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	skipBuf := loadBuf(t, ctx, tensor.Float32, skip)
	dst := emptyBuf(t, ctx, bn.OutputSize(1))
	require.NoError(t, bn.Eval(1, dst, srcBuf, skipBuf, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, len(src))
	for i := range src {
		want := (src[i]-1)/float32(math.Sqrt(1+1e-5)) + skip[i]
		if want < 0 {
			want = 0
		}
		assert.InDelta(t, want, got[i], 1e-3, "index %d", i)
	}
}

func TestFullyConnectedAffine(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 3, h: 1, w: 1, dt: tensor.Float32}
	fc, err := NewFullyConnected(up, tensor.Float32, 2, 1, 1, compute.ActReLU, true)
	require.NoError(t, err)

	// Row-major (out=2, in=3).
	weights := []float32{1, 0, -1, 2, 1, 0}
	bias := []float32{0.5, -10}
	scratch := emptyBuf(t, ctx, 256)
	require.NoError(t, fc.LoadWeights(ctx, weights, bias, scratch))
	defer fc.Release()

	src := []float32{1, 2, 3}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	dst := emptyBuf(t, ctx, fc.OutputSize(1))
	require.NoError(t, fc.Eval(1, dst, srcBuf, nil, scratch, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, 2)
	// Row 0: 1*1 + 0*2 - 1*3 + 0.5 = -1.5 -> relu 0.
	// Row 1: 2*1 + 1*2 + 0*3 - 10 = -6 -> relu 0... pick a visible one.
	assert.InDelta(t, 0, got[0], 1e-5)
	assert.InDelta(t, 0, got[1], 1e-5)

	fc2, err := NewFullyConnected(up, tensor.Float32, 2, 1, 1, compute.ActNone, true)
	require.NoError(t, err)
	require.NoError(t, fc2.LoadWeights(ctx, weights, bias, scratch))
	defer fc2.Release()
	require.NoError(t, fc2.Eval(1, dst, srcBuf, nil, scratch, ctx))
	got = readBuf(t, ctx, tensor.Float32, dst, 2)
	assert.InDelta(t, -1.5, got[0], 1e-5)
	assert.InDelta(t, -6, got[1], 1e-5)
}

func TestGlobalAvgPoolLayer(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 2, w: 2, dt: tensor.Float32}
	pool, err := NewGlobalAvgPool(up, tensor.Float32)
	require.NoError(t, err)

	src := []float32{1, 2, 3, 4, 10, 20, 30, 40}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	dst := emptyBuf(t, ctx, pool.OutputSize(1))
	require.NoError(t, pool.Eval(1, dst, srcBuf, nil, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, 2)
	assert.InDelta(t, 2.5, got[0], 1e-5)
	assert.InDelta(t, 25, got[1], 1e-5)
}

func TestGlobalScaleLayer(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 1, w: 2, dt: tensor.Float32}
	gs, err := NewGlobalScale(up, tensor.Float32)
	require.NoError(t, err)

	src := []float32{1, 2, -3, 4}
	// (n=1, 2C): scales for both channels, then shifts.
	pairs := []float32{2, 0.5, 1, -1}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	pairBuf := loadBuf(t, ctx, tensor.Float32, pairs)
	dst := emptyBuf(t, ctx, gs.OutputSize(1))
	require.NoError(t, gs.Eval(1, dst, srcBuf, pairBuf, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, 4)
	// dst = s*x + t + x, no gate, no activation.
	want := []float32{2*1 + 1 + 1, 2*2 + 1 + 2, 0.5*-3 - 1 - 3, 0.5*4 - 1 + 4}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-5, "index %d", i)
	}
}

func TestGlobalScaleRequiresPairs(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 1, w: 2, dt: tensor.Float32}
	gs, err := NewGlobalScale(up, tensor.Float32)
	require.NoError(t, err)

	buf := emptyBuf(t, ctx, gs.OutputSize(1))
	err = gs.Eval(1, buf, buf, nil, nil, ctx)
	assert.ErrorIs(t, err, compute.ErrUsage)
}

func TestSoftMaxLayer(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 4, h: 1, w: 1, dt: tensor.Float32}
	sm, err := NewSoftMax(up, tensor.Float32)
	require.NoError(t, err)

	src := []float32{1, 2, 3, 4, 100, 100, 100, 100}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	dst := emptyBuf(t, ctx, sm.OutputSize(2))
	require.NoError(t, sm.Eval(2, dst, srcBuf, nil, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, 8)
	for b := 0; b < 2; b++ {
		sum := float32(0)
		for i := 0; i < 4; i++ {
			sum += got[b*4+i]
		}
		assert.InDelta(t, 1, sum, 1e-5, "batch %d", b)
	}
	// Larger logits get larger probabilities; uniform logits stay uniform.
	assert.Greater(t, got[3], got[0])
	for i := 4; i < 8; i++ {
		assert.InDelta(t, 0.25, got[i], 1e-5)
	}
}

// With W1 = 0 the excitation collapses to a constant gate and shift, so
// the fused output is checkable in closed form:
// relu(sigmoid(b2_scale)*x + b2_shift + skip).
func TestSqueezeExcitationConstantGate(t *testing.T) {
	ctx := cpu.New()
	c, h, w, red := 2, 2, 2, 3
	up := &stubShape{c: c, h: h, w: w, dt: tensor.Float32}
	se, err := NewSqueezeExcitation(up, tensor.Float32, red, false)
	require.NoError(t, err)

	w1 := make([]float32, red*c)
	b1 := []float32{1, 2, 3}
	w2 := make([]float32, 2*c*red)
	b2 := []float32{0, 0, 0.5, -0.5} // scale logits then shifts

	scratch := emptyBuf(t, ctx, se.ScratchSize(2)+1024)
	require.NoError(t, se.LoadWeights(ctx, w1, b1, w2, b2, nil, scratch))
	defer se.Release()

	n := 2
	src := []float32{1, -2, 3, -4, 2, 2, -2, -2, 0.5, 0.5, 0.5, 0.5, -1, 1, -1, 1}
	skip := make([]float32, len(src))
	for i := range skip {
		skip[i] = 0.25
	}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	skipBuf := loadBuf(t, ctx, tensor.Float32, skip)
	dst := emptyBuf(t, ctx, se.OutputSize(n))
	require.NoError(t, se.Eval(n, dst, srcBuf, skipBuf, scratch, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, len(src))
	hw := h * w
	for i := range src {
		ch := (i / hw) % c
		gate := float32(1 / (1 + math.Exp(0))) // sigmoid of zero logit
		shift := b2[c+ch]
		want := gate*src[i] + shift + skip[i]
		if want < 0 {
			want = 0
		}
		assert.InDelta(t, want, got[i], 1e-4, "index %d", i)
	}
}

// With the previous layer's bias folded in, the excitation applies to
// the biased tensor: relu(sigmoid(0)*(x+b) + shift + skip).
func TestSqueezeExcitationPrevBias(t *testing.T) {
	ctx := cpu.New()
	c, h, w, red := 2, 2, 2, 2
	up := &stubShape{c: c, h: h, w: w, dt: tensor.Float32}
	se, err := NewSqueezeExcitation(up, tensor.Float32, red, true)
	require.NoError(t, err)

	w1 := make([]float32, red*c)
	b1 := []float32{1, 1}
	w2 := make([]float32, 2*c*red)
	b2 := []float32{0, 0, 0.5, -0.5}
	prevBias := []float32{1, -2}

	scratch := emptyBuf(t, ctx, se.ScratchSize(1)+1024)
	require.NoError(t, se.LoadWeights(ctx, w1, b1, w2, b2, prevBias, scratch))
	defer se.Release()

	src := []float32{1, -2, 3, -4, 2, 2, -2, -2}
	skip := []float32{0.25, 0.25, 0.25, 0.25, 1, 1, 1, 1}
	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	skipBuf := loadBuf(t, ctx, tensor.Float32, skip)
	dst := emptyBuf(t, ctx, se.OutputSize(1))
	require.NoError(t, se.Eval(1, dst, srcBuf, skipBuf, scratch, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, len(src))
	hw := h * w
	for i := range src {
		ch := (i / hw) % c
		want := 0.5*(src[i]+prevBias[ch]) + b2[c+ch] + skip[i]
		if want < 0 {
			want = 0
		}
		assert.InDelta(t, want, got[i], 1e-4, "index %d", i)
	}
}

func TestSqueezeExcitationPrevBiasValidation(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 2, w: 2, dt: tensor.Float32}
	scratch := emptyBuf(t, ctx, 4096)
	w1 := make([]float32, 2*2)
	b1 := make([]float32, 2)
	w2 := make([]float32, 2*2*2)
	b2 := make([]float32, 2*2)

	se, err := NewSqueezeExcitation(up, tensor.Float32, 2, true)
	require.NoError(t, err)
	err = se.LoadWeights(ctx, w1, b1, w2, b2, []float32{1}, scratch)
	assert.ErrorIs(t, err, compute.ErrConfig, "short previous-layer bias")

	plain, err := NewSqueezeExcitation(up, tensor.Float32, 2, false)
	require.NoError(t, err)
	err = plain.LoadWeights(ctx, w1, b1, w2, b2, []float32{1, 2}, scratch)
	assert.ErrorIs(t, err, compute.ErrConfig, "bias without the fold-in configured")
}

func TestSqueezeExcitationScratchTooSmall(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 4, h: 4, w: 4, dt: tensor.Float32}
	se, err := NewSqueezeExcitation(up, tensor.Float32, 2, false)
	require.NoError(t, err)

	scratch := emptyBuf(t, ctx, 4096)
	require.NoError(t, se.LoadWeights(ctx,
		make([]float32, 2*4), make([]float32, 2),
		make([]float32, 2*4*2), make([]float32, 2*4), nil, scratch))

	buf := emptyBuf(t, ctx, se.OutputSize(1))
	tiny := emptyBuf(t, ctx, 8)
	err = se.Eval(1, buf, buf, buf, tiny, ctx)
	assert.ErrorIs(t, err, compute.ErrUsage)
}

func TestSqueezeExcitationRequiresSkip(t *testing.T) {
	ctx := cpu.New()
	up := &stubShape{c: 2, h: 2, w: 2, dt: tensor.Float32}
	se, err := NewSqueezeExcitation(up, tensor.Float32, 2, false)
	require.NoError(t, err)

	scratch := emptyBuf(t, ctx, 4096)
	require.NoError(t, se.LoadWeights(ctx,
		make([]float32, 2*2), make([]float32, 2),
		make([]float32, 2*2*2), make([]float32, 2*2), nil, scratch))

	buf := emptyBuf(t, ctx, se.OutputSize(1))
	err = se.Eval(1, buf, buf, nil, scratch, ctx)
	assert.ErrorIs(t, err, compute.ErrUsage)
}

// A pointwise convolution feeding a softmax, checked end to end against
// host math.
func TestConvSoftmaxPipeline(t *testing.T) {
	ctx := cpu.New()
	cin, cout, h, w := 2, 3, 1, 1
	conv, err := NewConvolution(nil, tensor.Float32, cout, h, w, 1, cin, false, true)
	require.NoError(t, err)
	sm, err := NewSoftMax(conv, tensor.Float32)
	require.NoError(t, err)

	filter := []float32{1, 0, 0, 1, 1, 1} // (3,2,1,1)
	bias := []float32{0, 0.5, -0.5}
	scratch := emptyBuf(t, ctx, 1024)
	require.NoError(t, conv.LoadWeights(ctx, filter, bias, scratch))
	defer conv.Release()

	src := []float32{2, 1}
	logits := []float32{2, 1.5, 2.5}
	var sum float64
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - 2.5))
		sum += exps[i]
	}

	srcBuf := loadBuf(t, ctx, tensor.Float32, src)
	mid := emptyBuf(t, ctx, conv.OutputSize(1))
	dst := emptyBuf(t, ctx, sm.OutputSize(1))
	require.NoError(t, conv.Eval(1, mid, srcBuf, nil, scratch, ctx))
	require.NoError(t, sm.Eval(1, dst, mid, nil, nil, ctx))

	got := readBuf(t, ctx, tensor.Float32, dst, 3)
	for i := range got {
		assert.InDelta(t, exps[i]/sum, float64(got[i]), 1e-5, "index %d", i)
	}
}

func TestFloat16ConvolutionRoundtrips(t *testing.T) {
	ctx := cpu.New()
	conv, err := NewConvolution(nil, tensor.Float16, 2, 2, 2, 1, 2, true, false)
	require.NoError(t, err)

	filter := []float32{1, 0, 0, 1} // identity channel mix
	scratch := emptyBuf(t, ctx, 1024)
	require.NoError(t, conv.LoadWeights(ctx, filter, nil, scratch))
	defer conv.Release()

	src := []float32{1, -2, 3, -4, 5, -6, 7, -8}
	srcBuf := loadBuf(t, ctx, tensor.Float16, src)
	dst := emptyBuf(t, ctx, conv.OutputSize(1))
	require.NoError(t, conv.Eval(1, dst, srcBuf, nil, scratch, ctx))

	got := readBuf(t, ctx, tensor.Float16, dst, len(src))
	for i := range src {
		want := src[i]
		if want < 0 {
			want = 0
		}
		assert.InDelta(t, want, got[i], 0.01, "index %d", i)
	}
}
