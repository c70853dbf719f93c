package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
	"github.com/boardnet-ml/boardnet/internal/weights"
)

// step is one entry of the pipeline arena: a layer plus the indices of
// the activation buffers it reads and writes. skip is -1 when the layer
// takes no residual input. The pipeline is an explicit ordered sequence,
// not a live reference graph; layer upstream pointers serve shape
// inference only.
type step struct {
	layer Layer
	in    int
	out   int
	skip  int
}

// Network is a built residual evaluation pipeline: an input convolution,
// a tower of residual blocks (optionally squeeze-excited), and policy
// and value heads. It owns the layer arena, three rotating activation
// buffers, and one scratch buffer sized to the pipeline-wide maximum,
// all allocated at build time so Forward is allocation-free.
//
// A Network instance is not safe for concurrent Forward calls: the
// scratch and activation buffers are per-instance mutable state. Run
// concurrent passes on separate Network instances sharing one context.
type Network struct {
	ctx      compute.Context
	dt       tensor.DataType
	maxBatch int

	inShape       tensor.Shape
	policyOutputs int

	arena     []Layer
	steps     []step
	policyBuf int
	valueBuf  int

	bufs    [3]compute.Buffer
	scratch compute.Buffer
}

// NewNetwork builds the pipeline described by a loaded model, allocates
// device memory, and transfers all parameters. maxBatch bounds the
// batch size of every later Forward call.
func NewNetwork(ctx compute.Context, dt tensor.DataType, model *weights.Model, maxBatch int) (*Network, error) {
	if maxBatch < 1 {
		return nil, fmt.Errorf("%w: maximum batch size %d", compute.ErrConfig, maxBatch)
	}
	if err := model.Manifest.Validate(); err != nil {
		return nil, err
	}

	nw := &Network{
		ctx:           ctx,
		dt:            dt,
		maxBatch:      maxBatch,
		inShape:       model.Manifest.InputShape(),
		policyOutputs: model.Manifest.Policy.Outputs,
	}
	if err := nw.build(model); err != nil {
		nw.Release()
		return nil, err
	}
	return nw, nil
}

// add records a constructed layer in the arena with its buffer wiring.
func (nw *Network) add(l Layer, in, out, skip int) Layer {
	nw.arena = append(nw.arena, l)
	nw.steps = append(nw.steps, step{layer: l, in: in, out: out, skip: skip})
	return l
}

// build constructs the layer arena, sizes and allocates device memory,
// and loads every layer's parameters.
func (nw *Network) build(model *weights.Model) error {
	m := model.Manifest
	f, h, w := m.Filters, nw.inShape[1], nw.inShape[2]
	dt := nw.dt

	// Activation buffers rotate through three slots; the input batch is
	// uploaded into slot 0. Slots are reused only once their previous
	// contents are dead, so no step reads and writes the same slot
	// except elementwise layers fed by themselves (never built here).
	cur, t1, t2 := 0, 1, 2

	inConv, err := NewConvolution(nil, dt, f, h, w, 3, nw.inShape[0], false, false)
	if err != nil {
		return err
	}
	nw.add(inConv, cur, t1, -1)

	inNorm, err := NewBatchNorm(inConv, dt, true)
	if err != nil {
		return err
	}
	nw.add(inNorm, t1, t2, -1)
	cur, t1, t2 = t2, t1, cur

	var up Layer = inNorm
	for i := range model.Tower {
		conv1, err := NewConvolution(up, dt, f, h, w, 3, f, false, false)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		norm1, err := NewBatchNorm(conv1, dt, true)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		conv2, err := NewConvolution(norm1, dt, f, h, w, 3, f, false, false)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}

		nw.add(conv1, cur, t1, -1)
		nw.add(norm1, t1, t2, -1)
		nw.add(conv2, t2, t1, -1)

		if m.SEWidth > 0 {
			norm2, err := NewBatchNorm(conv2, dt, false)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			se, err := NewSqueezeExcitation(norm2, dt, m.SEWidth, false)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			nw.add(norm2, t1, t2, -1)
			nw.add(se, t2, t1, cur)
			cur, t1 = t1, cur
			up = se
		} else {
			norm2, err := NewBatchNorm(conv2, dt, true)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			nw.add(norm2, t1, t2, cur)
			cur, t2 = t2, cur
			up = norm2
		}
	}

	// Policy head: 1x1 convolution, dense reduction, softmax.
	policyConv, err := NewConvolution(up, dt, m.Policy.Channels, h, w, 1, f, true, true)
	if err != nil {
		return err
	}
	policyFC, err := NewFullyConnected(policyConv, dt, m.Policy.Outputs, 1, 1, compute.ActNone, true)
	if err != nil {
		return err
	}
	policySM, err := NewSoftMax(policyFC, dt)
	if err != nil {
		return err
	}
	nw.add(policyConv, cur, t1, -1)
	nw.add(policyFC, t1, t2, -1)
	nw.add(policySM, t2, t1, -1)
	nw.policyBuf = t1

	// Value head: 1x1 convolution, two dense stages ending in tanh.
	// It reuses cur's slot once the convolution has consumed it; the
	// policy distribution stays untouched in its own slot.
	valueConv, err := NewConvolution(up, dt, m.Value.Channels, h, w, 1, f, true, true)
	if err != nil {
		return err
	}
	valueFC1, err := NewFullyConnected(valueConv, dt, m.Value.Hidden, 1, 1, compute.ActReLU, true)
	if err != nil {
		return err
	}
	valueFC2, err := NewFullyConnected(valueFC1, dt, 1, 1, 1, compute.ActTanh, true)
	if err != nil {
		return err
	}
	nw.add(valueConv, cur, t2, -1)
	nw.add(valueFC1, t2, cur, -1)
	nw.add(valueFC2, cur, t2, -1)
	nw.valueBuf = t2

	if err := nw.allocate(model); err != nil {
		return err
	}
	return nw.load(model)
}

// allocate sizes the activation and scratch buffers to the pipeline-wide
// maxima for the configured batch bound.
func (nw *Network) allocate(model *weights.Model) error {
	bufBytes := nw.maxBatch * nw.inShape.NumElements() * nw.dt.Size()
	scratchBytes := nw.maxBatch * nw.inShape.NumElements() * 4 // input upload staging

	for _, s := range nw.steps {
		if out := nw.maxBatch * s.layer.OutputShape().NumElements() * nw.dt.Size(); out > bufBytes {
			bufBytes = out
		}
		switch l := s.layer.(type) {
		case *Convolution:
			need, err := l.ScratchSize(nw.ctx, nw.maxBatch)
			if err != nil {
				return err
			}
			if need > scratchBytes {
				scratchBytes = need
			}
		case *SqueezeExcitation:
			if need := l.ScratchSize(nw.maxBatch); need > scratchBytes {
				scratchBytes = need
			}
		}
	}

	// Weight uploads stage through the same scratch buffer.
	if staging := maxParamBytes(model); staging > scratchBytes {
		scratchBytes = staging
	}

	var err error
	if nw.scratch, err = nw.ctx.NewBuffer(scratchBytes); err != nil {
		return err
	}
	for i := range nw.bufs {
		if nw.bufs[i], err = nw.ctx.NewBuffer(bufBytes); err != nil {
			return err
		}
	}
	return nil
}

// maxParamBytes returns the staging bytes of the largest parameter
// array, biases and normalization statistics included.
func maxParamBytes(model *weights.Model) int {
	largest := 0
	count := func(arrs ...[]float32) {
		for _, a := range arrs {
			if len(a)*4 > largest {
				largest = len(a) * 4
			}
		}
	}
	count(model.Input.Filter, model.InputNorm.Means, model.InputNorm.Variances)
	for i := range model.Tower {
		b := &model.Tower[i]
		count(b.Conv1.Filter, b.Norm1.Means, b.Norm1.Variances,
			b.Conv2.Filter, b.Norm2.Means, b.Norm2.Variances)
		if b.SE != nil {
			count(b.SE.W1, b.SE.B1, b.SE.W2, b.SE.B2)
		}
	}
	count(model.PolicyConv.Filter, model.PolicyConv.Bias,
		model.PolicyFC.Weights, model.PolicyFC.Bias,
		model.ValueConv.Filter, model.ValueConv.Bias,
		model.ValueFC1.Weights, model.ValueFC1.Bias,
		model.ValueFC2.Weights, model.ValueFC2.Bias)
	return largest
}

// load transfers every layer's parameters to the device. The arena
// order matches build order, so the model arrays are consumed in step
// order.
func (nw *Network) load(model *weights.Model) error {
	i := 0
	next := func() Layer {
		l := nw.arena[i]
		i++
		return l
	}
	ctx, scr := nw.ctx, nw.scratch

	if err := next().(*Convolution).LoadWeights(ctx, model.Input.Filter, nil, scr); err != nil {
		return err
	}
	if err := next().(*BatchNorm).LoadWeights(ctx, model.InputNorm.Means, model.InputNorm.Variances); err != nil {
		return err
	}
	for bi := range model.Tower {
		b := &model.Tower[bi]
		if err := next().(*Convolution).LoadWeights(ctx, b.Conv1.Filter, nil, scr); err != nil {
			return fmt.Errorf("block %d: %w", bi, err)
		}
		if err := next().(*BatchNorm).LoadWeights(ctx, b.Norm1.Means, b.Norm1.Variances); err != nil {
			return fmt.Errorf("block %d: %w", bi, err)
		}
		if err := next().(*Convolution).LoadWeights(ctx, b.Conv2.Filter, nil, scr); err != nil {
			return fmt.Errorf("block %d: %w", bi, err)
		}
		if err := next().(*BatchNorm).LoadWeights(ctx, b.Norm2.Means, b.Norm2.Variances); err != nil {
			return fmt.Errorf("block %d: %w", bi, err)
		}
		if b.SE != nil {
			if err := next().(*SqueezeExcitation).LoadWeights(ctx, b.SE.W1, b.SE.B1, b.SE.W2, b.SE.B2, nil, scr); err != nil {
				return fmt.Errorf("block %d: %w", bi, err)
			}
		}
	}
	if err := next().(*Convolution).LoadWeights(ctx, model.PolicyConv.Filter, model.PolicyConv.Bias, scr); err != nil {
		return err
	}
	if err := next().(*FullyConnected).LoadWeights(ctx, model.PolicyFC.Weights, model.PolicyFC.Bias, scr); err != nil {
		return err
	}
	next() // softmax holds no parameters
	if err := next().(*Convolution).LoadWeights(ctx, model.ValueConv.Filter, model.ValueConv.Bias, scr); err != nil {
		return err
	}
	if err := next().(*FullyConnected).LoadWeights(ctx, model.ValueFC1.Weights, model.ValueFC1.Bias, scr); err != nil {
		return err
	}
	return next().(*FullyConnected).LoadWeights(ctx, model.ValueFC2.Weights, model.ValueFC2.Bias, scr)
}

// InputLen returns the float count Forward expects per batch of n.
func (nw *Network) InputLen(n int) int { return n * nw.inShape.NumElements() }

// InputShape returns the per-position (planes, height, width) dimensions.
func (nw *Network) InputShape() tensor.Shape { return nw.inShape.Clone() }

// PolicyOutputs returns the policy distribution width.
func (nw *Network) PolicyOutputs() int { return nw.policyOutputs }

// MaxBatch returns the batch bound fixed at build time.
func (nw *Network) MaxBatch() int { return nw.maxBatch }

// Layers returns the number of arena entries.
func (nw *Network) Layers() int { return len(nw.arena) }

// Forward evaluates one batch. input holds n*planes*H*W floats; policy
// receives n*PolicyOutputs() probabilities; value receives n scores in
// [-1, 1]. All three are caller-owned host slices.
func (nw *Network) Forward(n int, input []float32, policy, value []float32) error {
	if n < 1 || n > nw.maxBatch {
		return fmt.Errorf("%w: batch size %d outside [1, %d]", compute.ErrUsage, n, nw.maxBatch)
	}
	if len(input) != nw.InputLen(n) {
		return fmt.Errorf("%w: input holds %d floats, batch of %d needs %d",
			compute.ErrUsage, len(input), n, nw.InputLen(n))
	}
	if len(policy) != n*nw.policyOutputs || len(value) != n {
		return fmt.Errorf("%w: output slices sized (%d,%d), batch of %d needs (%d,%d)",
			compute.ErrUsage, len(policy), len(value), n, n*nw.policyOutputs, n)
	}

	if err := nw.ctx.Upload(nw.bufs[0], input, nw.dt, nw.scratch); err != nil {
		return err
	}
	for _, s := range nw.steps {
		var skip compute.Buffer
		if s.skip >= 0 {
			skip = nw.bufs[s.skip]
		}
		if err := s.layer.Eval(n, nw.bufs[s.out], nw.bufs[s.in], skip, nw.scratch, nw.ctx); err != nil {
			return err
		}
	}
	if err := nw.ctx.Download(policy, nw.bufs[nw.policyBuf], nw.dt); err != nil {
		return err
	}
	return nw.ctx.Download(value, nw.bufs[nw.valueBuf], nw.dt)
}

// Release frees every layer's parameters and the network-owned buffers.
func (nw *Network) Release() {
	for _, l := range nw.arena {
		l.Release()
	}
	nw.arena = nil
	nw.steps = nil
	for i := range nw.bufs {
		if nw.bufs[i] != nil {
			nw.bufs[i].Release()
			nw.bufs[i] = nil
		}
	}
	if nw.scratch != nil {
		nw.scratch.Release()
		nw.scratch = nil
	}
}
