package weights

import "math/rand"

// Random builds a model with deterministic pseudo-random parameters for
// the given manifest. Normalization variances are kept positive and the
// remaining values small so deep towers stay numerically tame. Intended
// for benchmarks and tests; real models come from Load.
func Random(m Manifest, seed int64) (*Model, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	vals := func(count int) []float32 {
		out := make([]float32, count)
		for i := range out {
			out[i] = (rng.Float32() - 0.5) * 0.2
		}
		return out
	}
	variances := func(count int) []float32 {
		out := make([]float32, count)
		for i := range out {
			out[i] = 0.5 + rng.Float32()
		}
		return out
	}

	f := m.Filters
	hw := m.Input.Height * m.Input.Width

	model := &Model{Manifest: m}
	model.Input.Filter = vals(f * m.Input.Planes * 9)
	model.InputNorm.Means = vals(f)
	model.InputNorm.Variances = variances(f)

	model.Tower = make([]Block, m.Blocks)
	for i := range model.Tower {
		b := &model.Tower[i]
		b.Conv1.Filter = vals(f * f * 9)
		b.Norm1.Means = vals(f)
		b.Norm1.Variances = variances(f)
		b.Conv2.Filter = vals(f * f * 9)
		b.Norm2.Means = vals(f)
		b.Norm2.Variances = variances(f)
		if m.SEWidth > 0 {
			b.SE = &SE{
				W1: vals(m.SEWidth * f),
				B1: vals(m.SEWidth),
				W2: vals(2 * f * m.SEWidth),
				B2: vals(2 * f),
			}
		}
	}

	model.PolicyConv.Filter = vals(m.Policy.Channels * f)
	model.PolicyConv.Bias = vals(m.Policy.Channels)
	model.PolicyFC.Weights = vals(m.Policy.Outputs * m.Policy.Channels * hw)
	model.PolicyFC.Bias = vals(m.Policy.Outputs)

	model.ValueConv.Filter = vals(m.Value.Channels * f)
	model.ValueConv.Bias = vals(m.Value.Channels)
	model.ValueFC1.Weights = vals(m.Value.Hidden * m.Value.Channels * hw)
	model.ValueFC1.Bias = vals(m.Value.Hidden)
	model.ValueFC2.Weights = vals(m.Value.Hidden)
	model.ValueFC2.Bias = vals(1)

	return model, nil
}
