// Package weights loads trained model parameters: a YAML manifest
// describing the network topology plus a raw little-endian float32
// payload holding the parameter arrays in documented order.
//
// Payload order: input convolution filter; input normalization means and
// variances; per residual block conv1 filter, norm1 means/variances,
// conv2 filter, norm2 means/variances, and (when se_width > 0) the
// squeeze-excitation w1, b1, w2, b2; then the policy head (1x1 filter,
// bias, dense weights, dense bias) and the value head (1x1 filter, bias,
// two dense stages with biases).
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Manifest is the YAML topology description stored next to the payload.
type Manifest struct {
	Format  string `yaml:"format"`
	Payload string `yaml:"payload"`

	Input struct {
		Planes int `yaml:"planes"`
		Height int `yaml:"height"`
		Width  int `yaml:"width"`
	} `yaml:"input"`

	Filters int `yaml:"filters"`
	Blocks  int `yaml:"blocks"`
	SEWidth int `yaml:"se_width"` // 0 disables squeeze-excitation

	Policy struct {
		Channels int `yaml:"channels"`
		Outputs  int `yaml:"outputs"`
	} `yaml:"policy"`

	Value struct {
		Channels int `yaml:"channels"`
		Hidden   int `yaml:"hidden"`
	} `yaml:"value"`
}

// FormatV1 is the only manifest format this loader understands.
const FormatV1 = "boardnet-v1"

// InputShape returns the (planes, height, width) shape of one position.
func (m *Manifest) InputShape() tensor.Shape {
	return tensor.Shape{m.Input.Planes, m.Input.Height, m.Input.Width}
}

// Validate checks the manifest's structural invariants.
func (m *Manifest) Validate() error {
	if m.Format != FormatV1 {
		return fmt.Errorf("%w: unknown weights format %q", compute.ErrConfig, m.Format)
	}
	if err := m.InputShape().Validate(); err != nil {
		return fmt.Errorf("%w: input shape: %v", compute.ErrConfig, err)
	}
	switch {
	case m.Filters < 1:
		return fmt.Errorf("%w: filter count %d", compute.ErrConfig, m.Filters)
	case m.Blocks < 0:
		return fmt.Errorf("%w: block count %d", compute.ErrConfig, m.Blocks)
	case m.SEWidth < 0:
		return fmt.Errorf("%w: squeeze-excitation width %d", compute.ErrConfig, m.SEWidth)
	case m.Policy.Channels < 1 || m.Policy.Outputs < 1:
		return fmt.Errorf("%w: policy head (%d channels, %d outputs)", compute.ErrConfig,
			m.Policy.Channels, m.Policy.Outputs)
	case m.Value.Channels < 1 || m.Value.Hidden < 1:
		return fmt.Errorf("%w: value head (%d channels, %d hidden)", compute.ErrConfig,
			m.Value.Channels, m.Value.Hidden)
	}
	return nil
}

// Conv holds a convolution's host-resident parameters.
type Conv struct {
	Filter []float32 // (out, in, S, S), channel-major
	Bias   []float32 // (out) or nil
}

// Norm holds per-channel normalization statistics.
type Norm struct {
	Means     []float32
	Variances []float32
}

// Dense holds a dense stage's parameters.
type Dense struct {
	Weights []float32 // (out, in), row-major
	Bias    []float32 // (out)
}

// SE holds one squeeze-excitation block's parameters.
type SE struct {
	W1 []float32 // (se_width, filters)
	B1 []float32 // (se_width)
	W2 []float32 // (2*filters, se_width)
	B2 []float32 // (2*filters)
}

// Block is one residual tower block.
type Block struct {
	Conv1 Conv
	Norm1 Norm
	Conv2 Conv
	Norm2 Norm
	SE    *SE // nil when se_width is 0
}

// Model is a fully loaded, host-resident parameter set.
type Model struct {
	Manifest Manifest

	Input     Conv
	InputNorm Norm
	Tower     []Block

	PolicyConv Conv
	PolicyFC   Dense

	ValueConv Conv
	ValueFC1  Dense
	ValueFC2  Dense
}

// reader pulls fixed-size float32 arrays off the payload stream.
type reader struct {
	r   io.Reader
	buf []byte
}

func (p *reader) next(count int) ([]float32, error) {
	need := count * 4
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	b := p.buf[:need]
	if _, err := io.ReadFull(p.r, b); err != nil {
		return nil, fmt.Errorf("%w: payload truncated: %v", compute.ErrConfig, err)
	}
	out := make([]float32, count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Read parses a payload stream against an already validated manifest.
func Read(m Manifest, payload io.Reader) (*Model, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	p := &reader{r: payload}
	model := &Model{Manifest: m}
	f := m.Filters
	hw := m.Input.Height * m.Input.Width

	var err error
	take := func(count int) []float32 {
		if err != nil {
			return nil
		}
		var vals []float32
		vals, err = p.next(count)
		return vals
	}

	model.Input.Filter = take(f * m.Input.Planes * 9)
	model.InputNorm.Means = take(f)
	model.InputNorm.Variances = take(f)

	model.Tower = make([]Block, m.Blocks)
	for i := range model.Tower {
		b := &model.Tower[i]
		b.Conv1.Filter = take(f * f * 9)
		b.Norm1.Means = take(f)
		b.Norm1.Variances = take(f)
		b.Conv2.Filter = take(f * f * 9)
		b.Norm2.Means = take(f)
		b.Norm2.Variances = take(f)
		if m.SEWidth > 0 {
			b.SE = &SE{
				W1: take(m.SEWidth * f),
				B1: take(m.SEWidth),
				W2: take(2 * f * m.SEWidth),
				B2: take(2 * f),
			}
		}
	}

	model.PolicyConv.Filter = take(m.Policy.Channels * f)
	model.PolicyConv.Bias = take(m.Policy.Channels)
	model.PolicyFC.Weights = take(m.Policy.Outputs * m.Policy.Channels * hw)
	model.PolicyFC.Bias = take(m.Policy.Outputs)

	model.ValueConv.Filter = take(m.Value.Channels * f)
	model.ValueConv.Bias = take(m.Value.Channels)
	model.ValueFC1.Weights = take(m.Value.Hidden * m.Value.Channels * hw)
	model.ValueFC1.Bias = take(m.Value.Hidden)
	model.ValueFC2.Weights = take(m.Value.Hidden)
	model.ValueFC2.Bias = take(1)

	if err != nil {
		return nil, err
	}
	return model, nil
}

// Load reads a manifest file and its payload from disk. The payload
// path is resolved relative to the manifest's directory.
func Load(manifestPath string) (*Model, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", compute.ErrConfig, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest: %v", compute.ErrConfig, err)
	}
	if m.Payload == "" {
		return nil, fmt.Errorf("%w: manifest names no payload file", compute.ErrConfig)
	}

	payload, err := os.Open(filepath.Join(filepath.Dir(manifestPath), m.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: opening payload: %v", compute.ErrConfig, err)
	}
	defer payload.Close()

	return Read(m, payload)
}

// Save writes the manifest and payload next to each other. Used by
// tooling that generates models (benchmarks, tests); inference only
// needs Load.
func (model *Model) Save(manifestPath string) error {
	if err := model.Manifest.Validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(&model.Manifest)
	if err != nil {
		return fmt.Errorf("%w: encoding manifest: %v", compute.ErrConfig, err)
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return fmt.Errorf("%w: writing manifest: %v", compute.ErrConfig, err)
	}

	out, err := os.Create(filepath.Join(filepath.Dir(manifestPath), model.Manifest.Payload))
	if err != nil {
		return fmt.Errorf("%w: creating payload: %v", compute.ErrConfig, err)
	}
	defer out.Close()

	w := func(vals []float32) {
		if err != nil {
			return
		}
		b := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		_, err = out.Write(b)
	}

	w(model.Input.Filter)
	w(model.InputNorm.Means)
	w(model.InputNorm.Variances)
	for i := range model.Tower {
		b := &model.Tower[i]
		w(b.Conv1.Filter)
		w(b.Norm1.Means)
		w(b.Norm1.Variances)
		w(b.Conv2.Filter)
		w(b.Norm2.Means)
		w(b.Norm2.Variances)
		if b.SE != nil {
			w(b.SE.W1)
			w(b.SE.B1)
			w(b.SE.W2)
			w(b.SE.B2)
		}
	}
	w(model.PolicyConv.Filter)
	w(model.PolicyConv.Bias)
	w(model.PolicyFC.Weights)
	w(model.PolicyFC.Bias)
	w(model.ValueConv.Filter)
	w(model.ValueConv.Bias)
	w(model.ValueFC1.Weights)
	w(model.ValueFC1.Bias)
	w(model.ValueFC2.Weights)
	w(model.ValueFC2.Bias)

	if err != nil {
		return fmt.Errorf("%w: writing payload: %v", compute.ErrConfig, err)
	}
	return nil
}
