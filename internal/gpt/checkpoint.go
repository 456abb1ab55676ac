package gpt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

const (
	configFile  = "config.json"
	weightsFile = "model.safetensors"
)

// LoadGPT2 reads a Hugging Face GPT-2 checkpoint directory. Conv1D weights
// are stored [in x out] there and are transposed to [out x in]; a
// "transformer." prefix is accepted and the LM head is tied to wte unless
// lm_head.weight is present.
func LoadGPT2(dir string) (*Model, error) {
	if err := CheckArchitecture(dir); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(filepath.Join(dir, configFile))
	if err != nil {
		return nil, err
	}
	f, err := safetensors.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, err
	}
	prefix := ""
	if _, ok := f.Tensor("transformer.wte.weight"); ok {
		prefix = "transformer."
	}
	ld := loader{f: f, prefix: prefix}
	m := newModel(cfg)
	d, inner := cfg.DModel, cfg.DInner

	ld.mat(&m.WTE, "wte.weight", cfg.VocabSize, d, false)
	if cfg.NPositions > 0 {
		ld.mat(&m.WPE, "wpe.weight", cfg.NPositions, d, false)
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		p := fmt.Sprintf("h.%d.", i)
		ld.vec(l.LN1W, p+"ln_1.weight")
		ld.vec(l.LN1B, p+"ln_1.bias")
		ld.mat(&l.QKV, p+"attn.c_attn.weight", 3*d, d, true)
		ld.vec(l.QKVB, p+"attn.c_attn.bias")
		ld.mat(&l.Proj, p+"attn.c_proj.weight", d, d, true)
		ld.vec(l.ProjB, p+"attn.c_proj.bias")
		ld.vec(l.LN2W, p+"ln_2.weight")
		ld.vec(l.LN2B, p+"ln_2.bias")
		ld.mat(&l.FC, p+"mlp.c_fc.weight", inner, d, true)
		ld.vec(l.FCB, p+"mlp.c_fc.bias")
		ld.mat(&l.Out, p+"mlp.c_proj.weight", d, inner, true)
		ld.vec(l.OutB, p+"mlp.c_proj.bias")
	}
	ld.vec(m.LNFW, "ln_f.weight")
	ld.vec(m.LNFB, "ln_f.bias")
	if _, ok := f.Tensor("lm_head.weight"); ok {
		head := tensor.NewMat(cfg.VocabSize, d)
		ld.prefix = ""
		ld.mat(&head, "lm_head.weight", cfg.VocabSize, d, false)
		m.Head = &head
	}
	if ld.err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, ld.err)
	}
	return m, nil
}

type loader struct {
	f      *safetensors.File
	prefix string
	err    error
}

func (ld *loader) read(name string, want int) []float32 {
	if ld.err != nil {
		return nil
	}
	data, _, err := ld.f.ReadTensorF32(ld.prefix + name)
	if err != nil {
		ld.err = err
		return nil
	}
	if len(data) != want {
		ld.err = fmt.Errorf("tensor %s: %d values, want %d", name, len(data), want)
		return nil
	}
	return data
}

func (ld *loader) vec(dst []float32, name string) {
	if data := ld.read(name, len(dst)); data != nil {
		copy(dst, data)
	}
}

// mat loads an [r x c] matrix. With conv1d set the stored tensor is [c x r].
func (ld *loader) mat(dst *tensor.Mat, name string, r, c int, conv1d bool) {
	data := ld.read(name, r*c)
	if data == nil {
		return
	}
	if !conv1d {
		copy(dst.Data, data)
		return
	}
	src, err := tensor.NewMatFromData(c, r, data)
	if err != nil {
		ld.err = err
		return
	}
	*dst = src.Transpose()
}

// SaveGPT2 writes m as a Hugging Face style GPT-2 checkpoint that LoadGPT2
// reads back.
func (m *Model) SaveGPT2(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfgBytes, err := json.MarshalIndent(struct {
		Config
		ModelType     string   `json:"model_type"`
		Architectures []string `json:"architectures"`
	}{m.cfg, "gpt2", []string{"GPT2LMHeadModel"}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), cfgBytes, 0o644); err != nil {
		return err
	}

	d := m.cfg.DModel
	out := map[string]safetensors.Tensor{
		"wte.weight":  matTensor(&m.WTE, false),
		"ln_f.weight": {Shape: []int{d}, Data: m.LNFW},
		"ln_f.bias":   {Shape: []int{d}, Data: m.LNFB},
	}
	if m.cfg.NPositions > 0 {
		out["wpe.weight"] = matTensor(&m.WPE, false)
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		p := fmt.Sprintf("h.%d.", i)
		out[p+"ln_1.weight"] = vecTensor(l.LN1W)
		out[p+"ln_1.bias"] = vecTensor(l.LN1B)
		out[p+"attn.c_attn.weight"] = matTensor(&l.QKV, true)
		out[p+"attn.c_attn.bias"] = vecTensor(l.QKVB)
		out[p+"attn.c_proj.weight"] = matTensor(&l.Proj, true)
		out[p+"attn.c_proj.bias"] = vecTensor(l.ProjB)
		out[p+"ln_2.weight"] = vecTensor(l.LN2W)
		out[p+"ln_2.bias"] = vecTensor(l.LN2B)
		out[p+"mlp.c_fc.weight"] = matTensor(&l.FC, true)
		out[p+"mlp.c_fc.bias"] = vecTensor(l.FCB)
		out[p+"mlp.c_proj.weight"] = matTensor(&l.Out, true)
		out[p+"mlp.c_proj.bias"] = vecTensor(l.OutB)
	}
	if m.Head != &m.WTE {
		out["lm_head.weight"] = matTensor(m.Head, false)
	}
	return safetensors.WriteFile(filepath.Join(dir, weightsFile), out, map[string]string{"format": "pt"})
}

func vecTensor(v []float32) safetensors.Tensor {
	return safetensors.Tensor{Shape: []int{len(v)}, Data: v}
}

func matTensor(w *tensor.Mat, conv1d bool) safetensors.Tensor {
	if conv1d {
		t := w.Transpose()
		return safetensors.Tensor{Shape: []int{t.R, t.C}, Data: t.Data}
	}
	return safetensors.Tensor{Shape: []int{w.R, w.C}, Data: w.Data}
}

// IsCheckpointDir reports whether dir looks like a GPT-2 checkpoint.
func IsCheckpointDir(dir string) bool {
	for _, name := range []string{configFile, weightsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// ErrNotGPT2 is returned by CheckArchitecture for other model families.
var ErrNotGPT2 = errors.New("checkpoint is not a GPT-2 model")

// CheckArchitecture inspects config.json's model_type.
func CheckArchitecture(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return err
	}
	var probe struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.ModelType != "" && !strings.EqualFold(probe.ModelType, "gpt2") {
		return fmt.Errorf("%w: model_type %q", ErrNotGPT2, probe.ModelType)
	}
	return nil
}
