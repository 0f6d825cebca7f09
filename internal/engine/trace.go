package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/23skdu/longbow-kvkernel/internal/device"
)

const traceSampleLen = 8

// StepTrace captures the projected vectors of one decode step for debugging.
type StepTrace struct {
	Step   int        `json:"step"`
	SeqLen int        `json:"seqlen"`
	Seqs   []SeqTrace `json:"seqs"`
}

// SeqTrace describes one sequence in a traced step.
type SeqTrace struct {
	Index  int    `json:"index"`
	Handle string `json:"handle"`
	OK     bool   `json:"ok"`
	Err    string `json:"err,omitempty"`

	QMax   float32 `json:"q_max"`
	KMax   float32 `json:"k_max"`
	VMax   float32 `json:"v_max"`
	OutMax float32 `json:"out_max"`

	QSample   Samples `json:"q_sample"`
	OutSample Samples `json:"out_sample"`

	QNaNCount   int `json:"q_nan_count"`
	QInfCount   int `json:"q_inf_count"`
	KNaNCount   int `json:"k_nan_count"`
	KInfCount   int `json:"k_inf_count"`
	VNaNCount   int `json:"v_nan_count"`
	VInfCount   int `json:"v_inf_count"`
	OutNaNCount int `json:"out_nan_count"`
	OutInfCount int `json:"out_inf_count"`
}

// TraceLog is the JSON document written by Tracer.SaveToFile.
type TraceLog struct {
	Label string      `json:"label"`
	Steps []StepTrace `json:"steps"`
}

// Tracer records per-sequence activations of decode steps while enabled.
type Tracer struct {
	mu      sync.Mutex
	enabled bool
	log     *TraceLog
	steps   int
}

func NewTracer() *Tracer {
	return &Tracer{}
}

// Enable starts a fresh trace.
func (t *Tracer) Enable(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	t.steps = 0
	t.log = &TraceLog{Label: label}
}

func (t *Tracer) IsEnabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Steps returns a copy of the recorded steps.
func (t *Tracer) Steps() []StepTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.log == nil {
		return nil
	}
	out := make([]StepTrace, len(t.log.Steps))
	copy(out, t.log.Steps)
	return out
}

// record is called with the batch-projected q, k and v (row r of each
// belongs to step.Seqs[rows[r]]).
func (t *Tracer) record(step *Step, res *StepResult, rows []int, q, k, v []float32) {
	if !t.IsEnabled() {
		return
	}
	dim := step.Weights.Dim
	st := StepTrace{SeqLen: step.SeqLen, Seqs: make([]SeqTrace, len(step.Seqs))}
	for i, s := range step.Seqs {
		st.Seqs[i] = SeqTrace{Index: i, Handle: s.Handle.String(), OK: res.OK[i]}
		if res.Errors[i] != nil {
			st.Seqs[i].Err = res.Errors[i].Error()
		}
	}
	for r, i := range rows {
		sq := &st.Seqs[i]
		qr, kr, vr := q[r*dim:(r+1)*dim], k[r*dim:(r+1)*dim], v[r*dim:(r+1)*dim]
		sq.QMax, sq.KMax, sq.VMax = maxAbs(qr), maxAbs(kr), maxAbs(vr)
		sq.QSample = sample(qr, traceSampleLen)
		sq.QNaNCount, sq.QInfCount = device.CheckNumericalStability(qr)
		sq.KNaNCount, sq.KInfCount = device.CheckNumericalStability(kr)
		sq.VNaNCount, sq.VInfCount = device.CheckNumericalStability(vr)
		if out := res.Outputs[i]; out != nil {
			sq.OutMax = maxAbs(out)
			sq.OutSample = sample(out, traceSampleLen)
			sq.OutNaNCount, sq.OutInfCount = device.CheckNumericalStability(out)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	st.Step = t.steps
	t.steps++
	t.log.Steps = append(t.log.Steps, st)
}

// SaveToFile writes the trace as indented JSON.
func (t *Tracer) SaveToFile(filename string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.log == nil {
		return fmt.Errorf("no trace to save")
	}
	data, err := json.MarshalIndent(t.log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}

// Samples are leading values of a traced vector. Non-finite values are
// written as null and read back as NaN.
type Samples []float32

func (s Samples) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 2+len(s)*8)
	b = append(b, '[')
	for i, v := range s {
		if i > 0 {
			b = append(b, ',')
		}
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			b = append(b, "null"...)
			continue
		}
		b = strconv.AppendFloat(b, f, 'g', -1, 32)
	}
	return append(b, ']'), nil
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	var raw []*float32
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Samples, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = *v
	}
	*s = out
	return nil
}

func sample(data []float32, n int) Samples {
	if len(data) < n {
		n = len(data)
	}
	out := make(Samples, n)
	copy(out, data[:n])
	return out
}

// maxAbs covers finite values only; NaN and Inf are counted separately.
func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		a := math.Abs(float64(v))
		if math.IsNaN(a) || math.IsInf(a, 0) {
			continue
		}
		if float32(a) > m {
			m = float32(a)
		}
	}
	return m
}
