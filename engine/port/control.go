package port

import (
	"math"
	"sync/atomic"
)

// ScalePoint is a labelled value of a discretely-valued control.
type ScalePoint struct {
	Value float32 `json:"value"`
	Label string  `json:"label"`
}

// AutomationReader supplies a control value for a timeline position. ok is
// false where no automation applies, in which case the last set value is
// used.
type AutomationReader interface {
	ValueAt(globalFrame int64) (value float32, ok bool)
}

// AutomationFunc adapts a function to AutomationReader.
type AutomationFunc func(globalFrame int64) (float32, bool)

func (f AutomationFunc) ValueAt(globalFrame int64) (float32, bool) { return f(globalFrame) }

type automationSlot struct {
	r AutomationReader
}

// control holds the scalar state of a control port. Values are float32 bits
// in atomics so the processing thread and the control thread may both touch
// them.
type control struct {
	def       float32
	base      atomic.Uint32 // last explicitly set value
	cur       atomic.Uint32 // snapped value exposed to readers
	unsnapped atomic.Uint32

	auto        atomic.Pointer[automationSlot]
	scalePoints []ScalePoint
	onChange    func(*Port)
}

func (c *control) store(base, unsnapped float32) {
	c.base.Store(math.Float32bits(base))
	c.unsnapped.Store(math.Float32bits(unsnapped))
}

func (c *control) clone() *control {
	n := &control{
		def:         c.def,
		scalePoints: append([]ScalePoint(nil), c.scalePoints...),
	}
	n.base.Store(c.base.Load())
	n.cur.Store(c.cur.Load())
	n.unsnapped.Store(c.unsnapped.Load())
	return n
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (p *Port) isControl() bool {
	if p.ctrl == nil {
		assertf(false, "control access on %s", p.id)
		return false
	}
	return true
}

// snap applies toggle and integer snapping.
func (p *Port) snap(v float32) float32 {
	switch {
	case p.id.Flags.Has(FlagToggle):
		if v >= 0.5*(p.rng.Min+p.rng.Max) {
			return p.rng.Max
		}
		return p.rng.Min
	case p.id.Flags.Has(FlagInteger):
		return p.rng.Clamp(float32(math.Round(float64(v))))
	}
	return v
}

func (p *Port) normalize(v float32) float32 {
	r := p.rng
	if r.Max == r.Min {
		return 0
	}
	var n float32
	if p.id.Flags.Has(FlagLogarithmic) && r.Min > 0 {
		n = float32(math.Log(float64(v/r.Min)) / math.Log(float64(r.Max/r.Min)))
	} else {
		n = (v - r.Min) / (r.Max - r.Min)
	}
	return clamp01(n)
}

func (p *Port) denormalize(n float32) float32 {
	r := p.rng
	n = clamp01(n)
	if p.id.Flags.Has(FlagLogarithmic) && r.Min > 0 {
		return r.Clamp(float32(float64(r.Min) * math.Pow(float64(r.Max/r.Min), float64(n))))
	}
	return r.Clamp(r.Min + n*(r.Max-r.Min))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Real returns the current, snapped value.
func (p *Port) Real() float32 {
	if !p.isControl() {
		return 0
	}
	return math.Float32frombits(p.ctrl.cur.Load())
}

// Unsnapped returns the value before toggle or integer snapping, for display.
func (p *Port) Unsnapped() float32 {
	if !p.isControl() {
		return 0
	}
	return math.Float32frombits(p.ctrl.unsnapped.Load())
}

// SetReal sets the value. Non-finite values are ignored and out-of-range
// values clamped. The change hook fires when the snapped value changes.
func (p *Port) SetReal(v float32) {
	if !p.isControl() || !finite(v) {
		return
	}
	v = p.rng.Clamp(v)
	p.ctrl.store(v, v)
	snapped := p.snap(v)
	old := p.ctrl.cur.Swap(math.Float32bits(snapped))
	if old != math.Float32bits(snapped) && p.ctrl.onChange != nil {
		p.ctrl.onChange(p)
	}
}

// Normalized returns the current value mapped to [0,1].
func (p *Port) Normalized() float32 {
	if !p.isControl() {
		return 0
	}
	return p.normalize(p.Real())
}

// SetNormalized sets the value from [0,1]. Logarithmic ports map
// exponentially.
func (p *Port) SetNormalized(n float32) {
	if !p.isControl() || !finite(n) {
		return
	}
	p.SetReal(p.denormalize(n))
}

// Default returns the default value.
func (p *Port) Default() float32 {
	if !p.isControl() {
		return 0
	}
	return p.ctrl.def
}

func (p *Port) ResetToDefault() {
	if p.isControl() {
		p.SetReal(p.ctrl.def)
	}
}

// Toggled reports whether the value lies in the upper half of the range.
func (p *Port) Toggled() bool {
	return p.Real() >= 0.5*(p.rng.Min+p.rng.Max) && p.Real() != p.rng.Min
}

// SetToggled sets the value to the range maximum or minimum.
func (p *Port) SetToggled(on bool) {
	if on {
		p.SetReal(p.rng.Max)
		return
	}
	p.SetReal(p.rng.Min)
}

// SetAutomation attaches an automation reader consulted every cycle. Pass
// nil to detach.
func (p *Port) SetAutomation(r AutomationReader) {
	if !p.isControl() {
		return
	}
	if r == nil {
		p.ctrl.auto.Store(nil)
		return
	}
	p.ctrl.auto.Store(&automationSlot{r: r})
}

// ScalePoints returns the labelled values of a discrete control.
func (p *Port) ScalePoints() []ScalePoint {
	if p.ctrl == nil {
		return nil
	}
	return p.ctrl.scalePoints
}

// SetOnChange installs a hook called after SetReal changes the value. The
// hook runs on whichever goroutine set the value and must not block. Install
// it before the port is shared.
func (p *Port) SetOnChange(fn func(*Port)) {
	if p.isControl() {
		p.ctrl.onChange = fn
	}
}

// processControl resolves the cycle value: automation if attached, else the
// last set value, then modulation from CV links in normalized space.
func (p *Port) processControl(ti TimeInfo) {
	c := p.ctrl
	v := math.Float32frombits(c.base.Load())
	if slot := c.auto.Load(); slot != nil {
		if av, ok := slot.r.ValueAt(ti.GlobalFrame); ok && finite(av) {
			v = p.rng.Clamp(av)
		}
	}

	if len(p.inputs) > 0 {
		n := p.normalize(v)
		var mod float32
		modulated := false
		for i := range p.inputs {
			l := &p.inputs[i]
			if !l.Enabled || l.Src == nil {
				continue
			}
			switch l.Src.id.Kind {
			case KindControl:
				n = l.Src.Normalized() * l.Multiplier
				modulated = true
			case KindCV, KindAudio:
				if int(ti.Offset) < len(l.Src.buf) {
					mod += l.Src.buf[ti.Offset] * l.Multiplier
					modulated = true
				}
			}
		}
		if modulated && finite(n+mod) {
			v = p.denormalize(n + mod)
		}
	}

	c.unsnapped.Store(math.Float32bits(v))
	c.cur.Store(math.Float32bits(p.snap(v)))
}
