// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"math"
	"os"
	"testing"

	"github.com/shaban/patchbay/engine/analyze"
	"github.com/shaban/patchbay/engine/port"
)

const (
	SampleRate = 48000
	BlockSize  = 256
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// Cycle returns a TimeInfo covering a whole block starting at frame 0.
func Cycle() port.TimeInfo {
	return port.TimeInfo{Frames: BlockSize}
}

// Prepare prepares every port with the test sample rate and block size.
func Prepare(ports ...*port.Port) {
	for _, p := range ports {
		p.Prepare(SampleRate, BlockSize)
	}
}

// Fill sets every sample of an audio port to v.
func Fill(p *port.Port, v float32) {
	buf := p.Buffer()
	for i := range buf {
		buf[i] = v
	}
}

// Sine writes a full-scale sine wave into an audio port.
func Sine(p *port.Port, amp float32) {
	buf := p.Buffer()
	for i := range buf {
		buf[i] = amp * float32(math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
}

// Near reports whether a and b differ by at most tol.
func Near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// AssertNear fails the test if got and want differ by more than tol.
func AssertNear(t *testing.T, what string, got, want, tol float64) {
	t.Helper()
	if !Near(got, want, tol) {
		t.Fatalf("%s = %.6f, want %.6f (±%g)", what, got, want, tol)
	}
}

// AssertSilent fails the test unless every sample of the port is zero.
func AssertSilent(t *testing.T, p *port.Port) {
	t.Helper()
	for i, v := range p.Buffer() {
		if v != 0 {
			t.Fatalf("%s not silent: sample %d = %v", p.Label(), i, v)
		}
	}
}

// AssertAllEqual fails the test unless every sample equals want within tol.
func AssertAllEqual(t *testing.T, p *port.Port, want, tol float32) {
	t.Helper()
	for i, v := range p.Buffer() {
		if math.Abs(float64(v-want)) > float64(tol) {
			t.Fatalf("%s sample %d = %v, want %v", p.Label(), i, v, want)
		}
	}
}

// AssertRMSAbove fails the test unless the port's RMS reaches minRMS.
func AssertRMSAbove(t *testing.T, p *port.Port, minRMS float64) {
	t.Helper()
	if rms := analyze.RMS(p.Buffer()); rms < minRMS {
		t.Fatalf("signal below threshold on %s: RMS %.6f, wanted >= %.6f", p.Label(), rms, minRMS)
	}
}
