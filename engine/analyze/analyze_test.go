package analyze

import (
	"math"
	"testing"
)

func sine(n int, amp float64) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = float32(amp * math.Sin(2*math.Pi*float64(i)/64))
	}
	return buf
}

func scaled(buf []float32, g float32) []float32 {
	out := make([]float32, len(buf))
	for i, v := range buf {
		out[i] = v * g
	}
	return out
}

func TestRMSAndPeak(t *testing.T) {
	dc := []float32{0.5, -0.5, 0.5, -0.5}
	if got := RMS(dc); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
	if got := Peak([]float32{0.1, -0.9, 0.3}); got != 0.9 {
		t.Errorf("Peak = %v, want 0.9", got)
	}
	if RMS(nil) != 0 {
		t.Error("RMS of empty buffer should be 0")
	}
}

func TestVerifySignalPath(t *testing.T) {
	config := DefaultAnalysisConfig()
	in := sine(512, 1)

	tests := []struct {
		name     string
		out      []float32
		signal   bool
		expectDB float64
	}{
		{"Unity", in, true, 0},
		{"HalfAmplitude", scaled(in, 0.5), true, -6.0206},
		{"Silent", make([]float32, 512), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := VerifySignalPath(in, tt.out, config)
			if err != nil {
				t.Fatalf("VerifySignalPath: %v", err)
			}
			if a.OutputDetected != tt.signal {
				t.Fatalf("OutputDetected = %v, want %v", a.OutputDetected, tt.signal)
			}
			if tt.signal {
				if err := ValidateGain(a, tt.expectDB, config); err != nil {
					t.Error(err)
				}
			}
		})
	}

	if _, err := VerifySignalPath(nil, in, config); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestAnalyzeMonoToStereo(t *testing.T) {
	config := DefaultAnalysisConfig()
	mono := sine(256, 1)

	for _, pan := range []float32{-1, -0.5, 0, 0.5, 1} {
		theta := (float64(pan) + 1) * math.Pi / 4
		left := scaled(mono, float32(math.Cos(theta)))
		right := scaled(mono, float32(math.Sin(theta)))

		a, err := AnalyzeMonoToStereo(mono, left, right, config)
		if err != nil {
			t.Fatalf("pan %.1f: %v", pan, err)
		}
		if err := ValidateStereoAnalysis(a, pan, config); err != nil {
			t.Errorf("pan %.1f: %v", pan, err)
		}
	}
}

func TestAnalyzeSends(t *testing.T) {
	ch := sine(256, 0.8)
	a, err := AnalyzeSends(ch, [][]float32{scaled(ch, 0.5), scaled(ch, 0.25)})
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateSendAnalysis(a, []float32{0.5, 0.25}, DefaultAnalysisConfig()); err != nil {
		t.Error(err)
	}
	if err := ValidateSendAnalysis(a, []float32{0.5}, DefaultAnalysisConfig()); err == nil {
		t.Error("expected count mismatch error")
	}
}
