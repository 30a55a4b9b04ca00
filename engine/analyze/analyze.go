// Package analyze provides offline analysis of rendered port buffers for
// verifying routing, panning, plugin chains and sends.
package analyze

import (
	"fmt"
	"math"
)

// PathAnalysis contains results of signal path verification
type PathAnalysis struct {
	InputDetected   bool    // Signal present at input
	OutputDetected  bool    // Signal present at output
	SignalIntegrity bool    // Output present exactly when input is
	InputRMS        float64 // Input signal level
	OutputRMS       float64 // Output signal level
	GainChange      float64 // dB change from input to output
}

// StereoAnalysis contains results of mono→stereo conversion analysis
type StereoAnalysis struct {
	LeftChannelRMS  float64
	RightChannelRMS float64
	PanPosition     float32 // Measured pan (-1.0 to 1.0), constant power law
	StereoWidth     float64 // |L - R| level difference
	MonoCompatible  bool    // L+R does not cancel
	TotalRMS        float64
	Balance         float64 // (R - L) / (R + L)
}

// SendAnalysis contains results of send analysis
type SendAnalysis struct {
	ChannelLevel    float64
	SendLevels      []float64 // Level at each destination
	SendRatios      []float32 // Measured destination / channel ratio
	TotalSendEnergy float64
}

// AnalysisConfig holds thresholds used by the Validate functions.
type AnalysisConfig struct {
	MinSignalLevel float64 // Minimum RMS to consider as signal
	ToleranceDB    float64 // Tolerance for level comparisons (dB)
	PanTolerance   float32 // Tolerance for pan position
	RatioTolerance float32 // Tolerance for send ratios
}

// DefaultAnalysisConfig returns sensible defaults for audio analysis
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		MinSignalLevel: 0.001, // -60dB
		ToleranceDB:    0.1,
		PanTolerance:   0.05,
		RatioTolerance: 0.01,
	}
}

// RMS returns the root mean square of buf.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range buf {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// Peak returns the largest absolute sample of buf.
func Peak(buf []float32) float32 {
	var p float32
	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return p
}

// GainDB returns the level change from in to out in decibels. Silence on
// either side yields -Inf or +Inf.
func GainDB(inRMS, outRMS float64) float64 {
	if inRMS == 0 && outRMS == 0 {
		return 0
	}
	return 20 * math.Log10(outRMS/inRMS)
}

// VerifySignalPath compares an input buffer with the output it produced.
func VerifySignalPath(in, out []float32, config AnalysisConfig) (*PathAnalysis, error) {
	if len(in) == 0 || len(out) == 0 {
		return nil, fmt.Errorf("invalid parameters: input and output buffers cannot be empty")
	}
	a := &PathAnalysis{
		InputRMS:  RMS(in),
		OutputRMS: RMS(out),
	}
	a.InputDetected = a.InputRMS > config.MinSignalLevel
	a.OutputDetected = a.OutputRMS > config.MinSignalLevel
	a.SignalIntegrity = a.InputDetected == a.OutputDetected
	a.GainChange = GainDB(a.InputRMS, a.OutputRMS)
	return a, nil
}

// AnalyzeMonoToStereo measures how a mono source was spread over a stereo
// pair and recovers the pan position assuming a constant power law.
func AnalyzeMonoToStereo(mono, left, right []float32, config AnalysisConfig) (*StereoAnalysis, error) {
	if len(left) != len(right) {
		return nil, fmt.Errorf("left and right buffers differ in length: %d != %d", len(left), len(right))
	}
	l, r := RMS(left), RMS(right)
	a := &StereoAnalysis{
		LeftChannelRMS:  l,
		RightChannelRMS: r,
		StereoWidth:     math.Abs(l - r),
		TotalRMS:        math.Sqrt(l*l + r*r),
	}
	if l > 0 || r > 0 {
		a.Balance = (r - l) / (r + l)
		// L = cos(θ), R = sin(θ), θ in [0, π/2]
		theta := math.Atan2(r, l)
		a.PanPosition = float32(theta*4/math.Pi - 1)
	}

	sum := make([]float32, len(left))
	for i := range left {
		sum[i] = left[i] + right[i]
	}
	monoIn := RMS(mono)
	a.MonoCompatible = monoIn <= config.MinSignalLevel || RMS(sum) > config.MinSignalLevel
	return a, nil
}

// AnalyzeSends measures each destination level relative to the channel.
func AnalyzeSends(channel []float32, destinations [][]float32) (*SendAnalysis, error) {
	if len(channel) == 0 {
		return nil, fmt.Errorf("channel buffer cannot be empty")
	}
	a := &SendAnalysis{
		ChannelLevel: RMS(channel),
		SendLevels:   make([]float64, len(destinations)),
		SendRatios:   make([]float32, len(destinations)),
	}
	for i, d := range destinations {
		lvl := RMS(d)
		a.SendLevels[i] = lvl
		a.TotalSendEnergy += lvl * lvl
		if a.ChannelLevel > 0 {
			a.SendRatios[i] = float32(lvl / a.ChannelLevel)
		}
	}
	return a, nil
}

// Helper functions for analysis validation

// ValidatePathAnalysis checks if a path analysis meets expectations
func ValidatePathAnalysis(analysis *PathAnalysis, expectSignal bool, config AnalysisConfig) error {
	if expectSignal {
		if !analysis.InputDetected {
			return fmt.Errorf("expected signal at input but none detected (RMS: %.6f)", analysis.InputRMS)
		}
		if !analysis.OutputDetected {
			return fmt.Errorf("expected signal at output but none detected (RMS: %.6f)", analysis.OutputRMS)
		}
		if !analysis.SignalIntegrity {
			return fmt.Errorf("signal integrity check failed")
		}
		return nil
	}
	if analysis.OutputDetected {
		return fmt.Errorf("expected no signal at output but detected (RMS: %.6f)", analysis.OutputRMS)
	}
	return nil
}

// ValidateGain checks the measured gain change against an expected value.
func ValidateGain(analysis *PathAnalysis, expectedDB float64, config AnalysisConfig) error {
	if diff := math.Abs(analysis.GainChange - expectedDB); diff > config.ToleranceDB {
		return fmt.Errorf("gain change %.2f dB, expected %.2f dB (diff: %.2f)", analysis.GainChange, expectedDB, diff)
	}
	return nil
}

// ValidateStereoAnalysis checks if stereo analysis meets pan expectations
func ValidateStereoAnalysis(analysis *StereoAnalysis, expectedPan float32, config AnalysisConfig) error {
	if analysis.TotalRMS <= config.MinSignalLevel {
		return nil
	}
	if !analysis.MonoCompatible {
		return fmt.Errorf("stereo output cancels when summed to mono")
	}
	panDiff := math.Abs(float64(analysis.PanPosition - expectedPan))
	if panDiff > float64(config.PanTolerance) {
		return fmt.Errorf("pan position mismatch: expected %.2f, got %.2f (diff: %.2f)",
			expectedPan, analysis.PanPosition, panDiff)
	}
	return nil
}

// ValidateSendAnalysis checks measured send ratios against expected amounts.
func ValidateSendAnalysis(analysis *SendAnalysis, expected []float32, config AnalysisConfig) error {
	if len(expected) != len(analysis.SendRatios) {
		return fmt.Errorf("expected %d sends, analysed %d", len(expected), len(analysis.SendRatios))
	}
	for i, want := range expected {
		got := analysis.SendRatios[i]
		if math.Abs(float64(got-want)) > float64(config.RatioTolerance) {
			return fmt.Errorf("send %d ratio %.3f, expected %.3f", i, got, want)
		}
	}
	return nil
}
