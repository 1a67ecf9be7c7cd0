package normalize

import (
	"strings"

	telemetry "fleettrack/internal/telemetry/domain"
)

// Evidence weights for ignition detection. Confidence is additive and
// capped at 1.0; ignition is declared on at or above the threshold.
const (
	weightBaseBit     = 0.6
	weightExtendedBit = 0.2
	weightSpeed       = 0.2

	ignitionThreshold = 0.5

	// Speed above this (km/h) counts as movement evidence.
	movingSpeedKPH = 3.0

	maxUint32 = 1<<32 - 1
)

// Signal names reported in IgnitionResult.Signals.
const (
	SignalBaseBit     = "base_bit"
	SignalExtendedBit = "extended_bit"
	SignalSpeed       = "speed"
	SignalStatusText  = "status_text"
)

// IgnitionResult is the structured outcome of ignition detection:
// the determination plus the evidence that produced it.
type IgnitionResult struct {
	Ignition   bool
	Confidence float64
	Method     telemetry.DetectionMethod
	Signals    []string
}

// Weak reports whether some evidence fired but not enough to declare
// ignition on. Callers log these as diagnostics.
func (r IgnitionResult) Weak() bool {
	return r.Confidence > 0 && r.Confidence < ignitionThreshold
}

// Free-text fragments that indicate ignition on. Matched case-insensitively.
var statusOnTokens = []string{
	"acc on",
	"acc=1",
	"ignition on",
	"ign on",
	"engine on",
}

// DetectIgnition resolves the ignition state from the raw status integer,
// the free-text status, and the normalized speed.
//
// The status field may be a 16-bit legacy encoding or a 32-bit encoding
// whose lower half is the legacy base status and whose upper half is an
// extended vendor status. Bit 0 of each half is the ignition-on signal.
// When no bit-level status is usable the detector falls back to the text
// status, then to speed alone.
func DetectIgnition(status *int64, statusText string, speedKPH float64) IgnitionResult {
	if status != nil {
		v := *status
		if v < 0 || v > maxUint32 {
			return IgnitionResult{Method: telemetry.MethodUnknown}
		}
		return detectFromStatus(uint32(v), speedKPH)
	}

	if textSaysOn(statusText) {
		return IgnitionResult{
			Ignition:   true,
			Confidence: weightBaseBit,
			Method:     telemetry.MethodStringParse,
			Signals:    []string{SignalStatusText},
		}
	}
	if speedKPH > movingSpeedKPH {
		return IgnitionResult{
			Confidence: weightSpeed,
			Method:     telemetry.MethodSpeedInference,
			Signals:    []string{SignalSpeed},
		}
	}
	return IgnitionResult{Method: telemetry.MethodUnknown}
}

func detectFromStatus(status uint32, speedKPH float64) IgnitionResult {
	base := status & 0xFFFF
	extended := status >> 16

	var result IgnitionResult
	bitSignals := 0
	if base&0x1 != 0 {
		result.Confidence += weightBaseBit
		result.Signals = append(result.Signals, SignalBaseBit)
		bitSignals++
	}
	if extended&0x1 != 0 {
		result.Confidence += weightExtendedBit
		result.Signals = append(result.Signals, SignalExtendedBit)
		bitSignals++
	}
	if speedKPH > movingSpeedKPH {
		result.Confidence += weightSpeed
		result.Signals = append(result.Signals, SignalSpeed)
	}
	if result.Confidence > 1.0 {
		result.Confidence = 1.0
	}

	switch {
	case len(result.Signals) == 0:
		result.Method = telemetry.MethodUnknown
	case len(result.Signals) >= 2:
		result.Method = telemetry.MethodMultiSignal
	case bitSignals == 1:
		result.Method = telemetry.MethodStatusBit
	default:
		result.Method = telemetry.MethodSpeedInference
	}

	result.Ignition = result.Confidence >= ignitionThreshold
	return result
}

func textSaysOn(statusText string) bool {
	if statusText == "" {
		return false
	}
	lowered := strings.ToLower(statusText)
	for _, token := range statusOnTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}
