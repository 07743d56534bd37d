package source

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/protocol"
)

// ErrUnsupported is returned when a source lacks an optional capability
var ErrUnsupported = errors.New("operation not supported by audio source")

// BeamMode selects who steers the beam
type BeamMode int

const (
	// BeamAutomatic lets the device follow the loudest source
	BeamAutomatic BeamMode = iota
	// BeamManual holds the beam at Controls.ManualBeamAngle
	BeamManual
)

func (m BeamMode) String() string {
	switch m {
	case BeamAutomatic:
		return "automatic"
	case BeamManual:
		return "manual"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseBeamMode converts a configuration or API string to a BeamMode
func ParseBeamMode(s string) (BeamMode, error) {
	switch strings.ToLower(s) {
	case "", "automatic":
		return BeamAutomatic, nil
	case "manual":
		return BeamManual, nil
	default:
		return 0, fmt.Errorf("%w: unknown beam mode %q", audio.ErrConfiguration, s)
	}
}

func (m BeamMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BeamMode) UnmarshalText(text []byte) error {
	mode, err := ParseBeamMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// EchoMode selects acoustic echo processing
type EchoMode int

const (
	EchoNone EchoMode = iota
	EchoCancellationOnly
	EchoCancellationAndSuppression
)

func (m EchoMode) String() string {
	switch m {
	case EchoNone:
		return "none"
	case EchoCancellationOnly:
		return "cancellation"
	case EchoCancellationAndSuppression:
		return "cancellation_and_suppression"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseEchoMode converts a configuration or API string to an EchoMode
func ParseEchoMode(s string) (EchoMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return EchoNone, nil
	case "cancellation":
		return EchoCancellationOnly, nil
	case "cancellation_and_suppression":
		return EchoCancellationAndSuppression, nil
	default:
		return 0, fmt.Errorf("%w: unknown echo cancellation mode %q", audio.ErrConfiguration, s)
	}
}

func (m EchoMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *EchoMode) UnmarshalText(text []byte) error {
	mode, err := ParseEchoMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// echoParams returns the device's suppression pass count and cancellation
// filter length for a mode
func (m EchoMode) echoParams() (suppressionCount, cancellationLength uint16) {
	switch m {
	case EchoCancellationAndSuppression:
		return 2, 256
	case EchoCancellationOnly:
		return 0, 256
	default:
		return 0, 128
	}
}

func echoModeFromParams(suppressionCount, cancellationLength uint16) EchoMode {
	switch {
	case suppressionCount > 0:
		return EchoCancellationAndSuppression
	case cancellationLength > 128:
		return EchoCancellationOnly
	default:
		return EchoNone
	}
}

// Controls are the device processing settings. The device does the
// processing; the service only forwards them.
type Controls struct {
	BeamMode             BeamMode `json:"beam_mode"`
	ManualBeamAngle      int      `json:"manual_beam_angle"` // degrees, only used in manual mode
	AutomaticGainControl bool     `json:"automatic_gain_control"`
	NoiseSuppression     bool     `json:"noise_suppression"`
	EchoCancellation     EchoMode `json:"echo_cancellation"`
}

// DefaultControls returns the device power-on settings
func DefaultControls() Controls {
	return Controls{
		BeamMode:         BeamAutomatic,
		NoiseSuppression: true,
		EchoCancellation: EchoNone,
	}
}

// Validate rejects unknown modes
func (c Controls) Validate() error {
	if c.BeamMode != BeamAutomatic && c.BeamMode != BeamManual {
		return fmt.Errorf("%w: unknown beam mode %d", audio.ErrConfiguration, int(c.BeamMode))
	}
	switch c.EchoCancellation {
	case EchoNone, EchoCancellationOnly, EchoCancellationAndSuppression:
	default:
		return fmt.Errorf("%w: unknown echo cancellation mode %d", audio.ErrConfiguration, int(c.EchoCancellation))
	}
	return nil
}

// Controller is implemented by sources whose device settings can be changed
type Controller interface {
	Controls() Controls
	ApplyControls(c Controls) error
}

func (c Controls) payload() protocol.ControlPayload {
	var switches uint8
	if c.BeamMode == BeamManual {
		switches |= protocol.ControlManualBeam
	}
	if c.AutomaticGainControl {
		switches |= protocol.ControlAutoGain
	}
	if c.NoiseSuppression {
		switches |= protocol.ControlNoiseSuppression
	}
	suppression, cancellation := c.EchoCancellation.echoParams()

	return protocol.ControlPayload{
		Switches:               switches,
		ManualBeamAngle:        float64(c.ManualBeamAngle),
		EchoSuppressionCount:   suppression,
		EchoCancellationLength: cancellation,
	}
}

func controlsFromPayload(p *protocol.ControlPayload) Controls {
	c := Controls{
		BeamMode:             BeamAutomatic,
		AutomaticGainControl: p.Switches&protocol.ControlAutoGain != 0,
		NoiseSuppression:     p.Switches&protocol.ControlNoiseSuppression != 0,
		EchoCancellation:     echoModeFromParams(p.EchoSuppressionCount, p.EchoCancellationLength),
	}
	if p.Switches&protocol.ControlManualBeam != 0 {
		c.BeamMode = BeamManual
		c.ManualBeamAngle = int(math.Round(p.ManualBeamAngle))
	}
	return c
}
