package model

import "math"

// MotorParameter is a physical quantity mapped from a motor to a tag.
type MotorParameter string

const (
	ParamCurrent     MotorParameter = "current"
	ParamVoltage     MotorParameter = "voltage"
	ParamPower       MotorParameter = "power"
	ParamSpeed       MotorParameter = "speed"
	ParamTemperature MotorParameter = "temperature"
	ParamVibration   MotorParameter = "vibration"
	ParamTorque      MotorParameter = "torque"
)

// BearingGeometry describes the rolling-element bearing of a motor model.
type BearingGeometry struct {
	BallCount       int     `json:"ball_count"`
	BallDiameterMM  float64 `json:"ball_diameter_mm"`
	PitchDiameterMM float64 `json:"pitch_diameter_mm"`
	ContactAngleDeg float64 `json:"contact_angle_deg"`
}

// FaultFrequencies are the characteristic bearing defect frequencies at a
// given shaft speed.
type FaultFrequencies struct {
	BPFO float64 `json:"bpfo"` // outer race
	BPFI float64 `json:"bpfi"` // inner race
	BSF  float64 `json:"bsf"`  // ball spin
	FTF  float64 `json:"ftf"`  // cage
}

// FaultFrequencies computes the defect frequencies for a shaft speed in RPM
// using the standard kinematic formulas.
func (g BearingGeometry) FaultFrequencies(rpm float64) FaultFrequencies {
	if g.BallCount == 0 || g.PitchDiameterMM == 0 || rpm == 0 {
		return FaultFrequencies{}
	}
	fr := rpm / 60.0 // shaft rotation Hz
	n := float64(g.BallCount)
	ratio := g.BallDiameterMM / g.PitchDiameterMM * math.Cos(g.ContactAngleDeg*math.Pi/180)
	return FaultFrequencies{
		BPFO: n / 2 * fr * (1 - ratio),
		BPFI: n / 2 * fr * (1 + ratio),
		BSF:  g.PitchDiameterMM / (2 * g.BallDiameterMM) * fr * (1 - ratio*ratio),
		FTF:  fr / 2 * (1 - ratio),
	}
}

// MotorModel is a catalog entry: rated values plus bearing geometry.
type MotorModel struct {
	ModelID       string          `json:"model_id"`
	Name          string          `json:"name"`
	RatedCurrentA float64         `json:"rated_current_a"`
	RatedSpeedRPM float64         `json:"rated_speed_rpm"`
	RatedPowerKW  float64         `json:"rated_power_kw"`
	Bearing       BearingGeometry `json:"bearing"`
	UpdatedUTC    int64           `json:"updated_utc"`
}

// MotorInstance binds a catalog model to a concrete device.
type MotorInstance struct {
	InstanceID string `json:"instance_id"`
	ModelID    string `json:"model_id"`
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	UpdatedUTC int64  `json:"updated_utc"`
}

// MotorParameterMapping maps one MotorParameter of an instance to a tag,
// with a linear scale and offset applied to raw readings.
type MotorParameterMapping struct {
	InstanceID string         `json:"instance_id"`
	Parameter  MotorParameter `json:"parameter"`
	TagID      string         `json:"tag_id"`
	Scale      float64        `json:"scale"`
	Offset     float64        `json:"offset"`
	// NominalRateHz is the tag's nominal sample rate, used for resampling
	// ahead of spectral analysis.
	NominalRateHz float64 `json:"nominal_rate_hz,omitempty"`
}

// Apply converts a raw reading to engineering units.
func (m MotorParameterMapping) Apply(raw float64) float64 {
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + m.Offset
}

// OperationMode is a named operating phase of a motor instance, triggered
// when a tag value sits in [TriggerMin, TriggerMax] for at least
// MinDurationMs. Higher Priority wins when several modes match; equal
// priorities tie-break on lower ModeID.
type OperationMode struct {
	ModeID        string  `json:"mode_id"`
	InstanceID    string  `json:"instance_id"`
	Name          string  `json:"name"`
	TriggerTagID  string  `json:"trigger_tag_id"`
	TriggerMin    float64 `json:"trigger_min"`
	TriggerMax    float64 `json:"trigger_max"`
	MinDurationMs int64   `json:"min_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"` // 0 = unbounded
	Priority      int     `json:"priority"`
	Enabled       bool    `json:"enabled"`
	UpdatedUTC    int64   `json:"updated_utc"`
}

// FrequencyProfile is the learned spectral signature of a current tag.
type FrequencyProfile struct {
	FundamentalHz  float64   `json:"fundamental_hz"`
	FundamentalAmp float64   `json:"fundamental_amp"`
	// HarmonicAmps[i] is the amplitude of harmonic i+2 relative to the
	// fundamental (harmonics 2..10).
	HarmonicAmps []float64 `json:"harmonic_amps"`
	THDPct       float64   `json:"thd_pct"`
	BPFOAmp      float64   `json:"bpfo_amp"`
	BPFIAmp      float64   `json:"bpfi_amp"`
	BSFAmp       float64   `json:"bsf_amp"`
	FTFAmp       float64   `json:"ftf_amp"`
	NoiseFloor   float64   `json:"noise_floor"`
}

// BaselineProfile is the learned per-(mode, parameter) statistics of a
// motor instance. Version increments on every learn pass.
type BaselineProfile struct {
	InstanceID   string            `json:"instance_id"`
	ModeID       string            `json:"mode_id"`
	Parameter    MotorParameter    `json:"parameter"`
	Mean         float64           `json:"mean"`
	Std          float64           `json:"std"`
	Min          float64           `json:"min"`
	Max          float64           `json:"max"`
	P05          float64           `json:"p05"`
	P50          float64           `json:"p50"`
	P95          float64           `json:"p95"`
	SampleCount  int64             `json:"sample_count"`
	Version      int64             `json:"version"`
	LearnedToUTC int64             `json:"learned_to_utc"`
	Freq         *FrequencyProfile `json:"freq,omitempty"`
}
