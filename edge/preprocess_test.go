package edge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

func rawPoint(tag string, ts int64, v float64) model.TelemetryPoint {
	return model.TelemetryPoint{
		DeviceID: "dev-1", TagID: tag, TS: ts,
		Value: model.FloatValue(v), Quality: model.QualityGood,
	}
}

func TestDeadbandDefault(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{DefaultDeadband: 1.0}, nil)

	// First value always passes; a sub-deadband wiggle is suppressed; a real
	// change passes.
	out := p.Process([]model.TelemetryPoint{
		rawPoint("temp", 1000, 20.0),
		rawPoint("temp", 2000, 20.5),
		rawPoint("temp", 3000, 22.0),
	})
	require.Len(t, out, 2)
	require.Equal(t, int64(1000), out[0].TS)
	require.Equal(t, int64(3000), out[1].TS)
}

func TestDeadbandDefaultsTakeLarger(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{
		DefaultDeadband:        5,
		DefaultDeadbandPercent: 1,
	}, nil)

	// At last=1000 the percent band (10) is wider than the absolute band
	// (5): a move of 8 stays inside it, a move of 12 does not.
	out := p.Process([]model.TelemetryPoint{
		rawPoint("temp", 1000, 1000),
		rawPoint("temp", 2000, 1008),
		rawPoint("temp", 3000, 1012),
	})
	require.Len(t, out, 2)
	require.Equal(t, int64(1000), out[0].TS)
	require.Equal(t, int64(3000), out[1].TS)
}

func TestDeadbandPerTagOverride(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{DefaultDeadband: 1.0}, nil)
	override := 0.1
	p.SetTags([]model.Tag{{
		DeviceID: "dev-1", TagID: "temp", DataType: model.TypeFloat64,
		Enabled: true, Deadband: &override,
	}})

	out := p.Process([]model.TelemetryPoint{
		rawPoint("temp", 1000, 20.0),
		rawPoint("temp", 2000, 20.5), // passes the tighter per-tag band
	})
	require.Len(t, out, 2)
}

func TestDeadbandPercent(t *testing.T) {
	pct := 10.0
	p := NewPreprocessor(config.ProcessingConfig{}, nil)
	p.SetTags([]model.Tag{{
		DeviceID: "dev-1", TagID: "rpm", DataType: model.TypeFloat64,
		Enabled: true, DeadbandPercent: &pct,
	}})

	out := p.Process([]model.TelemetryPoint{
		rawPoint("rpm", 1000, 100),
		rawPoint("rpm", 2000, 105), // 5% < 10%
		rawPoint("rpm", 3000, 120), // 20% of last sent (100)
	})
	require.Len(t, out, 2)
	require.Equal(t, int64(3000), out[1].TS)
}

func TestBypassSkipsFiltering(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{DefaultDeadband: 5}, nil)
	p.SetTags([]model.Tag{{
		DeviceID: "dev-1", TagID: "temp", DataType: model.TypeFloat64,
		Enabled: true, Bypass: true,
	}})

	out := p.Process([]model.TelemetryPoint{
		rawPoint("temp", 1000, 20.0),
		rawPoint("temp", 2000, 20.01),
	})
	require.Len(t, out, 2)
}

func TestForceUploadBreaksSilence(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{
		DefaultDeadband:       10,
		ForceUploadIntervalMs: 60_000,
	}, nil)

	out := p.Process([]model.TelemetryPoint{
		rawPoint("temp", 0, 20.0),
		rawPoint("temp", 30_000, 20.1),  // suppressed
		rawPoint("temp", 61_000, 20.1),  // forced despite no change
	})
	require.Len(t, out, 2)
	require.Equal(t, int64(61_000), out[1].TS)
}

func TestOutlierMarkAndDrop(t *testing.T) {
	feed := func(p *Preprocessor) []model.TelemetryPoint {
		var batch []model.TelemetryPoint
		for i := 0; i < 20; i++ {
			batch = append(batch, rawPoint("temp", int64(i*1000), 20+float64(i%3)*0.1))
		}
		batch = append(batch, rawPoint("temp", 30_000, 500)) // wild outlier
		return p.Process(batch)
	}

	mark := NewPreprocessor(config.ProcessingConfig{
		OutlierSigmaThreshold: 3, OutlierAction: config.OutlierMark,
	}, nil)
	out := feed(mark)
	last := out[len(out)-1]
	require.InDelta(t, 500.0, mustNum(t, last), 1e-9)
	require.Equal(t, QualityUncertain, last.Quality)

	drop := NewPreprocessor(config.ProcessingConfig{
		OutlierSigmaThreshold: 3, OutlierAction: config.OutlierDrop,
	}, nil)
	out = feed(drop)
	for _, pt := range out {
		require.Less(t, mustNum(t, pt), 100.0)
	}
}

func TestNonNumericAlwaysPasses(t *testing.T) {
	p := NewPreprocessor(config.ProcessingConfig{DefaultDeadband: 100}, nil)
	out := p.Process([]model.TelemetryPoint{
		{DeviceID: "dev-1", TagID: "state", TS: 1, Value: model.StringValue("run"), Quality: model.QualityGood},
		{DeviceID: "dev-1", TagID: "state", TS: 2, Value: model.StringValue("run"), Quality: model.QualityGood},
	})
	require.Len(t, out, 2)
}

func mustNum(t *testing.T, pt model.TelemetryPoint) float64 {
	t.Helper()
	v, ok := pt.Value.Numeric()
	require.True(t, ok)
	return v
}
