package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampledLevels are the levels subject to sampling, lowest first.
var sampledLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore wraps core with one sampler per level below Error, each
// using that level's rates. Levels without rates pass through unsampled, as
// do Error and above.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelFilterCore{Core: core, minLevel: zapcore.ErrorLevel},
	}
	for _, lvl := range sampledLevels {
		only := &levelFilterCore{Core: core, minLevel: lvl, maxLevel: lvl, bounded: true}
		rates, ok := cfg.Levels[lvl]
		if !ok {
			cores = append(cores, only)
			continue
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(
			only,
			cfg.Tick.Duration(),
			rates.Initial,
			rates.Thereafter,
		))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore restricts core to the levels in [minLevel, maxLevel].
// Without bounded only minLevel applies.
type levelFilterCore struct {
	zapcore.Core
	minLevel zapcore.Level
	maxLevel zapcore.Level
	bounded  bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if lvl < c.minLevel || (c.bounded && lvl > c.maxLevel) {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With creates a child core that keeps the level bounds.
func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:     c.Core.With(fields),
		minLevel: c.minLevel,
		maxLevel: c.maxLevel,
		bounded:  c.bounded,
	}
}
