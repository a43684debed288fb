package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fatflowers/tokenbill/pkg/config"
)

func New(cfg *config.Config) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg != nil && cfg.Env == config.EnvDev {
		zcfg.Sampling = nil
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.TimeKey = "time"
	if cfg != nil && cfg.Log.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	name := "tokenbill"
	if cfg != nil && cfg.Authority != "" {
		name = name + "." + string(cfg.Authority)
	}
	return l.Named(name).Sugar(), nil
}

var Module = fx.Options(
	fx.Provide(New),
)
