package gormlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestShortCaller(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"/Users/a/repo/internal/store/gormstore/plan.go:38", "internal/store/gormstore/plan.go:38"},
		{"/home/b/src/pkg/gormlog/zap.go:12", "pkg/gormlog/zap.go:12"},
		{"/a/b/c/d/e.go:7", "c/d/e.go:7"},
		{"/x/y.go:1", "x/y.go:1"},
		{"/w/x/y.go:3", "w/x/y.go:3"},
		{"y.go:2", "y.go:2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shortCaller(tt.in))
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, ParseLevel("silent"))
	assert.Equal(t, gormlogger.Error, ParseLevel("ERROR"))
	assert.Equal(t, gormlogger.Info, ParseLevel("info"))
	assert.Equal(t, gormlogger.Warn, ParseLevel(""))
}

func TestTrace(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(zap.New(core).Sugar(), "warn", 10*time.Millisecond)
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Equal(t, 0, logs.Len(), "fast query below info level is not logged")

	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	assert.Equal(t, 1, logs.FilterMessage("gorm_slow").Len())

	l.Trace(context.Background(), time.Now(), fc, gorm.ErrRecordNotFound)
	assert.Equal(t, 0, logs.FilterMessage("gorm_trace").Len())

	l.Trace(context.Background(), time.Now(), fc, errors.New("conn reset"))
	assert.Equal(t, 1, logs.FilterMessage("gorm_trace").Len())
}
