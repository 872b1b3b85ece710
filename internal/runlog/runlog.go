// Package runlog captures log entries emitted while a run executes so they
// can be stored with the run.
package runlog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ecademy/leadfunnel/internal/model"
)

// DefaultLimit caps the entries kept per run.
const DefaultLimit = 1000

// Recorder accumulates entries at or above a level.
type Recorder struct {
	mu      sync.Mutex
	entries []model.RunLog
	dropped int
	limit   int
}

// Capture returns a logger writing to both base and a new Recorder.
func Capture(base *zap.Logger, min zapcore.Level) (*zap.Logger, *Recorder) {
	rec := &Recorder{limit: DefaultLimit}
	core := &recorderCore{LevelEnabler: min, rec: rec}
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
	return logger, rec
}

// Entries returns a copy of the captured entries, oldest first. When the
// limit was hit a final entry reports how many were dropped.
func (r *Recorder) Entries() []model.RunLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RunLog, len(r.entries), len(r.entries)+1)
	copy(out, r.entries)
	if r.dropped > 0 {
		out = append(out, model.RunLog{
			Level:     zapcore.WarnLevel.String(),
			Message:   fmt.Sprintf("runlog: %d further entries dropped", r.dropped),
			CreatedAt: time.Now().UTC(),
		})
	}
	return out
}

// Len returns the number of captured entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Recorder) add(e model.RunLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.limit {
		r.dropped++
		return
	}
	r.entries = append(r.entries, e)
}

type recorderCore struct {
	zapcore.LevelEnabler
	rec    *Recorder
	fields []zapcore.Field
}

func (c *recorderCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &recorderCore{LevelEnabler: c.LevelEnabler, rec: c.rec, fields: merged}
}

func (c *recorderCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *recorderCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.rec.add(model.RunLog{
		Level:     ent.Level.String(),
		Message:   render(ent.Message, enc.Fields),
		CreatedAt: ent.Time.UTC(),
	})
	return nil
}

func (c *recorderCore) Sync() error { return nil }

// render appends fields as sorted key=value pairs.
func render(msg string, fields map[string]any) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
