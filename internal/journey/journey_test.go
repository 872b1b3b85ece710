package journey

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

func TestInfer(t *testing.T) {
	tax := taxonomy.DefaultStudent()

	tests := []struct {
		name   string
		id     int
		want   []int
		wantOK bool
	}{
		{"main mid pipeline", 2, []int{13, 11, 1, 32, 12, 6, 2}, true},
		{"main first", 13, []int{13}, true},
		{"main last", 4, []int{13, 11, 1, 32, 12, 6, 2, 3, 9, 4}, true},
		{"secondary", 35, []int{18, 43, 22, 24, 34, 35}, true},
		{"mapped off pipeline", 10, []int{10}, false},
		{"unknown", 999, []int{999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Infer(tax, tt.id)
			assert.Equal(t, tt.wantOK, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Infer(%d) mismatch (-want +got):\n%s", tt.id, diff)
			}
		})
	}
}

func TestInfer_PipelineProperties(t *testing.T) {
	tax := taxonomy.DefaultStudent()
	for _, id := range []int{13, 11, 1, 32, 12, 6, 2, 3, 9, 4, 18, 43, 22, 24, 34, 35, 37, 38, 39} {
		got, ok := Infer(tax, id)
		require.True(t, ok)

		p, depth, _ := tax.Pipeline(id)
		assert.Equal(t, id, got[len(got)-1])
		assert.Len(t, got, depth+1)
		for _, x := range got {
			assert.Contains(t, p, x, "journey of %d mixes pipelines", id)
		}
	}
}

func TestInfer_DoesNotAliasPipeline(t *testing.T) {
	tax := taxonomy.DefaultStudent()
	got, _ := Infer(tax, 2)
	got[0] = -1

	again, _ := Infer(tax, 2)
	assert.Equal(t, 13, again[0])
}

func TestInferrer_Stages(t *testing.T) {
	in := NewInferrer(taxonomy.DefaultStudent(), zap.NewNop())

	got := in.Stages(2)
	want := []taxonomy.Stage{
		taxonomy.StageUnprocessed,
		taxonomy.StageNoAnswer,
		taxonomy.StageContactUnknown,
		taxonomy.StageContactEstablished,
		taxonomy.StageInProgress,
		taxonomy.StageInProgress,
		taxonomy.StageScheduled,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stages(2) mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, in.Stages(999))
}

func TestInferrer_WarnsOncePerUnknownID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	in := NewInferrer(taxonomy.DefaultStudent(), zap.New(core))

	in.Journey(999)
	in.Journey(999)
	in.Journey(998)
	in.Journey(10)
	in.Journey(10)

	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).Len())
}

func ev(record, at string, actions ...model.FieldAction) model.ChangeEvent {
	return model.ChangeEvent{RecordID: record, Time: at, Actions: actions}
}

func status(from, to string) model.FieldAction {
	return model.FieldAction{Field: "Status", OldValue: from, NewValue: to}
}

func TestReplay(t *testing.T) {
	tests := []struct {
		name    string
		events  []model.ChangeEvent
		current string
		want    []string
	}{
		{
			name: "ordered transitions",
			events: []model.ChangeEvent{
				ev("R", "2025-10-01T10:00:00Z", status("", "new")),
				ev("R", "2025-10-02T10:00:00Z", status("new", "contacted")),
				ev("R", "2025-10-03T10:00:00Z", status("contacted", "interview_scheduled")),
			},
			current: "interview_scheduled",
			want:    []string{"new", "contacted", "interview_scheduled"},
		},
		{
			name: "out of order stream is sorted",
			events: []model.ChangeEvent{
				ev("R", "2025-10-03T10:00:00Z", status("contacted", "hired")),
				ev("R", "2025-10-01T10:00:00Z", status("", "new")),
				ev("R", "2025-10-02T10:00:00Z", status("new", "contacted")),
			},
			want: []string{"new", "contacted", "hired"},
		},
		{
			name: "other records and fields ignored",
			events: []model.ChangeEvent{
				ev("X", "2025-10-01T10:00:00Z", status("", "hired")),
				ev("R", "2025-10-01T10:00:00Z", model.FieldAction{Field: "Phone", OldValue: "1", NewValue: "2"}),
				ev("R", "2025-10-02T10:00:00Z", status("new", "contacted")),
			},
			want: []string{"contacted"},
		},
		{
			name: "equal old and new ignored",
			events: []model.ChangeEvent{
				ev("R", "2025-10-01T10:00:00Z", status("new", "new")),
			},
			current: "new",
			want:    []string{"new"},
		},
		{
			name: "no adjacent duplicates",
			events: []model.ChangeEvent{
				ev("R", "2025-10-01T10:00:00Z", status("", "new")),
				ev("R", "2025-10-02T10:00:00Z", status("x", "new")),
				ev("R", "2025-10-03T10:00:00Z", status("new", "contacted")),
				ev("R", "2025-10-04T10:00:00Z", status("contacted", "new")),
			},
			want: []string{"new", "contacted", "new"},
		},
		{
			name: "ties keep stream order",
			events: []model.ChangeEvent{
				ev("R", "2025-10-01T10:00:00Z", status("", "new")),
				ev("R", "2025-10-01T10:00:00Z", status("new", "contacted")),
			},
			want: []string{"new", "contacted"},
		},
		{
			name: "missing timestamp sorts first",
			events: []model.ChangeEvent{
				ev("R", "2025-10-02T10:00:00Z", status("new", "contacted")),
				ev("R", "", status("", "new")),
			},
			want: []string{"new", "contacted"},
		},
		{
			name: "status field matched case-insensitively",
			events: []model.ChangeEvent{
				ev("R", "2025-10-01T10:00:00Z", model.FieldAction{Field: " status ", NewValue: "qualified"}),
			},
			want: []string{"qualified"},
		},
		{
			name:    "empty stream falls back to current",
			current: "hired",
			want:    []string{"hired"},
		},
		{
			name: "nothing at all",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Replay(tt.events, "R", "Status", tt.current, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Replay mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHistory_WarnsOnceForBadTimestamps(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewHistory([]model.ChangeEvent{
		ev("A", "garbage", status("", "new")),
		ev("B", "", status("", "contacted")),
		ev("B", "2025-10-02T10:00:00Z", status("contacted", "hired")),
	}, "Status", zap.New(core))

	assert.Equal(t, []string{"new"}, h.Replay("A", ""))
	assert.Equal(t, []string{"contacted", "hired"}, h.Replay("B", ""))
	assert.Equal(t, 2, h.Events("B"))
	assert.Equal(t, 0, h.Events("C"))
	assert.Equal(t, []string{"new"}, h.Replay("C", "new"))

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2025-10-01T10:00:00Z",
		"2025-10-01T10:00:00.123Z",
		"2025-10-01T10:00:00+0300",
		"2025-10-01 10:00:00",
	} {
		_, ok := ParseTime(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime("")
	assert.False(t, ok)
}
