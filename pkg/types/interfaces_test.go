package types

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterfaces(t *testing.T) {
	var (
		_ Backend          = (*mockBackend)(nil)
		_ MetricsCollector = (*mockMetricsCollector)(nil)
		_ Inspector        = (*mockInspector)(nil)
	)
}

type mockBackend struct{}

func (m *mockBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	return nil, nil
}
func (m *mockBackend) PutObject(ctx context.Context, key string, data []byte) error { return nil }
func (m *mockBackend) DeleteObject(ctx context.Context, key string) error           { return nil }
func (m *mockBackend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	return nil, errors.New("not found")
}
func (m *mockBackend) ListObjects(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	return nil, nil
}
func (m *mockBackend) HealthCheck(ctx context.Context) error { return nil }

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(string, Mode, time.Duration, int64, bool) {}
func (m *mockMetricsCollector) RecordRound(string, time.Duration, int64, bool)           {}
func (m *mockMetricsCollector) RecordMirror(bool)                                        {}
func (m *mockMetricsCollector) RecordError(string, error)                                {}
func (m *mockMetricsCollector) SetResidentFiles(int)                                     {}
func (m *mockMetricsCollector) GetMetrics() map[string]interface{}                       { return nil }

type mockInspector struct{}

func (m *mockInspector) Files() []FileStatus       { return nil }
func (m *mockInspector) Channels() []ChannelStatus { return nil }
func (m *mockInspector) Rules() []RuleStatus       { return nil }

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"passthru", ModePassthru, false},
		{"Pass-Through", ModePassthru, false},
		{"memory", ModeMemory, false},
		{" remote ", ModeRemote, false},
		{"tape", ModePassthru, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModePassthru, ModeMemory, ModeRemote} {
		back, err := ParseMode(m.String())
		if err != nil || back != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), back, err)
		}
	}
	if Mode(9).String() != "mode(9)" {
		t.Errorf("Mode(9).String() = %q", Mode(9).String())
	}
}

func TestParseOpClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      []string
		want    OpClass
		wantErr bool
	}{
		{nil, OpAll, false},
		{[]string{"structural"}, OpStructural, false},
		{[]string{"read", "write"}, OpDataRead | OpDataWrite, false},
		{[]string{"*"}, OpAll, false},
		{[]string{"delete"}, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseOpClasses(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOpClasses(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOpClasses(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpClassString(t *testing.T) {
	t.Parallel()

	if s := (OpStructural | OpDataWrite).String(); s != "structural|write" {
		t.Errorf("String() = %q", s)
	}
	if s := OpClass(0).String(); s != "none" {
		t.Errorf("String() = %q", s)
	}
}
