package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9464 {
			t.Errorf("default port = %d, want 9464", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "lowfive" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "lowfive")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
		if collector.Enabled() {
			t.Error("Enabled() = true, want false")
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	t.Run("summaries", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("DatasetRead", types.ModeMemory, 100*time.Millisecond, 1000, true)
		collector.RecordOperation("DatasetRead", types.ModeMemory, 200*time.Millisecond, 2000, true)
		collector.RecordOperation("DatasetRead", types.ModeRemote, 300*time.Millisecond, 3000, false)

		operations, ok := collector.GetMetrics()["operations"].(map[string]OperationMetrics)
		if !ok {
			t.Fatal("operations not found in metrics")
		}
		op := operations["DatasetRead"]
		if op.Count != 3 {
			t.Errorf("op.Count = %d, want 3", op.Count)
		}
		if op.TotalSize != 6000 {
			t.Errorf("op.TotalSize = %d, want 6000", op.TotalSize)
		}
		if op.Errors != 1 {
			t.Errorf("op.Errors = %d, want 1", op.Errors)
		}
		if op.AvgDuration != 200*time.Millisecond {
			t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
		}
	})

	t.Run("prometheus counters by mode", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("DatasetWrite", types.ModePassthru, time.Millisecond, 64, true)
		collector.RecordOperation("DatasetWrite", types.ModePassthru, time.Millisecond, 64, true)
		collector.RecordOperation("DatasetWrite", types.ModeMemory, time.Millisecond, 64, false)

		got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("DatasetWrite", "passthru", "success"))
		if got != 2 {
			t.Errorf("passthru successes = %v, want 2", got)
		}
		got = testutil.ToFloat64(collector.operationCounter.WithLabelValues("DatasetWrite", "memory", "error"))
		if got != 1 {
			t.Errorf("memory errors = %v, want 1", got)
		}
	})

	t.Run("disabled collector ignores operations", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		// Should not panic
		collector.RecordOperation("FileOpen", types.ModeMemory, time.Millisecond, 0, true)
		collector.RecordRound("producer", time.Millisecond, 10, true)
		collector.RecordMirror(false)
		collector.RecordError("FileOpen", errors.New("boom"))
		collector.SetResidentFiles(3)

		if len(collector.operations) != 0 {
			t.Error("disabled collector should not track operations")
		}
	})
}

func TestRecordRound(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordRound("producer", 20*time.Millisecond, 4096, true)
	collector.RecordRound("producer", 10*time.Millisecond, 0, false)
	collector.RecordRound("consumer", 30*time.Millisecond, 4096, true)

	rounds := collector.GetMetrics()["rounds"].(map[string]RoundMetrics)
	prod := rounds["producer"]
	if prod.Count != 2 || prod.Failed != 1 || prod.Bytes != 4096 {
		t.Errorf("producer rounds = %+v, want 2 rounds, 1 failed, 4096 bytes", prod)
	}
	if got := testutil.ToFloat64(collector.roundBytes.WithLabelValues("consumer")); got != 4096 {
		t.Errorf("consumer bytes = %v, want 4096", got)
	}
}

func TestMirrorAndResidentFiles(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordMirror(true)
	collector.RecordMirror(false)
	collector.RecordMirror(false)
	collector.SetResidentFiles(4)

	if got := testutil.ToFloat64(collector.mirrorCounter.WithLabelValues("error")); got != 2 {
		t.Errorf("mirror failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.residentFiles); got != 4 {
		t.Errorf("resident files = %v, want 4", got)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"coded", pkgerrors.NewError(pkgerrors.ErrCodeNotReady, "later"), "NOT_READY"},
		{"plain", errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "lowfive"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordOperation("FileCreate", types.ModeMemory, time.Millisecond, 0, true)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `lowfive_operations_total{mode="memory",operation="FileCreate",status="success"} 1`) {
		t.Errorf("metrics output missing operation counter:\n%s", rec.Body.String())
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordOperation("FileClose", types.ModeMemory, time.Millisecond, 0, true)
	collector.ResetMetrics()

	if ops := collector.GetMetrics()["operations"].(map[string]OperationMetrics); len(ops) != 0 {
		t.Errorf("operations after reset = %d, want 0", len(ops))
	}
}
