package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "januskey",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.kinds == nil {
			t.Error("collector.kinds map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector(nil) returned nil collector")
		}
		if collector.config == nil {
			t.Fatal("default config is nil")
		}
		if collector.config.Port != 8080 {
			t.Errorf("default port = %d, want 8080", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "januskey" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "januskey")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		config := &Config{Enabled: false}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestRecordApply(t *testing.T) {
	t.Parallel()

	t.Run("record a successful apply_create", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9091, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordApply("create", 100*time.Millisecond, 1024, true)

		kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
		km, exists := kinds["create"]
		if !exists {
			t.Fatal("create kind not recorded")
		}
		if km.Applies != 1 {
			t.Errorf("km.Applies = %d, want 1", km.Applies)
		}
		if km.TotalBytes != 1024 {
			t.Errorf("km.TotalBytes = %d, want 1024", km.TotalBytes)
		}
		if km.Errors != 0 {
			t.Errorf("km.Errors = %d, want 0", km.Errors)
		}
	})

	t.Run("record a failed apply_modify", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9092, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordApply("modify", 50*time.Millisecond, 512, false)

		kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
		km := kinds["modify"]
		if km.Errors != 1 {
			t.Errorf("km.Errors = %d, want 1", km.Errors)
		}
	})

	t.Run("record multiple applies of the same kind", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9093, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordApply("append", 100*time.Millisecond, 1000, true)
		collector.RecordApply("append", 200*time.Millisecond, 2000, true)
		collector.RecordApply("append", 300*time.Millisecond, 3000, false)

		kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
		km := kinds["append"]
		if km.Applies != 3 {
			t.Errorf("km.Applies = %d, want 3", km.Applies)
		}
		if km.TotalBytes != 6000 {
			t.Errorf("km.TotalBytes = %d, want 6000", km.TotalBytes)
		}
		if km.Errors != 1 {
			t.Errorf("km.Errors = %d, want 1", km.Errors)
		}
	})

	t.Run("disabled collector ignores applies", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordApply("create", 100*time.Millisecond, 1024, true)

		if len(collector.kinds) != 0 {
			t.Error("disabled collector should not track kinds")
		}
	})
}

func TestRecordUndo(t *testing.T) {
	t.Parallel()

	t.Run("undo is tracked separately from apply", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9094, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordApply("delete", 10*time.Millisecond, 0, true)
		collector.RecordUndo("delete", 5*time.Millisecond, true)

		kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
		km := kinds["delete"]
		if km.Applies != 1 {
			t.Errorf("km.Applies = %d, want 1", km.Applies)
		}
		if km.Undos != 1 {
			t.Errorf("km.Undos = %d, want 1", km.Undos)
		}
	})

	t.Run("failed undo increments errors", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9095, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordUndo("move", 5*time.Millisecond, false)

		kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
		km := kinds["move"]
		if km.Errors != 1 {
			t.Errorf("km.Errors = %d, want 1", km.Errors)
		}
	})

	t.Run("disabled collector ignores undos", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordUndo("delete", 5*time.Millisecond, true)
		if len(collector.kinds) != 0 {
			t.Error("disabled collector should not track kinds")
		}
	})
}

func TestRecordObliteration(t *testing.T) {
	t.Parallel()

	t.Run("records passes on success", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9096, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		// Should not panic
		collector.RecordObliteration(3, true)
	})

	t.Run("records outcome on failure without a pass count", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9097, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordObliteration(0, false)
	})

	t.Run("disabled collector ignores obliterations", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordObliteration(3, true)
	})
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	t.Run("record error", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9098, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordError("create", errors.New("disk full"))
	})

	t.Run("disabled collector ignores errors", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordError("create", errors.New("disk full"))
	})
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout error", errors.New("operation timeout"), "timeout"},
		{"obliterated content", errors.New("content was obliterated"), "content_obliterated"},
		{"connection error", errors.New("connection refused"), "connection"},
		{"not found error", errors.New("file not found"), "not_found"},
		{"permission error", errors.New("permission denied"), "permission"},
		{"throttling error", errors.New("rate throttled"), "throttling"},
		{"other error", errors.New("unknown error"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifyError(tt.err)
			if result != tt.want {
				t.Errorf("classifyError() = %q, want %q", result, tt.want)
			}
		})
	}
}

func TestGetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9099, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordApply("create", 100*time.Millisecond, 1024, true)
	collector.RecordApply("chmod", 50*time.Millisecond, 0, true)

	metrics := collector.GetMetrics()
	if metrics == nil {
		t.Fatal("GetMetrics() returned nil")
	}
	if _, ok := metrics["kinds"]; !ok {
		t.Error("metrics missing 'kinds' key")
	}
	if _, ok := metrics["last_reset"]; !ok {
		t.Error("metrics missing 'last_reset' key")
	}
	if _, ok := metrics["uptime"]; !ok {
		t.Error("metrics missing 'uptime' key")
	}

	kinds, ok := metrics["kinds"].(map[string]*KindMetrics)
	if !ok {
		t.Fatal("kinds is not map[string]*KindMetrics")
	}
	if len(kinds) != 2 {
		t.Errorf("len(kinds) = %d, want 2", len(kinds))
	}
	if _, exists := kinds["create"]; !exists {
		t.Error("create kind not in metrics")
	}
	if _, exists := kinds["chmod"]; !exists {
		t.Error("chmod kind not in metrics")
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9100, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordApply("create", 100*time.Millisecond, 1024, true)
	collector.RecordApply("symlink", 50*time.Millisecond, 0, true)

	kinds := collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
	if len(kinds) != 2 {
		t.Errorf("before reset: len(kinds) = %d, want 2", len(kinds))
	}

	oldResetTime := collector.lastReset
	time.Sleep(10 * time.Millisecond)
	collector.ResetMetrics()

	kinds = collector.GetMetrics()["kinds"].(map[string]*KindMetrics)
	if len(kinds) != 0 {
		t.Errorf("after reset: len(kinds) = %d, want 0", len(kinds))
	}
	if !collector.lastReset.After(oldResetTime) {
		t.Error("lastReset should be updated after reset")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9101, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}
