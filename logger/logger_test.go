package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
		wantErr    bool
	}{
		{
			name:       "JSON output mode",
			jsonOutput: true,
			verbosity:  VerbosityInfo,
			wantErr:    false,
		},
		{
			name:       "Console output mode",
			jsonOutput: false,
			verbosity:  VerbosityInfo,
			wantErr:    false,
		},
		{
			name:       "Console debug mode",
			jsonOutput: false,
			verbosity:  VerbosityDebug,
			wantErr:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset global logger
			Logger = nil
			JSONOutput = false

			err := Initialize(tt.jsonOutput, tt.verbosity)
			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if Logger == nil {
					t.Error("Initialize() did not set global Logger")
				}
				if JSONOutput != tt.jsonOutput {
					t.Errorf("Initialize() JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
				}
			}

			// Cleanup
			if Logger != nil {
				Logger.Sync()
			}
			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		want      zapcore.Level
	}{
		{VerbosityUser, zapcore.WarnLevel},
		{VerbosityInfo, zapcore.InfoLevel},
		{VerbosityDebug, zapcore.DebugLevel},
		{5, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		if got := VerbosityToLevel(tt.verbosity); got != tt.want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}

func TestNopDefault(t *testing.T) {
	// Before Initialize the package must be safe to use.
	Logger = zap.NewNop().Sugar()

	Info("message")
	Infof("message %d", 1)
	Infow("message", "key", "value")
	Warn("message")
	Warnf("message %d", 1)
	Warnw("message", "key", "value")
	Error("message")
	Errorf("message %d", 1)
	Errorw("message", "key", "value")
	Debug("message")
	Debugf("message %d", 1)
	Debugw("message", "key", "value")
	Cleanup()
}

func TestComponentLogger(t *testing.T) {
	Logger = zap.NewNop().Sugar()

	l := ComponentLogger("jobs.runner")
	if l == nil {
		t.Fatal("ComponentLogger returned nil")
	}
	l.Infow("test", FieldJobID, "abc")
}

func TestJobLogger(t *testing.T) {
	Logger = zap.NewNop().Sugar()

	l := JobLogger("4f9c2a")
	if l == nil {
		t.Fatal("JobLogger returned nil")
	}

	tl := TaskLogger("4f9c2a", 2)
	if tl == nil {
		t.Fatal("TaskLogger returned nil")
	}
}

func BenchmarkInfow(b *testing.B) {
	Logger = zap.NewNop().Sugar()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Infow("test message", "iteration", i, "key", "value")
	}
}
