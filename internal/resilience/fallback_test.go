package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func deviceGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("usb", "USB Mic", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("system default", "default")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()
	fg := deviceGroup()
	if names := fg.Names(); !slices.Equal(names, []string{"USB Mic", "system default"}) {
		t.Errorf("Names() = %v", names)
	}

	tests := []struct {
		name     string
		failing  map[string]bool
		wantCall []string
		wantErr  bool
	}{
		{name: "primary succeeds", wantCall: []string{"usb"}},
		{name: "falls back", failing: map[string]bool{"usb": true}, wantCall: []string{"usb", "default"}},
		{name: "all fail", failing: map[string]bool{"usb": true, "default": true}, wantCall: []string{"usb", "default"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls []string
			err := deviceGroup().Execute(func(v string) error {
				calls = append(calls, v)
				if tt.failing[v] {
					return errTest
				}
				return nil
			})
			if !slices.Equal(calls, tt.wantCall) {
				t.Errorf("calls = %v, want %v", calls, tt.wantCall)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenEntry(t *testing.T) {
	t.Parallel()
	fg := deviceGroup()
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "usb" {
				return errTest
			}
			return nil
		})
	}

	var calls []string
	if err := fg.Execute(func(v string) error { calls = append(calls, v); return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(calls, []string{"default"}) {
		t.Errorf("calls = %v, want only the fallback while the primary circuit is open", calls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(16000, "native", FallbackConfig{})
	fg.AddFallback("resampled", 48000)

	rate, err := ExecuteWithResult(fg, func(r int) (int, error) {
		if r == 16000 {
			return 0, errTest
		}
		return r, nil
	})
	if err != nil || rate != 48000 {
		t.Errorf("result = %d, %v; want 48000, nil", rate, err)
	}

	_, err = ExecuteWithResult(NewFallbackGroup(1, "only", FallbackConfig{}), func(int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
