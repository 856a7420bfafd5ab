package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/capture"
	"github.com/MrWong99/micvad/pkg/audio/mock"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})
	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{name: "no checkers", wantCode: http.StatusOK, wantStatus: "ok"},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "audio_backend", Check: func(context.Context) error { return nil }},
				{Name: "capture", Check: func(context.Context) error { return nil }},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"audio_backend": "ok", "capture": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "audio_backend", Check: func(context.Context) error { return errors.New("no devices") }},
				{Name: "capture", Check: func(context.Context) error { return nil }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"audio_backend": "fail: no devices", "capture": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAudioBackendChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := AudioBackend(&mock.Backend{NameResult: "mock", DevicesResult: []audio.Device{{Name: "Mic"}}})
	if ok.Name != "audio_backend" {
		t.Errorf("name = %q", ok.Name)
	}
	if err := ok.Check(ctx); err != nil {
		t.Errorf("check with one device = %v", err)
	}

	if err := AudioBackend(&mock.Backend{NameResult: "mock"}).Check(ctx); err == nil || !strings.Contains(err.Error(), "no input devices") {
		t.Errorf("check with no devices = %v", err)
	}

	enumErr := errors.New("host API gone")
	if err := AudioBackend(&mock.Backend{NameResult: "mock", DevicesErr: enumErr}).Check(ctx); !errors.Is(err, enumErr) {
		t.Errorf("check with enumeration failure = %v", err)
	}
}

type fixedStatus capture.Status

func (s fixedStatus) Status() capture.Status { return capture.Status(s) }

func TestCaptureChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, st := range []capture.State{capture.StateIdle, capture.StateCapturing} {
		if err := Capture(fixedStatus{State: st}).Check(ctx); err != nil {
			t.Errorf("state %v: %v", st, err)
		}
	}
	readErr := errors.New("device unplugged")
	err := Capture(fixedStatus{State: capture.StateError, Device: "USB Mic", Err: readErr}).Check(ctx)
	if !errors.Is(err, readErr) || !strings.Contains(err.Error(), "USB Mic") {
		t.Errorf("error state check = %v", err)
	}
	if err := Capture(fixedStatus{State: capture.StateError}).Check(ctx); err == nil {
		t.Error("error state without cause passed")
	}
}
