package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/micvad/internal/config"
	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/mock"
)

func TestRegistry_CreateBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.AudioConfig
	reg.RegisterBackend("mock", func(cfg config.AudioConfig) (audio.Backend, error) {
		got = cfg
		return &mock.Backend{NameResult: "mock"}, nil
	})
	reg.RegisterBackend("broken", func(config.AudioConfig) (audio.Backend, error) {
		return nil, errors.New("no host API")
	})

	if names := reg.Backends(); !slices.Equal(names, []string{"broken", "mock"}) {
		t.Errorf("Backends() = %v", names)
	}

	b, err := reg.CreateBackend(config.AudioConfig{Backend: "mock", BufferMs: 1234})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name() != "mock" || got.BufferMs != 1234 {
		t.Errorf("backend %q created with %+v", b.Name(), got)
	}

	if _, err := reg.CreateBackend(config.AudioConfig{Backend: "broken"}); err == nil {
		t.Error("expected factory error")
	}
	if _, err := reg.CreateBackend(config.AudioConfig{Backend: "alsa"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("unknown backend error = %v, want ErrBackendNotRegistered", err)
	}
}
