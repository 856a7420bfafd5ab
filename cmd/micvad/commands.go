package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/micvad/internal/app"
	"github.com/MrWong99/micvad/internal/config"
	"github.com/MrWong99/micvad/internal/observe"
	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/capture"
	"github.com/MrWong99/micvad/pkg/audio/wav"
	"github.com/MrWong99/micvad/pkg/provider/vad/energy"
)

const (
	defaultCaptureSeconds = 5
	dumpBufferDuration    = 5 * time.Second
	defaultDumpFile       = "mic_dump.wav"
	probeInterval         = 200 * time.Millisecond
)

// ─── devices ─────────────────────────────────────────────────────────────────

func newDevicesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List input devices and the one that would be selected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			devices, err := audio.ListInputDevices(b)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "no input devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(out, "%3d %-4s %s", d.Index+1, d.Marker(), d.Name)
				if d.Description != "" {
					fmt.Fprintf(out, "  (%s)", d.Description)
				}
				fmt.Fprintln(out)
			}

			pref := c.cfg.Audio.PreferredDevice
			selected := audio.SelectPreferredIndex(devices, pref)
			if pref == "" {
				fmt.Fprintf(out, "selected: %d (no preference)\n", selected+1)
				return nil
			}
			fmt.Fprintf(out, "selected: %d (preference %q)\n", selected+1, pref)
			if !audio.PreferenceMatched(devices, pref) {
				closest, _ := audio.ClosestName(devices, pref)
				fmt.Fprintf(out, "warning: no device matches %q; closest is %q\n", pref, closest)
			}
			return nil
		},
	}
}

// ─── probe ───────────────────────────────────────────────────────────────────

func newProbeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [index] [seconds]",
		Short: "Print the input level every 200ms",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			idx, err := c.deviceArg(b, args, 0)
			if err != nil {
				return err
			}
			secs, err := secondsArg(args, 1, defaultCaptureSeconds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return audio.Probe(cmd.Context(), b, idx, audio.PCM16Mono16k(), time.Duration(secs)*time.Second, probeInterval, func(l audio.Level) {
				fmt.Fprintf(out, "rms=%7.1f (%6.1f dBFS) peak=%5d (%6.1f dBFS)\n", l.RMS, l.RMSDBFS(), l.Peak, l.PeakDBFS())
			})
		},
	}
}

// ─── capture / dump ──────────────────────────────────────────────────────────

func newCaptureCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "capture [index] [seconds]",
		Short: "Capture into the ring buffer and report how much was buffered",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			idx, err := c.deviceArg(b, args, 0)
			if err != nil {
				return err
			}
			secs, err := secondsArg(args, 1, defaultCaptureSeconds)
			if err != nil {
				return err
			}
			w, err := c.captureFor(cmd.Context(), b, idx, secs, c.cfg.Audio.BufferDuration())
			if err != nil {
				return err
			}
			st := w.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "captured from %q: %d bytes buffered (%d ms of %d ms)\n",
				st.Device, st.BufferedBytes, st.BufferedMillis, w.Format().MillisOf(w.BufferCapacity()))
			return nil
		},
	}
}

func newDumpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "dump [index] [seconds] [file]",
		Short: "Capture into a 5s ring and export it as a WAV file",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			idx, err := c.deviceArg(b, args, 0)
			if err != nil {
				return err
			}
			secs, err := secondsArg(args, 1, defaultCaptureSeconds)
			if err != nil {
				return err
			}
			path := defaultDumpFile
			if len(args) > 2 {
				path = args[2]
			}

			w, err := c.captureFor(cmd.Context(), b, idx, secs, dumpBufferDuration)
			if err != nil {
				return err
			}
			pcm := w.Snapshot()
			err = wav.Export(pcm, path, w.Format())
			observe.DefaultMetrics().RecordExport(cmd.Context(), len(pcm), err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %d ms)\n", path, len(pcm), w.Format().MillisOf(len(pcm)))
			return nil
		},
	}
}

// captureFor runs one capture on idx for secs seconds, or until ctx is done,
// and returns the stopped worker with its ring intact.
func (c *cli) captureFor(ctx context.Context, b audio.Backend, idx, secs int, buffer time.Duration) (*capture.Worker, error) {
	w, err := capture.New(b, audio.PCM16Mono16k(),
		capture.WithBufferDuration(buffer),
		capture.WithChunkDuration(c.cfg.Audio.ChunkDuration()),
		capture.WithJoinTimeout(c.cfg.Audio.JoinTimeout()),
		capture.WithObserver(observe.DefaultMetrics()),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Start(idx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(secs) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		slog.Info("capture interrupted")
	case <-timer.C:
	}
	st := w.Status()
	if err := w.Stop(); err != nil {
		slog.Warn("capture stop", "err", err)
	}
	if st.State == capture.StateError {
		return nil, st.Err
	}
	return w, nil
}

// ─── vad ─────────────────────────────────────────────────────────────────────

func newVADCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "vad [index] [seconds]",
		Short: "Check a device for voice activity (1 to 15 seconds, default 3)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			idx, err := c.deviceArg(b, args, 0)
			if err != nil {
				return err
			}
			secs, err := secondsArg(args, 1, 0)
			if err != nil {
				return err
			}
			ctx, span := observe.StartSpan(cmd.Context(), "cli.vad")
			defer span.End()

			res, err := energy.Check(ctx, b, idx, secs,
				energy.WithTuning(c.cfg.VAD.Tuning()),
				energy.WithObserver(observe.DefaultMetrics()),
			)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res)
			if res.VoiceDetected {
				fmt.Fprintf(out, "voice detected on %q\n", res.Device)
			} else {
				fmt.Fprintf(out, "no voice on %q\n", res.Device)
			}
			return nil
		},
	}
}

// ─── serve ───────────────────────────────────────────────────────────────────

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Capture continuously and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.Shutdown(sctx); err != nil {
					slog.Warn("telemetry shutdown", "err", err)
				}
			}()
			metrics, err := observe.NewMetrics(p.MeterProvider)
			if err != nil {
				return err
			}

			b, err := c.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			opts := []app.Option{
				app.WithMetrics(metrics),
				app.WithMetricsHandler(p.Handler()),
				app.WithLevelVar(&c.levelVar),
			}
			if _, err := os.Stat(c.configPath); err == nil {
				opts = append(opts, app.WithConfigWatch(c.configPath, config.WithEnv(c.getenv)))
			}
			a, err := app.New(c.cfg, b, opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			slog.Info("micvad serving",
				"version", version,
				"listen_addr", c.cfg.Server.ListenAddr,
				"backend", c.cfg.Audio.Backend,
				"preferred_device", c.cfg.Audio.PreferredDevice,
			)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("micvad stopped")
			return nil
		},
	}
}

// ─── args ────────────────────────────────────────────────────────────────────

// deviceArg returns the 0-based device of the 1-based args[i], or the
// preferred device when the argument is absent.
func (c *cli) deviceArg(b audio.Backend, args []string, i int) (int, error) {
	if len(args) > i {
		n, err := strconv.Atoi(args[i])
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%w: %q (devices are numbered from 1)", audio.ErrInvalidDeviceIndex, args[i])
		}
		return n - 1, nil
	}
	devices, err := audio.ListInputDevices(b)
	if err != nil {
		return 0, err
	}
	idx := audio.SelectPreferredIndex(devices, c.cfg.Audio.PreferredDevice)
	if idx < 0 {
		return 0, fmt.Errorf("%w: no input devices", audio.ErrInvalidDeviceIndex)
	}
	return idx, nil
}

// secondsArg parses args[i] as whole seconds, returning def when absent.
func secondsArg(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid duration %q: want whole seconds >= 1", args[i])
	}
	return n, nil
}
