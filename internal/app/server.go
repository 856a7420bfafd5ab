package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/micvad/internal/health"
	"github.com/MrWong99/micvad/internal/observe"
	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/wav"
	"github.com/MrWong99/micvad/pkg/provider/vad/energy"
)

// snapshotTimeFormat names exported snapshots; it sorts lexically.
const snapshotTimeFormat = "20060102-150405.000"

// Handler returns the HTTP surface wrapped in the metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(health.AudioBackend(a.backend), health.Capture(a.worker)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /devices", a.handleDevices)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /snapshot.wav", a.handleSnapshotWAV)
	mux.HandleFunc("POST /snapshot", a.handleSnapshotExport)
	mux.HandleFunc("POST /vad", a.handleVAD)
	mux.HandleFunc("GET /ws/levels", a.handleLevels)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Responses ───────────────────────────────────────────────────────────────

type deviceJSON struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	SupportsFormat bool   `json:"supports_format"`
	Exact          bool   `json:"exact"`
}

type devicesResponse struct {
	Devices    []deviceJSON `json:"devices"`
	Selected   int          `json:"selected"`
	Preference string       `json:"preference,omitempty"`
	Matched    bool         `json:"matched"`
	Closest    string       `json:"closest,omitempty"`
}

type statusResponse struct {
	State          string     `json:"state"`
	DeviceIndex    int        `json:"device_index"`
	Device         string     `json:"device,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	BufferedBytes  int        `json:"buffered_bytes"`
	BufferedMillis int        `json:"buffered_ms"`
	CapacityBytes  int        `json:"capacity_bytes"`
	Speaking       bool       `json:"speaking"`
	LastEvent      string     `json:"last_event"`
	Breaker        string     `json:"breaker"`
}

type exportResponse struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// levelFrame is one message on /ws/levels.
type levelFrame struct {
	RMS      float64 `json:"rms"`
	Peak     int     `json:"peak"`
	RMSDBFS  float64 `json:"rms_dbfs"`
	PeakDBFS float64 `json:"peak_dbfs"`
	Speaking bool    `json:"speaking"`
	State    string  `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (a *App) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := audio.ListInputDevices(a.backend)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	pref := a.preferredDevice()
	resp := devicesResponse{
		Devices:    make([]deviceJSON, 0, len(devices)),
		Selected:   audio.SelectPreferredIndex(devices, pref),
		Preference: pref,
		Matched:    audio.PreferenceMatched(devices, pref),
	}
	if pref != "" && !resp.Matched {
		resp.Closest, _ = audio.ClosestName(devices, pref)
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, deviceJSON{
			Index:          d.Index,
			Name:           d.Name,
			Description:    d.Description,
			SupportsFormat: d.SupportsFormat,
			Exact:          d.Exact,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.worker.Status()
	speaking, last := a.Speaking()
	resp := statusResponse{
		State:          st.State.String(),
		DeviceIndex:    st.DeviceIndex,
		Device:         st.Device,
		BufferedBytes:  st.BufferedBytes,
		BufferedMillis: st.BufferedMillis,
		CapacityBytes:  a.worker.BufferCapacity(),
		Speaking:       speaking,
		LastEvent:      last.String(),
		Breaker:        a.breaker.State().String(),
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = &st.StartedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSnapshotWAV(w http.ResponseWriter, _ *http.Request) {
	pcm := a.worker.Snapshot()
	if len(pcm) == 0 {
		writeError(w, http.StatusNotFound, audio.ErrEmptySnapshot)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="snapshot.wav"`)
	if err := wav.Encode(w, pcm, a.format); err != nil {
		slog.Warn("snapshot stream aborted", "err", err)
	}
}

func (a *App) handleSnapshotExport(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), "app.snapshot.export")
	defer span.End()

	pcm := a.worker.Snapshot()
	if len(pcm) == 0 {
		writeError(w, http.StatusNotFound, audio.ErrEmptySnapshot)
		return
	}
	name := "snapshot-" + time.Now().UTC().Format(snapshotTimeFormat) + ".wav"
	path := filepath.Join(a.currentExportDir(), name)
	span.SetAttributes(attribute.String("path", path), attribute.Int("bytes", len(pcm)))

	err := wav.Export(pcm, path, a.format)
	a.metrics.RecordExport(ctx, len(pcm), err)
	if err != nil {
		observe.SpanError(span, err)
		observe.Logger(ctx).Error("snapshot export failed", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	observe.Logger(ctx).Info("snapshot exported", "path", path, "bytes", len(pcm))
	writeJSON(w, http.StatusCreated, exportResponse{Path: path, Bytes: len(pcm)})
}

func (a *App) handleVAD(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), "app.vad.analyze")
	defer span.End()

	start := time.Now()
	res, err := energy.Analyze(a.worker.Snapshot(), a.format, a.currentTuning(), a.worker.Status().Device)
	if errors.Is(err, audio.ErrEmptySnapshot) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		observe.SpanError(span, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.metrics.RecordVADCheck(ctx, res.Decision, time.Since(start), res.FramesAbove, res.FramesBelow, res.FramesDeadZone)
	span.SetAttributes(attribute.String("decision", res.Decision))
	writeJSON(w, http.StatusOK, res)
}

// handleLevels streams the level of the newest interval of the ring until the
// client goes away.
func (a *App) handleLevels(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead answers pings and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())
	window := a.format.BytesFor(a.levelInterval)

	ticker := time.NewTicker(a.levelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
		if err := a.writeLevel(ctx, conn, window); err != nil {
			slog.Debug("level stream ended", "err", err)
			return
		}
	}
}

func (a *App) writeLevel(ctx context.Context, conn *websocket.Conn, window int) error {
	pcm := a.worker.Snapshot()
	if len(pcm) > window {
		pcm = pcm[len(pcm)-window:]
	}
	lvl := audio.Levels(pcm)
	speaking, _ := a.Speaking()
	frame := levelFrame{
		RMS:      lvl.RMS,
		Peak:     lvl.Peak,
		RMSDBFS:  lvl.RMSDBFS(),
		PeakDBFS: lvl.PeakDBFS(),
		Speaking: speaking,
		State:    a.worker.State().String(),
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
