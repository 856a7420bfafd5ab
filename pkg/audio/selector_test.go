package audio_test

import (
	"testing"

	"github.com/MrWong99/micvad/pkg/audio"
)

func devs(specs ...any) []audio.Device {
	var out []audio.Device
	for i := 0; i+1 < len(specs); i += 2 {
		out = append(out, audio.Device{
			Index:          len(out),
			Name:           specs[i].(string),
			SupportsFormat: specs[i+1].(bool),
		})
	}
	return out
}

func TestSelectPreferredIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		devices []audio.Device
		pref    string
		want    int
	}{
		{
			name:    "empty list",
			devices: nil,
			pref:    "anything",
			want:    -1,
		},
		{
			name:    "name match and supported wins",
			devices: devs("Built-in", true, "USB Logitech Headset", true),
			pref:    "logitech",
			want:    1,
		},
		{
			name:    "first supported when name does not match",
			devices: devs("Monitor", false, "Built-in", true, "USB Logitech", true),
			pref:    "blue yeti",
			want:    1,
		},
		{
			name:    "supported beats unsupported name match",
			devices: devs("Logitech Cam", false, "Built-in", true),
			pref:    "logitech",
			want:    1,
		},
		{
			name:    "name match when nothing supported",
			devices: devs("Monitor", false, "Logitech Cam", false),
			pref:    "logitech",
			want:    1,
		},
		{
			name:    "index zero fallback",
			devices: devs("Monitor", false, "Line In", false),
			pref:    "logitech",
			want:    0,
		},
		{
			name:    "empty preference picks first supported",
			devices: devs("Monitor", false, "Built-in", true),
			pref:    "",
			want:    1,
		},
		{
			name:    "preference is trimmed and case-insensitive",
			devices: devs("Built-in", true, "Blue YETI Pro", true),
			pref:    "  yeti  ",
			want:    1,
		},
		{
			name:    "first of several matching supported",
			devices: devs("Built-in", true, "USB Mic A", true, "USB Mic B", true),
			pref:    "usb",
			want:    1,
		},
		{
			name:    "whitespace-only preference is no preference",
			devices: devs("Monitor", false, "Line In", false),
			pref:    "   ",
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.SelectPreferredIndex(tt.devices, tt.pref); got != tt.want {
				t.Errorf("SelectPreferredIndex = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPreferenceMatched(t *testing.T) {
	t.Parallel()
	d := devs("Built-in Microphone", true, "USB Logitech Headset", true)
	if !audio.PreferenceMatched(d, "LOGI") {
		t.Error("expected LOGI to match")
	}
	if audio.PreferenceMatched(d, "yeti") {
		t.Error("expected yeti not to match")
	}
	if audio.PreferenceMatched(d, "") {
		t.Error("empty preference never matches")
	}
}

func TestClosestName(t *testing.T) {
	t.Parallel()
	d := devs("Built-in Microphone", true, "USB Logitech Headset", true)
	name, score := audio.ClosestName(d, "logitek")
	if name != "USB Logitech Headset" {
		t.Errorf("ClosestName = %q, want %q", name, "USB Logitech Headset")
	}
	if score <= 0 || score > 1 {
		t.Errorf("score = %f, want in (0, 1]", score)
	}
	if name, _ := audio.ClosestName(d, ""); name != "" {
		t.Errorf("empty preference should yield no hint, got %q", name)
	}
}

func TestCheckIndex(t *testing.T) {
	t.Parallel()
	d := devs("A", true, "B", false)
	if got, err := audio.CheckIndex(d, 1); err != nil || got.Name != "B" {
		t.Errorf("CheckIndex(1) = %v, %v", got, err)
	}
	for _, idx := range []int{-1, 2, 99} {
		if _, err := audio.CheckIndex(d, idx); err == nil {
			t.Errorf("CheckIndex(%d): expected error", idx)
		}
	}
}

func TestDevice_Marker(t *testing.T) {
	t.Parallel()
	if got := (audio.Device{SupportsFormat: true}).Marker(); got != "[OK]" {
		t.Errorf("Marker = %q", got)
	}
	if got := (audio.Device{}).Marker(); got != "[?]" {
		t.Errorf("Marker = %q", got)
	}
}
