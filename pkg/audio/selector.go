package audio

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// PreferredDeviceEnv is the environment variable holding the preferred device
// name fragment.
const PreferredDeviceEnv = "JARVIS_AUDIO_PREFERRED"

// SelectPreferredIndex picks the capture device for preference.
//
// The preference is trimmed and matched case-insensitively as a substring of
// the device name. Candidates are ranked in a single pass:
//
//  1. the first device whose name matches and that supports the format
//  2. the first device that supports the format
//  3. the first device whose name matches
//  4. device 0
//
// It returns -1 only when devices is empty.
func SelectPreferredIndex(devices []Device, preference string) int {
	if len(devices) == 0 {
		return -1
	}
	pref := strings.ToLower(strings.TrimSpace(preference))

	matchSupported, firstSupported, firstMatch := -1, -1, -1
	for i, d := range devices {
		matches := pref != "" && strings.Contains(strings.ToLower(d.Name), pref)
		if matches && d.SupportsFormat {
			matchSupported = i
			break
		}
		if d.SupportsFormat && firstSupported < 0 {
			firstSupported = i
		}
		if matches && firstMatch < 0 {
			firstMatch = i
		}
	}

	switch {
	case matchSupported >= 0:
		return matchSupported
	case firstSupported >= 0:
		return firstSupported
	case firstMatch >= 0:
		return firstMatch
	default:
		return 0
	}
}

// PreferenceMatched reports whether any device name contains preference.
func PreferenceMatched(devices []Device, preference string) bool {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" {
		return false
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), pref) {
			return true
		}
	}
	return false
}

// ClosestName returns the device name most similar to preference and its
// Jaro-Winkler score in [0, 1]. It is a hint for operators whose preference
// matched nothing and never changes what [SelectPreferredIndex] returns.
func ClosestName(devices []Device, preference string) (string, float64) {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" || len(devices) == 0 {
		return "", 0
	}
	best, bestScore := "", -1.0
	for _, d := range devices {
		name := strings.ToLower(d.Name)
		score := matchr.JaroWinkler(pref, name, false)
		// Compare against each word too, so "logi" scores well against
		// "USB Logitech Headset".
		for _, word := range strings.Fields(name) {
			if s := matchr.JaroWinkler(pref, word, false); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = d.Name, score
		}
	}
	return best, bestScore
}
