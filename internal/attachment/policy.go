package attachment

import (
	"strings"

	"message-job-runner/internal/config"
	"message-job-runner/internal/models"
)

// Preferences hold the per-network auto-download choices for each content kind.
type Preferences struct {
	Wifi    map[models.ContentKind]bool
	Roaming map[models.ContentKind]bool
	Data    map[models.ContentKind]bool
}

// NewPreferences builds preferences from lists of kind names.
func NewPreferences(wifi, roaming, data []string) Preferences {
	return Preferences{
		Wifi:    kindSet(wifi),
		Roaming: kindSet(roaming),
		Data:    kindSet(data),
	}
}

func PreferencesFromConfig(cfg config.Config) Preferences {
	return NewPreferences(cfg.AutoDownloadWifi, cfg.AutoDownloadRoaming, cfg.AutoDownloadData)
}

// ShouldAutoDownload applies the policy matrix. The data preference holds
// regardless of the current network; other content never auto-downloads.
func (p Preferences) ShouldAutoDownload(kind models.ContentKind, wifi, roaming bool) bool {
	switch kind {
	case models.KindImage, models.KindAudio, models.KindVideo:
	default:
		return false
	}
	return (wifi && p.Wifi[kind]) || (roaming && p.Roaming[kind]) || p.Data[kind]
}

func kindSet(names []string) map[models.ContentKind]bool {
	out := make(map[models.ContentKind]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out[models.ContentKind(n)] = true
		}
	}
	return out
}
