package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriptionChanged is true if any pipeline tuning value changed
	// (polling, retries, backoff, hints, diarization, context, retention).
	TranscriptionChanged bool

	SegmentationChanged bool

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TranscriptionChanged || d.SegmentationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Transcription, new.Transcription) {
		d.TranscriptionChanged = true
	}
	if old.Segmentation != new.Segmentation {
		d.SegmentationChanged = true
	}

	// Log level is hot-reloadable; the rest of the server block is not.
	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Notify != new.Notify {
		d.RestartRequired = append(d.RestartRequired, "notify")
	}
	if old.Telemetry.ServiceName != new.Telemetry.ServiceName ||
		!sameRatio(old.Telemetry.TraceSampleRatio, new.Telemetry.TraceSampleRatio) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameRatio(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
