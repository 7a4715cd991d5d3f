package stt

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/go-audio/wav"
)

// CheckContainer verifies the segment is a readable WAV file before it is
// shipped to a backend. A format mismatch is only logged: backends resample,
// and rejecting here would turn a degraded recording into a hard failure.
func CheckContainer(data []byte, wantSampleRate, wantChannels int, logger *slog.Logger) error {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return errors.New("not a valid WAV file")
	}
	if wantSampleRate > 0 && int(decoder.SampleRate) != wantSampleRate {
		logger.Warn("unexpected sample rate",
			slog.Int("got", int(decoder.SampleRate)),
			slog.Int("want", wantSampleRate))
	}
	if wantChannels > 0 && int(decoder.NumChans) != wantChannels {
		logger.Warn("unexpected channel count",
			slog.Int("got", int(decoder.NumChans)),
			slog.Int("want", wantChannels))
	}
	return nil
}
