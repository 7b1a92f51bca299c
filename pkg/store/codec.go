package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// FormatVersion is the current encoding version of persisted entity state.
const FormatVersion byte = 1

var magic = []byte("TWES")

type encodedState struct {
	EntityID  string
	Mean      float64
	Std       float64
	Model     []byte
	TrainedAt time.Time
	Samples   int
}

// EncodeState serializes state as magic, version byte, gob payload.
func EncodeState(state *EntityState) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(FormatVersion)

	err := gob.NewEncoder(&buf).Encode(encodedState{
		EntityID:  state.EntityID,
		Mean:      state.Scaler.Mean,
		Std:       state.Scaler.Std,
		Model:     state.Model,
		TrainedAt: state.TrainedAt,
		Samples:   state.Samples,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entity state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeState parses bytes written by EncodeState.
// Any failure is reported as ErrCorruptState.
func DecodeState(data []byte) (*EntityState, error) {
	header := len(magic) + 1
	if len(data) < header || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptState)
	}
	if v := data[len(magic)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, v)
	}

	var e encodedState
	if err := gob.NewDecoder(bytes.NewReader(data[header:])).Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if len(e.Model) == 0 || e.Std <= 0 {
		return nil, fmt.Errorf("%w: incomplete state", ErrCorruptState)
	}

	state := &EntityState{
		EntityID:  e.EntityID,
		Model:     e.Model,
		TrainedAt: e.TrainedAt,
		Samples:   e.Samples,
	}
	state.Scaler.Mean = e.Mean
	state.Scaler.Std = e.Std
	return state, nil
}

// FormatWatermark renders a watermark for text storage.
func FormatWatermark(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseWatermark parses a stored watermark, reporting ErrCorruptState on failure.
func ParseWatermark(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, string(bytes.TrimSpace([]byte(s))))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: watermark %q: %v", ErrCorruptState, s, err)
	}
	return t, nil
}
