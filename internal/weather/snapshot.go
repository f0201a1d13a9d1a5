package weather

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// Snapshot is the per-location weather view consumed by the prompt builder.
// Any field may be missing; consumers substitute placeholders.
type Snapshot struct {
	Current Current `json:"current"`
	Today   Today   `json:"today"`
}

// Current holds the observed conditions.
type Current struct {
	Temperature *float64 `json:"temperature,omitempty"`
	FeelsLike   *float64 `json:"feelsLike,omitempty"`
	Sky         string   `json:"sky,omitempty"`
}

// Today holds the daily outlook.
type Today struct {
	MinTemp       *float64 `json:"minTemp,omitempty"`
	MaxTemp       *float64 `json:"maxTemp,omitempty"`
	Precipitation Amount   `json:"precipitation,omitempty"`
}

// LocationSnapshot pairs a location label (city or zip code) with its snapshot.
type LocationSnapshot struct {
	Location string
	Snapshot Snapshot
}

// Amount is a free-form reading that accepts either a JSON string ("none",
// "light rain") or a JSON number (2.5).
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*a = Amount(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// Float is a helper for building snapshots in code and tests.
func Float(v float64) *float64 { return &v }
