package v1

import (
	"fmt"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
)

// SensorDomain prefixes sensor unique ids and device identifiers. It keeps
// ids stable for consumers that already track them.
const SensorDomain = "supabase_export"

// SensorDescription describes one value derived from an exporter snapshot
type SensorDescription struct {
	Key  string
	Name string
	Icon string

	// Value derives the sensor value. It is only called with a non-nil
	// snapshot.
	Value func(*record.Snapshot) any
}

// SensorTypes lists the sensors every exporter exposes
var SensorTypes = []SensorDescription{
	{
		Key:   "entity_records",
		Name:  "Entity Records",
		Icon:  "mdi:counter",
		Value: func(s *record.Snapshot) any { return s.ItemCount() },
	},
}

// Device groups the sensors of one remote target
type Device struct {
	Identifiers [][2]string `json:"identifiers"`
	Name        string      `json:"name"`
}

// Sensor is one derived value. Value is null until the exporter has
// published its first snapshot.
type Sensor struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Icon     string `json:"icon"`
	UniqueID string `json:"unique_id"`
	Value    any    `json:"value"`
}

// SensorsResponse is the body of GET /v1/exporters/{name}/sensors
type SensorsResponse struct {
	Device  Device   `json:"device"`
	Sensors []Sensor `json:"sensors"`
}

// SensorUniqueID builds the unique id of a sensor: <domain>_<url>_<key>
func SensorUniqueID(targetURL, key string) string {
	return fmt.Sprintf("%s_%s_%s", SensorDomain, targetURL, key)
}

// BuildSensors derives the sensors of a remote target from its snapshot,
// which may be nil
func BuildSensors(targetURL string, snap *record.Snapshot) SensorsResponse {
	if snap != nil && snap.Metadata.TargetURL != "" {
		targetURL = snap.Metadata.TargetURL
	}

	resp := SensorsResponse{
		Device: Device{
			Identifiers: [][2]string{{SensorDomain, targetURL}},
			Name:        targetURL,
		},
		Sensors: make([]Sensor, 0, len(SensorTypes)),
	}
	for _, desc := range SensorTypes {
		s := Sensor{
			Key:      desc.Key,
			Name:     desc.Name,
			Icon:     desc.Icon,
			UniqueID: SensorUniqueID(targetURL, desc.Key),
		}
		if snap != nil {
			s.Value = desc.Value(snap)
		}
		resp.Sensors = append(resp.Sensors, s)
	}
	return resp
}
