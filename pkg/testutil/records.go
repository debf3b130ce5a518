package testutil

import "time"

// TriggerRecord records one payload received on the trigger endpoint,
// along with the status the mock answered it with.
type TriggerRecord struct {
	Timestamp  time.Time
	Status     int
	ID         string
	Type       string
	Name       string
	Source     string
	DeviceID   string
	OccurredAt string
	Data       map[string]any
}

// LinkRecord records one device registration request.
type LinkRecord struct {
	Timestamp  time.Time
	Status     int
	DeviceID   string
	DeviceOS   string
	DeviceName string
	Triggers   map[string]map[string]any
	Tools      map[string]map[string]any
}

// FilterTriggers returns the recorded triggers with the given event
// name, oldest first.
func FilterTriggers(records []TriggerRecord, name string) []TriggerRecord {
	var filtered []TriggerRecord
	for _, rec := range records {
		if rec.Name == name {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

// FindTriggerWithData finds the most recent trigger whose data block
// carries the given key/value pair.
func FindTriggerWithData(records []TriggerRecord, name, dataKey string, dataValue any) *TriggerRecord {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Name != name {
			continue
		}
		if val, ok := rec.Data[dataKey]; ok && val == dataValue {
			return &rec
		}
	}
	return nil
}
