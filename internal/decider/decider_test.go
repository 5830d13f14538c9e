package decider

import (
	"encoding/json"
	"testing"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestTaskSelectedNilMeansEverythingSelected(t *testing.T) {
	selected, err := taskSelected(nil, "ingest")
	if err != nil || !selected {
		t.Fatalf("taskSelected(nil) = %v, %v; want true, nil", selected, err)
	}
}

func TestTaskSelectedCSVString(t *testing.T) {
	raw := mustJSON(t, "ingest, transform")

	selected, err := taskSelected(raw, "transform")
	if err != nil || !selected {
		t.Fatalf("taskSelected(csv) for transform = %v, %v; want true, nil", selected, err)
	}

	selected, err = taskSelected(raw, "other")
	if err != nil || selected {
		t.Fatalf("taskSelected(csv) for other = %v, %v; want false, nil", selected, err)
	}
}

func TestTaskSelectedArray(t *testing.T) {
	raw := mustJSON(t, []string{"ingest_*"})

	selected, err := taskSelected(raw, "ingest_users")
	if err != nil || !selected {
		t.Fatalf("taskSelected(array glob) = %v, %v; want true, nil", selected, err)
	}

	selected, err = taskSelected(raw, "transform")
	if err != nil || selected {
		t.Fatalf("taskSelected(array glob) for transform = %v, %v; want false, nil", selected, err)
	}
}

func TestTaskSelectedFlagMap(t *testing.T) {
	raw := mustJSON(t, map[string]bool{"ingest": true, "transform": false})

	selected, err := taskSelected(raw, "ingest")
	if err != nil || !selected {
		t.Fatalf("taskSelected(map) for ingest = %v, %v; want true, nil", selected, err)
	}

	selected, err = taskSelected(raw, "transform")
	if err != nil || selected {
		t.Fatalf("taskSelected(map) for transform = %v, %v; want false, nil", selected, err)
	}

	selected, err = taskSelected(raw, "unknown")
	if err != nil || selected {
		t.Fatalf("taskSelected(map) for unknown = %v, %v; want false, nil", selected, err)
	}
}

func TestTaskSelectedEmptyArrayMeansEverythingSelected(t *testing.T) {
	raw := mustJSON(t, []string{})

	selected, err := taskSelected(raw, "ingest")
	if err != nil || !selected {
		t.Fatalf("taskSelected(empty array) = %v, %v; want true, nil", selected, err)
	}
}
