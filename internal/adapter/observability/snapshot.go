package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSnapshot persists one metrics snapshot as an indented JSON file
// named metrics_<UTC timestamp>.json under dir, written through a *.tmp
// sibling and renamed. Returns the final path.
func WriteSnapshot(dir string, snap MetricsSnapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=observability.WriteSnapshot: %w", err)
	}
	blob, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("op=observability.WriteSnapshot: %w", err)
	}
	final := filepath.Join(dir, "metrics_"+snap.GeneratedAt.UTC().Format("20060102_150405")+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return "", fmt.Errorf("op=observability.WriteSnapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("op=observability.WriteSnapshot: %w", err)
	}
	return final, nil
}
