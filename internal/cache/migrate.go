package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentDocumentVersion is the schema version written with every project
// document. Documents stored with an older version are migrated on load.
const CurrentDocumentVersion = 3

// projectDocument is the stored envelope around a project.
// Documents written before versioning was introduced are a bare project
// object and decode with SchemaVersion 0.
type projectDocument struct {
	SchemaVersion int             `json:"schema_version"`
	Project       json.RawMessage `json:"project"`
}

type documentMigration struct {
	version int
	name    string
	apply   func(doc map[string]any)
}

var documentMigrations = []documentMigration{
	{1, "rename task description to body, default stage", migrateTaskBody},
	{2, "backfill task order, dedupe connections", migrateTaskOrder},
	{3, "backfill project updated_at", migrateProjectUpdatedAt},
}

// decodeDocument unwraps a stored value and migrates it to the current
// version. Returns the project JSON and whether a migration ran.
func decodeDocument(data []byte) (json.RawMessage, bool, error) {
	var doc projectDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse project document: %w", err)
	}

	body := doc.Project
	version := doc.SchemaVersion
	if len(body) == 0 {
		body = data
		version = 0
	}
	if version >= CurrentDocumentVersion {
		return body, false, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false, fmt.Errorf("failed to parse legacy project: %w", err)
	}
	for _, m := range documentMigrations {
		if m.version > version {
			m.apply(raw)
		}
	}
	migrated, err := json.Marshal(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode migrated project: %w", err)
	}
	return migrated, true, nil
}

func encodeDocument(project any) ([]byte, error) {
	body, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	return json.Marshal(projectDocument{SchemaVersion: CurrentDocumentVersion, Project: body})
}

func tasksOf(doc map[string]any) []map[string]any {
	list, _ := doc["tasks"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if t, ok := item.(map[string]any); ok {
			out = append(out, t)
		}
	}
	return out
}

func migrateTaskBody(doc map[string]any) {
	for _, t := range tasksOf(doc) {
		if desc, ok := t["description"]; ok {
			if _, has := t["body"]; !has {
				t["body"] = desc
			}
			delete(t, "description")
		}
		if stage, _ := t["stage"].(float64); stage == 0 {
			t["stage"] = 1
		}
	}
}

func migrateTaskOrder(doc map[string]any) {
	for i, t := range tasksOf(doc) {
		if _, ok := t["order"]; !ok {
			t["order"] = i
		}
	}

	list, _ := doc["connections"].([]any)
	seen := make(map[string]bool, len(list))
	kept := make([]any, 0, len(list))
	for _, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			continue
		}
		src, _ := c["source"].(string)
		dst, _ := c["target"].(string)
		key := src + "--" + dst
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, c)
	}
	doc["connections"] = kept
}

func migrateProjectUpdatedAt(doc map[string]any) {
	if s, _ := doc["updated_at"].(string); s != "" {
		return
	}
	var latest time.Time
	for _, t := range tasksOf(doc) {
		s, _ := t["updated_at"].(string)
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err == nil && ts.After(latest) {
			latest = ts
		}
	}
	if latest.IsZero() {
		latest = time.Unix(0, 0).UTC()
	}
	doc["updated_at"] = latest.Format(time.RFC3339Nano)
}
