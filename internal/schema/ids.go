package schema

import "strings"

// TempIDPrefix marks identifiers minted locally that the remote has not
// replaced yet.
const TempIDPrefix = "temp-"

// IsTempID reports whether id was minted locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// RewriteIDs returns a copy of projects with every reference to tempID
// replaced by permanentID: project ids, task ids, parent ids, tombstone
// placement parents and connection endpoints. The input is not modified.
func RewriteIDs(projects []Project, tempID, permanentID string) []Project {
	out := CloneAll(projects)
	if tempID == "" || tempID == permanentID {
		return out
	}
	swap := func(s *string) {
		if s != nil && *s == tempID {
			*s = permanentID
		}
	}
	for pi := range out {
		p := &out[pi]
		swap(&p.ID)
		for ti := range p.Tasks {
			t := &p.Tasks[ti]
			swap(&t.ID)
			swap(t.ParentID)
			if t.DeletedMeta != nil {
				swap(t.DeletedMeta.ParentID)
			}
		}
		for ci := range p.Connections {
			swap(&p.Connections[ci].Source)
			swap(&p.Connections[ci].Target)
		}
	}
	return out
}
