package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tasksync/tasksync/internal/schema"
)

// ImportResult contains statistics about a JSONL import.
type ImportResult struct {
	ProjectsImported int
	ProjectsSkipped  int
	Errors           []string
}

// ExportJSONL writes every stored project, tombstones included, as one JSON
// object per line.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) (int, error) {
	projects, err := s.LoadProjects(ctx)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, p := range projects {
		if err := enc.Encode(p); err != nil {
			return 0, fmt.Errorf("failed to encode project %s: %w", p.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}
	return len(projects), nil
}

// ImportJSONL reads projects written by ExportJSONL. A project replaces the
// stored copy only when its version is not older; invalid lines are
// recorded in the result and skipped.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)
	line := 0

	for {
		var p schema.Project
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return result, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := p.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			result.ProjectsSkipped++
			continue
		}

		existing, err := s.LoadProject(ctx, p.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return result, err
		case existing.Version > p.Version:
			result.ProjectsSkipped++
			continue
		}

		if err := s.SaveProject(ctx, p); err != nil {
			return result, err
		}
		result.ProjectsImported++
	}

	return result, nil
}
