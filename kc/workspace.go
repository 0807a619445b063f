package kc

import (
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// Workspace is a loaded dataset together with everything derived from the
// full dataset: the filter controls and the overview. It is never modified
// after creation; loading another file replaces it as a whole.
type Workspace struct {
	ID       string
	Source   string
	LoadedAt time.Time

	Dataset  *instruments.Dataset
	Filters  *instruments.Filters
	Overview instruments.Summary
}

// NewWorkspace derives a workspace from a parsed dataset.
func NewWorkspace(source string, ds *instruments.Dataset) *Workspace {
	return &Workspace{
		ID:       uuid.NewString(),
		Source:   source,
		LoadedAt: time.Now(),
		Dataset:  ds,
		Filters:  instruments.AvailableFilters(ds),
		Overview: instruments.Summarize(ds),
	}
}

// Query validates sel against the workspace's controls and returns the
// matching records.
func (w *Workspace) Query(sel instruments.Selection) (*instruments.Dataset, error) {
	if err := w.Filters.Validate(sel); err != nil {
		return nil, err
	}
	return w.Filters.Apply(w.Dataset, sel), nil
}
