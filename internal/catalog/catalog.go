// Package catalog is the read-only dataset catalog the orchestrator consults
// when listing datasets and headers and when validating dataset references.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// DatasetRef identifies a dataset by owner and name.
type DatasetRef struct {
	OwnerID int    `yaml:"owner_id" json:"ownerId"`
	Name    string `yaml:"name" json:"name"`
}

func (r DatasetRef) String() string {
	return fmt.Sprintf("%d/%s", r.OwnerID, r.Name)
}

// Dataset describes one private dataset. Contents are never held here.
type Dataset struct {
	OwnerID     int      `yaml:"owner_id" json:"ownerId"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Headers     []string `yaml:"headers" json:"headers"`
	Rows        int      `yaml:"rows,omitempty" json:"rows,omitempty"`
}

// Ref returns the dataset's reference.
func (d Dataset) Ref() DatasetRef {
	return DatasetRef{OwnerID: d.OwnerID, Name: d.Name}
}

// Filter narrows ListDatasets. Zero value matches everything.
type Filter struct {
	OwnerID    *int
	NamePrefix string
}

// Match reports whether d satisfies the filter.
func (f Filter) Match(d Dataset) bool {
	if f.OwnerID != nil && *f.OwnerID != d.OwnerID {
		return false
	}
	return strings.HasPrefix(d.Name, f.NamePrefix)
}

// Catalog is the external dataset catalog collaborator.
type Catalog interface {
	ListDatasets(ctx context.Context, filter Filter) ([]Dataset, error)
	ListHeaders(ctx context.Context, ref DatasetRef) ([]string, error)
	Lookup(ctx context.Context, ref DatasetRef) (Dataset, error)
}

// Static is an in-memory catalog loaded from configuration.
type Static struct {
	datasets map[DatasetRef]Dataset
}

// NewStatic indexes datasets by reference. Later duplicates replace earlier ones.
func NewStatic(datasets []Dataset) *Static {
	s := &Static{datasets: make(map[DatasetRef]Dataset, len(datasets))}
	for _, d := range datasets {
		s.datasets[d.Ref()] = d
	}
	return s
}

// ListDatasets returns matching datasets sorted by owner then name.
func (s *Static) ListDatasets(_ context.Context, filter Filter) ([]Dataset, error) {
	out := make([]Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ListHeaders returns the column headers of a dataset.
func (s *Static) ListHeaders(ctx context.Context, ref DatasetRef) ([]string, error) {
	d, err := s.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.Headers...), nil
}

// Lookup returns a dataset or an error wrapping types.ErrNotFound.
func (s *Static) Lookup(_ context.Context, ref DatasetRef) (Dataset, error) {
	d, ok := s.datasets[ref]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: dataset %s", types.ErrNotFound, ref)
	}
	return d, nil
}
