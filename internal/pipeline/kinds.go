package pipeline

import (
	"sort"

	"creditgen-go/internal/models"
)

// KindSpec parameterizes the pipeline for one media kind.
type KindSpec struct {
	Kind             models.MediaKind
	Cost             int64
	Provider         string
	Model            string
	DerivesNewRecord bool
	Bucket           string
}

// Registry holds the loaded kind catalog.
type Registry struct {
	specs map[models.MediaKind]KindSpec
}

func NewRegistry(kinds []models.KindConfig) *Registry {
	specs := make(map[models.MediaKind]KindSpec, len(kinds))
	for _, k := range kinds {
		specs[k.Kind] = KindSpec{
			Kind:             k.Kind,
			Cost:             k.Cost,
			Provider:         k.Provider,
			Model:            k.Model,
			DerivesNewRecord: k.DerivesNewRecord,
			Bucket:           k.Bucket,
		}
	}
	return &Registry{specs: specs}
}

func (r *Registry) Lookup(kind models.MediaKind) (KindSpec, bool) {
	spec, ok := r.specs[kind]
	return spec, ok
}

// Spec returns the catalog entry for kind. Records whose kind was removed
// from the catalog still resolve: edits keep deriving new records.
func (r *Registry) Spec(kind models.MediaKind) KindSpec {
	if spec, ok := r.specs[kind]; ok {
		return spec
	}
	return KindSpec{Kind: kind, DerivesNewRecord: kind == models.KindImageEdit}
}

// Kinds returns the catalog sorted by kind name.
func (r *Registry) Kinds() []KindSpec {
	out := make([]KindSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
