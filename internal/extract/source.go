package extract

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownSource is returned for entity names outside the registry.
var ErrUnknownSource = errors.New("unknown source")

// Regime tags distinguishing which endpoint a concession was reported by.
const (
	RegimeOrdinaria        = "ordinaria"
	RegimeMinimis          = "minimis"
	RegimeAyudaEstado      = "ayuda_estado"
	RegimePartidoPolitico  = "partido_politico"
	RegimeGranBeneficiario = "gran_beneficiario"
)

// Source identifies one paginated API endpoint and the regime tag its
// records are loaded under.
type Source struct {
	// Name is the entity identifier used on the control surface
	Name string

	// Endpoint is the search path relative to the API base URL
	Endpoint string

	// Regime tags every record extracted from this source
	Regime string
}

// Registry is a closed set of extractable sources keyed by entity name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry returns the registry of known subsidy sources.
func NewRegistry() *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, src := range []Source{
		{Name: "ordinarias", Endpoint: "/concesiones/busqueda", Regime: RegimeOrdinaria},
		{Name: "minimis", Endpoint: "/minimis/busqueda", Regime: RegimeMinimis},
		{Name: "ayudas_estado", Endpoint: "/ayudasestado/busqueda", Regime: RegimeAyudaEstado},
		{Name: "partidos_politicos", Endpoint: "/partidospoliticos/busqueda", Regime: RegimePartidoPolitico},
		{Name: "grandes_beneficiarios", Endpoint: "/grandesbeneficiarios/busqueda", Regime: RegimeGranBeneficiario},
	} {
		r.sources[src.Name] = src
	}
	return r
}

// Lookup resolves an entity name to its source.
func (r *Registry) Lookup(name string) (Source, error) {
	src, ok := r.sources[name]
	if !ok {
		return Source{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownSource, name, r.Names())
	}
	return src, nil
}

// Names lists the registered entity names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
