// Package load maps raw API records onto the canonical concession schema
// and writes them with insert-ignore dedup semantics.
package load

import (
	"fmt"
	"time"

	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
)

// Record is one concession in canonical form, ready for storage.
type Record struct {
	IDConcesion    string
	FechaConcesion time.Time
	Regimen        string
	Beneficiario   string
	Convocatoria   string
	Importe        *float64
	Instrumento    string
}

// TransformError marks a raw record that cannot be mapped onto the
// canonical schema. It is counted as failed, never aborts a batch.
type TransformError struct {
	ID     string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("record %q: %s", e.ID, e.Reason)
}

// Grant dates arrive as dd/mm/yyyy from the search endpoints, but some
// payloads carry ISO dates.
var dateLayouts = []string{"02/01/2006", "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Transform maps a raw record into canonical form under the given regime
// tag.
func Transform(raw extract.RawRecord, regimen string) (*Record, error) {
	id := raw.ID.String()
	if id == "" {
		return nil, &TransformError{ID: id, Reason: "missing id"}
	}
	if raw.FechaConcesion == "" {
		return nil, &TransformError{ID: id, Reason: "missing grant date"}
	}

	fecha, ok := parseDate(raw.FechaConcesion)
	if !ok {
		return nil, &TransformError{ID: id, Reason: fmt.Sprintf("unparseable grant date %q", raw.FechaConcesion)}
	}

	convocatoria := raw.NumeroConvocatoria.String()
	if convocatoria == "" {
		convocatoria = raw.Convocatoria
	}

	importe := raw.Importe
	if importe == nil {
		importe = raw.AyudaEquivalente
	}

	return &Record{
		IDConcesion:    id,
		FechaConcesion: fecha,
		Regimen:        regimen,
		Beneficiario:   raw.Beneficiario,
		Convocatoria:   convocatoria,
		Importe:        importe,
		Instrumento:    raw.Instrumento,
	}, nil
}
