// Package catalog keeps the reference tables fresh: it fetches the fixed
// set of lookup catalogs from the API and grows them without ever
// removing a code, so historical rows keep resolving.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Entry is one catalog row in canonical form.
type Entry struct {
	Catalogo    string
	Codigo      string
	Descripcion string

	// Padre is the parent code within hierarchical catalogs, empty for
	// roots and flat catalogs.
	Padre string
}

// Catalog describes one reference table and where to fetch it.
type Catalog struct {
	// Name is the catalog identifier used as the first half of the
	// storage key
	Name string

	// Endpoint is the fetch path relative to the API base URL
	Endpoint string

	// Params are extra query parameters some endpoints require
	Params map[string]string
}

// Catalogs returns the fixed list of reference tables, in sync order.
// Organos come split by administration level as the API serves them.
func Catalogs(vpd string) []Catalog {
	scoped := map[string]string{"vpd": vpd}
	return []Catalog{
		{Name: "organos_estatales", Endpoint: "/organos", Params: map[string]string{"vpd": vpd, "idAdmon": "C"}},
		{Name: "organos_autonomicos", Endpoint: "/organos", Params: map[string]string{"vpd": vpd, "idAdmon": "A"}},
		{Name: "organos_locales", Endpoint: "/organos", Params: map[string]string{"vpd": vpd, "idAdmon": "L"}},
		{Name: "organos_otros", Endpoint: "/organos", Params: map[string]string{"vpd": vpd, "idAdmon": "O"}},
		{Name: "regiones", Endpoint: "/regiones"},
		{Name: "instrumentos", Endpoint: "/instrumentos"},
		{Name: "tipos_beneficiario", Endpoint: "/beneficiarios", Params: scoped},
		{Name: "sectores_producto", Endpoint: "/sectores"},
		{Name: "finalidades", Endpoint: "/finalidades", Params: scoped},
		{Name: "objetivos", Endpoint: "/objetivos"},
		{Name: "reglamentos", Endpoint: "/reglamentos"},
	}
}

// item is the API's catalog element. Catalogs are shallow trees; children
// carry the same shape.
type item struct {
	ID          json.Number `json:"id"`
	Descripcion string      `json:"descripcion"`
	Children    []item      `json:"children"`
}

// Fetcher pulls catalog contents from the API.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher for the given API base URL.
func NewFetcher(baseURL string, httpClient *http.Client, logger *slog.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// Fetch retrieves one catalog and flattens its hierarchy into entries
// with parent codes.
func (f *Fetcher) Fetch(ctx context.Context, cat Catalog) ([]Entry, error) {
	u, err := url.Parse(f.baseURL + cat.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog URL for %s: %w", cat.Name, err)
	}
	q := u.Query()
	for k, v := range cat.Params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog %s: %w", cat.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog %s: server returned %s", cat.Name, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", cat.Name, err)
	}

	var items []item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("malformed catalog %s: %w", cat.Name, err)
	}

	var entries []Entry
	var flatten func(it item, padre string)
	flatten = func(it item, padre string) {
		code := it.ID.String()
		entries = append(entries, Entry{
			Catalogo:    cat.Name,
			Codigo:      code,
			Descripcion: it.Descripcion,
			Padre:       padre,
		})
		for _, child := range it.Children {
			flatten(child, code)
		}
	}
	for _, it := range items {
		flatten(it, "")
	}

	f.logger.Debug("catalog fetched", "catalog", cat.Name, "entries", len(entries))
	return entries, nil
}
