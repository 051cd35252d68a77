package listingsdir

import "context"

// Counts holds the dataset sizes of a source platform, used by each stage to
// publish its share of the run total as soon as it starts.
type Counts struct {
	Categories   int `json:"categories"`
	Tags         int `json:"tags"`
	Packages     int `json:"packages"`
	CustomFields int `json:"custom_fields"`
	Listings     int `json:"listings"`
	Reviews      int `json:"reviews"`
}

// Category is one directory category row. Sources are expected to return
// parents before children so parent references resolve during the same pass.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// Tag is one listing tag row.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Package is one pricing package row. Cost zero marks a free package, which
// may be folded onto a configured default package instead of being created.
type Package struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Cost float64 `json:"cost"`
}

// CustomField is one custom field definition row.
type CustomField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Listing is one directory listing row. CategoryIDs, PackageID and the keys
// of Fields reference other source rows by their source IDs.
type Listing struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	CategoryIDs []string          `json:"category_ids,omitempty"`
	PackageID   string            `json:"package_id,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Review is one listing review row.
type Review struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Author    string `json:"author,omitempty"`
	Rating    int    `json:"rating"`
	Content   string `json:"content,omitempty"`
}

// Source is the paged view of a remote directory platform's data. How rows
// are obtained (API, CSV export, database dump) is outside this module; the
// engine only needs counts and offset/limit pages.
type Source interface {
	Counts(ctx context.Context) (Counts, error)

	Categories(ctx context.Context, offset, limit int) ([]Category, error)
	Tags(ctx context.Context, offset, limit int) ([]Tag, error)
	Packages(ctx context.Context, offset, limit int) ([]Package, error)
	CustomFields(ctx context.Context, offset, limit int) ([]CustomField, error)
	Listings(ctx context.Context, offset, limit int) ([]Listing, error)
	Reviews(ctx context.Context, offset, limit int) ([]Review, error)

	// HasCustomFields reports whether the platform exposes custom field
	// definitions. When false the stage is skipped with a warning.
	HasCustomFields() bool
	// HasReviews reports whether the platform exposes reviews.
	HasReviews() bool
}

// StaticSource is a Source over in-memory rows. It backs tests and the CLI's
// dataset-file mode; its JSON shape is the dataset file format.
type StaticSource struct {
	CategoryRows    []Category    `json:"categories"`
	TagRows         []Tag         `json:"tags"`
	PackageRows     []Package     `json:"packages"`
	CustomFieldRows []CustomField `json:"custom_fields"`
	ListingRows     []Listing     `json:"listings"`
	ReviewRows      []Review      `json:"reviews"`

	// NoCustomFields and NoReviews simulate platforms without the optional
	// features.
	NoCustomFields bool `json:"no_custom_fields,omitempty"`
	NoReviews      bool `json:"no_reviews,omitempty"`
}

func (s *StaticSource) Counts(_ context.Context) (Counts, error) {
	return Counts{
		Categories:   len(s.CategoryRows),
		Tags:         len(s.TagRows),
		Packages:     len(s.PackageRows),
		CustomFields: len(s.CustomFieldRows),
		Listings:     len(s.ListingRows),
		Reviews:      len(s.ReviewRows),
	}, nil
}

func (s *StaticSource) Categories(_ context.Context, offset, limit int) ([]Category, error) {
	return page(s.CategoryRows, offset, limit), nil
}

func (s *StaticSource) Tags(_ context.Context, offset, limit int) ([]Tag, error) {
	return page(s.TagRows, offset, limit), nil
}

func (s *StaticSource) Packages(_ context.Context, offset, limit int) ([]Package, error) {
	return page(s.PackageRows, offset, limit), nil
}

func (s *StaticSource) CustomFields(_ context.Context, offset, limit int) ([]CustomField, error) {
	return page(s.CustomFieldRows, offset, limit), nil
}

func (s *StaticSource) Listings(_ context.Context, offset, limit int) ([]Listing, error) {
	return page(s.ListingRows, offset, limit), nil
}

func (s *StaticSource) Reviews(_ context.Context, offset, limit int) ([]Review, error) {
	return page(s.ReviewRows, offset, limit), nil
}

func (s *StaticSource) HasCustomFields() bool { return !s.NoCustomFields }
func (s *StaticSource) HasReviews() bool      { return !s.NoReviews }

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) || offset < 0 {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
