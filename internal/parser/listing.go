package parser

// Field names a single extractable attribute of a catalog card. Extraction
// only touches the DOM nodes for requested fields, which keeps parsing
// cheap when a caller wants ids and prices only.
type Field string

const (
	FieldTitle         Field = "title"
	FieldPrice         Field = "price"
	FieldSnippet       Field = "snippet"
	FieldLocation      Field = "location"
	FieldPublished     Field = "published"
	FieldSellerName    Field = "seller_name"
	FieldSellerID      Field = "seller_id"
	FieldSellerRating  Field = "seller_rating"
	FieldSellerReviews Field = "seller_reviews"
	FieldPromoted      Field = "promoted"
)

// FieldSet selects which fields to extract.
type FieldSet map[Field]bool

func NewFieldSet(fields ...Field) FieldSet {
	set := make(FieldSet, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// DefaultFields covers everything a catalog card exposes.
func DefaultFields() FieldSet {
	return NewFieldSet(
		FieldTitle, FieldPrice, FieldSnippet, FieldLocation, FieldPublished,
		FieldSellerName, FieldSellerID, FieldSellerRating, FieldSellerReviews,
		FieldPromoted,
	)
}

func (s FieldSet) wantsSeller() bool {
	return s[FieldSellerName] || s[FieldSellerID] || s[FieldSellerRating] || s[FieldSellerReviews]
}

// Listing is one catalog card. Pointer fields distinguish "absent" from a
// legitimate zero, prices of 0 do occur on free-giveaway listings.
type Listing struct {
	ItemID        string   `json:"item_id"`
	Title         string   `json:"title,omitempty"`
	Price         *int     `json:"price,omitempty"`
	Snippet       string   `json:"snippet,omitempty"`
	LocationCity  string   `json:"location_city,omitempty"`
	LocationArea  string   `json:"location_area,omitempty"`
	LocationExtra string   `json:"location_extra,omitempty"`
	SellerName    string   `json:"seller_name,omitempty"`
	SellerID      string   `json:"seller_id,omitempty"`
	SellerRating  *float64 `json:"seller_rating,omitempty"`
	SellerReviews *int     `json:"seller_reviews,omitempty"`
	Promoted      bool     `json:"promoted"`
	PublishedAgo  string   `json:"published_ago,omitempty"`
	RawHTML       string   `json:"raw_html,omitempty"`
}
