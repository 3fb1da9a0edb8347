// Package parser extracts structured listings from rendered catalog HTML.
// It operates on a page snapshot, never on the live browser, so a single
// render can be parsed any number of times.
package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Stepan2222000/avito-library/internal/pagestate"
)

const (
	nextPageSelector       = `a[data-marker="pagination-button/nextPage"]`
	promotedBadgeSelector  = `[data-marker^="badge-title"]`
	snippetSelector        = `div[class*="item-bottomBlock"] p`
	sellerContainerClass   = "div.iva-item-sellerInfo-w2qER"
	sellerProfileLinkGlobs = `a[href*='/brands/'], a[href*='/user/']`
)

// Markers of a catalog that rendered but has nothing to show.
var emptyMarkers = []string{
	"ничего не найдено",
	"доступ ограничен",
	"ничего не найдено по вашему запросу",
}

var (
	digitsPattern   = regexp.MustCompile(`\D+`)
	firstIntPattern = regexp.MustCompile(`\d+`)
)

// ExtractListings parses every catalog card in html, filling only the
// requested fields. Cards without a resolvable item id are kept, the id is
// left empty rather than dropping the row.
func ExtractListings(html string, fields FieldSet, includeRawHTML bool) ([]Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog html: %w", err)
	}

	var listings []Listing
	doc.Find(pagestate.CatalogItemSelector).Each(func(_ int, card *goquery.Selection) {
		listings = append(listings, extractCard(card, fields, includeRawHTML))
	})
	return listings, nil
}

// NextPageURL finds the pagination link and resolves it against currentURL.
// The second return is false when the catalog has no further pages.
func NextPageURL(html, currentURL string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	href, ok := doc.Find(nextPageSelector).First().Attr("href")
	if !ok || href == "" {
		return "", false
	}

	base, err := url.Parse(currentURL)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// HasEmptyMarkers reports whether html carries one of the phrases the site
// shows on an empty or exhausted catalog.
func HasEmptyMarkers(html string) bool {
	lower := strings.ToLower(html)
	for _, marker := range emptyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func extractCard(card *goquery.Selection, fields FieldSet, includeRawHTML bool) Listing {
	listing := Listing{
		ItemID: strings.TrimSpace(card.AttrOr("data-item-id", "")),
	}
	if listing.ItemID == "" {
		listing.ItemID = innerText(card, `div[data-marker="item-line"]`)
	}

	if fields[FieldTitle] {
		listing.Title = innerText(card, `a[data-marker="item-title"]`)
	}
	if fields[FieldPrice] {
		listing.Price = parsePrice(innerText(card, `[data-marker="item-price"]`))
	}
	if fields[FieldSnippet] {
		listing.Snippet = extractSnippet(card)
	}
	if fields[FieldLocation] {
		listing.LocationCity, listing.LocationArea, listing.LocationExtra = extractLocation(card)
	}
	if fields[FieldPublished] {
		listing.PublishedAgo = innerText(card, `[data-marker="item-date"]`)
	}
	if fields.wantsSeller() {
		fillSellerInfo(card, fields, &listing)
	}
	if fields[FieldPromoted] {
		listing.Promoted = card.Find(promotedBadgeSelector).Length() > 0
	}
	if includeRawHTML {
		if raw, err := card.Html(); err == nil {
			listing.RawHTML = raw
		}
	}
	return listing
}

func extractSnippet(card *goquery.Selection) string {
	if content, ok := card.Find(`meta[itemprop="description"]`).First().Attr("content"); ok {
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			return trimmed
		}
	}
	if text := innerText(card, snippetSelector); text != "" {
		return text
	}
	return innerText(card, "p")
}

func extractLocation(card *goquery.Selection) (city, area, extra string) {
	node := card.Find(`div[data-marker="item-location"]`).First()
	if node.Length() == 0 {
		node = card.Find(`span[class*="geo"]`).First()
		if node.Length() == 0 {
			return "", "", ""
		}
	}

	text := strings.TrimSpace(strings.ReplaceAll(node.Text(), " ", " "))
	if text == "" {
		return "", "", ""
	}

	parts := strings.Split(text, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	city = parts[0]
	if len(parts) > 1 {
		area = parts[1]
	}
	if len(parts) > 2 {
		extra = strings.Join(parts[2:], ", ")
	} else if title, ok := node.Attr("title"); ok {
		extra = strings.TrimSpace(title)
	}
	return city, area, extra
}

func fillSellerInfo(card *goquery.Selection, fields FieldSet, listing *Listing) {
	link := card.Find(scopedSellerLinks()).First()
	if link.Length() == 0 {
		link = card.Find(sellerProfileLinkGlobs).First()
	}

	if link.Length() > 0 {
		if fields[FieldSellerName] {
			if name := innerText(link, "p"); name != "" {
				listing.SellerName = name
			} else if text := strings.TrimSpace(link.Text()); text != "" {
				listing.SellerName = strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
			}
		}
		if fields[FieldSellerID] {
			if href, ok := link.Attr("href"); ok {
				listing.SellerID = sellerIDFromHref(href)
			}
		}
	} else if fields[FieldSellerName] {
		listing.SellerName = innerText(card, sellerContainerClass+" p")
	}

	if fields[FieldSellerRating] {
		text := innerText(card, `[data-marker="seller-info/score"]`)
		if text == "" {
			text = innerText(card, `[data-marker="seller-rating/score"]`)
		}
		listing.SellerRating = parseRating(text)
	}
	if fields[FieldSellerReviews] {
		listing.SellerReviews = parseFirstInt(innerText(card, `[data-marker="seller-info/summary"]`))
	}
}

func scopedSellerLinks() string {
	return sellerContainerClass + " a[href*='/brands/'], " + sellerContainerClass + " a[href*='/user/']"
}

// sellerIDFromHref pulls the id out of a /brands/<id> or /user/<id> path.
// Profile links may carry trailing segments like /user/<id>/profile.
func sellerIDFromHref(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(parsed.Path, "/")
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ""
	}
	for i, segment := range segments {
		if (segment == "user" || segment == "brands") && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return segments[len(segments)-1]
}

func innerText(s *goquery.Selection, selector string) string {
	node := s.Find(selector).First()
	if node.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(node.Text())
}

func parsePrice(text string) *int {
	if text == "" {
		return nil
	}
	cleaned := digitsPattern.ReplaceAllString(strings.ReplaceAll(text, " ", " "), "")
	if cleaned == "" {
		return nil
	}
	value, err := strconv.Atoi(cleaned)
	if err != nil {
		return nil
	}
	return &value
}

func parseRating(text string) *float64 {
	if text == "" {
		return nil
	}
	normalized := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(text, ",", "."), " ", ""))
	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return nil
	}
	return &value
}

func parseFirstInt(text string) *int {
	if text == "" {
		return nil
	}
	match := firstIntPattern.FindString(strings.ReplaceAll(text, " ", ""))
	if match == "" {
		return nil
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return nil
	}
	return &value
}
