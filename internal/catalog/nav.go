package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

// Sort names a catalog ordering. The site encodes it in the s query
// parameter with opaque numeric values.
type Sort string

const (
	SortDefault    Sort = ""
	SortByDate     Sort = "date"
	SortPriceAsc   Sort = "price_asc"
	SortPriceDesc  Sort = "price_desc"
	SortMileageAsc Sort = "mileage_asc"
)

var sortParams = map[Sort]string{
	SortByDate:     "104",
	SortPriceAsc:   "1",
	SortPriceDesc:  "2",
	SortMileageAsc: "2687_asc",
}

// ApplySort sets the sort query parameter on a catalog URL.
func ApplySort(rawURL string, sort Sort) (string, error) {
	if sort == SortDefault {
		return rawURL, nil
	}
	value, ok := sortParams[sort]
	if !ok {
		return "", fmt.Errorf("unknown sort %q", sort)
	}
	return setQueryParam(rawURL, "s", value)
}

// ApplyStartPage sets the page number query parameter. Page 1 is the
// site's default and gets no parameter.
func ApplyStartPage(rawURL string, page int) (string, error) {
	if page <= 1 {
		return rawURL, nil
	}
	return setQueryParam(rawURL, "p", strconv.Itoa(page))
}

func setQueryParam(rawURL, key, value string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse catalog url %q: %w", rawURL, err)
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// navigateToCatalog opens a catalog URL, applying sort and pagination
// parameters only when the URL does not carry them already. Pagination
// links produced by the site come fully parameterized and must pass
// through untouched.
func navigateToCatalog(ctx context.Context, page browser.Page, catalogURL string, sort Sort, startPage int, timeout time.Duration) (*browser.Response, error) {
	parsed, err := url.Parse(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog url %q: %w", catalogURL, err)
	}
	existing := parsed.Query()

	final := catalogURL
	if sort != SortDefault && !existing.Has("s") {
		final, err = ApplySort(final, sort)
		if err != nil {
			return nil, err
		}
	}
	if startPage > 1 && !existing.Has("p") {
		final, err = ApplyStartPage(final, startPage)
		if err != nil {
			return nil, err
		}
	}

	return page.Navigate(ctx, final, browser.NavigateOptions{
		WaitUntil: "domcontentloaded",
		Timeout:   timeout,
	})
}
