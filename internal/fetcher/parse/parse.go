// Package parse turns a rendered storefront listing page into product entries.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// ErrUnrendered is returned when the page is a client-side shell with no
// product grid yet.
var ErrUnrendered = errors.New("page has no rendered product grid")

// Selectors locates products inside the listing page.
type Selectors struct {
	Item string
	Name string
	Link string
	// Status elements are checked for sold-out text in addition to the item
	// text itself.
	Status []string
}

// DefaultSelectors matches the storefront's product grid markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:   ".product-grid-item",
		Name:   ".product-grid-name a",
		Link:   "a",
		Status: []string{".sold-out", ".out-of-stock", ".unavailable", ".stock-status", ".availability"},
	}
}

// DefaultSoldOutIndicators are matched case-insensitively against item text.
func DefaultSoldOutIndicators() []string {
	return []string{"sold out", "out of stock", "unavailable", "not available"}
}

// Parser extracts products from listing HTML.
type Parser struct {
	sel        Selectors
	indicators []string
}

// New builds a Parser. Empty selector fields and an empty indicator list fall
// back to the defaults.
func New(sel Selectors, indicators []string) *Parser {
	def := DefaultSelectors()
	if sel.Item == "" {
		sel.Item = def.Item
	}
	if sel.Name == "" {
		sel.Name = def.Name
	}
	if sel.Link == "" {
		sel.Link = def.Link
	}
	if sel.Status == nil {
		sel.Status = def.Status
	}
	if len(indicators) == 0 {
		indicators = DefaultSoldOutIndicators()
	}
	lowered := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			lowered = append(lowered, ind)
		}
	}
	return &Parser{sel: sel, indicators: lowered}
}

// ItemSelector is the CSS selector browsers wait for before reading the page.
func (p *Parser) ItemSelector() string {
	return p.sel.Item
}

// Parse reads every product in the grid. A page with no grid items that
// looks like an unrendered client-side shell yields ErrUnrendered.
func (p *Parser) Parse(r io.Reader) ([]restock.ProductEntry, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	items := doc.Find(p.sel.Item)
	if items.Length() == 0 && looksUnrendered(body) {
		return nil, ErrUnrendered
	}

	entries := make([]restock.ProductEntry, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		name := strings.TrimSpace(item.Find(p.sel.Name).First().Text())
		if name == "" {
			name = "Unknown Product"
		}
		id := productIDFromLink(item.Find(p.sel.Link).First())
		if id == "" {
			id = Slug(name)
		}
		if id == "" {
			return
		}
		entries = append(entries, restock.ProductEntry{
			ProductID: id,
			Name:      name,
			SoldOut:   p.soldOut(item),
		})
	})
	return entries, nil
}

func (p *Parser) soldOut(item *goquery.Selection) bool {
	if p.matches(item.Text()) {
		return true
	}
	for _, sel := range p.sel.Status {
		if p.matches(item.Find(sel).Text()) {
			return true
		}
	}
	return false
}

func (p *Parser) matches(text string) bool {
	text = strings.ToLower(text)
	for _, ind := range p.indicators {
		if strings.Contains(text, ind) {
			return true
		}
	}
	return false
}

func productIDFromLink(link *goquery.Selection) string {
	href, ok := link.Attr("href")
	if !ok {
		return ""
	}
	_, rest, found := strings.Cut(href, "/product/")
	if !found {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "?")
	rest, _, _ = strings.Cut(rest, "#")
	id, _, _ := strings.Cut(rest, "/")
	return strings.TrimSpace(id)
}

// Slug derives a stable id from a product name: lower case, "&" spelled out,
// runs of other punctuation and spaces collapsed to "-".
func Slug(name string) string {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "&", "and")
	var b strings.Builder
	dash := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

const shellBodyThreshold = 2048

func looksUnrendered(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(body) < shellBodyThreshold {
		lower := bytes.ToLower(body)
		return bytes.Count(lower, []byte("<script")) >= 3
	}
	return false
}
