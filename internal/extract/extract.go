// Package extract turns a fetched product page into a Record and enforces the
// required-field contract.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"mro-harvester/internal/config"
	"mro-harvester/pkg/types"
)

var (
	// ErrMissingField is returned when a required field is absent or blank.
	ErrMissingField = errors.New("extract: required field missing")
	// ErrEmptyPage is returned for a page without a body.
	ErrEmptyPage = errors.New("extract: empty page")
)

var imageSelectors = []string{
	".product-image img",
	"img[itemprop='image']",
	".product__img",
	".product-single__photo img",
	".product-gallery img",
}

var (
	pricePattern   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	outOfStockText = regexp.MustCompile(`(?i)out of stock`)
	inStockText    = regexp.MustCompile(`(?i)in stock`)
)

// Extractor pulls structured fields out of product pages.
type Extractor struct {
	fields    map[string][]string
	order     []string
	required  []string
	maxText   int
	maxImages int
}

// New builds an extractor from configuration.
func New(cfg config.ExtractConfig) *Extractor {
	order := make([]string, 0, len(cfg.Fields))
	for field := range cfg.Fields {
		order = append(order, field)
	}
	sort.Strings(order)
	return &Extractor{
		fields:    cfg.Fields,
		order:     order,
		required:  cfg.RequiredFields,
		maxText:   cfg.MaxTextLength,
		maxImages: cfg.MaxImages,
	}
}

// Extract parses page and returns a validated record. JSON-LD Product data
// wins; configured selectors fill whatever it leaves blank.
func (e *Extractor) Extract(page *types.Page) (types.Record, error) {
	if page == nil || len(page.Body) == 0 {
		return nil, ErrEmptyPage
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	record := types.Record{}
	if page.URL != nil {
		record["url"] = page.URL.String()
	}
	if page.FinalURL != nil && page.URL != nil && page.FinalURL.String() != page.URL.String() {
		record["final_url"] = page.FinalURL.String()
	}

	for _, product := range jsonLDProducts(doc) {
		mergeJSONLD(record, product)
	}

	for _, field := range e.order {
		if !blank(record[field]) {
			continue
		}
		if value := firstMatch(doc, e.fields[field]); value != "" {
			record[field] = e.clip(value)
		}
	}
	if raw, ok := record["price"].(string); ok {
		if price, ok := parsePrice(raw); ok {
			record["price"] = price
			record["price_text"] = raw
		}
	}

	base := page.FinalURL
	if base == nil {
		base = page.URL
	}
	if blank(record["images"]) {
		if images := e.images(doc, base); len(images) > 0 {
			record["images"] = images
		}
	}
	if images, ok := record["images"].([]string); ok && len(images) > 0 {
		record["main_image"] = images[0]
	}
	if blank(record["availability"]) {
		record["availability"] = availability(doc)
	}
	if category := breadcrumbs(doc); category != "" {
		record["category"] = category
	}
	if specs := specifications(doc); len(specs) > 0 {
		record["specifications"] = specs
	}

	if err := e.Validate(record); err != nil {
		return record, err
	}
	return record, nil
}

// Validate checks that every required field is present and non-blank.
func (e *Extractor) Validate(record types.Record) error {
	var missing []string
	for _, field := range e.required {
		if blank(record[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

// IsChallenge reports whether page looks like an anti-bot interstitial
// rather than real content. Markers are matched case-insensitively against
// the title and visible text.
func IsChallenge(page *types.Page, markers []string) bool {
	if page == nil || len(page.Body) == 0 || len(markers) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return false
	}
	doc.Find("script,style,noscript").Remove()
	haystack := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	for _, marker := range markers {
		if marker != "" && strings.Contains(haystack, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (e *Extractor) clip(value string) string {
	if e.maxText > 0 && len(value) > e.maxText {
		cut := e.maxText
		for cut > 0 && !utf8Start(value[cut]) {
			cut--
		}
		return value[:cut]
	}
	return value
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func (e *Extractor) images(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var images []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		if base != nil {
			if ref, err := url.Parse(raw); err == nil {
				raw = base.ResolveReference(ref).String()
			}
		}
		if _, ok := seen[raw]; ok {
			return
		}
		seen[raw] = struct{}{}
		images = append(images, raw)
	}
	for _, sel := range imageSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok {
				add(src)
			} else if src, ok := s.Attr("data-src"); ok {
				add(src)
			}
		})
	}
	if len(images) == 0 {
		if og, ok := doc.Find("meta[property='og:image']").Attr("content"); ok {
			add(og)
		}
	}
	if e.maxImages > 0 && len(images) > e.maxImages {
		images = images[:e.maxImages]
	}
	return images
}

func firstMatch(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if content, ok := node.Attr("content"); ok && strings.TrimSpace(content) != "" {
			return strings.TrimSpace(content)
		}
		if text := collapseSpace(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

func availability(doc *goquery.Document) string {
	text := doc.Find("body").Text()
	switch {
	case outOfStockText.MatchString(text):
		return "Out of Stock"
	case inStockText.MatchString(text):
		return "In Stock"
	}
	return "Unknown"
}

func breadcrumbs(doc *goquery.Document) string {
	var parts []string
	doc.Find(".breadcrumb, nav[aria-label='breadcrumb']").First().Find("a").Each(func(_ int, s *goquery.Selection) {
		if text := collapseSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " > ")
}

func specifications(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)
	doc.Find("table.specifications tr, .product-specs tr, table.specs tr").Each(func(_ int, row *goquery.Selection) {
		key := collapseSpace(row.Find("th").First().Text())
		cells := row.Find("td")
		if key == "" && cells.Length() >= 2 {
			key = collapseSpace(cells.First().Text())
			cells = cells.Slice(1, 2)
		}
		value := collapseSpace(cells.First().Text())
		if key != "" && value != "" {
			specs[key] = value
		}
	})
	return specs
}

func parsePrice(raw string) (float64, bool) {
	match := pricePattern.FindString(strings.ReplaceAll(raw, ",", ""))
	if match == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]string:
		return len(val) == 0
	}
	return false
}

// jsonLDProducts returns every schema.org Product object embedded in the page.
func jsonLDProducts(doc *goquery.Document) []map[string]any {
	var products []map[string]any
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		products = append(products, findProducts(payload)...)
	})
	return products
}

func findProducts(node any) []map[string]any {
	switch v := node.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, findProducts(item)...)
		}
		return out
	case map[string]any:
		if isType(v["@type"], "Product") {
			return []map[string]any{v}
		}
		if graph, ok := v["@graph"]; ok {
			return findProducts(graph)
		}
	}
	return nil
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func mergeJSONLD(record types.Record, product map[string]any) {
	set := func(field string, value any) {
		if blank(record[field]) && !blank(value) {
			record[field] = value
		}
	}
	set("name", stringValue(product["name"]))
	set("sku", stringValue(product["sku"]))
	set("mpn", stringValue(product["mpn"]))
	set("gtin", stringValue(firstOf(product, "gtin", "gtin13", "gtin12", "gtin8")))
	set("description", stringValue(product["description"]))
	set("brand", nameOf(product["brand"]))
	set("manufacturer", nameOf(product["manufacturer"]))

	switch img := product["image"].(type) {
	case string:
		set("images", []string{img})
	case []any:
		var images []string
		for _, item := range img {
			if s := stringValue(item); s != "" {
				images = append(images, s)
			} else if m, ok := item.(map[string]any); ok {
				if s := stringValue(m["url"]); s != "" {
					images = append(images, s)
				}
			}
		}
		set("images", images)
	}

	offer := product["offers"]
	if list, ok := offer.([]any); ok && len(list) > 0 {
		offer = list[0]
	}
	if o, ok := offer.(map[string]any); ok {
		if price := firstOf(o, "price", "lowPrice"); price != nil {
			switch p := price.(type) {
			case float64:
				set("price", p)
			default:
				set("price", stringValue(p))
			}
		}
		set("currency", stringValue(o["priceCurrency"]))
		if avail := stringValue(o["availability"]); avail != "" {
			set("availability", schemaAvailability(avail))
		}
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && !blank(v) {
			return v
		}
	}
	return nil
}

func nameOf(v any) string {
	if m, ok := v.(map[string]any); ok {
		return stringValue(m["name"])
	}
	return stringValue(v)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return collapseSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func schemaAvailability(v string) string {
	v = v[strings.LastIndex(v, "/")+1:]
	switch strings.ToLower(v) {
	case "instock":
		return "In Stock"
	case "outofstock", "soldout", "discontinued":
		return "Out of Stock"
	}
	return v
}
