package extract

import (
	"errors"
	"net/url"
	"testing"

	"mro-harvester/internal/config"
	"mro-harvester/pkg/types"
)

func page(t *testing.T, body string) *types.Page {
	t.Helper()
	u, err := url.Parse("https://shop.example/products/valve-123")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &types.Page{URL: u, FinalURL: u, Body: []byte(body), StatusCode: 200}
}

func TestExtractPrefersJSONLD(t *testing.T) {
	body := `<html><head>
<script type="application/ld+json">{"@context":"https://schema.org","@graph":[
  {"@type":"BreadcrumbList"},
  {"@type":"Product","name":"Ball Valve 1/2\"","sku":"BV-12","brand":{"@type":"Brand","name":"Apollo"},
   "image":["https://cdn.example/bv.jpg"],
   "offers":{"@type":"Offer","price":"42.50","priceCurrency":"USD","availability":"https://schema.org/InStock"}}]}
</script></head>
<body><h1 class="product-title">Ignored Title</h1>
<nav aria-label="breadcrumb"><a href="/">Home</a><a href="/valves">Valves</a></nav>
<table class="specifications"><tr><th>Material</th><td>Brass</td></tr><tr><td>Size</td><td>1/2 in</td></tr></table>
</body></html>`

	ex := New(config.Default().Extract)
	record, err := ex.Extract(page(t, body))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if record["name"] != `Ball Valve 1/2"` {
		t.Fatalf("name = %v", record["name"])
	}
	if record["sku"] != "BV-12" || record["brand"] != "Apollo" {
		t.Fatalf("sku/brand = %v/%v", record["sku"], record["brand"])
	}
	if record["price"] != 42.5 || record["currency"] != "USD" {
		t.Fatalf("price = %v %v", record["price"], record["currency"])
	}
	if record["availability"] != "In Stock" {
		t.Fatalf("availability = %v", record["availability"])
	}
	if record["main_image"] != "https://cdn.example/bv.jpg" {
		t.Fatalf("main_image = %v", record["main_image"])
	}
	if record["category"] != "Home > Valves" {
		t.Fatalf("category = %v", record["category"])
	}
	specs, _ := record["specifications"].(map[string]string)
	if specs["Material"] != "Brass" || specs["Size"] != "1/2 in" {
		t.Fatalf("specifications = %v", specs)
	}
}

func TestExtractFallsBackToSelectors(t *testing.T) {
	body := `<html><body>
<h1 class="product-name"> Hex   Bolt </h1>
<span class="product-sku">HB-9</span>
<div class="product-price">$1,299.00</div>
<div class="product-image"><img src="/img/hb.jpg"></div>
<p>Out of stock</p>
</body></html>`

	record, err := New(config.Default().Extract).Extract(page(t, body))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if record["name"] != "Hex Bolt" || record["sku"] != "HB-9" {
		t.Fatalf("name/sku = %v/%v", record["name"], record["sku"])
	}
	if record["price"] != 1299.0 || record["price_text"] != "$1,299.00" {
		t.Fatalf("price = %v (%v)", record["price"], record["price_text"])
	}
	if record["main_image"] != "https://shop.example/img/hb.jpg" {
		t.Fatalf("main_image = %v", record["main_image"])
	}
	if record["availability"] != "Out of Stock" {
		t.Fatalf("availability = %v", record["availability"])
	}
}

func TestExtractRequiresName(t *testing.T) {
	_, err := New(config.Default().Extract).Extract(page(t, `<html><body><p>nothing here</p></body></html>`))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := New(config.Default().Extract).Extract(page(t, "")); !errors.Is(err, ErrEmptyPage) {
		t.Fatalf("expected ErrEmptyPage, got %v", err)
	}
}

func TestIsChallenge(t *testing.T) {
	markers := config.Default().Request.ChallengeMarkers
	challenge := page(t, `<html><head><title>Just a moment...</title></head><body>Checking your browser</body></html>`)
	if !IsChallenge(challenge, markers) {
		t.Fatal("challenge page not detected")
	}
	product := page(t, `<html><head><title>Ball Valve</title></head><body><h1>Ball Valve</h1></body></html>`)
	if IsChallenge(product, markers) {
		t.Fatal("product page flagged as challenge")
	}
}
