package mock

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Listing is one canned search result.
type Listing struct {
	Title  string  `json:"title"`
	Price  string  `json:"price"`
	Rating float64 `json:"rating"`
	Sold   string  `json:"sold"`
	Shop   string  `json:"shop"`
	URL    string  `json:"url"`
}

// Detail is what a deep scrape of one listing returns.
type Detail struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Variants    []string `json:"variants"`
	Reviews     []string `json:"reviews"`
}

type listingTemplate struct {
	suffix string
	price  int
	rating float64
	sold   string
	shop   string
}

var templates = []listingTemplate{
	{suffix: "Original Garansi Resmi", price: 1299000, rating: 4.9, sold: "10rb+", shop: "Official Store"},
	{suffix: "Murah Berkualitas", price: 249000, rating: 4.7, sold: "5rb+", shop: "Toko Jaya"},
	{suffix: "Bundling Hemat", price: 459000, rating: 4.8, sold: "2rb+", shop: "Gudang Gadget"},
	{suffix: "Second Like New", price: 175000, rating: 4.4, sold: "312", shop: "Preloved ID"},
	{suffix: "Import Premium", price: 899000, rating: 4.6, sold: "1rb+", shop: "Import Corner"},
	{suffix: "Flash Sale", price: 99000, rating: 4.2, sold: "20rb+", shop: "Serba Ada"},
}

// listingsFor returns up to n listings for query. The output depends only
// on its arguments.
func listingsFor(query string, n int) []Listing {
	query = strings.TrimSpace(query)
	if query == "" {
		query = "Produk"
	}
	if n <= 0 || n > len(templates) {
		n = len(templates)
	}
	slug := strings.ReplaceAll(strings.ToLower(query), " ", "-")
	title := cases.Title(language.Indonesian).String(query)

	out := make([]Listing, 0, n)
	for i, tpl := range templates[:n] {
		out = append(out, Listing{
			Title:  title + " " + tpl.suffix,
			Price:  formatRupiah(tpl.price),
			Rating: tpl.rating,
			Sold:   tpl.sold,
			Shop:   tpl.shop,
			URL:    fmt.Sprintf("https://shopee.co.id/%s-i.%d.%d", slug, 1000+i, 5000+i),
		})
	}
	return out
}

func detailFor(url string) Detail {
	name := url
	if i := strings.LastIndex(url, "/"); i >= 0 {
		name = url[i+1:]
	}
	if i := strings.Index(name, "-i."); i >= 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, "-", " ")
	return Detail{
		URL:         url,
		Title:       name,
		Description: "Barang 100% original, dikirim dari Jakarta.",
		Variants:    []string{"Hitam", "Putih"},
		Reviews: []string{
			"Barang sesuai deskripsi, pengiriman cepat.",
			"Kualitas oke untuk harganya.",
		},
	}
}

// formatRupiah renders 1299000 as "Rp1.299.000".
func formatRupiah(n int) string {
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return "Rp" + b.String()
}
