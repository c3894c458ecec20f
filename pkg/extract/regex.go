package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MethodRegexFallback marks results produced by the deterministic extractor
const MethodRegexFallback = "regex_fallback"

var (
	// Payment terms: "pagamento em 30 dias", "net 30", "30 dias boleto"
	rePaymentPagamento = regexp.MustCompile(`(?i)pagamento[^.\n]*`)
	rePaymentNet       = regexp.MustCompile(`(?i)\bnet\s+(\d+)\b`)
	rePaymentBoleto    = regexp.MustCompile(`(?i)(\d+)\s+dias\s+boleto`)

	// Delivery days: "em 5 dias úteis", "5 business days"
	reDeliveryUteis    = regexp.MustCompile(`(?i)em\s+(\d+)\s+dias?\s+[úu]teis`)
	reDeliveryBusiness = regexp.MustCompile(`(?i)(\d+)\s+business\s+days?`)
	reDeliveryDias     = regexp.MustCompile(`(?i)entrega[^.\n]*?(\d+)\s+dias?`)

	// Explicit dates: dd/mm/yyyy or yyyy-mm-dd
	reDateBR  = regexp.MustCompile(`\b(\d{2})/(\d{2})/(\d{4})\b`)
	reDateISO = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

	// Itemized price lines: "name: R$ 5,80 / kg" or "- name: R$ 5,80"
	rePriceLine = regexp.MustCompile(`(?im)^\s*-?\s*([^:\n]+?):\s*R\$\s*([\d.]+,\d{2}|\d+(?:\.\d{1,2})?)(?:\s*/\s*(\w+))?`)

	// Supplier notes: "observação: ..." or "note: ..."
	reNotes = regexp.MustCompile(`(?i)(?:observa[çc][ãa]o|note)\s*:\s*([^\n]+)`)
)

// RegexExtractor is the deterministic fallback oracle. It never fails; a
// reply it cannot read yields HasQuote=false with base confidence.
type RegexExtractor struct{}

// NewRegexExtractor creates the fallback extractor
func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// Extract scans the reply body for payment terms, delivery information,
// itemized prices, and notes. Confidence accumulates per recognized
// fragment from a 0.5 base.
func (r *RegexExtractor) Extract(_ context.Context, emailBody string, _ []string) (*Result, error) {
	res := &Result{
		Confidence:       0.5,
		ExtractionMethod: MethodRegexFallback,
	}

	res.Items = parseItems(emailBody)
	if len(res.Items) > 0 {
		res.HasQuote = true
		res.Confidence += 0.2
		for _, it := range res.Items {
			if it.UnitPrice != nil {
				res.TotalQuote += *it.UnitPrice
			}
		}
	}

	if terms := parsePaymentTerms(emailBody); terms != "" {
		res.PaymentTerms = terms
		res.Confidence += 0.1
	}

	if days := parseDeliveryDays(emailBody); days > 0 {
		res.DeliveryDays = days
		res.Confidence += 0.1
	}
	if date := parseDeliveryDate(emailBody); date != nil {
		res.DeliveryDate = date
	}

	if notes := parseNotes(emailBody); notes != "" {
		res.SupplierNotes = notes
		res.Confidence += 0.05
	}

	return res, nil
}

func parseItems(body string) []Item {
	matches := rePriceLine.FindAllStringSubmatch(body, -1)
	items := make([]Item, 0, len(matches))
	for _, m := range matches {
		price, ok := parseMoney(m[2])
		if !ok {
			continue
		}
		items = append(items, Item{
			Name:      strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m[1]), "-")),
			UnitPrice: &price,
			Unit:      m[3],
			Available: true,
		})
	}
	return items
}

// parseMoney reads both Brazilian ("1.234,56") and plain ("1234.56")
// decimal notation
func parseMoney(s string) (float64, bool) {
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func parsePaymentTerms(body string) string {
	if m := rePaymentBoleto.FindString(body); m != "" {
		return strings.TrimSpace(m)
	}
	if m := rePaymentNet.FindString(body); m != "" {
		return strings.TrimSpace(m)
	}
	if m := rePaymentPagamento.FindString(body); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

func parseDeliveryDays(body string) int {
	for _, re := range []*regexp.Regexp{reDeliveryUteis, reDeliveryBusiness, reDeliveryDias} {
		if m := re.FindStringSubmatch(body); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	return 0
}

func parseDeliveryDate(body string) *time.Time {
	if m := reDateBR.FindStringSubmatch(body); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if t, ok := buildDate(year, month, day); ok {
			return &t
		}
	}
	if m := reDateISO.FindStringSubmatch(body); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if t, ok := buildDate(year, month, day); ok {
			return &t
		}
	}
	return nil
}

func buildDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

func parseNotes(body string) string {
	if m := reNotes.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
