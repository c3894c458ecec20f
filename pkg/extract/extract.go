package extract

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/suprimo/suprimo/pkg/log"
)

// Item is one extracted supplier-reply line. Absence of an optional field
// is explicit: nil pointers mean the reply did not state the value.
type Item struct {
	Name                string   `json:"name"`
	UnitPrice           *float64 `json:"unitPrice,omitempty"`
	AvailableQuantity   *float64 `json:"availableQuantity,omitempty"`
	Unit                string   `json:"unit,omitempty"`
	Available           bool     `json:"available"`
	PartialAvailability bool     `json:"partialAvailability,omitempty"`
	UnavailableReason   string   `json:"unavailableReason,omitempty"`
}

// Result is the structured reading of one supplier reply
type Result struct {
	HasQuote         bool       `json:"hasQuote"`
	Items            []Item     `json:"items,omitempty"`
	DeliveryDate     *time.Time `json:"deliveryDate,omitempty"`
	DeliveryDays     int        `json:"deliveryDays,omitempty"`
	PaymentTerms     string     `json:"paymentTerms,omitempty"`
	TotalQuote       float64    `json:"totalQuote,omitempty"`
	SupplierNotes    string     `json:"supplierNotes,omitempty"`
	Confidence       float64    `json:"confidence"`
	ExtractionMethod string     `json:"extractionMethod"`
}

// Oracle reads a quote out of a supplier reply body
type Oracle interface {
	Extract(ctx context.Context, emailBody string, expectedItems []string) (*Result, error)
}

// Extractor dispatches to the primary oracle behind a circuit breaker and
// falls back to the bundled regex extractor when the primary is
// unreachable or tripped
type Extractor struct {
	primary  Oracle
	fallback *RegexExtractor
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewExtractor wraps the primary oracle. A nil primary always uses the
// regex fallback.
func NewExtractor(primary Oracle) *Extractor {
	logger := log.WithComponent("extract")
	settings := gobreaker.Settings{
		Name:    "extraction-oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("extraction oracle circuit state changed")
		},
	}
	return &Extractor{
		primary:  primary,
		fallback: NewRegexExtractor(),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// Extract tries the primary oracle and degrades to the regex fallback on
// any failure, including an open circuit
func (e *Extractor) Extract(ctx context.Context, emailBody string, expectedItems []string) (*Result, error) {
	if e.primary != nil {
		out, err := e.breaker.Execute(func() (any, error) {
			return e.primary.Extract(ctx, emailBody, expectedItems)
		})
		if err == nil {
			return out.(*Result), nil
		}
		e.logger.Warn().Err(err).Msg("primary extraction failed, using regex fallback")
	}
	return e.fallback.Extract(ctx, emailBody, expectedItems)
}
