package classify

import "strings"

var (
	offerKeywords = []string{"selling", "available", "ready", "stock", "offer", "price", "cost"}
	orderKeywords = []string{"need", "looking", "want", "buy", "searching", "interested", "require"}
)

// Keywords classifies text by case-insensitive substring match against the
// order and offer intent lists. Matching both lists or neither yields Skip.
func Keywords(text string) string {
	lower := strings.ToLower(text)
	isOffer := containsAny(lower, offerKeywords)
	isOrder := containsAny(lower, orderKeywords)

	switch {
	case isOffer && !isOrder:
		return Offer
	case isOrder && !isOffer:
		return Order
	default:
		return Skip
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
