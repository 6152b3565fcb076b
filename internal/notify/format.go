package notify

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bot-match/internal/matcher"
)

// Candidate is one (order, offer) pair from the match artifact.
type Candidate struct {
	ID    string
	Order matcher.Message
	Offer matcher.Message
	Score float64
}

// CandidateID derives the ledger identifier of an (order, offer) pair.
func CandidateID(order, offer matcher.Message) string {
	return fmt.Sprintf("%s_%s_%s_%s", order.Number, order.Timestamp, offer.Number, offer.Timestamp)
}

// Flatten expands match groups into individual candidates in artifact order.
func Flatten(groups []matcher.Group) []Candidate {
	var out []Candidate
	for _, g := range groups {
		for _, m := range g.Matches {
			out = append(out, Candidate{
				ID:    CandidateID(g.Order, m.Offer),
				Order: g.Order,
				Offer: m.Offer,
				Score: m.Score,
			})
		}
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func formatTimestamp(raw string, loc *time.Location) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.In(loc).Format("02/01/2006, 15:04:05")
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && len(raw) >= 12 {
		return time.UnixMilli(ms).In(loc).Format("02/01/2006, 15:04:05")
	}
	return raw
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// DeepLink points the view layer at one side of a match.
func DeepLink(appURL, kind string, m matcher.Message) string {
	if m.Number == "" {
		return ""
	}
	return fmt.Sprintf("%s/index.html#%s=%s&timestamp=%s",
		strings.TrimRight(appURL, "/"), kind, escapeComponent(m.Number), escapeComponent(string(m.Timestamp)))
}

func formatPrice(p matcher.Price) string {
	if !p.Valid || p.Value == 0 {
		return "N/A"
	}
	return strconv.FormatInt(p.Value, 10)
}

func writeSide(b *strings.Builder, title, label string, m matcher.Message, link string, loc *time.Location) {
	fmt.Fprintf(b, "🔸 *%s*\n", title)
	fmt.Fprintf(b, "📞 %s", m.Number)
	if m.Name != "" {
		fmt.Fprintf(b, " (%s)", m.Name)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "💬 %s\n", m.Message)
	fmt.Fprintf(b, "🌐 %s\n", m.Translated)
	fmt.Fprintf(b, "💰 Rs. %s\n", formatPrice(m.Price))
	fmt.Fprintf(b, "🕐 %s\n\n", formatTimestamp(string(m.Timestamp), loc))
	fmt.Fprintf(b, "🔗 *View %s:* %s\n\n", label, link)
}

// FormatAlert renders the WhatsApp text announcing a match.
func FormatAlert(c Candidate, appURL string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("👜 *New Match Found!*\n\n")
	writeSide(&b, "ORDER", "Order", c.Order, DeepLink(appURL, "order", c.Order), loc)
	writeSide(&b, "OFFER", "Offer", c.Offer, DeepLink(appURL, "offer", c.Offer), loc)
	fmt.Fprintf(&b, "🎯 *Match Score:* %s%%\n\n", strconv.FormatFloat(c.Score, 'f', -1, 64))
	b.WriteString("_Tap the links above to view message details in web app_\n")
	return b.String()
}
