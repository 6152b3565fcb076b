package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Message is one side of a match as written by the matcher process.
type Message struct {
	Number     string `json:"number"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Translated string `json:"translated"`
	Language   string `json:"language"`
	Price      Price  `json:"price"`
	Timestamp  Text   `json:"timestamp"`
	Link       string `json:"link"`
}

// Candidate is one offer matched against an order.
type Candidate struct {
	Offer Message `json:"offer"`
	Score float64 `json:"score"`
}

// Group is an order with every offer the matcher paired it with.
type Group struct {
	Order   Message     `json:"order"`
	Matches []Candidate `json:"matches"`
}

// Price is a nullable amount. The matcher may emit a number, a numeric
// string, an empty string or null.
type Price struct {
	Value int64
	Valid bool
}

func (p *Price) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*p = Price{}
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*p = Price{}
		return nil
	}
	*p = Price{Value: int64(f), Valid: true}
	return nil
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(p.Value, 10)), nil
}

// Text is a string field that tolerates bare JSON numbers.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

// ParseGroups decodes a matcher artifact.
func ParseGroups(data []byte) ([]Group, error) {
	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode match groups: %w", err)
	}
	return groups, nil
}

// ReadArtifact loads the match groups at path. A missing file returns an
// error matching os.ErrNotExist.
func ReadArtifact(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read match artifact: %w", err)
	}
	return ParseGroups(data)
}

// extractGroups finds the JSON array in matcher stdout. The whole output is
// tried first, then the last non-empty line.
func extractGroups(out []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(out)
	if _, err := ParseGroups(trimmed); err == nil {
		return trimmed, nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if _, err := ParseGroups(line); err != nil {
			return nil, err
		}
		return line, nil
	}
	return nil, fmt.Errorf("decode match groups: empty output")
}
