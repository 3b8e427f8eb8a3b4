package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Query is the structured form of an outbound search string. Parsing a
// raw wire string extracts exclusions and optional numeric/flag
// constraints, leaving the residual text as Text.
type Query struct {
	Text             string
	Exclusions       []string
	MinBitrate       *int
	MinFileSize      *int
	MinFilesInFolder *int
	IsCBR            bool
	IsVBR            bool
}

// ParseQuery extracts exclusions (tokens prefixed '-', deduplicated),
// numeric constraints (mbr:, mfs:, mfif:), and flags (iscbr, isvbr,
// case-insensitive) from raw search text. Invalid numeric values are
// discarded silently; the remaining tokens form Text.
func ParseQuery(raw string) Query {
	var q Query
	seenExclusion := make(map[string]bool)
	var textTokens []string

	for _, tok := range strings.Fields(raw) {
		lower := strings.ToLower(tok)
		switch {
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			excl := tok[1:]
			if !seenExclusion[excl] {
				seenExclusion[excl] = true
				q.Exclusions = append(q.Exclusions, excl)
			}
		case strings.HasPrefix(lower, "mbr:"):
			if v, err := strconv.Atoi(tok[len("mbr:"):]); err == nil {
				q.MinBitrate = &v
			}
		case strings.HasPrefix(lower, "mfs:"):
			if v, err := strconv.Atoi(tok[len("mfs:"):]); err == nil {
				q.MinFileSize = &v
			}
		case strings.HasPrefix(lower, "mfif:"):
			if v, err := strconv.Atoi(tok[len("mfif:"):]); err == nil {
				q.MinFilesInFolder = &v
			}
		case lower == "iscbr":
			q.IsCBR = true
		case lower == "isvbr":
			q.IsVBR = true
		default:
			textTokens = append(textTokens, tok)
		}
	}

	q.Text = strings.Join(textTokens, " ")
	sort.Strings(q.Exclusions)
	return q
}

// Serialize reconstructs the wire search_text for q:
// "<query>[ -<excl>…][ mbr:N][ mfs:N][ mfif:N][ isvbr][ iscbr]".
func (q Query) Serialize() string {
	var b strings.Builder
	b.WriteString(q.Text)
	for _, excl := range q.Exclusions {
		fmt.Fprintf(&b, " -%s", excl)
	}
	if q.MinBitrate != nil {
		fmt.Fprintf(&b, " mbr:%d", *q.MinBitrate)
	}
	if q.MinFileSize != nil {
		fmt.Fprintf(&b, " mfs:%d", *q.MinFileSize)
	}
	if q.MinFilesInFolder != nil {
		fmt.Fprintf(&b, " mfif:%d", *q.MinFilesInFolder)
	}
	if q.IsVBR {
		b.WriteString(" isvbr")
	}
	if q.IsCBR {
		b.WriteString(" iscbr")
	}
	return b.String()
}
