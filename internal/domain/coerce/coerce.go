// Package coerce converts intake leaf values into the representation a
// field's external column expects.
//
// Coercion is total: any input yields a value of the descriptor's type, and
// absent or unusable input yields the type default. The reported Issue lets
// callers tell "no value" apart from "value we could not use".
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/okian/intake/internal/domain/schema"
)

// Issue classifies what happened to a value during coercion.
type Issue string

const (
	IssueNone      Issue = ""
	IssueMissing   Issue = "missing"
	IssueMalformed Issue = "malformed"
	IssueTruncated Issue = "truncated"
)

// DateTimeLayout is the wire format for datetime columns. Always UTC.
const DateTimeLayout = "2006-01-02T15:04:05Z"

// ChoiceValue is the wrapped single-choice representation.
type ChoiceValue struct {
	Value string `json:"Value"`
}

// MultiChoiceResults is the results-wrapped multi-choice representation.
type MultiChoiceResults struct {
	Results []string `json:"results"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

var currencyCodes = []string{"AUD", "NZD", "USD", "EUR", "GBP"}

// Coerce is CoerceDetail without the issue.
func Coerce(v any, d schema.FieldDescriptor) any {
	out, _ := CoerceDetail(v, d)
	return out
}

// CoerceDetail converts v for d and reports any issue encountered.
func CoerceDetail(v any, d schema.FieldDescriptor) (out any, issue Issue) {
	defer func() {
		if r := recover(); r != nil {
			out, issue = Default(d), IssueMalformed
		}
	}()

	if v == nil {
		return Default(d), IssueMissing
	}

	switch d.Type {
	case schema.TypeText:
		return text(v, d.MaxLength, "; ")
	case schema.TypeNote:
		return text(v, d.MaxLength, "\n")
	case schema.TypeNumber:
		return number(v)
	case schema.TypeBoolean:
		b, issue := boolean(v)
		if issue != IssueNone {
			return Default(d), issue
		}
		return encodeBool(b, d.Encoding), IssueNone
	case schema.TypeChoice:
		return choice(v, d.Encoding)
	case schema.TypeMultiChoice:
		return multiChoice(v, d.Encoding)
	case schema.TypeDateTime:
		return datetime(v)
	default:
		return nil, IssueMalformed
	}
}

// Default returns the value projected for an absent field.
func Default(d schema.FieldDescriptor) any {
	switch d.Type {
	case schema.TypeBoolean:
		return encodeBool(false, d.Encoding)
	case schema.TypeNumber:
		return float64(0)
	case schema.TypeText, schema.TypeNote:
		return ""
	case schema.TypeMultiChoice:
		return encodeMulti([]string{}, d.Encoding)
	default:
		// choice and datetime have no neutral value
		return nil
	}
}

func text(v any, maxLen int, sep string) (any, Issue) {
	var s string
	issue := IssueNone
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			p, ok := scalarString(el)
			if !ok {
				issue = IssueMalformed
				continue
			}
			if p = clean(p); p != "" {
				parts = append(parts, p)
			}
		}
		s = strings.Join(parts, sep)
	case []string:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if p = clean(p); p != "" {
				parts = append(parts, p)
			}
		}
		s = strings.Join(parts, sep)
	default:
		str, ok := scalarString(v)
		if !ok {
			return "", IssueMalformed
		}
		s = clean(str)
	}

	if s == "" && issue == IssueNone {
		return "", IssueMissing
	}
	if maxLen > 0 {
		if r := []rune(s); len(r) > maxLen {
			return strings.TrimRightFunc(string(r[:maxLen]), unicode.IsSpace), IssueTruncated
		}
	}
	return s, issue
}

func number(v any) (any, Issue) {
	switch t := v.(type) {
	case json.Number:
		return parseNumber(string(t))
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t), IssueNone
	case int64:
		return float64(t), IssueNone
	case int32:
		return float64(t), IssueNone
	case bool:
		if t {
			return float64(1), IssueNone
		}
		return float64(0), IssueNone
	case string:
		return parseNumber(t)
	default:
		return float64(0), IssueMalformed
	}
}

func finite(f float64) (any, Issue) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return float64(0), IssueMalformed
	}
	return f, IssueNone
}

func parseNumber(s string) (any, Issue) {
	s = strings.TrimSpace(s)
	for _, code := range currencyCodes {
		if len(s) >= len(code) && strings.EqualFold(s[:len(code)], code) {
			s = s[len(code):]
		}
		if len(s) >= len(code) && strings.EqualFold(s[len(s)-len(code):], code) {
			s = s[:len(s)-len(code)]
		}
	}
	s = strings.Map(func(r rune) rune {
		if r == ',' || r == '_' || unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return float64(0), IssueMissing
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return float64(0), IssueMalformed
	}
	return finite(f)
}

func boolean(v any) (bool, Issue) {
	switch t := v.(type) {
	case bool:
		return t, IssueNone
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, IssueMalformed
		}
		return f != 0, IssueNone
	case float64:
		return t != 0, IssueNone
	case int:
		return t != 0, IssueNone
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "":
			return false, IssueMissing
		case "yes", "y", "true", "t", "1", "on":
			return true, IssueNone
		case "no", "n", "false", "f", "0", "off":
			return false, IssueNone
		}
	}
	return false, IssueMalformed
}

func encodeBool(b bool, enc schema.Encoding) any {
	if enc == schema.EncodingYesNo {
		return yesNo(b)
	}
	return b
}

func choice(v any, enc schema.Encoding) (any, Issue) {
	s, ok := scalarString(v)
	if !ok {
		if arr, isArr := v.([]any); isArr && len(arr) == 1 {
			s, ok = scalarString(arr[0])
		}
	}
	if !ok {
		return nil, IssueMalformed
	}
	if s = clean(s); s == "" {
		return nil, IssueMissing
	}
	if enc == schema.EncodingPlain {
		return s, IssueNone
	}
	return ChoiceValue{Value: s}, IssueNone
}

func multiChoice(v any, enc schema.Encoding) (any, Issue) {
	out := []string{}
	issue := IssueNone
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			s, ok := scalarString(el)
			if !ok {
				issue = IssueMalformed
				continue
			}
			if s = clean(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range t {
			if s = clean(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' }) {
			if s = clean(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		s, ok := scalarString(v)
		if !ok {
			return encodeMulti(out, enc), IssueMalformed
		}
		out = append(out, s)
	}
	if len(out) == 0 && issue == IssueNone {
		issue = IssueMissing
	}
	return encodeMulti(out, enc), issue
}

func encodeMulti(vals []string, enc schema.Encoding) any {
	if enc == schema.EncodingResults {
		return MultiChoiceResults{Results: vals}
	}
	return vals
}

func datetime(v any) (any, Issue) {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case json.Number:
		sec, err := x.Int64()
		if err != nil {
			return nil, IssueMalformed
		}
		t = time.Unix(sec, 0)
	case float64:
		t = time.Unix(int64(x), 0)
	case int64:
		t = time.Unix(x, 0)
	case int:
		t = time.Unix(int64(x), 0)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, IssueMissing
		}
		parsed, ok := parseTime(s)
		if !ok {
			return nil, IssueMalformed
		}
		t = parsed
	default:
		return nil, IssueMalformed
	}
	return t.UTC().Format(DateTimeLayout), IssueNone
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if !isEpochSeconds(s) {
		return time.Time{}, false
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

// minEpochDigits keeps bare years and short counts from reading as
// seconds since 1970. Nine digits reaches back to 1973.
const minEpochDigits = 9

func isEpochSeconds(s string) bool {
	if len(s) < minEpochDigits {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// scalarString renders a scalar leaf as text. Objects and arrays are not scalars.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return yesNo(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
