package posthog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const formContentType = "application/x-www-form-urlencoded"

var errBodyNotObject = errors.New("json body must be an object")

func isForm(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), formContentType)
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// readBody reads at most limit bytes. Exceeding the limit yields an
// *http.MaxBytesError.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

type formField struct {
	key   string
	value string
}

// form keeps fields in first-seen order. A repeated key is merged into its
// first occurrence with a comma, the way browsers stringify array values.
type form struct {
	fields []formField
	index  map[string]int
}

func newForm() *form {
	return &form{index: make(map[string]int)}
}

func (f *form) add(key, value string) {
	if i, ok := f.index[key]; ok {
		f.fields[i].value += "," + value
		return
	}
	f.index[key] = len(f.fields)
	f.fields = append(f.fields, formField{key: key, value: value})
}

func (f *form) len() int {
	return len(f.fields)
}

// encode serializes with the application/x-www-form-urlencoded byte
// serializer: alphanumerics and *-._ are kept, space becomes '+', every
// other byte is percent-encoded.
func (f *form) encode() string {
	var b strings.Builder
	for i, field := range f.fields {
		if i > 0 {
			b.WriteByte('&')
		}
		writeFormComponent(&b, field.key)
		b.WriteByte('=')
		writeFormComponent(&b, field.value)
	}
	return b.String()
}

func writeFormComponent(b *strings.Builder, s string) {
	const hex = "0123456789ABCDEF"
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '*', c == '-', c == '.', c == '_':
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
}

// parseForm never fails: pairs are split on '&' only, and a component that
// cannot be unescaped is kept as sent.
func parseForm(body string) *form {
	f := newForm()
	for _, part := range strings.Split(body, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = unescapeLenient(key)
		if key == "" {
			continue
		}
		f.add(key, unescapeLenient(value))
	}
	return f
}

func unescapeLenient(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}

// formValues turns an inbound body into form fields. Form bodies are parsed
// as forms, JSON objects are flattened to string values and anything else
// yields no fields.
func formValues(r *http.Request, body []byte) (*form, error) {
	switch {
	case isForm(r):
		return parseForm(string(body)), nil
	case isJSON(r):
		return jsonForm(body)
	default:
		return newForm(), nil
	}
}

// jsonForm flattens a JSON object, keeping its key order.
func jsonForm(body []byte) (*form, error) {
	f := newForm()
	if len(bytes.TrimSpace(body)) == 0 {
		return f, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errBodyNotObject
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid json body: %w", err)
		}
		key, _ := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("invalid json body: %w", err)
		}
		f.set(key, stringify(value))
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	return f, nil
}

// set overwrites a repeated key in place, matching JSON object semantics.
func (f *form) set(key, value string) {
	if i, ok := f.index[key]; ok {
		f.fields[i].value = value
		return
	}
	f.index[key] = len(f.fields)
	f.fields = append(f.fields, formField{key: key, value: value})
}

// stringify renders a decoded JSON value the way a browser's String() would,
// which is what form serializers do with non-string values.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			if item == nil {
				continue
			}
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return fmt.Sprint(val)
	}
}

func formatNumber(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
