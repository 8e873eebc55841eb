package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"estatesync/server/internal/errlog"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of minor currency units in one major unit.
var MinorUnits = decimal.NewFromInt(100)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	maxInt   = decimal.NewFromInt(int64(math.MaxInt))
	minInt   = decimal.NewFromInt(int64(math.MinInt))
)

// Ref is a nested {id, guid, name} reference object of a record.
type Ref struct {
	ExternalID string
	GUID       string
	Name       string
	Latitude   *float64
	Longitude  *float64
	Line       *Ref
}

// Key returns the identifier used to cache and report the reference.
func (r *Ref) Key() string {
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return r.GUID
}

// Record is one element of a page's data array. Accessors treat an absent
// key and an explicit null the same way.
type Record struct {
	fields map[string]json.RawMessage
}

// ParseRecord decodes a raw JSON object.
func ParseRecord(raw []byte) (*Record, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errlog.Validation("", fmt.Errorf("record is not a JSON object: %w", err))
	}
	return &Record{fields: fields}, nil
}

// Has reports whether key is present and not null.
func (r *Record) Has(key string) bool {
	v, ok := r.fields[key]
	return ok && !isNull(v)
}

// JSON returns the raw value of key, or nil.
func (r *Record) JSON(key string) json.RawMessage {
	if !r.Has(key) {
		return nil
	}
	return r.fields[key]
}

// String returns a string value; numbers are returned in their JSON
// spelling so numeric ids and strings compare equal.
func (r *Record) String(key string) string {
	v := r.JSON(key)
	if v == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// ExternalID returns the source id of the record.
func (r *Record) ExternalID() string {
	return r.String("id")
}

func (r *Record) GUID() string {
	return r.String("guid")
}

// Key returns the idempotency key: the external id, falling back to guid.
func (r *Record) Key() string {
	if id := r.ExternalID(); id != "" {
		return id
	}
	return r.GUID()
}

// Bool returns the boolean under key and whether it was set.
func (r *Record) Bool(key string) (bool, bool) {
	v := r.JSON(key)
	if v == nil {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, false
	}
	return b, true
}

// Int returns an integer value or nil.
func (r *Record) Int(key string) (*int, error) {
	d, err := r.decimal(key)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, errlog.Validation(key, fmt.Errorf("expected an integer, got %s", d.String()))
	}
	if d.GreaterThan(maxInt) || d.LessThan(minInt) {
		return nil, errlog.Validation(key, fmt.Errorf("integer %s out of range", d.String()))
	}
	n := int(d.IntPart())
	return &n, nil
}

// Float returns a decimal value (areas, coordinates) or nil. Strings may use
// a comma as decimal separator.
func (r *Record) Float(key string) (*float64, error) {
	d, err := r.decimal(key)
	if err != nil || d == nil {
		return nil, err
	}
	f, _ := d.Float64()
	return &f, nil
}

// Money converts a currency value to minor units. Absent values are zero.
// Negative amounts are rejected.
func (r *Record) Money(key string) (int64, error) {
	d, err := r.decimal(key)
	if err != nil || d == nil {
		return 0, err
	}
	return ToMinorUnits(key, *d)
}

// ToMinorUnits rounds a major-unit amount to the nearest minor unit.
func ToMinorUnits(field string, amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, errlog.Validation(field, fmt.Errorf("negative amount %s", amount.String()))
	}
	minor := amount.Mul(MinorUnits).Round(0)
	if minor.GreaterThan(maxInt64) {
		return 0, errlog.Validation(field, fmt.Errorf("amount %s out of range", amount.String()))
	}
	return minor.IntPart(), nil
}

func (r *Record) decimal(key string) (*decimal.Decimal, error) {
	v := r.JSON(key)
	if v == nil {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(v, &text); err != nil {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, errlog.Validation(key, fmt.Errorf("expected a number, got %s", string(v)))
		}
		text = n.String()
	}

	text = NormalizeNumber(text)
	if text == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return nil, errlog.Validation(key, fmt.Errorf("invalid number %q", text))
	}
	return &d, nil
}

// NormalizeNumber strips group separators from "1 250 000,50" style
// spellings and leaves a plain decimal string. A single comma is a decimal
// separator unless exactly three digits follow it and the integer part is
// not zero, so "1,250" is 1250 while "1250,50" and "0,125" keep decimals.
func NormalizeNumber(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		}
		return r
	}, s)

	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1:
		if isThousandsComma(s) {
			s = strings.Replace(s, ",", "", 1)
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ",") > 1:
		s = strings.ReplaceAll(s, ",", "")
	}
	return s
}

func isThousandsComma(s string) bool {
	i := strings.IndexByte(s, ',')
	whole, frac := strings.TrimLeft(s[:i], "+-"), s[i+1:]
	if len(frac) != 3 || whole == "" || strings.Trim(whole, "0") == "" {
		return false
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Time parses RFC 3339 or "2006-01-02 15:04:05" timestamps.
func (r *Record) Time(key string) (*time.Time, error) {
	s := r.String(key)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errlog.Validation(key, fmt.Errorf("invalid timestamp %q", s))
}

// Object returns the nested object under key, or nil.
func (r *Record) Object(key string) (*Record, error) {
	v := r.JSON(key)
	if v == nil {
		return nil, nil
	}
	obj, err := ParseRecord(v)
	if err != nil {
		return nil, errlog.Validation(key, err)
	}
	return obj, nil
}

// Objects returns the array of objects under key.
func (r *Record) Objects(key string) ([]*Record, error) {
	v := r.JSON(key)
	if v == nil {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, errlog.Validation(key, fmt.Errorf("expected an array: %w", err))
	}
	out := make([]*Record, 0, len(items))
	for i, item := range items {
		obj, err := ParseRecord(item)
		if err != nil {
			return nil, errlog.Validation(key+"."+strconv.Itoa(i), err)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Ref returns the nested reference object under key, or nil. A present
// reference with neither id nor guid is a reference failure.
func (r *Record) Ref(key string) (*Ref, error) {
	obj, err := r.Object(key)
	if err != nil || obj == nil {
		return nil, err
	}
	ref := &Ref{
		ExternalID: obj.ExternalID(),
		GUID:       obj.GUID(),
		Name:       obj.String("name"),
	}
	if ref.ExternalID == "" && ref.GUID == "" {
		return nil, errlog.Reference(key, fmt.Errorf("reference has neither id nor guid"))
	}
	if ref.Latitude, err = obj.Float("latitude"); err != nil {
		return nil, err
	}
	if ref.Longitude, err = obj.Float("longitude"); err != nil {
		return nil, err
	}
	if obj.Has("line") {
		if ref.Line, err = obj.Ref("line"); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// Images returns image URLs in declared order. Items may be plain strings or
// {url} objects.
func (r *Record) Images(key string) ([]string, error) {
	v := r.JSON(key)
	if v == nil {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, errlog.Validation(key, fmt.Errorf("expected an array: %w", err))
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		var url string
		if err := json.Unmarshal(item, &url); err != nil {
			var obj struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return nil, errlog.Validation(key, fmt.Errorf("invalid image entry: %w", err))
			}
			url = obj.URL
		}
		if url = strings.TrimSpace(url); url != "" {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
