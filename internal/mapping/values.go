package mapping

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"asterengine/internal/apperr"
)

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Range is an inclusive interval of epoch millis held by a date_range field.
type Range struct {
	Gte float64 `json:"gte"`
	Lte float64 `json:"lte"`
}

// Value is one normalized value of a leaf field. Which members are set depends on Type:
// Text for text, keyword, ip and completion; Number for numerics, dates and booleans; Geo
// for geo points; Range for date ranges.
type Value struct {
	Path   string
	Type   FieldType
	Text   string
	Number float64
	Geo    GeoPoint
	Range  Range
	Weight int
}

const (
	minInteger = math.MinInt32
	maxInteger = math.MaxInt32
	maxLong    = 1 << 63
)

// normalize validates raw against fm and converts it to zero or more values. Values are
// never coerced across kinds: a string sent to a numeric field is a validation error.
func normalize(fm FieldMapping, raw any) ([]Value, error) {
	base := Value{Path: fm.Path, Type: fm.Type}
	fail := func(format string, args ...any) ([]Value, error) {
		return nil, apperr.Validationf("failed to parse field [%s] of type [%s]: %s", fm.Path, fm.Type, fmt.Sprintf(format, args...))
	}

	switch fm.Type {
	case FieldTypeKeyword, FieldTypeText:
		s, ok := scalarString(raw)
		if !ok {
			return fail("expected a string but found %s", describe(raw))
		}
		if fm.Type == FieldTypeKeyword && fm.IgnoreAbove > 0 && utf8.RuneCountInString(s) > fm.IgnoreAbove {
			return nil, nil
		}
		base.Text = s
		return []Value{base}, nil

	case FieldTypeInteger, FieldTypeLong, FieldTypeFloat, FieldTypeDouble:
		n, ok := toFloat(raw)
		if !ok || math.IsInf(n, 0) {
			return fail("value [%v] is not a number", raw)
		}
		switch fm.Type {
		case FieldTypeInteger:
			if n != math.Trunc(n) || n < minInteger || n > maxInteger {
				return fail("value [%v] is out of range for an integer", raw)
			}
		case FieldTypeLong:
			if n != math.Trunc(n) || n < -maxLong || n >= maxLong {
				return fail("value [%v] is out of range for a long", raw)
			}
		}
		base.Number = n
		return []Value{base}, nil

	case FieldTypeBoolean:
		switch b := raw.(type) {
		case bool:
			base.Number = boolNumber(b)
		case string:
			switch b {
			case "true":
				base.Number = 1
			case "false", "":
				base.Number = 0
			default:
				return fail("value [%s] is not a boolean", b)
			}
		default:
			return fail("value [%v] is not a boolean", raw)
		}
		return []Value{base}, nil

	case FieldTypeDate:
		if _, isBool := raw.(bool); isBool {
			return fail("value [%v] is not a date", raw)
		}
		millis, err := ParseDateValue(raw, fm.Format)
		if err != nil {
			return fail("%v", err)
		}
		base.Number = millis
		if s, ok := raw.(string); ok {
			base.Text = s
		} else {
			base.Text = FormatDate(millis)
		}
		return []Value{base}, nil

	case FieldTypeGeoPoint:
		point, err := parseGeoPoint(raw)
		if err != nil {
			return fail("%v", err)
		}
		base.Geo = point
		return []Value{base}, nil

	case FieldTypeIP:
		s, ok := raw.(string)
		if !ok {
			return fail("value [%v] is not an IP string", raw)
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return fail("'%s' is not an IP string literal", s)
		}
		base.Text = addr.Unmap().String()
		return []Value{base}, nil

	case FieldTypeCompletion:
		return parseCompletion(base, raw)

	case FieldTypeDateRange:
		obj, ok := raw.(map[string]any)
		if !ok {
			return fail("expected an object with gte/gt/lte/lt")
		}
		r := Range{Gte: math.Inf(-1), Lte: math.Inf(1)}
		for key, bound := range obj {
			millis, err := ParseDateValue(bound, fm.Format)
			if err != nil {
				return fail("%s: %v", key, err)
			}
			switch key {
			case "gte":
				r.Gte = millis
			case "gt":
				r.Gte = millis + 1
			case "lte":
				r.Lte = millis
			case "lt":
				r.Lte = millis - 1
			default:
				return fail("unknown range bound [%s]", key)
			}
		}
		if r.Gte > r.Lte {
			return fail("range has a lower bound above its upper bound")
		}
		base.Range = r
		return []Value{base}, nil
	}
	return fail("field cannot hold a value")
}

// parseCompletion accepts "text", ["a", "b"], {"input": ..., "weight": n} or an array of
// such objects. A bare string array is shorthand for {"input": [...]}: its strings are
// joined into one phrase exactly like the inputs of a single object, so neither form
// completes on a later word. Each object of an object array yields its own suggestion;
// arrays mixing strings and objects are rejected.
func parseCompletion(base Value, raw any) ([]Value, error) {
	fail := func(format string, args ...any) ([]Value, error) {
		return nil, apperr.Validationf("failed to parse completion field [%s]: %s", base.Path, fmt.Sprintf(format, args...))
	}
	switch v := raw.(type) {
	case string:
		base.Text, base.Weight = v, 1
		return []Value{base}, nil
	case map[string]any:
		var inputs []string
		switch in := v["input"].(type) {
		case string:
			inputs = []string{in}
		case []any:
			for _, item := range in {
				s, ok := item.(string)
				if !ok {
					return fail("input entries must be strings")
				}
				inputs = append(inputs, s)
			}
		default:
			return fail("missing input")
		}
		if len(inputs) == 0 {
			return fail("missing input")
		}
		base.Weight = 1
		if w, ok := v["weight"]; ok {
			n, ok := toFloat(w)
			if !ok {
				if s, isStr := w.(string); isStr {
					parsed, err := strconv.Atoi(s)
					if err != nil {
						return fail("weight must be an integer")
					}
					n, ok = float64(parsed), true
				}
			}
			if !ok || n != math.Trunc(n) || n < 0 {
				return fail("weight must be a non-negative integer")
			}
			base.Weight = int(n)
		}
		base.Text = strings.Join(inputs, " ")
		return []Value{base}, nil
	case []any:
		strs := 0
		for _, item := range v {
			if _, ok := item.(string); ok {
				strs++
			}
		}
		if strs > 0 {
			if strs != len(v) {
				return fail("array mixes strings and objects")
			}
			return parseCompletion(base, map[string]any{"input": v})
		}
		var out []Value
		for _, item := range v {
			values, err := parseCompletion(base, item)
			if err != nil {
				return nil, err
			}
			out = append(out, values...)
		}
		return out, nil
	}
	return fail("unsupported value %s", describe(raw))
}

func parseGeoPoint(raw any) (GeoPoint, error) {
	var p GeoPoint
	switch v := raw.(type) {
	case map[string]any:
		lat, okLat := toFloat(v["lat"])
		lon, okLon := toFloat(v["lon"])
		if !okLat || !okLon {
			return p, fmt.Errorf("geo_point object needs numeric lat and lon")
		}
		p = GeoPoint{Lat: lat, Lon: lon}
	case string:
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			return p, fmt.Errorf("geo_point string must be \"lat,lon\"")
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return p, fmt.Errorf("geo_point string must be \"lat,lon\"")
		}
		p = GeoPoint{Lat: lat, Lon: lon}
	case []any:
		if len(v) != 2 {
			return p, fmt.Errorf("geo_point array must be [lon, lat]")
		}
		lon, okLon := toFloat(v[0])
		lat, okLat := toFloat(v[1])
		if !okLat || !okLon {
			return p, fmt.Errorf("geo_point array must be [lon, lat]")
		}
		p = GeoPoint{Lat: lat, Lon: lon}
	default:
		return p, fmt.Errorf("unsupported geo_point %s", describe(raw))
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return p, fmt.Errorf("geo_point [%v, %v] is out of bounds", p.Lat, p.Lon)
	}
	return p, nil
}

// isGeoPair reports whether raw is a [lon, lat] array rather than a list of points.
func isGeoPair(raw []any) bool {
	if len(raw) != 2 {
		return false
	}
	_, a := toFloat(raw[0])
	_, b := toFloat(raw[1])
	return a && b
}

func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case fmt.Stringer:
		return v.String(), true
	}
	if n, ok := toFloat(raw); ok {
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func describe(raw any) string {
	switch raw.(type) {
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case nil:
		return "null"
	}
	return fmt.Sprintf("[%v]", raw)
}
