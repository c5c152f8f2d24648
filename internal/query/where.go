package query

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/Zereker/docstore/internal/schema"
)

const (
	opAnd = "$and"
	opOr  = "$or"
	opNot = "$not"
)

// earthRadiusKm converts $near distances given in radians.
const earthRadiusKm = 6378.1

// prefixShape matches regexes that only ask for words starting with a literal prefix.
var prefixShape = regexp.MustCompile(`^\^?\\b([\p{L}\p{N}_ ]+)$`)

// inlineFlags matches a leading (?i) style group, which the engine regex dialect lacks.
var inlineFlags = regexp.MustCompile(`^\(\?([a-zA-Z]+)\)`)

// Where compiles a where clause into one query node.
func (c *Compiler) Where(m *schema.Model, where map[string]any) (map[string]any, error) {
	if len(where) == 0 {
		return map[string]any{"match_all": map[string]any{}}, nil
	}

	logical, fields := 0, 0
	for k := range where {
		switch k {
		case opAnd, opOr, opNot:
			logical++
		default:
			fields++
		}
	}
	if logical > 0 && fields > 0 {
		return nil, &OperatorError{Path: "", Operator: "$and/$or/$not", Reason: "logical operators cannot be mixed with field keys"}
	}
	if logical > 0 {
		return c.logical(m, where)
	}

	cs := newClauses()
	err := c.walk(m, where, handler{
		leaf: func(path string, f *schema.Field, value any) error {
			nodes, err := c.leaf(path, f, value)
			if err != nil {
				return err
			}
			cs.add(nodes...)
			return nil
		},
		enter: cs.enter,
		leave: cs.leave,
	})
	if err != nil {
		return nil, err
	}
	return cs.node(), nil
}

func (c *Compiler) logical(m *schema.Model, where map[string]any) (map[string]any, error) {
	var nodes []map[string]any
	for _, op := range sortedKeys(where) {
		items, err := whereList(op, where[op])
		if err != nil {
			return nil, err
		}

		compiled := make([]map[string]any, 0, len(items))
		for _, item := range items {
			node, err := c.Where(m, item)
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, node)
		}

		switch op {
		case opAnd:
			nodes = append(nodes, boolQuery("must", compiled))
		case opOr:
			node := boolQuery("should", compiled)
			node["bool"].(map[string]any)["minimum_should_match"] = 1
			nodes = append(nodes, node)
		case opNot:
			nodes = append(nodes, boolQuery("must_not", compiled))
		}
	}
	return must(nodes), nil
}

func whereList(op string, v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}, nil
	case []map[string]any:
		return t, nil
	case []any:
		result := make([]map[string]any, 0, len(t))
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, &OperatorError{Operator: op, Reason: fmt.Sprintf("expected clause objects, got %T", e)}
			}
			result = append(result, m)
		}
		return result, nil
	}
	return nil, &OperatorError{Operator: op, Reason: fmt.Sprintf("expected a clause or list of clauses, got %T", v)}
}

// operators returns the operator map of a leaf value, treating bare values as $eq.
func operators(value any) map[string]any {
	if obj, ok := value.(map[string]any); ok && len(obj) > 0 {
		for k := range obj {
			if !strings.HasPrefix(k, "$") {
				return map[string]any{"$eq": value}
			}
		}
		return obj
	}
	return map[string]any{"$eq": value}
}

func (c *Compiler) leaf(path string, f *schema.Field, value any) ([]map[string]any, error) {
	ops := operators(value)
	if f == nil {
		return c.identifier(path, ops)
	}

	var nodes []map[string]any
	bounds := map[string]any{}

	for _, op := range sortedKeys(ops) {
		v := ops[op]
		switch op {
		case "$eq":
			nodes = append(nodes, equals(path, v))
		case "$ne":
			nodes = append(nodes, not(equals(path, v)))
		case "$in":
			list, err := values(path, op, v)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, terms(path, list))
		case "$nin":
			list, err := values(path, op, v)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, not(terms(path, list)))
		case "$all":
			list, err := values(path, op, v)
			if err != nil {
				return nil, err
			}
			all := make([]map[string]any, 0, len(list))
			for _, e := range list {
				all = append(all, term(path, e))
			}
			nodes = append(nodes, boolQuery("must", all))
		case "$exists":
			exists := map[string]any{"exists": map[string]any{"field": path}}
			if truthy(v) {
				nodes = append(nodes, exists)
			} else {
				nodes = append(nodes, not(exists))
			}
		case "$lt", "$lte", "$gt", "$gte":
			bounds[op[1:]] = v
		case "$regex":
			node, err := c.regex(path, f, v, ops["$options"])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		case "$near":
			node, err := near(path, v, ops["$maxDistance"], ops["$unit"])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		case "$geoWithin":
			node, err := within(path, v)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		case "$options", "$maxDistance", "$unit":
			// consumed by $regex and $near
		default:
			return nil, &OperatorError{Path: path, Operator: op, Reason: "unknown operator"}
		}
	}

	if len(bounds) > 0 {
		nodes = append(nodes, map[string]any{"range": map[string]any{path: bounds}})
	}
	return nodes, nil
}

// identifier compiles top-level identifier matches against the native document id.
func (c *Compiler) identifier(path string, ops map[string]any) ([]map[string]any, error) {
	var nodes []map[string]any
	for _, op := range sortedKeys(ops) {
		v := ops[op]
		switch op {
		case "$eq", "$ne":
			var node map[string]any
			if list, ok := asList(v); ok {
				node = ids(list)
			} else {
				node = ids([]any{v})
			}
			if op == "$ne" {
				node = not(node)
			}
			nodes = append(nodes, node)
		case "$in", "$nin":
			list, err := values(path, op, v)
			if err != nil {
				return nil, err
			}
			node := ids(list)
			if op == "$nin" {
				node = not(node)
			}
			nodes = append(nodes, node)
		case "$exists":
			if !truthy(v) {
				nodes = append(nodes, map[string]any{"match_none": map[string]any{}})
			}
		default:
			return nil, &OperatorError{Path: path, Operator: op, Reason: "not supported on the identifier"}
		}
	}
	return nodes, nil
}

func ids(values []any) map[string]any {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, fmt.Sprint(v))
	}
	return map[string]any{"ids": map[string]any{"values": list}}
}

// equals is exact match: nil is a missing field and arrays match any element.
func equals(path string, v any) map[string]any {
	if v == nil {
		return not(map[string]any{"exists": map[string]any{"field": path}})
	}
	if list, ok := asList(v); ok {
		return terms(path, list)
	}
	return term(path, v)
}

func term(path string, v any) map[string]any {
	return map[string]any{"term": map[string]any{path: v}}
}

func terms(path string, list []any) map[string]any {
	return map[string]any{"terms": map[string]any{path: list}}
}

func values(path, op string, v any) ([]any, error) {
	list, ok := asList(v)
	if !ok {
		return nil, &OperatorError{Path: path, Operator: op, Reason: fmt.Sprintf("expected an array, got %T", v)}
	}
	return list, nil
}

// asList converts any slice or array to []any. Byte slices are not lists.
func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}

	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

// truthy follows loose boolean rules: false, 0, "" and nil are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if s, ok := v.(fmt.Stringer); ok {
		if f, err := strconv.ParseFloat(s.String(), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (c *Compiler) regex(path string, f *schema.Field, pattern, options any) (map[string]any, error) {
	var source string
	switch p := pattern.(type) {
	case string:
		source = p
	case *regexp.Regexp:
		source = p.String()
	default:
		return nil, &OperatorError{Path: path, Operator: "$regex", Reason: fmt.Sprintf("expected a pattern, got %T", pattern)}
	}

	flags, _ := options.(string)
	if m := inlineFlags.FindStringSubmatch(source); m != nil {
		source = source[len(m[0]):]
		flags += m[1]
	}
	insensitive := strings.Contains(flags, "i")

	if m := prefixShape.FindStringSubmatch(source); m != nil && f.Type == schema.TypeString && f.Text {
		target := path + ".text"
		if c.CaseSensitive && !insensitive {
			target = path + ".text_cs"
		}
		return map[string]any{"match_phrase_prefix": map[string]any{target: map[string]any{"query": m[1]}}}, nil
	}

	params := map[string]any{"value": lucene(source)}
	if insensitive {
		params["case_insensitive"] = true
	}
	return map[string]any{"regexp": map[string]any{path: params}}, nil
}

// lucene rewrites a search regex into an anchored engine regex.
func lucene(source string) string {
	if strings.HasPrefix(source, "^") {
		source = source[1:]
	} else {
		source = ".*" + source
	}
	if strings.HasSuffix(source, "$") && !strings.HasSuffix(source, `\$`) {
		source = source[:len(source)-1]
	} else {
		source += ".*"
	}
	return source
}

var distanceUnits = map[string]bool{
	"mi": true, "miles": true, "yd": true, "yards": true, "ft": true, "feet": true,
	"in": true, "inch": true, "km": true, "kilometers": true, "m": true, "meters": true,
	"cm": true, "centimeters": true, "mm": true, "millimeters": true, "nmi": true, "NM": true,
}

func near(path string, point, maxDistance, unit any) (map[string]any, error) {
	origin, err := geoPoint(path, "$near", point)
	if err != nil {
		return nil, err
	}

	d, ok := number(maxDistance)
	if !ok {
		return nil, &OperatorError{Path: path, Operator: "$near", Reason: "$maxDistance is required"}
	}

	u, _ := unit.(string)
	switch {
	case u == "rad" || u == "radians":
		d, u = earthRadiusKm*d, "km"
	case !distanceUnits[u]:
		u = "m"
	}

	return map[string]any{"geo_distance": map[string]any{
		"distance": strconv.FormatFloat(d, 'f', -1, 64) + u,
		path:       origin,
	}}, nil
}

func within(path string, v any) (map[string]any, error) {
	if obj, ok := v.(map[string]any); ok {
		v = obj["$polygon"]
	}
	list, ok := asList(v)
	if !ok || len(list) < 3 {
		return nil, &OperatorError{Path: path, Operator: "$geoWithin", Reason: "expected a polygon of at least three points"}
	}

	points := make([]any, 0, len(list))
	for _, p := range list {
		pt, err := geoPoint(path, "$geoWithin", p)
		if err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return map[string]any{"geo_polygon": map[string]any{path: map[string]any{"points": points}}}, nil
}

// geoPoint accepts [lon, lat], {lat, lon} or a GeoJSON point.
func geoPoint(path, op string, v any) (map[string]any, error) {
	if obj, ok := v.(map[string]any); ok {
		if coords, ok := obj["coordinates"]; ok {
			v = coords
		} else {
			lat, ok1 := number(obj["lat"])
			lon, ok2 := number(obj["lon"])
			if ok1 && ok2 {
				return map[string]any{"lat": lat, "lon": lon}, nil
			}
		}
	}

	if list, ok := asList(v); ok && len(list) == 2 {
		lon, ok1 := number(list[0])
		lat, ok2 := number(list[1])
		if ok1 && ok2 {
			return map[string]any{"lat": lat, "lon": lon}, nil
		}
	}
	return nil, &OperatorError{Path: path, Operator: op, Reason: fmt.Sprintf("invalid point %v", v)}
}
