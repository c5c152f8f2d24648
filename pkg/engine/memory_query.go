package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type memHit struct {
	idx    *memIndex
	id     string
	source map[string]any
}

func (c *MemoryClient) match(targets []*memIndex, query any) ([]memHit, error) {
	var hits []memHit
	for _, idx := range targets {
		for _, id := range idx.order {
			doc := idx.docs[id]
			ok, err := evaluate(query, id, doc.source)
			if err != nil {
				return nil, err
			}
			if ok {
				hits = append(hits, memHit{idx: idx, id: id, source: doc.source})
			}
		}
	}
	return hits, nil
}

// evaluate reports whether a document satisfies a query clause.
func evaluate(query any, id string, doc map[string]any) (bool, error) {
	if query == nil {
		return true, nil
	}
	clause, ok := query.(map[string]any)
	if !ok {
		return false, fmt.Errorf("engine: malformed query clause %T", query)
	}
	if len(clause) == 0 {
		return true, nil
	}

	for kind, raw := range clause {
		ok, err := evaluateClause(kind, raw, id, doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evaluateClause(kind string, raw any, id string, doc map[string]any) (bool, error) {
	switch kind {
	case "match_all":
		return true, nil
	case "match_none":
		return false, nil
	case "bool":
		return evaluateBool(asMap(raw), id, doc)
	case "ids":
		for _, v := range asList(asMap(raw)["values"]) {
			if fmt.Sprint(v) == id {
				return true, nil
			}
		}
		return false, nil
	case "exists":
		field, _ := asMap(raw)["field"].(string)
		return len(valuesAt(doc, field)) > 0, nil
	case "nested":
		return evaluateNested(asMap(raw), id, doc)
	}

	field, params, err := singleField(kind, raw)
	if err != nil {
		return false, err
	}
	values := valuesAt(doc, field)

	switch kind {
	case "term":
		want := valueParam(params, "value")
		for _, v := range values {
			if equalValues(v, want) {
				return true, nil
			}
		}
		return false, nil
	case "terms":
		for _, want := range asList(params) {
			for _, v := range values {
				if equalValues(v, want) {
					return true, nil
				}
			}
		}
		return false, nil
	case "range":
		for _, v := range values {
			if inRange(v, asMap(params)) {
				return true, nil
			}
		}
		return false, nil
	case "prefix":
		want := fmt.Sprint(valueParam(params, "value"))
		for _, v := range values {
			if s, ok := v.(string); ok && strings.HasPrefix(s, want) {
				return true, nil
			}
		}
		return false, nil
	case "match_phrase_prefix":
		want := fmt.Sprint(valueParam(params, "query"))
		fold := !strings.HasSuffix(field, ".text_cs")
		for _, v := range values {
			if s, ok := v.(string); ok && phrasePrefix(s, want, fold) {
				return true, nil
			}
		}
		return false, nil
	case "regexp":
		return evaluateRegexp(params, values)
	case "geo_distance":
		return evaluateGeoDistance(asMap(raw), field, values)
	case "geo_polygon":
		return evaluateGeoPolygon(asMap(params), values)
	}
	return false, fmt.Errorf("engine: unsupported query %q", kind)
}

func evaluateBool(b map[string]any, id string, doc map[string]any) (bool, error) {
	for _, key := range []string{"must", "filter"} {
		for _, q := range asList(b[key]) {
			ok, err := evaluate(q, id, doc)
			if err != nil || !ok {
				return false, err
			}
		}
	}

	for _, q := range asList(b["must_not"]) {
		ok, err := evaluate(q, id, doc)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	should := asList(b["should"])
	if len(should) == 0 {
		return true, nil
	}
	minimum := 0
	if len(asList(b["must"])) == 0 && len(asList(b["filter"])) == 0 {
		minimum = 1
	}
	if v, ok := b["minimum_should_match"]; ok {
		minimum = intOf(v, minimum)
	}

	matched := 0
	for _, q := range should {
		ok, err := evaluate(q, id, doc)
		if err != nil {
			return false, err
		}
		if ok {
			matched++
		}
	}
	return matched >= minimum, nil
}

func evaluateNested(n map[string]any, id string, doc map[string]any) (bool, error) {
	p, _ := n["path"].(string)
	for _, elem := range valuesAt(doc, p) {
		scoped := cloneMap(doc)
		setPath(scoped, strings.Split(p, "."), elem)
		ok, err := evaluate(n["query"], id, scoped)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evaluateRegexp(params any, values []any) (bool, error) {
	pattern := fmt.Sprint(valueParam(params, "value"))
	prefix := ""
	if ci, _ := asMap(params)["case_insensitive"].(bool); ci {
		prefix = "(?i)"
	}
	re, err := regexp.Compile(prefix + "^(?:" + pattern + ")$")
	if err != nil {
		return false, fmt.Errorf("engine: invalid regexp %q: %w", pattern, err)
	}
	for _, v := range values {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

func evaluateGeoDistance(params map[string]any, field string, values []any) (bool, error) {
	origin, ok := geoPoint(params[field])
	if !ok {
		return false, fmt.Errorf("engine: invalid geo_distance origin")
	}
	limit, err := parseDistance(fmt.Sprint(params["distance"]))
	if err != nil {
		return false, err
	}
	for _, v := range pointValues(values) {
		if haversine(origin, v) <= limit {
			return true, nil
		}
	}
	return false, nil
}

func evaluateGeoPolygon(params map[string]any, values []any) (bool, error) {
	var polygon [][2]float64
	for _, p := range asList(params["points"]) {
		pt, ok := geoPoint(p)
		if !ok {
			return false, fmt.Errorf("engine: invalid geo_polygon point")
		}
		polygon = append(polygon, pt)
	}
	for _, v := range pointValues(values) {
		if insidePolygon(v, polygon) {
			return true, nil
		}
	}
	return false, nil
}

// singleField unpacks {"field": params} leaf clauses, ignoring option keys.
func singleField(kind string, raw any) (string, any, error) {
	m := asMap(raw)
	for k, v := range m {
		if kind == "geo_distance" && (k == "distance" || k == "distance_type") {
			continue
		}
		return k, v, nil
	}
	return "", nil, fmt.Errorf("engine: %s clause without a field", kind)
}

func valueParam(params any, key string) any {
	if m, ok := params.(map[string]any); ok {
		return m[key]
	}
	return params
}

// valuesAt collects every value at a dotted path, flattening arrays.
// Multi-field suffixes fall back to the parent field.
func valuesAt(doc map[string]any, field string) []any {
	if field == "" {
		return nil
	}
	parts := strings.Split(field, ".")
	values := collect(doc, parts)
	if len(values) == 0 && len(parts) > 1 {
		switch parts[len(parts)-1] {
		case "text", "text_cs", "keyword":
			values = collect(doc, parts[:len(parts)-1])
		}
	}
	return values
}

func collect(v any, parts []string) []any {
	if len(parts) == 0 {
		switch t := v.(type) {
		case nil:
			return nil
		case []any:
			var out []any
			for _, e := range t {
				if e != nil {
					out = append(out, e)
				}
			}
			return out
		default:
			return []any{v}
		}
	}

	switch t := v.(type) {
	case map[string]any:
		return collect(t[parts[0]], parts[1:])
	case []any:
		var out []any
		for _, e := range t {
			out = append(out, collect(e, parts)...)
		}
		return out
	}
	return nil
}

func setPath(doc map[string]any, parts []string, v any) {
	for i, p := range parts {
		if i == len(parts)-1 {
			doc[p] = v
			return
		}
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	if s == "now" {
		return time.Now(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// compareValues orders numbers, then dates, then strings.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func inRange(v any, bounds map[string]any) bool {
	for op, bound := range bounds {
		cmp, ok := compareValues(v, bound)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			ok = cmp > 0
		case "gte":
			ok = cmp >= 0
		case "lt":
			ok = cmp < 0
		case "lte":
			ok = cmp <= 0
		default:
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

func phrasePrefix(text, query string, fold bool) bool {
	if fold {
		text, query = strings.ToLower(text), strings.ToLower(query)
	}
	words := strings.Fields(tokenize(text))
	want := strings.Fields(tokenize(query))
	if len(want) == 0 {
		return false
	}

	for start := 0; start+len(want) <= len(words); start++ {
		ok := true
		for i, w := range want {
			word := words[start+i]
			if i == len(want)-1 {
				ok = strings.HasPrefix(word, w)
			} else if word != w {
				ok = false
			}
			if !ok {
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func tokenize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127 {
			return r
		}
		return ' '
	}, s)
}

// geoPoint accepts [lon, lat] or {"lat": .., "lon": ..}; returns (lat, lon).
func geoPoint(v any) ([2]float64, bool) {
	switch t := v.(type) {
	case []any:
		if len(t) != 2 {
			return [2]float64{}, false
		}
		lon, ok1 := toFloat(t[0])
		lat, ok2 := toFloat(t[1])
		return [2]float64{lat, lon}, ok1 && ok2
	case []float64:
		if len(t) != 2 {
			return [2]float64{}, false
		}
		return [2]float64{t[1], t[0]}, true
	case map[string]any:
		lat, ok1 := toFloat(t["lat"])
		lon, ok2 := toFloat(t["lon"])
		return [2]float64{lat, lon}, ok1 && ok2
	}
	return [2]float64{}, false
}

// pointValues re-pairs [lon, lat] arrays that valuesAt flattened into numbers.
func pointValues(values []any) [][2]float64 {
	var points [][2]float64
	for i := 0; i < len(values); i++ {
		if pt, ok := geoPoint(values[i]); ok {
			points = append(points, pt)
			continue
		}
		if i+1 < len(values) {
			if pt, ok := geoPoint([]any{values[i], values[i+1]}); ok {
				points = append(points, pt)
				i++
			}
		}
	}
	return points
}

func parseDistance(s string) (float64, error) {
	units := []struct {
		suffix string
		meters float64
	}{
		{"km", 1000}, {"mi", 1609.344}, {"yd", 0.9144}, {"ft", 0.3048}, {"cm", 0.01}, {"mm", 0.001}, {"m", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("engine: invalid distance %q: %w", s, err)
			}
			return f * u.meters, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("engine: invalid distance %q: %w", s, err)
	}
	return f, nil
}

func haversine(a, b [2]float64) float64 {
	const earthRadius = 6371008.8
	rad := math.Pi / 180
	dLat := (b[0] - a[0]) * rad
	dLon := (b[1] - a[1]) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a[0]*rad)*math.Cos(b[0]*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

func insidePolygon(pt [2]float64, polygon [][2]float64) bool {
	inside := false
	for i, j := 0, len(polygon)-1; i < len(polygon); j, i = i, i+1 {
		pi, pj := polygon[i], polygon[j]
		if (pi[0] > pt[0]) != (pj[0] > pt[0]) &&
			pt[1] < (pj[1]-pi[1])*(pt[0]-pi[0])/(pj[0]-pi[0])+pi[1] {
			inside = !inside
		}
	}
	return inside
}

func sortHits(hits []memHit, spec any) error {
	type key struct {
		field string
		desc  bool
	}

	var keys []key
	for _, s := range asList(spec) {
		switch t := s.(type) {
		case string:
			keys = append(keys, key{field: t})
		case map[string]any:
			for field, opts := range t {
				order := ""
				switch o := opts.(type) {
				case string:
					order = o
				case map[string]any:
					order, _ = o["order"].(string)
				}
				keys = append(keys, key{field: field, desc: order == "desc"})
			}
		default:
			return fmt.Errorf("engine: malformed sort %T", s)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	first := func(h memHit, field string) any {
		if field == "_id" {
			return h.id
		}
		values := valuesAt(h.source, field)
		if len(values) == 0 {
			return nil
		}
		return values[0]
	}

	sort.SliceStable(hits, func(i, j int) bool {
		for _, k := range keys {
			a, b := first(hits[i], k.field), first(hits[j], k.field)
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return false
			case b == nil:
				return true
			}
			cmp, _ := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

func toHit(h memHit, spec any) Hit {
	hit := Hit{Index: h.idx.name, ID: h.id, Score: 1}
	source := filterSource(h.source, spec)
	if source != nil {
		hit.Source, _ = json.Marshal(source)
	}
	return hit
}

func filterSource(source map[string]any, spec any) map[string]any {
	switch t := spec.(type) {
	case nil:
		return cloneMap(source)
	case bool:
		if !t {
			return nil
		}
		return cloneMap(source)
	case map[string]any:
		result := cloneMap(source)
		if includes := stringList(t["includes"]); len(includes) > 0 {
			result = map[string]any{}
			for _, field := range includes {
				parts := strings.Split(field, ".")
				if v, ok := lookup(source, parts); ok {
					setPath(result, parts, cloneValue(v))
				}
			}
		}
		for _, field := range stringList(t["excludes"]) {
			removePath(result, strings.Split(field, "."))
		}
		return result
	}
	return cloneMap(source)
}

func lookup(doc map[string]any, parts []string) (any, bool) {
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func removePath(doc map[string]any, parts []string) {
	if len(parts) == 1 {
		delete(doc, parts[0])
		return
	}
	switch next := doc[parts[0]].(type) {
	case map[string]any:
		removePath(next, parts[1:])
	case []any:
		for _, e := range next {
			if m, ok := e.(map[string]any); ok {
				removePath(m, parts[1:])
			}
		}
	}
}

func aggregationsOf(body map[string]any) map[string]any {
	if aggs, ok := body["aggs"].(map[string]any); ok {
		return aggs
	}
	if aggs, ok := body["aggregations"].(map[string]any); ok {
		return aggs
	}
	return nil
}

// aggregate supports terms aggregations ordered by count desc then key asc.
func aggregate(aggs map[string]any, hits []memHit) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(aggs))
	for name, raw := range aggs {
		terms, ok := asMap(raw)["terms"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("engine: unsupported aggregation %q", name)
		}
		field, _ := terms["field"].(string)
		size := intOf(terms["size"], 10)

		counts := make(map[string]int)
		keys := make(map[string]any)
		for _, h := range hits {
			seen := make(map[string]bool)
			for _, v := range valuesAt(h.source, field) {
				k := fmt.Sprint(v)
				if seen[k] {
					continue
				}
				seen[k] = true
				counts[k]++
				keys[k] = v
			}
		}

		type bucket struct {
			Key      any `json:"key"`
			DocCount int `json:"doc_count"`
		}
		buckets := make([]bucket, 0, len(counts))
		for k, n := range counts {
			buckets = append(buckets, bucket{Key: keys[k], DocCount: n})
		}
		sort.Slice(buckets, func(i, j int) bool {
			if buckets[i].DocCount != buckets[j].DocCount {
				return buckets[i].DocCount > buckets[j].DocCount
			}
			return fmt.Sprint(buckets[i].Key) < fmt.Sprint(buckets[j].Key)
		})
		if len(buckets) > size {
			buckets = buckets[:size]
		}

		data, err := json.Marshal(map[string]any{"buckets": buckets})
		if err != nil {
			return nil, err
		}
		result[name] = data
	}
	return result, nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return []any{v}
	}
}

func stringList(v any) []string {
	var out []string
	for _, e := range asList(v) {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
