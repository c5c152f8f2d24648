package mapping

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// OpKind is the kind of one partial-update statement.
type OpKind int

const (
	OpAssign OpKind = iota // set the field to a parameter
	OpRemove               // remove the field
	OpInit                 // create an empty object when the field is absent
)

func (k OpKind) String() string {
	switch k {
	case OpAssign:
		return "assign"
	case OpRemove:
		return "remove"
	case OpInit:
		return "init"
	}
	return "unknown"
}

// Op is one ordered statement of a partial update.
type Op struct {
	Kind  OpKind
	Path  []string
	Param string // parameter name, OpAssign only
}

// Script is a compiled partial update.
type Script struct {
	Ops    []Op
	Params map[string]any
}

// CompilePartialUpdate turns a (possibly nested) patch into ordered statements.
// Keys are visited in sorted order, depth first. Nil leaves remove the field,
// object leaves initialise the container and recurse, every other leaf is assigned
// from a parameter named after its dotted path.
func CompilePartialUpdate(patch map[string]any) Script {
	s := Script{Params: make(map[string]any)}
	s.compile(patch, nil)
	return s
}

func (s *Script) compile(patch map[string]any, prefix []string) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := patch[k]
		path := append(append([]string(nil), prefix...), k)

		switch t := v.(type) {
		case map[string]any:
			s.Ops = append(s.Ops, Op{Kind: OpInit, Path: path})
			s.compile(t, path)
		default:
			if isNil(v) {
				s.Ops = append(s.Ops, Op{Kind: OpRemove, Path: path})
				continue
			}
			name := s.paramName(path)
			s.Params[name] = v
			s.Ops = append(s.Ops, Op{Kind: OpAssign, Path: path, Param: name})
		}
	}
}

// paramName lower-cases the dotted path and replaces non-alnum runes with '_'.
func (s *Script) paramName(path []string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.Join(path, ".")) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	name := b.String()
	if _, taken := s.Params[name]; !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if _, taken := s.Params[candidate]; !taken {
			return candidate
		}
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Source renders the statements as painless, one per line.
func (s Script) Source() string {
	lines := make([]string, 0, len(s.Ops))
	for _, op := range s.Ops {
		switch op.Kind {
		case OpAssign:
			lines = append(lines, accessor(op.Path)+" = params."+op.Param+";")
		case OpRemove:
			lines = append(lines, removal(op.Path))
		case OpInit:
			target := accessor(op.Path)
			lines = append(lines, "if ("+target+" == null) { "+target+" = [:]; }")
		}
	}
	return strings.Join(lines, "\n")
}

// Body is the script object of an update or update-by-query request.
func (s Script) Body() map[string]any {
	return map[string]any{
		"source": s.Source(),
		"lang":   "painless",
		"params": s.Params,
	}
}

// Empty reports whether the script does nothing.
func (s Script) Empty() bool {
	return len(s.Ops) == 0
}

// RemovalScript renders statements removing every dotted path from a document.
// Each parent on the path may be an object or an array of objects; anything
// else leaves the document untouched.
func RemovalScript(paths []string) string {
	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		parts := strings.Split(p, ".")
		if len(parts) == 1 {
			lines = append(lines, removal(parts))
			continue
		}
		lines = append(lines, descend(accessor(parts[:1]), parts[1:], 0))
	}
	return strings.Join(lines, "\n")
}

// descend removes rest from target, looping over target when it is a list.
func descend(target string, rest []string, depth int) string {
	elem := "e" + strconv.Itoa(depth)
	inner := func(t string) string {
		if len(rest) == 1 {
			return t + ".remove('" + quote(rest[0]) + "');"
		}
		return descend(t+"['"+quote(rest[0])+"']", rest[1:], depth+1)
	}
	return "if (" + target + " instanceof Map) { " + inner(target) + " } " +
		"else if (" + target + " instanceof List) { for (def " + elem + " : " + target + ") { " +
		"if (" + elem + " instanceof Map) { " + inner(elem) + " } } }"
}

func accessor(path []string) string {
	var b strings.Builder
	b.WriteString("ctx._source")
	for _, p := range path {
		b.WriteString("['")
		b.WriteString(quote(p))
		b.WriteString("']")
	}
	return b.String()
}

func removal(path []string) string {
	return accessor(path[:len(path)-1]) + ".remove('" + quote(path[len(path)-1]) + "');"
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
