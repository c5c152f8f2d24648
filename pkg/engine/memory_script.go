package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// The in-memory engine interprets the painless subset the adapter emits:
//
//	ctx._source['a']['b'] = params.a_b;
//	ctx._source['a'].remove('b');
//	if (ctx._source['a'] == null) { ctx._source['a'] = [:]; }
//	if (x instanceof Map) { ... } else if (x instanceof List) { ... } else { ... }
//	for (def e : ctx._source['a']) { ... }
//
// where x is ctx._source or a loop variable followed by ['key'] accessors.

func runScript(script map[string]any, source map[string]any) error {
	text, _ := script["source"].(string)
	params, _ := script["params"].(map[string]any)

	p := &scriptParser{tokens: tokenizeScript(text)}
	stmts, err := p.block(false)
	if err != nil {
		return err
	}

	env := &scriptEnv{source: source, params: params, vars: map[string]any{}}
	return env.run(stmts)
}

// --- tokens

type token struct {
	kind string // ident, string, punct
	text string
}

func tokenizeScript(src string) []token {
	var tokens []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < len(runes) && (runes[j] == '_' || unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			tokens = append(tokens, token{kind: "ident", text: string(runes[i:j])})
			i = j
		case r == '\'':
			var b strings.Builder
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				b.WriteRune(runes[j])
				j++
			}
			tokens = append(tokens, token{kind: "string", text: b.String()})
			i = j + 1
		case r == '=' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{kind: "punct", text: "=="})
			i += 2
		default:
			tokens = append(tokens, token{kind: "punct", text: string(r)})
			i++
		}
	}
	return tokens
}

// --- syntax

type scriptExpr struct {
	base string   // "ctx._source" or a loop variable
	keys []string // ['key'] accessors
}

type scriptCond struct {
	expr   scriptExpr
	isNull bool
	typ    string // Map or List when !isNull
}

type scriptBranch struct {
	cond scriptCond
	body []scriptStmt
}

type scriptStmt struct {
	kind     string // assign, init, remove, if, for
	target   scriptExpr
	param    string
	key      string
	branches []scriptBranch
	orElse   []scriptStmt
	variable string
	body     []scriptStmt
}

type scriptParser struct {
	tokens []token
	pos    int
}

func (p *scriptParser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{}
}

func (p *scriptParser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *scriptParser) expect(text string) error {
	if t := p.next(); t.text != text || t.kind == "string" {
		return unsupported(fmt.Sprintf("expected %q, got %q", text, t.text))
	}
	return nil
}

func unsupported(reason string) error {
	return fmt.Errorf("engine: unsupported script: %s", reason)
}

// block parses statements until EOF, or until a closing brace when braced.
func (p *scriptParser) block(braced bool) ([]scriptStmt, error) {
	var stmts []scriptStmt
	for {
		t := p.peek()
		if t.kind == "" {
			if braced {
				return nil, unsupported("missing '}'")
			}
			return stmts, nil
		}
		if braced && t.kind == "punct" && t.text == "}" {
			p.pos++
			return stmts, nil
		}
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
}

func (p *scriptParser) braced() ([]scriptStmt, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	return p.block(true)
}

func (p *scriptParser) statement() (scriptStmt, error) {
	switch p.peek().text {
	case "if":
		return p.ifStatement()
	case "for":
		return p.forStatement()
	}

	target, err := p.expr()
	if err != nil {
		return scriptStmt{}, err
	}

	switch t := p.next(); t.text {
	case ".":
		if err := p.expect("remove"); err != nil {
			return scriptStmt{}, err
		}
		if err := p.expect("("); err != nil {
			return scriptStmt{}, err
		}
		key := p.next()
		if key.kind != "string" {
			return scriptStmt{}, unsupported("remove expects a string key")
		}
		if err := p.expect(")"); err != nil {
			return scriptStmt{}, err
		}
		return scriptStmt{kind: "remove", target: target, key: key.text}, p.expect(";")
	case "=":
		if p.peek().text == "[" {
			for _, s := range []string{"[", ":", "]", ";"} {
				if err := p.expect(s); err != nil {
					return scriptStmt{}, err
				}
			}
			return scriptStmt{kind: "init", target: target}, nil
		}
		if err := p.expect("params"); err != nil {
			return scriptStmt{}, err
		}
		if err := p.expect("."); err != nil {
			return scriptStmt{}, err
		}
		name := p.next()
		if name.kind != "ident" {
			return scriptStmt{}, unsupported("expected a parameter name")
		}
		return scriptStmt{kind: "assign", target: target, param: name.text}, p.expect(";")
	default:
		return scriptStmt{}, unsupported(fmt.Sprintf("unexpected %q", t.text))
	}
}

func (p *scriptParser) ifStatement() (scriptStmt, error) {
	stmt := scriptStmt{kind: "if"}
	for {
		if err := p.expect("if"); err != nil {
			return stmt, err
		}
		cond, err := p.cond()
		if err != nil {
			return stmt, err
		}
		body, err := p.braced()
		if err != nil {
			return stmt, err
		}
		stmt.branches = append(stmt.branches, scriptBranch{cond: cond, body: body})

		if p.peek().text != "else" {
			return stmt, nil
		}
		p.pos++
		if p.peek().text != "if" {
			stmt.orElse, err = p.braced()
			return stmt, err
		}
	}
}

func (p *scriptParser) forStatement() (scriptStmt, error) {
	for _, s := range []string{"for", "(", "def"} {
		if err := p.expect(s); err != nil {
			return scriptStmt{}, err
		}
	}
	name := p.next()
	if name.kind != "ident" {
		return scriptStmt{}, unsupported("expected a loop variable")
	}
	if err := p.expect(":"); err != nil {
		return scriptStmt{}, err
	}
	target, err := p.expr()
	if err != nil {
		return scriptStmt{}, err
	}
	if err := p.expect(")"); err != nil {
		return scriptStmt{}, err
	}
	body, err := p.braced()
	if err != nil {
		return scriptStmt{}, err
	}
	return scriptStmt{kind: "for", variable: name.text, target: target, body: body}, nil
}

func (p *scriptParser) cond() (scriptCond, error) {
	if err := p.expect("("); err != nil {
		return scriptCond{}, err
	}
	e, err := p.expr()
	if err != nil {
		return scriptCond{}, err
	}

	cond := scriptCond{expr: e}
	switch t := p.next(); t.text {
	case "==":
		if err := p.expect("null"); err != nil {
			return cond, err
		}
		cond.isNull = true
	case "instanceof":
		typ := p.next()
		if typ.text != "Map" && typ.text != "List" {
			return cond, unsupported("instanceof " + typ.text)
		}
		cond.typ = typ.text
	default:
		return cond, unsupported(fmt.Sprintf("unexpected %q in condition", t.text))
	}
	return cond, p.expect(")")
}

func (p *scriptParser) expr() (scriptExpr, error) {
	t := p.next()
	if t.kind != "ident" {
		return scriptExpr{}, unsupported(fmt.Sprintf("unexpected %q", t.text))
	}

	e := scriptExpr{base: t.text}
	if t.text == "ctx" {
		if err := p.expect("."); err != nil {
			return e, err
		}
		if err := p.expect("_source"); err != nil {
			return e, err
		}
		e.base = "ctx._source"
	}

	for p.peek().text == "[" && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == "string" {
		p.pos++
		e.keys = append(e.keys, p.next().text)
		if err := p.expect("]"); err != nil {
			return e, err
		}
	}
	return e, nil
}

// --- evaluation

type scriptEnv struct {
	source map[string]any
	params map[string]any
	vars   map[string]any
}

func scriptError(reason string) error {
	return &Error{Status: 400, Type: "script_exception", Reason: reason}
}

func (env *scriptEnv) base(e scriptExpr) (any, error) {
	if e.base == "ctx._source" {
		return env.source, nil
	}
	v, ok := env.vars[e.base]
	if !ok {
		return nil, scriptError("unknown variable [" + e.base + "]")
	}
	return v, nil
}

// eval resolves the expression; a missing key evaluates to null.
func (env *scriptEnv) eval(e scriptExpr) (any, error) {
	cur, err := env.base(e)
	if err != nil {
		return nil, err
	}
	for _, k := range e.keys {
		switch t := cur.(type) {
		case map[string]any:
			cur = t[k]
		case nil:
			return nil, scriptError("cannot access [" + k + "] of null")
		default:
			return nil, scriptError("cannot access [" + k + "] of non-map value")
		}
	}
	return cur, nil
}

// set assigns to the last accessor of e.
func (env *scriptEnv) set(e scriptExpr, v any) error {
	if len(e.keys) == 0 {
		if e.base == "ctx._source" {
			return scriptError("cannot replace ctx._source")
		}
		env.vars[e.base] = v
		return nil
	}

	parent, err := env.eval(scriptExpr{base: e.base, keys: e.keys[:len(e.keys)-1]})
	if err != nil {
		return err
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return scriptError("cannot assign [" + e.keys[len(e.keys)-1] + "] of non-map value")
	}
	m[e.keys[len(e.keys)-1]] = v
	return nil
}

func (env *scriptEnv) test(c scriptCond) (bool, error) {
	v, err := env.eval(c.expr)
	if err != nil {
		return false, err
	}
	if c.isNull {
		return v == nil, nil
	}
	switch v.(type) {
	case map[string]any:
		return c.typ == "Map", nil
	case []any:
		return c.typ == "List", nil
	}
	return false, nil
}

func (env *scriptEnv) run(stmts []scriptStmt) error {
	for _, stmt := range stmts {
		if err := env.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (env *scriptEnv) exec(stmt scriptStmt) error {
	switch stmt.kind {
	case "assign":
		return env.set(stmt.target, cloneValue(env.params[stmt.param]))
	case "init":
		return env.set(stmt.target, map[string]any{})
	case "remove":
		v, err := env.eval(stmt.target)
		if err != nil {
			return err
		}
		switch t := v.(type) {
		case map[string]any:
			delete(t, stmt.key)
			return nil
		case nil:
			return scriptError("cannot invoke remove on null")
		default:
			return scriptError("remove on non-map value")
		}
	case "if":
		for _, b := range stmt.branches {
			ok, err := env.test(b.cond)
			if err != nil {
				return err
			}
			if ok {
				return env.run(b.body)
			}
		}
		return env.run(stmt.orElse)
	case "for":
		v, err := env.eval(stmt.target)
		if err != nil {
			return err
		}
		list, ok := v.([]any)
		if !ok {
			return scriptError("cannot iterate over non-list value")
		}
		prev, shadowed := env.vars[stmt.variable]
		defer func() {
			if shadowed {
				env.vars[stmt.variable] = prev
			} else {
				delete(env.vars, stmt.variable)
			}
		}()
		for _, item := range list {
			env.vars[stmt.variable] = item
			if err := env.run(stmt.body); err != nil {
				return err
			}
		}
		return nil
	}
	return unsupported("statement " + stmt.kind)
}
