package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trellis-authz/trellis/internal/condition"
)

// ErrInvalidModel marks a model source rejected at compile time. The
// model is never published.
var ErrInvalidModel = errors.New("model: invalid model")

// CompileError is one validation failure, addressed by a dotted path
// into the source document.
type CompileError struct {
	Path    string
	Message string
}

func (e CompileError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

type sourceDoc struct {
	Types      map[string]sourceType      `yaml:"types"`
	Conditions map[string]sourceCondition `yaml:"conditions"`
}

type sourceType struct {
	Relations map[string]sourceRule `yaml:"relations"`
}

type sourceRule struct {
	This           []string         `yaml:"this"`
	Computed       string           `yaml:"computed"`
	TupleToUserset *sourceTTU       `yaml:"tuple_to_userset"`
	Union          []sourceRule     `yaml:"union"`
	Intersection   []sourceRule     `yaml:"intersection"`
	Exclusion      *sourceExclusion `yaml:"exclusion"`
}

type sourceTTU struct {
	Tupleset string `yaml:"tupleset"`
	Computed string `yaml:"computed"`
}

type sourceExclusion struct {
	Base     sourceRule `yaml:"base"`
	Subtract sourceRule `yaml:"subtract"`
}

type sourceCondition struct {
	Params     map[string]string `yaml:"params"`
	Expression string            `yaml:"expression"`
}

// Compile parses a YAML model source, validates it, and assigns a
// content-derived version id. On any violation it returns the full list
// of compile errors and no model.
func Compile(source []byte) (*AuthorizationModel, []CompileError) {
	var doc sourceDoc
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, []CompileError{{Message: "invalid yaml: " + err.Error()}}
	}
	if len(doc.Types) == 0 {
		return nil, []CompileError{{Path: "types", Message: "at least one type is required"}}
	}

	c := &compiler{doc: doc}
	m := &AuthorizationModel{
		Types:      make(map[string]*TypeDef, len(doc.Types)),
		Conditions: make(map[string]condition.Definition, len(doc.Conditions)),
	}

	c.compileConditions(m)
	c.compileTypes(m)
	if len(c.errs) > 0 {
		return nil, c.errs
	}
	c.validate(m)
	if len(c.errs) > 0 {
		return nil, c.errs
	}

	m.ID = versionID(m)
	return m, nil
}

type compiler struct {
	doc  sourceDoc
	errs []CompileError
}

func (c *compiler) errorf(path, format string, args ...any) {
	c.errs = append(c.errs, CompileError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) compileConditions(m *AuthorizationModel) {
	for name, src := range c.doc.Conditions {
		path := "conditions." + name
		if strings.TrimSpace(src.Expression) == "" {
			c.errorf(path, "expression is required")
			continue
		}
		params := make(map[string]condition.ParamType, len(src.Params))
		bad := false
		for pname, ptype := range src.Params {
			switch condition.ParamType(ptype) {
			case condition.TypeString, condition.TypeInt, condition.TypeBool,
				condition.TypeTimestamp, condition.TypeIPAddress:
				params[pname] = condition.ParamType(ptype)
			default:
				c.errorf(path+".params."+pname, "unknown parameter type %q", ptype)
				bad = true
			}
		}
		if bad {
			continue
		}
		def := condition.Definition{Name: name, Params: params, Expression: src.Expression}
		if _, err := condition.Compile(def); err != nil {
			c.errorf(path+".expression", "%v", err)
			continue
		}
		m.Conditions[name] = def
	}
}

func (c *compiler) compileTypes(m *AuthorizationModel) {
	for typeName, src := range c.doc.Types {
		td := &TypeDef{Name: typeName, Relations: make(map[string]*Relation, len(src.Relations))}
		for relName, rule := range src.Relations {
			path := "types." + typeName + ".relations." + relName
			rw, directs := c.compileRule(path, rule)
			if rw == nil {
				continue
			}
			td.Relations[relName] = &Relation{Name: relName, Rewrite: rw, DirectTypes: directs}
		}
		m.Types[typeName] = td
	}
}

// compileRule turns one source rule node into a rewrite node, collecting
// the direct type restrictions declared on This leaves anywhere in the
// subtree.
func (c *compiler) compileRule(path string, src sourceRule) (*Rewrite, []DirectType) {
	set := 0
	if len(src.This) > 0 {
		set++
	}
	if src.Computed != "" {
		set++
	}
	if src.TupleToUserset != nil {
		set++
	}
	if len(src.Union) > 0 {
		set++
	}
	if len(src.Intersection) > 0 {
		set++
	}
	if src.Exclusion != nil {
		set++
	}
	if set != 1 {
		c.errorf(path, "exactly one of this/computed/tuple_to_userset/union/intersection/exclusion is required")
		return nil, nil
	}

	switch {
	case len(src.This) > 0:
		directs := make([]DirectType, 0, len(src.This))
		for i, raw := range src.This {
			dt, err := parseDirectType(raw)
			if err != nil {
				c.errorf(fmt.Sprintf("%s.this[%d]", path, i), "%v", err)
				continue
			}
			directs = append(directs, dt)
		}
		return This(), directs
	case src.Computed != "":
		return Computed(src.Computed), nil
	case src.TupleToUserset != nil:
		if src.TupleToUserset.Tupleset == "" || src.TupleToUserset.Computed == "" {
			c.errorf(path+".tuple_to_userset", "tupleset and computed are required")
			return nil, nil
		}
		return TupleToUserset(src.TupleToUserset.Tupleset, src.TupleToUserset.Computed), nil
	case len(src.Union) > 0:
		return c.compileChildren(path, "union", KindUnion, src.Union)
	case len(src.Intersection) > 0:
		return c.compileChildren(path, "intersection", KindIntersection, src.Intersection)
	default:
		base, baseDirects := c.compileRule(path+".exclusion.base", src.Exclusion.Base)
		subtract, subDirects := c.compileRule(path+".exclusion.subtract", src.Exclusion.Subtract)
		if base == nil || subtract == nil {
			return nil, nil
		}
		return Exclusion(base, subtract), append(baseDirects, subDirects...)
	}
}

func (c *compiler) compileChildren(path, field string, kind RewriteKind, src []sourceRule) (*Rewrite, []DirectType) {
	if len(src) < 2 {
		c.errorf(path+"."+field, "%s requires at least two children", field)
		return nil, nil
	}
	children := make([]*Rewrite, 0, len(src))
	var directs []DirectType
	for i, child := range src {
		rw, d := c.compileRule(fmt.Sprintf("%s.%s[%d]", path, field, i), child)
		if rw == nil {
			return nil, nil
		}
		children = append(children, rw)
		directs = append(directs, d...)
	}
	return &Rewrite{Kind: kind, Children: children}, directs
}

// parseDirectType parses "user", "user:*" or "group#member".
func parseDirectType(raw string) (DirectType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DirectType{}, errors.New("empty type restriction")
	}
	if typ, rel, ok := strings.Cut(raw, "#"); ok {
		if typ == "" || rel == "" {
			return DirectType{}, fmt.Errorf("malformed userset restriction %q", raw)
		}
		return DirectType{Type: typ, Relation: rel}, nil
	}
	if typ, id, ok := strings.Cut(raw, ":"); ok {
		if typ == "" || id != "*" {
			return DirectType{}, fmt.Errorf("malformed wildcard restriction %q", raw)
		}
		return DirectType{Type: typ, Wildcard: true}, nil
	}
	return DirectType{Type: raw}, nil
}

func (c *compiler) validate(m *AuthorizationModel) {
	for typeName, td := range m.Types {
		for relName, rel := range td.Relations {
			path := "types." + typeName + ".relations." + relName
			c.validateDirectTypes(m, path, rel)
			c.validateRewrite(m, path, td, relName, rel.Rewrite)
		}
		c.validateNoComputedCycles("types."+typeName, td)
	}
}

func (c *compiler) validateDirectTypes(m *AuthorizationModel, path string, rel *Relation) {
	for _, dt := range rel.DirectTypes {
		if !m.HasType(dt.Type) {
			c.errorf(path, "type restriction references unknown type %q", dt.Type)
			continue
		}
		if dt.Relation != "" {
			if _, ok := m.GetRelation(dt.Type, dt.Relation); !ok {
				c.errorf(path, "type restriction references unknown relation %q on type %q", dt.Relation, dt.Type)
			}
		}
	}
}

func (c *compiler) validateRewrite(m *AuthorizationModel, path string, td *TypeDef, relName string, rw *Rewrite) {
	switch rw.Kind {
	case KindThis:
		// Assignable relations must declare at least one subject shape.
		if len(td.Relations[relName].DirectTypes) == 0 {
			c.errorf(path, "assignable relation must declare at least one type restriction")
		}
	case KindComputed:
		if _, ok := td.Relations[rw.Computed]; !ok {
			c.errorf(path, "computed relation %q does not exist on type %q", rw.Computed, td.Name)
		}
	case KindTupleToUserset:
		tupleset, ok := td.Relations[rw.TuplesetRelation]
		if !ok {
			c.errorf(path, "tupleset relation %q does not exist on type %q", rw.TuplesetRelation, td.Name)
			return
		}
		if tupleset.Rewrite.Kind != KindThis {
			c.errorf(path, "tupleset relation %q must be a direct (this) relation", rw.TuplesetRelation)
			return
		}
		if len(tupleset.DirectTypes) == 0 {
			c.errorf(path, "tupleset relation %q declares no pointed types", rw.TuplesetRelation)
			return
		}
		for _, dt := range tupleset.DirectTypes {
			if dt.Wildcard || dt.Relation != "" {
				c.errorf(path, "tupleset relation %q must point at concrete object types, found %q", rw.TuplesetRelation, dt.String())
				continue
			}
			if _, ok := m.GetRelation(dt.Type, rw.TargetRelation); !ok {
				c.errorf(path, "tupleset relation %q points at type %q which does not declare relation %q", rw.TuplesetRelation, dt.Type, rw.TargetRelation)
			}
		}
	case KindUnion, KindIntersection:
		for _, child := range rw.Children {
			c.validateRewrite(m, path, td, relName, child)
		}
	case KindExclusion:
		c.validateRewrite(m, path, td, relName, rw.Base)
		c.validateRewrite(m, path, td, relName, rw.Subtract)
	}
}

// validateNoComputedCycles rejects relations that reference themselves
// through computed-userset edges on the same type. Such a rewrite can
// never terminate in This on the same object; tuple-to-userset edges
// always consume a stored tuple and are bounded by the runtime guard
// instead.
func (c *compiler) validateNoComputedCycles(basePath string, td *TypeDef) {
	const (
		unvisited = 0
		onPath    = 1
		done      = 2
	)
	state := make(map[string]int, len(td.Relations))

	var visit func(relName string) bool
	visit = func(relName string) bool {
		switch state[relName] {
		case onPath:
			return false
		case done:
			return true
		}
		state[relName] = onPath
		rel, ok := td.Relations[relName]
		if ok {
			for _, ref := range computedRefs(rel.Rewrite) {
				if _, exists := td.Relations[ref]; !exists {
					continue // reported by validateRewrite
				}
				if !visit(ref) {
					state[relName] = done
					c.errorf(basePath+".relations."+relName, "computed-userset cycle through relation %q cannot terminate", ref)
					return false
				}
			}
		}
		state[relName] = done
		return true
	}

	names := make([]string, 0, len(td.Relations))
	for name := range td.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}
}

func computedRefs(rw *Rewrite) []string {
	var refs []string
	var walk func(*Rewrite)
	walk = func(n *Rewrite) {
		switch n.Kind {
		case KindComputed:
			refs = append(refs, n.Computed)
		case KindUnion, KindIntersection:
			for _, child := range n.Children {
				walk(child)
			}
		case KindExclusion:
			walk(n.Base)
			walk(n.Subtract)
		}
	}
	walk(rw)
	return refs
}

// versionID derives the immutable model version from a canonical
// serialization of the compiled model.
func versionID(m *AuthorizationModel) string {
	var b strings.Builder

	typeNames := sortedKeys(m.Types)
	for _, tn := range typeNames {
		b.WriteString("type ")
		b.WriteString(tn)
		b.WriteByte('\n')
		td := m.Types[tn]
		for _, rn := range sortedKeys(td.Relations) {
			rel := td.Relations[rn]
			b.WriteString("  relation ")
			b.WriteString(rn)
			b.WriteString(" = ")
			writeRewrite(&b, rel.Rewrite)
			for _, dt := range rel.DirectTypes {
				b.WriteString(" [")
				b.WriteString(dt.String())
				b.WriteByte(']')
			}
			b.WriteByte('\n')
		}
	}
	for _, cn := range sortedKeys(m.Conditions) {
		def := m.Conditions[cn]
		b.WriteString("condition ")
		b.WriteString(cn)
		b.WriteByte('(')
		for _, pn := range sortedKeys(def.Params) {
			b.WriteString(pn)
			b.WriteByte(':')
			b.WriteString(string(def.Params[pn]))
			b.WriteByte(';')
		}
		b.WriteString(") ")
		b.WriteString(def.Expression)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:32]
}

func writeRewrite(b *strings.Builder, rw *Rewrite) {
	switch rw.Kind {
	case KindThis:
		b.WriteString("this")
	case KindComputed:
		b.WriteString(rw.Computed)
	case KindTupleToUserset:
		b.WriteString(rw.TuplesetRelation)
		b.WriteString("->")
		b.WriteString(rw.TargetRelation)
	case KindUnion, KindIntersection:
		b.WriteString(rw.Kind.String())
		b.WriteByte('(')
		for i, child := range rw.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			writeRewrite(b, child)
		}
		b.WriteByte(')')
	case KindExclusion:
		b.WriteString("exclusion(")
		writeRewrite(b, rw.Base)
		b.WriteByte(',')
		writeRewrite(b, rw.Subtract)
		b.WriteByte(')')
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
