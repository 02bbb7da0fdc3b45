package model

import (
	"strings"
	"testing"

	"github.com/trellis-authz/trellis/internal/tuple"
)

const docsModel = `
types:
  user: {}
  group:
    relations:
      member:
        this: ["user", "group#member"]
  folder:
    relations:
      viewer:
        this: ["user", "user:*", "group#member"]
      parent:
        this: ["folder"]
      can_view:
        union:
          - computed: viewer
          - tuple_to_userset: {tupleset: parent, computed: can_view}
  document:
    relations:
      owner:
        this: ["user"]
      parent:
        this: ["folder"]
      blocked:
        this: ["user"]
      viewer:
        this: ["user", "user:*", "group#member"]
      can_view:
        exclusion:
          base:
            union:
              - computed: viewer
              - computed: owner
              - tuple_to_userset: {tupleset: parent, computed: can_view}
          subtract:
            computed: blocked
conditions:
  business_hours:
    params:
      hour: int
    expression: "hour >= 9 && hour < 18"
`

func compileDocs(t *testing.T) *AuthorizationModel {
	t.Helper()
	m, errs := Compile([]byte(docsModel))
	if len(errs) > 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	return m
}

func TestCompileDocsModel(t *testing.T) {
	t.Parallel()

	m := compileDocs(t)
	if !m.HasType("document") || !m.HasType("user") {
		t.Fatal("missing types")
	}

	rel, ok := m.GetRelation("document", "can_view")
	if !ok {
		t.Fatal("missing document.can_view")
	}
	if rel.Rewrite.Kind != KindExclusion {
		t.Fatalf("kind=%v", rel.Rewrite.Kind)
	}
	if rel.Rewrite.Base.Kind != KindUnion || len(rel.Rewrite.Base.Children) != 3 {
		t.Fatalf("base=%+v", rel.Rewrite.Base)
	}

	if _, ok := m.Conditions["business_hours"]; !ok {
		t.Fatal("missing condition")
	}
	if m.ID == "" {
		t.Fatal("missing version id")
	}
}

func TestVersionIDIsContentDerived(t *testing.T) {
	t.Parallel()

	m1, errs := Compile([]byte(docsModel))
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	m2, errs := Compile([]byte(docsModel))
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	if m1.ID != m2.ID {
		t.Fatalf("same source produced different ids: %s vs %s", m1.ID, m2.ID)
	}

	changed := strings.Replace(docsModel, "hour < 18", "hour < 17", 1)
	m3, errs := Compile([]byte(changed))
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	if m3.ID == m1.ID {
		t.Fatal("different source produced the same id")
	}
}

func TestCompileRejectsUnknownComputedRelation(t *testing.T) {
	t.Parallel()

	_, errs := Compile([]byte(`
types:
  user: {}
  document:
    relations:
      can_view:
        computed: viewer
`))
	if len(errs) == 0 {
		t.Fatal("expected compile error")
	}
}

func TestCompileRejectsTuplesetNotDeclaringTarget(t *testing.T) {
	t.Parallel()

	// folder does not declare can_view, so the TTU target is unresolvable.
	_, errs := Compile([]byte(`
types:
  user: {}
  folder:
    relations:
      viewer:
        this: ["user"]
  document:
    relations:
      parent:
        this: ["folder"]
      can_view:
        tuple_to_userset: {tupleset: parent, computed: can_view}
`))
	if len(errs) == 0 {
		t.Fatal("expected compile error")
	}
}

func TestCompileRejectsUsersetTupleset(t *testing.T) {
	t.Parallel()

	_, errs := Compile([]byte(`
types:
  user: {}
  group:
    relations:
      member:
        this: ["user"]
  document:
    relations:
      parent:
        this: ["group#member"]
      can_view:
        tuple_to_userset: {tupleset: parent, computed: member}
`))
	if len(errs) == 0 {
		t.Fatal("expected compile error for userset-shaped tupleset")
	}
}

func TestCompileRejectsComputedCycle(t *testing.T) {
	t.Parallel()

	_, errs := Compile([]byte(`
types:
  user: {}
  document:
    relations:
      a:
        computed: b
      b:
        computed: a
`))
	if len(errs) == 0 {
		t.Fatal("expected cycle error")
	}

	_, errs = Compile([]byte(`
types:
  user: {}
  document:
    relations:
      a:
        union:
          - this: ["user"]
          - computed: a
`))
	if len(errs) == 0 {
		t.Fatal("expected self-reference error")
	}
}

func TestCompileRejectsBadCondition(t *testing.T) {
	t.Parallel()

	_, errs := Compile([]byte(`
types:
  user: {}
  document:
    relations:
      viewer:
        this: ["user"]
conditions:
  broken:
    params:
      hour: int
    expression: "hour + 1"
`))
	if len(errs) == 0 {
		t.Fatal("expected condition compile error")
	}

	_, errs = Compile([]byte(`
types:
  user: {}
  document:
    relations:
      viewer:
        this: ["user"]
conditions:
  broken:
    params:
      hour: decimal
    expression: "true"
`))
	if len(errs) == 0 {
		t.Fatal("expected unknown param type error")
	}
}

func TestCompileRejectsUnknownRestrictionType(t *testing.T) {
	t.Parallel()

	_, errs := Compile([]byte(`
types:
  user: {}
  document:
    relations:
      viewer:
        union:
          - this: ["ghost"]
          - this: ["user"]
`))
	if len(errs) == 0 {
		t.Fatal("expected unknown restriction type error")
	}
}

func TestPermitsDirect(t *testing.T) {
	t.Parallel()

	m := compileDocs(t)

	anne := tuple.UserRef{Object: tuple.ObjectRef{Type: "user", ID: "anne"}}
	if !m.PermitsDirect("document", "viewer", anne) {
		t.Fatal("concrete user should be permitted")
	}
	wildcard := tuple.UserRef{Object: tuple.ObjectRef{Type: "user", ID: tuple.Wildcard}}
	if !m.PermitsDirect("document", "viewer", wildcard) {
		t.Fatal("wildcard should be permitted on viewer")
	}
	if m.PermitsDirect("document", "owner", wildcard) {
		t.Fatal("wildcard must not be permitted on owner")
	}
	userset := tuple.UserRef{Object: tuple.ObjectRef{Type: "group", ID: "eng"}, Relation: "member"}
	if !m.PermitsDirect("document", "viewer", userset) {
		t.Fatal("group#member should be permitted on viewer")
	}
	if m.PermitsDirect("document", "owner", userset) {
		t.Fatal("userset must not be permitted on owner")
	}
	folder := tuple.UserRef{Object: tuple.ObjectRef{Type: "folder", ID: "eng"}}
	if !m.PermitsDirect("document", "parent", folder) {
		t.Fatal("folder should be permitted on parent")
	}
	if m.PermitsDirect("document", "parent", anne) {
		t.Fatal("user must not be permitted on parent")
	}
}

func TestUsersetRestrictions(t *testing.T) {
	t.Parallel()

	m := compileDocs(t)
	got := m.UsersetRestrictions("document", "viewer")
	if len(got) != 1 || got[0].Type != "group" || got[0].Relation != "member" {
		t.Fatalf("got=%v", got)
	}
	if m.UsersetRestrictions("document", "owner") != nil {
		t.Fatal("owner has no userset restrictions")
	}
}
