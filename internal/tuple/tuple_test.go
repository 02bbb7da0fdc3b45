package tuple

import "testing"

func TestParseObject(t *testing.T) {
	t.Parallel()

	o, err := ParseObject("document:readme")
	if err != nil {
		t.Fatal(err)
	}
	if o.Type != "document" || o.ID != "readme" {
		t.Fatalf("got=%v", o)
	}
	if _, err := ParseObject("document"); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := ParseObject(":x"); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := ParseObject("document:"); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestParseUser(t *testing.T) {
	t.Parallel()

	u, err := ParseUser("user:anne")
	if err != nil {
		t.Fatal(err)
	}
	if u.IsUserset() || u.IsWildcard() || u.String() != "user:anne" {
		t.Fatalf("got=%v", u)
	}

	u, err = ParseUser("user:*")
	if err != nil {
		t.Fatal(err)
	}
	if !u.IsWildcard() {
		t.Fatal("expected wildcard")
	}

	u, err = ParseUser("group:eng#member")
	if err != nil {
		t.Fatal(err)
	}
	if !u.IsUserset() || u.Object.Type != "group" || u.Relation != "member" {
		t.Fatalf("got=%v", u)
	}

	if _, err := ParseUser("group:eng#"); err == nil {
		t.Fatal("expected error for empty relation")
	}
	if _, err := ParseUser("user:*#member"); err == nil {
		t.Fatal("expected error for wildcard userset")
	}
}

func TestTupleString(t *testing.T) {
	t.Parallel()

	tp := Tuple{
		Object:   ObjectRef{Type: "document", ID: "readme"},
		Relation: "viewer",
		User:     UserRef{Object: ObjectRef{Type: "user", ID: "anne"}},
	}
	if got := tp.String(); got != "document:readme#viewer@user:anne" {
		t.Fatalf("got=%q", got)
	}
	if got := tp.ShardKey(); got != "document:readme#viewer" {
		t.Fatalf("got=%q", got)
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	tp := Tuple{
		Object:   ObjectRef{Type: "document", ID: "readme"},
		Relation: "viewer",
		User:     UserRef{Object: ObjectRef{Type: "group", ID: "eng"}, Relation: "member"},
	}

	if !(Filter{}).Matches(tp) {
		t.Fatal("empty filter must match")
	}
	if !(Filter{ObjectType: "document", Relation: "viewer"}).Matches(tp) {
		t.Fatal("expected match")
	}
	if !(Filter{UserType: "group", UserRelation: "member"}).Matches(tp) {
		t.Fatal("expected match")
	}
	if (Filter{ObjectID: "other"}).Matches(tp) {
		t.Fatal("expected no match")
	}
	if (Filter{UserID: "anne"}).Matches(tp) {
		t.Fatal("expected no match")
	}
}
