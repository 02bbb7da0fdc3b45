package authz

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModeFromEnv_Default(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeEnforce {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Shadow(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "shadow")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeShadow {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_DisabledRequiresUnsafe(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeDisabled {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Invalid(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "nope")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubjectAndDomainNormalization(t *testing.T) {
	if got := SubjectFromRole("  Admin "); got != "role:admin" {
		t.Fatalf("got=%q", got)
	}
	if got := SubjectFromRole(""); got != "role:anonymous" {
		t.Fatalf("got=%q", got)
	}
	if got := DomainFromStoreID(""); got != DomainGlobal {
		t.Fatalf("got=%q", got)
	}
	if got := DomainFromStoreID(" S1 "); got != "s1" {
		t.Fatalf("got=%q", got)
	}
}

func writePolicyFixture(t *testing.T) (modelPath string, policyPath string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "model.conf")
	policyPath = filepath.Join(dir, "policy.csv")

	if err := os.WriteFile(modelPath, []byte(`
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.dom == p.dom && r.obj == p.obj && r.act == p.act
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyPath, []byte("p, role:admin, global, authz.stores, admin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return modelPath, policyPath
}

func TestAuthorizeModes(t *testing.T) {
	modelPath, policyPath := writePolicyFixture(t)

	enforce, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err := enforce.Authorize("role:admin", DomainGlobal, ObjectStores, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !enforced || !allowed {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}
	allowed, enforced, err = enforce.Authorize("role:anonymous", DomainGlobal, ObjectStores, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !enforced || allowed {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	shadow, err := NewAuthorizer(modelPath, policyPath, ModeShadow)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err = shadow.Authorize("role:anonymous", DomainGlobal, ObjectStores, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if enforced || allowed {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	disabled, err := NewAuthorizer(modelPath, policyPath, ModeDisabled)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err = disabled.Authorize("role:anonymous", DomainGlobal, ObjectStores, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if enforced || !allowed {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}
}
