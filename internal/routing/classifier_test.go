package routing

import "testing"

func TestDefaultClassification(t *testing.T) {
	t.Parallel()

	c := DefaultClassifier()
	cases := []struct {
		path string
		want RouteClass
	}{
		{"/healthz", RouteClassOps},
		{"/readyz", RouteClassOps},
		{"/v1/stores", RouteClassAdminAPI},
		{"/v1/stores/s1/write", RouteClassAdminAPI},
		{"/v1/stores/s1/authorization-models", RouteClassAdminAPI},
		{"/v1/stores/s1/check", RouteClassPublicAPI},
		{"/v1/stores/s1/expand", RouteClassPublicAPI},
		{"/v1/stores/s1/list-objects", RouteClassPublicAPI},
		{"/anything/else", RouteClassPublicAPI},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.path); got != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.path, got, tc.want)
		}
	}
}

func TestAllowlistOverridesClassification(t *testing.T) {
	t.Parallel()

	a, err := ParseAllowlistYAML([]byte(`
version: 1
entrypoints:
  server:
    routes:
      - path: /v1/stores/{store_id}/check
        methods: [POST]
        route_class: admin_api
`))
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Classify("/v1/stores/s1/check"); got != RouteClassAdminAPI {
		t.Fatalf("got=%s", got)
	}
	// Unlisted paths fall through to the built-in rules.
	if got := c.Classify("/healthz"); got != RouteClassOps {
		t.Fatalf("got=%s", got)
	}
}

func TestNewClassifierRequiresEntrypoint(t *testing.T) {
	t.Parallel()

	if _, err := NewClassifier(Allowlist{Entrypoints: map[string]Entrypoint{}}, "server"); err == nil {
		t.Fatal("missing entrypoint must fail")
	}
}
