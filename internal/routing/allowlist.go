package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Allowlist overrides route classification per entrypoint. Deployments
// that front the service with different gateways pin classes here
// instead of relying on the built-in path rules.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

// ParseAllowlistYAML decodes and fully validates an allowlist. Every
// route must name a path and one of the known route classes, so a
// classifier built from a parsed allowlist never has to re-check them.
func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, fmt.Errorf("allowlist: unsupported version %d", a.Version)
	}
	if len(a.Entrypoints) == 0 {
		return Allowlist{}, fmt.Errorf("allowlist: no entrypoints")
	}
	for name, ep := range a.Entrypoints {
		for _, r := range ep.Routes {
			if r.Path == "" {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %q has a route without a path", name)
			}
			switch RouteClass(r.RouteClass) {
			case RouteClassPublicAPI, RouteClassAdminAPI, RouteClassOps:
			default:
				return Allowlist{}, fmt.Errorf("allowlist: route %s has unknown class %q", r.Path, r.RouteClass)
			}
		}
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
