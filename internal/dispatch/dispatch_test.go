package dispatch

import (
	"errors"
	"net/http"
	"testing"
)

func TestResolveSupportedRoutes(t *testing.T) {
	cases := []struct {
		method string
		index  string
		want   Action
	}{
		{http.MethodPut, "core_adversary", ActionPersistAdversary},
		{http.MethodPut, "core_operation", ActionCreateOperation},
		{http.MethodPut, "core_fact", ActionCreateFact},
		{http.MethodPut, "core_agent", ActionUpdateAgent},
		{http.MethodPost, "core_adversary", ActionFilterAdversaries},
		{http.MethodPost, "core_ability", ActionFilterAbilities},
		{http.MethodPost, "core_operation", ActionFilterOperations},
		{http.MethodPost, "core_agent", ActionFilterAgents},
		{http.MethodPost, "core_result", ActionFilterResults},
		{http.MethodPost, "operation_report", ActionOperationReport},
		{http.MethodDelete, "core_fact", ActionDelete},
		{http.MethodDelete, "core_result", ActionDelete},
		{"delete", "core_agent", ActionDelete},
	}
	for _, tc := range cases {
		route, err := Resolve(tc.method, tc.index)
		if err != nil {
			t.Fatalf("Resolve(%s, %s) err=%v", tc.method, tc.index, err)
		}
		if route.Action != tc.want {
			t.Fatalf("Resolve(%s, %s)=%s, want %s", tc.method, tc.index, route.Action, tc.want)
		}
		if string(route.Resource) != tc.index {
			t.Fatalf("Resource=%q, want %q", route.Resource, tc.index)
		}
	}
}

func TestResolveUnsupportedRoute(t *testing.T) {
	cases := []struct{ method, index string }{
		{http.MethodPut, "core_ability"},
		{http.MethodPut, "core_result"},
		{http.MethodPut, "operation_report"},
		{http.MethodPost, "core_fact"},
		{http.MethodDelete, "operation_report"},
		{http.MethodPost, "core_unknown"},
		{http.MethodPost, ""},
	}
	for _, tc := range cases {
		if _, err := Resolve(tc.method, tc.index); !errors.Is(err, ErrUnsupportedRoute) {
			t.Fatalf("Resolve(%s, %q) err=%v, want ErrUnsupportedRoute", tc.method, tc.index, err)
		}
	}
}

func TestResolveUnsupportedVerb(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPatch, ""} {
		if _, err := Resolve(method, "core_adversary"); !errors.Is(err, ErrUnsupportedVerb) {
			t.Fatalf("Resolve(%q) err=%v, want ErrUnsupportedVerb", method, err)
		}
	}
}

func TestActionNamesAreComplete(t *testing.T) {
	for a := ActionPersistAdversary; a <= ActionDelete; a++ {
		if a.String() == "unknown" {
			t.Fatalf("action %d has no name", a)
		}
	}
}
