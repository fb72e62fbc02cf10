// Package dispatch maps REST verbs and resource indexes to typed actions.
//
// The table is closed: every supported (verb, resource) pair has exactly one
// Action, and handlers switch over Action exhaustively.
package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Verb int

const (
	VerbCreate Verb = iota + 1 // PUT
	VerbFilter                 // POST
	VerbDelete                 // DELETE
)

func (v Verb) String() string {
	switch v {
	case VerbCreate:
		return "create"
	case VerbFilter:
		return "filter"
	case VerbDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// VerbFromMethod maps an HTTP method to a verb.
func VerbFromMethod(method string) (Verb, bool) {
	switch strings.ToUpper(method) {
	case http.MethodPut:
		return VerbCreate, true
	case http.MethodPost:
		return VerbFilter, true
	case http.MethodDelete:
		return VerbDelete, true
	default:
		return 0, false
	}
}

// Resource is a request index. Table-backed resources share the name of their
// table.
type Resource string

const (
	ResourceAdversary       Resource = "core_adversary"
	ResourceAbility         Resource = "core_ability"
	ResourceOperation       Resource = "core_operation"
	ResourceAgent           Resource = "core_agent"
	ResourceFact            Resource = "core_fact"
	ResourceResult          Resource = "core_result"
	ResourceOperationReport Resource = "operation_report"
)

var resources = [...]Resource{
	ResourceAdversary,
	ResourceAbility,
	ResourceOperation,
	ResourceAgent,
	ResourceFact,
	ResourceResult,
	ResourceOperationReport,
}

func ParseResource(index string) (Resource, bool) {
	for _, r := range resources {
		if string(r) == index {
			return r, true
		}
	}
	return "", false
}

// IsTable reports whether r is backed by a table and can be deleted from.
func (r Resource) IsTable() bool {
	return strings.HasPrefix(string(r), "core_")
}

type Action int

const (
	ActionPersistAdversary Action = iota + 1
	ActionCreateOperation
	ActionCreateFact
	ActionUpdateAgent
	ActionFilterAdversaries
	ActionFilterAbilities
	ActionFilterOperations
	ActionFilterAgents
	ActionFilterResults
	ActionOperationReport
	ActionDelete
)

var actionNames = map[Action]string{
	ActionPersistAdversary:  "persist_adversary",
	ActionCreateOperation:   "create_operation",
	ActionCreateFact:        "create_fact",
	ActionUpdateAgent:       "update_agent",
	ActionFilterAdversaries: "filter_adversaries",
	ActionFilterAbilities:   "filter_abilities",
	ActionFilterOperations:  "filter_operations",
	ActionFilterAgents:      "filter_agents",
	ActionFilterResults:     "filter_results",
	ActionOperationReport:   "operation_report",
	ActionDelete:            "delete",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrUnsupportedVerb  = errors.New("unsupported verb")
	ErrUnsupportedRoute = errors.New("unsupported index")
)

type Route struct {
	Verb     Verb
	Resource Resource
	Action   Action
}

var table = map[Verb]map[Resource]Action{
	VerbCreate: {
		ResourceAdversary: ActionPersistAdversary,
		ResourceOperation: ActionCreateOperation,
		ResourceFact:      ActionCreateFact,
		ResourceAgent:     ActionUpdateAgent,
	},
	VerbFilter: {
		ResourceAdversary:       ActionFilterAdversaries,
		ResourceAbility:         ActionFilterAbilities,
		ResourceOperation:       ActionFilterOperations,
		ResourceAgent:           ActionFilterAgents,
		ResourceResult:          ActionFilterResults,
		ResourceOperationReport: ActionOperationReport,
	},
}

// Resolve looks up the action for an HTTP method and request index.
func Resolve(method, index string) (Route, error) {
	verb, ok := VerbFromMethod(method)
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnsupportedVerb, method)
	}
	resource, ok := ParseResource(index)
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnsupportedRoute, index)
	}

	if verb == VerbDelete {
		if !resource.IsTable() {
			return Route{}, fmt.Errorf("%w: %s %q", ErrUnsupportedRoute, verb, index)
		}
		return Route{Verb: verb, Resource: resource, Action: ActionDelete}, nil
	}

	action, ok := table[verb][resource]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s %q", ErrUnsupportedRoute, verb, index)
	}
	return Route{Verb: verb, Resource: resource, Action: action}, nil
}
