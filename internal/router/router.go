// Package router compiles ApiSpec path templates into anchored regexes
// and matches incoming (service, path) pairs against them with the
// literal-over-parametric tie-break spec §4.1 requires. It follows
// gizmo's server.Router posture — an interface wrapping a concrete
// matcher, with the whole table swapped atomically on reload rather than
// mutated in place — without gizmo's own gorilla/mux or httprouter
// matcher underneath, since neither implements this tie-break.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/relaycore/revolver-gateway/config"
)

// CompiledRoute is one entry in a service's route table.
type CompiledRoute struct {
	Service    string
	API        config.ApiSpec
	Pattern    string
	regex      *regexp.Regexp
	paramNames []string
	numParams  int
}

// Entry is what List() reports.
type Entry struct {
	Service string
	API     string
	Path    string
}

// Router holds an atomically-swappable table of compiled routes.
type Router struct {
	table atomic.Value // map[string][]*CompiledRoute
}

// New returns an empty Router. Call Register to publish a table.
func New() *Router {
	r := &Router{}
	r.table.Store(map[string][]*CompiledRoute{})
	return r
}

var paramSegment = regexp.MustCompile(`^\{([^{}/]+)\}$`)

// compilePath turns "/orders/{id}" into an anchored regex plus the
// ordered list of parameter names, and the number of parameter segments
// used for the specificity tie-break.
func compilePath(path string) (*regexp.Regexp, []string, int, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	var pattern strings.Builder
	pattern.WriteString("^/")
	var names []string
	numParams := 0
	for i, seg := range segments {
		if i > 0 {
			pattern.WriteString("/")
		}
		if m := paramSegment.FindStringSubmatch(seg); m != nil {
			names = append(names, m[1])
			pattern.WriteString(`([^/]+)`)
			numParams++
		} else {
			pattern.WriteString(regexp.QuoteMeta(seg))
		}
	}
	pattern.WriteString("$")
	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, nil, 0, fmt.Errorf("router: invalid path template %q: %w", path, err)
	}
	return re, names, numParams, nil
}

// Register compiles the given services' APIs into a new table and
// publishes it atomically, replacing whatever table was there before.
// Registration never partially applies: a compile error leaves the
// previously published table untouched.
func (r *Router) Register(services []config.ServiceSpec) error {
	newTable := map[string][]*CompiledRoute{}
	for _, svc := range services {
		var routes []*CompiledRoute
		for _, api := range svc.APIs {
			re, names, numParams, err := compilePath(api.Path)
			if err != nil {
				return err
			}
			routes = append(routes, &CompiledRoute{
				Service:    svc.Service,
				API:        api,
				Pattern:    re.String(),
				regex:      re,
				paramNames: names,
				numParams:  numParams,
			})
		}
		sort.SliceStable(routes, func(i, j int) bool {
			if routes[i].numParams != routes[j].numParams {
				return routes[i].numParams < routes[j].numParams
			}
			return routes[i].Pattern < routes[j].Pattern
		})
		newTable[svc.Service] = routes
	}
	r.table.Store(newTable)
	return nil
}

// Match walks the given service's route list in tie-broken order and
// returns the first regex that matches path, plus the extracted path
// parameters. Absence of the service or no match returns ok=false.
func (r *Router) Match(service, path string) (route *CompiledRoute, params map[string]string, ok bool) {
	table := r.table.Load().(map[string][]*CompiledRoute)
	routes, exists := table[service]
	if !exists {
		return nil, nil, false
	}
	for _, cr := range routes {
		m := cr.regex.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		vars := make(map[string]string, len(cr.paramNames))
		for i, name := range cr.paramNames {
			vars[name] = m[i+1]
		}
		return cr, vars, true
	}
	return nil, nil, false
}

// List reports every registered (service, api, path) across every
// service, for the metadata/status handler.
func (r *Router) List() []Entry {
	table := r.table.Load().(map[string][]*CompiledRoute)
	var out []Entry
	for svc, routes := range table {
		for _, cr := range routes {
			out = append(out, Entry{Service: svc, API: cr.API.Name, Path: cr.API.Path})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].API < out[j].API
	})
	return out
}

// Services returns the set of service names currently published.
func (r *Router) Services() []string {
	table := r.table.Load().(map[string][]*CompiledRoute)
	names := make([]string, 0, len(table))
	for svc := range table {
		names = append(names, svc)
	}
	sort.Strings(names)
	return names
}
