package skills

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Permissions maps an app capability to whether the caller holds it.
// The ACL store that produces it is outside this package.
type Permissions map[string]bool

// Allows reports whether a skill gated by requiresApp is usable.
func (p Permissions) Allows(requiresApp string) bool {
	if requiresApp == "" {
		return true
	}
	return p[requiresApp]
}

// Granted returns the capabilities set to true, sorted.
func (p Permissions) Granted() []string {
	out := make([]string, 0, len(p))
	for app, ok := range p {
		if ok {
			out = append(out, app)
		}
	}
	sort.Strings(out)
	return out
}

// ParsePermissions reads "app=true" / "app" / "app=false" pairs, as given on
// the command line.
func ParsePermissions(pairs []string) (Permissions, error) {
	perms := make(Permissions, len(pairs))
	for _, pair := range pairs {
		for _, item := range strings.Split(pair, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			app, raw, hasValue := strings.Cut(item, "=")
			app = strings.TrimSpace(app)
			if app == "" {
				return nil, fmt.Errorf("invalid permission %q", item)
			}
			if !hasValue {
				perms[app] = true
				continue
			}
			v, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid permission %q: %w", item, err)
			}
			perms[app] = v
		}
	}
	return perms, nil
}

// FilterSkills keeps the skills whose requires_app is empty or granted.
func FilterSkills(all []Skill, perms Permissions) []Skill {
	out := make([]Skill, 0, len(all))
	for _, s := range all {
		if perms.Allows(s.RequiresApp) {
			out = append(out, s)
		}
	}
	return out
}
