package script

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/skills"
)

// baseEnv is forwarded from the host when set.
var baseEnv = []string{"PATH", "LANG", "LC_ALL", "TERM"}

// BuildEnv returns the child environment: HOME pointed at the skill dir,
// the safe base variables, and the variables the skill declares. The full
// host environment is never inherited.
func BuildEnv(skillDir string, req skills.EnvRequirements) []string {
	env := []string{"HOME=" + filepath.Clean(skillDir)}
	seen := map[string]struct{}{"HOME": {}}
	for _, key := range append(append([]string(nil), baseEnv...), req.All()...) {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// describeEnv renders env for debug logs with secret-looking values masked.
func describeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out = append(out, k+"="+shared.RedactEnvValue(k, v))
	}
	return out
}
