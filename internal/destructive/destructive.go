// Package destructive classifies shell commands as destructive-without-a-target
// and carries the broader defense-in-depth deny-pattern list used as a second
// line of defense alongside the provenance and path checks.
package destructive

import "regexp"

// RuleNoTarget is the stable rule id for a destructive verb invoked with no
// explicit target argument.
const RuleNoTarget = "command.destructive.no_target"

// destructiveVerbs are argv[0] values that destroy data when given a target.
var destructiveVerbs = map[string]bool{
	"rm": true, "rmdir": true, "del": true, "rd": true,
	"format": true, "mkfs": true, "dd": true,
	"shred": true, "wipe": true, "sdelete": true,
}

// flagOnly matches an argument that is a flag, not a target (e.g. -rf, --force).
var flagOnly = regexp.MustCompile(`^-`)

// NoExplicitTarget reports whether argv invokes a destructive verb with no
// non-flag argument following it — e.g. "rm -rf" with nothing to remove,
// which on many shells expands to the current directory or is a mistake.
func NoExplicitTarget(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	verb := verbName(argv[0])
	if !destructiveVerbs[verb] {
		return false
	}
	for _, arg := range argv[1:] {
		if !flagOnly.MatchString(arg) {
			return false
		}
	}
	return true
}

func verbName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// defaultDenyPatterns is a defense-in-depth list of additional command
// shapes worth flagging regardless of the narrow no-target rule above:
// exfiltration, reverse shells, and privilege escalation one-liners.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\bnc\b.*-e\s*/bin/(sh|bash)`),
	regexp.MustCompile(`(?i)/dev/tcp/`),
	regexp.MustCompile(`(?i)\bchmod\b\s+[0-7]*777\b`),
	regexp.MustCompile(`(?i)\bsudo\b\s+su\b`),
	regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:&\s*\};`), // fork bomb
}

// MatchesDenyPattern reports whether command matches any defense-in-depth
// deny pattern, independent of the no-target heuristic above.
func MatchesDenyPattern(command string) bool {
	for _, p := range defaultDenyPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}
