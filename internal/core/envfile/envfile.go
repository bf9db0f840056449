// Package envfile contains pure functions for environment file handling and
// variable interpolation. Reading files from disk is the caller's job.
package envfile

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
)

// =============================================================================
// Env File Parsing
// =============================================================================

// Parse parses dotenv-formatted content into a variable map.
func Parse(content string) (map[string]string, error) {
	vars, err := godotenv.Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	return vars, nil
}

// =============================================================================
// Variable Substitution
// =============================================================================

// varPlaceholderRegex matches the $$ escape, ${VAR}, ${VAR:-default} and
// bare $VAR patterns. The escape alternative comes first so $$VAR is consumed
// as an escaped dollar followed by literal text, never as a substitution.
// Groups:
//   - Group 1: Variable name (braced form)
//   - Group 2: Default value (optional, after :-)
//   - Group 3: Variable name (bare form)
var varPlaceholderRegex = regexp.MustCompile(`\$(?:\$|\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}|([A-Za-z_][A-Za-z0-9_]*))`)

// hasDefaultRegex detects the ${VAR:-} form with an empty default.
var hasDefaultRegex = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_]*:-`)

// Substitute replaces variable placeholders with values from the variables map.
//
// Behavior:
//   - ${VAR} / $VAR  - replaced with variables["VAR"] if set, otherwise kept as-is
//   - ${VAR:-default} - replaced with variables["VAR"] if set, otherwise "default"
//   - $$ - an escaped dollar, yields a literal $ and is never substituted
//   - Unmatched text is left unchanged
func Substitute(value string, variables map[string]string) string {
	if variables == nil {
		variables = make(map[string]string)
	}

	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		if match == "$$" {
			return "$"
		}
		submatch := varPlaceholderRegex.FindStringSubmatch(match)
		name := submatch[1]
		if name == "" {
			name = submatch[3]
		}
		if val, ok := variables[name]; ok {
			return val
		}
		// Default applies even when empty: ${VAR:-} resolves to ""
		if hasDefaultRegex.MatchString(match) {
			return submatch[2]
		}
		return match
	})
}

// References extracts the unique variable names referenced by a value,
// in order of first appearance. Escaped sequences like $$NOT_A_VAR are
// literal text and do not count as references.
func References(value string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range varPlaceholderRegex.FindAllStringSubmatch(value, -1) {
		name := m[1]
		if name == "" {
			name = m[3]
		}
		if name == "" { // $$ escape
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// =============================================================================
// Environment Resolution
// =============================================================================

// Resolve computes a service's effective environment: env file values first,
// overridden by inline environment, with placeholders in inline values
// interpolated against the env file.
func Resolve(inline, fromFile map[string]string) map[string]string {
	resolved := make(map[string]string, len(inline)+len(fromFile))
	for k, v := range fromFile {
		resolved[k] = v
	}
	for k, v := range inline {
		resolved[k] = Substitute(v, fromFile)
	}
	return resolved
}

// MissingKeys returns the keys from wanted that are absent from vars, sorted.
func MissingKeys(vars map[string]string, wanted []string) []string {
	var missing []string
	for _, k := range wanted {
		if _, ok := vars[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}
