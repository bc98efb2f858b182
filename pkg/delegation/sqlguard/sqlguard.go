// Package sqlguard implements the role-gated SQL command authorization
// matrix and identifier validation shared by the database delegation
// modules. It never executes SQL itself; it only classifies and authorizes.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandClass is one of the broker's SQL privilege tiers.
type CommandClass string

const (
	ClassRead      CommandClass = "read"
	ClassWrite     CommandClass = "write"
	ClassAdmin     CommandClass = "admin"
	ClassDangerous CommandClass = "dangerous"
	ClassUnknown   CommandClass = "unknown"
)

var keywordClass = map[string]CommandClass{
	"SELECT":   ClassRead,
	"WITH":     ClassRead,
	"EXPLAIN":  ClassRead,
	"SHOW":     ClassRead,
	"DESCRIBE": ClassRead,
	"INSERT":   ClassWrite,
	"UPDATE":   ClassWrite,
	"DELETE":   ClassWrite,
	"CREATE":   ClassAdmin,
	"ALTER":    ClassAdmin,
	"GRANT":    ClassAdmin,
	"REVOKE":   ClassAdmin,
	"DROP":     ClassDangerous,
	"TRUNCATE": ClassDangerous,
}

// requiredRoles lists, for each class, the roles any one of which grants
// authorization. ClassDangerous requires "admin" specifically, not any of
// the sql-* aliases the other tiers accept.
var requiredRoles = map[CommandClass][]string{
	ClassRead:      {"sql-read", "sql-write", "sql-admin", "admin"},
	ClassWrite:     {"sql-write", "sql-admin", "admin"},
	ClassAdmin:     {"sql-admin", "admin"},
	ClassDangerous: {"admin"},
	ClassUnknown:   {"sql-admin", "admin"},
}

// dangerousKeywords is the fallback deny-list consulted when the caller's
// session carries no roles at all. It matches as a substring of the
// upper-cased statement, which intentionally over-rejects (a column named
// "dropdown" trips the "DROP" check) in exchange for never under-rejecting.
var dangerousKeywords = []string{"DROP", "TRUNCATE", "DELETE", "ALTER", "GRANT", "REVOKE", "UPDATE", "INSERT", "CREATE"}

// ClassifyStatement returns the CommandClass for the primary keyword of a
// SQL statement, ignoring leading whitespace and case.
func ClassifyStatement(sql string) CommandClass {
	keyword := firstWord(sql)
	if class, ok := keywordClass[keyword]; ok {
		return class
	}
	return ClassUnknown
}

func firstWord(sql string) string {
	trimmed := strings.TrimSpace(sql)
	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '('
	})
	if end == -1 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}

// Authorize applies the role-gated authorization matrix: if roles is
// non-empty, the statement's class must be covered by one of the matching
// required roles. If roles is empty (no roles could be derived from the
// delegation token), it falls back to rejecting any statement containing a
// keyword on the dangerous deny-list.
func Authorize(sql string, roles []string) error {
	if len(roles) == 0 {
		return authorizeByDenyList(sql)
	}

	class := ClassifyStatement(sql)
	allowed := requiredRoles[class]
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[strings.ToLower(r)] = struct{}{}
	}
	for _, need := range allowed {
		if _, ok := roleSet[need]; ok {
			return nil
		}
	}
	return fmt.Errorf("sqlguard: role set %v is not authorized for %s-class statement", roles, class)
}

func authorizeByDenyList(sql string) error {
	upper := strings.ToUpper(sql)
	for _, kw := range dangerousKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("sqlguard: statement contains dangerous keyword %q and no roles were derived for this session", kw)
		}
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var identifierPatternWithBackslash = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\\]*$`)

// ValidateIdentifier checks name against the broker's identifier grammar.
// allowBackslash permits the DOMAIN\user form SQL Server identity switching
// requires; PostgreSQL identifiers never allow it.
func ValidateIdentifier(name string, allowBackslash bool) error {
	if name == "" {
		return fmt.Errorf("sqlguard: identifier must not be empty")
	}
	pattern := identifierPattern
	if allowBackslash {
		pattern = identifierPatternWithBackslash
	}
	if !pattern.MatchString(name) {
		return fmt.Errorf("sqlguard: identifier %q does not match the allowed pattern", name)
	}
	return nil
}

// QuotePostgresIdentifier double-quotes name for use as a PostgreSQL
// identifier, doubling any embedded double quote per the engine's escaping
// rule. name must already have passed ValidateIdentifier.
func QuotePostgresIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
