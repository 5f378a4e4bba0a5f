package core

import "strings"

// LatestVersion is the wildcard version string that matches any published
// version of a template.
const LatestVersion = "latest"

// AgentID identifies an agent template, fully or partially qualified:
// "publisher/name@version", "publisher/name", "name@version", or "name".
type AgentID struct {
	Publisher string // empty if unset
	Name      string
	Version   string // empty if unset
}

// String renders the identifier in canonical publisher/name@version form,
// omitting parts that are unset.
func (a AgentID) String() string {
	var b strings.Builder
	if a.Publisher != "" {
		b.WriteString(a.Publisher)
		b.WriteByte('/')
	}
	b.WriteString(a.Name)
	if a.Version != "" {
		b.WriteByte('@')
		b.WriteString(a.Version)
	}
	return b.String()
}

// ParseAgentID parses "publisher/name@version" leniently: publisher and
// version are optional and any field may be empty in the result. This is
// the lenient form referenced in spec §6.
func ParseAgentID(raw string) AgentID {
	raw = strings.TrimSpace(raw)

	var id AgentID
	if slash := strings.IndexByte(raw, '/'); slash >= 0 {
		id.Publisher = raw[:slash]
		raw = raw[slash+1:]
	}
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		id.Version = raw[at+1:]
		raw = raw[:at]
	}
	id.Name = raw
	return id
}

// ParseAgentIDStrict parses "publisher/name@version" accepting only fully
// qualified identifiers; it reports ok=false if publisher, name, or version
// is missing.
func ParseAgentIDStrict(raw string) (id AgentID, ok bool) {
	id = ParseAgentID(raw)
	if id.Publisher == "" || id.Name == "" || id.Version == "" {
		return AgentID{}, false
	}
	return id, true
}

// MatchSpawnable implements the spawn permission rule (spec §4.4, testable
// property 6): a child c is permitted against an allowed entry s iff
// name(s) == name(c) and each of publisher/version either is unset on
// either side or matches, with "latest" on either side treated as a
// wildcard for version. Matching is asymmetric: extra qualifiers on either
// side never block a match once the names agree.
func MatchSpawnable(allowed AgentID, child AgentID) bool {
	if allowed.Name != child.Name {
		return false
	}
	if allowed.Publisher != "" && child.Publisher != "" && allowed.Publisher != child.Publisher {
		return false
	}
	if !versionMatches(allowed.Version, child.Version) {
		return false
	}
	return true
}

func versionMatches(allowed, child string) bool {
	if allowed == "" || child == "" {
		return true
	}
	if allowed == LatestVersion || child == LatestVersion {
		return true
	}
	return allowed == child
}

// ResolveSpawnable finds the first entry in allowed that matches child,
// returning it (not the raw child identifier) so the template resolver
// uses the allowed list's own qualifiers, per spec §4.4: "The matched
// allowed identifier (not the raw child identifier) is used to resolve
// the template." When multiple entries match (possible via the "latest"
// wildcard), the first match in list order wins; tie-break among
// candidates is otherwise implementation-defined per the spec's open
// question.
func ResolveSpawnable(allowed []AgentID, child AgentID) (AgentID, bool) {
	for _, a := range allowed {
		if MatchSpawnable(a, child) {
			return a, true
		}
	}
	return AgentID{}, false
}
