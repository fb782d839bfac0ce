package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/DJDodds/OctAIvius-sub000/internal/mcp"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// NamespacedName generates the assistant-facing name for an MCP tool:
// "mcp_{serverID}_{toolName}". Both components are sanitized so the
// result is safe to use as an identifier regardless of what the server
// reports.
func NamespacedName(serverID, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverID), sanitize(mcpToolName))
}

// filterTools applies the include/exclude lists from a server config:
//   - If include is non-empty, only tools whose MCP names appear in it survive.
//   - Otherwise tools whose MCP names appear in exclude are dropped.
//   - If both are empty, everything survives.
func filterTools(tools []mcp.ToolDefinition, include, exclude []string) []mcp.ToolDefinition {
	if len(include) == 0 && len(exclude) == 0 {
		return tools
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	out := make([]mcp.ToolDefinition, 0, len(tools))
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
