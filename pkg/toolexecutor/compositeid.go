package toolexecutor

import "strings"

// External tool names are namespaced by provider. Two encodings exist and
// both must keep decoding:
//
//	separator: mcp__<provider>__<tool>   (safe for model function names)
//	delimited: mcp:<provider>.<tool>     (allow-lists, older clients)
//
// Provider ids never contain "__", ".", ":" and never end in "_", so the
// first separator after the prefix always ends the provider id and tool
// names may contain anything.
const (
	separatorPrefix = "mcp__"
	separator       = "__"
	delimitedPrefix = "mcp:"
	delimiter       = "."
)

// CompositeID identifies a tool on an external provider.
type CompositeID struct {
	ProviderID string
	ToolName   string
}

// EncodeSeparator returns the separator encoding of (provider, tool).
func EncodeSeparator(providerID, toolName string) string {
	return separatorPrefix + providerID + separator + toolName
}

// EncodeDelimited returns the delimited encoding of (provider, tool).
func EncodeDelimited(providerID, toolName string) string {
	return delimitedPrefix + providerID + delimiter + toolName
}

// String returns the separator encoding, used as the canonical tool name.
func (c CompositeID) String() string {
	return EncodeSeparator(c.ProviderID, c.ToolName)
}

// DecodeComposite tries the separator encoding first and then the delimited one.
func DecodeComposite(name string) (CompositeID, bool) {
	if rest, ok := strings.CutPrefix(name, separatorPrefix); ok {
		if provider, tool, found := strings.Cut(rest, separator); found && provider != "" && tool != "" {
			return CompositeID{ProviderID: provider, ToolName: tool}, true
		}
	}
	if rest, ok := strings.CutPrefix(name, delimitedPrefix); ok {
		if provider, tool, found := strings.Cut(rest, delimiter); found && provider != "" && tool != "" {
			return CompositeID{ProviderID: provider, ToolName: tool}, true
		}
	}
	return CompositeID{}, false
}

// ValidProviderID reports whether id can be embedded in both encodings unambiguously.
func ValidProviderID(id string) bool {
	return id != "" &&
		!strings.Contains(id, separator) &&
		!strings.HasSuffix(id, "_") &&
		!strings.ContainsAny(id, ".: ")
}
