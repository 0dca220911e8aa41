package toolexecutor

import (
	"sort"
	"strings"
)

// BuildCustomization renders provider and per-tool guidance for the bindings
// ps permits. Bindings without guidance or without a live connection are
// skipped, as are per-tool notes for tools ps does not allow. It never
// changes what is permitted.
func BuildCustomization(ps PermissionSet, bindings []BindingInfo) string {
	sorted := append([]BindingInfo(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProviderID < sorted[j].ProviderID })

	var blocks []string
	for _, b := range sorted {
		if b.Status != StatusConnected || !ps.PermitsProvider(b.ProviderID) {
			continue
		}
		if block := customizationBlock(ps, b); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func customizationBlock(ps PermissionSet, b BindingInfo) string {
	prompt := strings.TrimSpace(b.CustomizationPrompt)

	tools := make([]string, 0, len(b.ToolCustomizations))
	for tool, note := range b.ToolCustomizations {
		if strings.TrimSpace(note) != "" && ps.PermitsExternal(b.ProviderID, tool) {
			tools = append(tools, tool)
		}
	}
	sort.Strings(tools)

	if prompt == "" && len(tools) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Guidance for ")
	sb.WriteString(b.DisplayName)
	sb.WriteString(" tools (provider ")
	sb.WriteString(b.ProviderID)
	sb.WriteString(")\n")
	if prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n")
	}
	for _, tool := range tools {
		sb.WriteString("- ")
		sb.WriteString(EncodeSeparator(b.ProviderID, tool))
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(b.ToolCustomizations[tool]))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
