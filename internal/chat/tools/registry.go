package tools

import "strings"

// Feature names match the capability vocabulary queried on models.
const (
	FeatureKnowledgeBase = "knowledge-base"
	FeatureWebBrowsing   = "web-browsing"
	FeatureFiles         = "files"
)

// Built-in tool names. External (MCP) tools are namespaced by their server
// and never collide with these.
const (
	NameKnowledgeSearch     = "kb_search"
	NameKnowledgeListFiles  = "kb_list_files"
	NameKnowledgeReadChunks = "kb_read_chunks"
	NameKnowledgeFileMeta   = "kb_file_meta"
	NameReadAttachment      = "read_attachment"
	NameWebSearch           = "web_search"
	NameParseLink           = "parse_link"
)

var featureByName = map[string]string{
	NameKnowledgeSearch:     FeatureKnowledgeBase,
	NameKnowledgeListFiles:  FeatureKnowledgeBase,
	NameKnowledgeReadChunks: FeatureKnowledgeBase,
	NameKnowledgeFileMeta:   FeatureKnowledgeBase,
	NameReadAttachment:      FeatureFiles,
	NameWebSearch:           FeatureWebBrowsing,
	NameParseLink:           FeatureWebBrowsing,
}

// FeatureOf returns the capability feature a built-in tool belongs to, or ""
// for unknown/external tools.
func FeatureOf(toolName string) string {
	return featureByName[strings.TrimSpace(toolName)]
}
