package jira

import "strings"

// adfNode is a node of the Atlassian Document Format used by Jira Cloud for
// rich text fields.
type adfNode struct {
	Type    string    `json:"type"`
	Version int       `json:"version,omitempty"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// toADF renders plain text as a document with one paragraph per line.
func toADF(text string) adfNode {
	doc := adfNode{Type: "doc", Version: 1}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		doc.Content = append(doc.Content, adfNode{
			Type:    "paragraph",
			Content: []adfNode{{Type: "text", Text: line}},
		})
	}
	if len(doc.Content) == 0 {
		doc.Content = []adfNode{{Type: "paragraph"}}
	}
	return doc
}

// plainText flattens a document back to text, one line per block.
func plainText(n *adfNode) string {
	if n == nil {
		return ""
	}
	var lines []string
	var walk func(n adfNode, line *strings.Builder)
	walk = func(n adfNode, line *strings.Builder) {
		switch n.Type {
		case "text":
			line.WriteString(n.Text)
		case "hardBreak":
			line.WriteString("\n")
		default:
			for _, c := range n.Content {
				walk(c, line)
			}
		}
	}
	for _, block := range n.Content {
		var line strings.Builder
		walk(block, &line)
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
