package tools

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	defaultServerName = "notebook"
	maxXMLSize        = 1024 * 1024 // 1MB limit for one tool call
	argumentsTagName  = "arguments"
)

var toolRegex = regexp.MustCompile(`(?s)<tool>.*?</tool>`)

// ampersandEntityRegex matches ampersands that are already part of XML entities
// to avoid double-escaping them. Matches: &amp; &lt; &gt; &quot; &apos; &#123; &#xAB;
var ampersandEntityRegex = regexp.MustCompile(`&(?:amp|lt|gt|quot|apos|#\d+|#x[0-9a-fA-F]+);`)

// ParseToolCall extracts the first <tool> element from text.
//
// Returns the parsed ToolCall and the text after the tool call, or an error
// if parsing fails.
func ParseToolCall(text string) (*ToolCall, string, error) {
	if len(text) > maxXMLSize {
		return nil, text, fmt.Errorf("tool call XML exceeds maximum size of %d bytes", maxXMLSize)
	}

	loc := toolRegex.FindStringIndex(text)
	if loc == nil {
		return nil, text, fmt.Errorf("no tool call found in text")
	}
	toolXML := strings.TrimSpace(text[loc[0]:loc[1]])
	rest := strings.TrimSpace(text[loc[1]:])

	var toolCall ToolCall
	if err := UnmarshalXMLWithFallback([]byte(toolXML), &toolCall); err != nil {
		snippet := toolXML
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, rest, fmt.Errorf("failed to unmarshal tool call XML: %w\nXML snippet: %s", err, snippet)
	}
	if err := ValidateToolCall(&toolCall); err != nil {
		return nil, rest, err
	}
	return &toolCall, rest, nil
}

// HasToolCall checks if the text contains a complete tool call.
func HasToolCall(text string) bool {
	return toolRegex.MatchString(text)
}

// ValidateToolCall checks required fields and fills in the server name.
func ValidateToolCall(tc *ToolCall) error {
	if tc == nil {
		return fmt.Errorf("tool call is nil")
	}
	tc.ToolName = strings.TrimSpace(tc.ToolName)
	if tc.ToolName == "" {
		return fmt.Errorf("tool_name is required in tool call")
	}
	if tc.ServerName == "" {
		tc.ServerName = defaultServerName
	}
	return nil
}

// UnmarshalXMLWithFallback attempts to unmarshal XML, with fallback to
// escape unescaped ampersands if the initial parse fails. Agents often put
// bare & into URLs and questions.
func UnmarshalXMLWithFallback(data []byte, v interface{}) error {
	err := xml.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	return xml.Unmarshal(escapeUnescapedAmpersands(data), v)
}

// escapeUnescapedAmpersands replaces bare & with &amp; while preserving
// existing entities.
func escapeUnescapedAmpersands(data []byte) []byte {
	text := string(data)

	entityPositions := make(map[int]bool)
	for _, match := range ampersandEntityRegex.FindAllStringIndex(text, -1) {
		entityPositions[match[0]] = true
	}

	var result strings.Builder
	result.Grow(len(text) + 20)
	for i := 0; i < len(text); i++ {
		if text[i] == '&' && !entityPositions[i] {
			result.WriteString("&amp;")
		} else {
			result.WriteByte(text[i])
		}
	}
	return []byte(result.String())
}

// XMLToMap flattens the direct children of <arguments> into a map, for
// logging and events.
func XMLToMap(data []byte) (map[string]interface{}, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	result := make(map[string]interface{})

	var currentPath []string
	var currentText strings.Builder

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse XML: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			currentPath = append(currentPath, t.Name.Local)
			currentText.Reset()

		case xml.EndElement:
			if len(currentPath) == 0 {
				continue
			}
			elementName := currentPath[len(currentPath)-1]
			currentPath = currentPath[:len(currentPath)-1]

			if len(currentPath) == 1 && currentPath[0] == argumentsTagName {
				if text := strings.TrimSpace(currentText.String()); text != "" {
					result[elementName] = text
				}
			}
			currentText.Reset()

		case xml.CharData:
			currentText.Write(t)
		}
	}
	return result, nil
}
