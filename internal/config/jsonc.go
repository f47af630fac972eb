package config

import (
	"strings"
)

// stripJSONComments removes // and /* */ comments from JSONC content,
// leaving string contents untouched.
func stripJSONComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	inString := false
	for i < len(input) {
		if input[i] == '"' && (i == 0 || input[i-1] != '\\') {
			inString = !inString
			result.WriteByte(input[i])
			i++
			continue
		}

		if !inString {
			// Line comment //
			if i+1 < len(input) && input[i] == '/' && input[i+1] == '/' {
				for i < len(input) && input[i] != '\n' {
					i++
				}
				continue
			}

			// Block comment /* */
			if i+1 < len(input) && input[i] == '/' && input[i+1] == '*' {
				i += 2
				for i+1 < len(input) {
					if input[i] == '*' && input[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}

		result.WriteByte(input[i])
		i++
	}

	return []byte(result.String())
}
