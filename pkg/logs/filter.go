package logs

import (
	"fmt"
	"strings"
)

// filterEscaper escapes characters that would break out of a quoted string
// inside a CloudWatch filter pattern. Backslash must be first.
var filterEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// BuildFilterPattern returns a CloudWatch Logs filter pattern matching JSON
// events whose labelKey property equals labelValue, or "" when either part
// is empty (no filtering). Embedded quotes and backslashes are escaped so
// the pattern stays syntactically valid for any input.
func BuildFilterPattern(labelKey, labelValue string) string {
	if labelKey == "" || labelValue == "" {
		return ""
	}
	return fmt.Sprintf(`{ $.%s = "%s" }`, filterEscaper.Replace(labelKey), filterEscaper.Replace(labelValue))
}
