// Package template substitutes execution context values into step input templates.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

// wholePlaceholder matches a value that is exactly one context reference, such as "{{ .A.score }}".
var wholePlaceholder = regexp.MustCompile(`^\{\{\s*\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}$`)

// NeedsTemplating reports whether s contains a template action.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// Substitute resolves every placeholder in input against vars and returns a
// new map. A value that is a single placeholder keeps the native type of the
// referenced value. Placeholders with no binding fail with ErrUnboundVariable.
func Substitute(input map[string]any, vars map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	out, err := substituteValue(input, vars, "")
	if err != nil {
		return nil, err
	}

	result, _ := out.(map[string]any)

	return result, nil
}

func substituteValue(value any, vars map[string]any, path string) (any, error) {
	switch v := value.(type) {
	case string:
		return substituteString(v, vars, path)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			resolved, err := substituteValue(item, vars, joinPath(path, key))
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := substituteValue(item, vars, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, vars map[string]any, path string) (any, error) {
	if !NeedsTemplating(s) {
		return s, nil
	}

	if m := wholePlaceholder.FindStringSubmatch(s); m != nil {
		value, ok := models.LookupPath(vars, m[1])
		if !ok {
			return nil, choreoerr.Newf("substitute", path, choreoerr.ErrUnboundVariable, "%q has no value", m[1])
		}

		return models.CopyMap(map[string]any{"v": value})["v"], nil
	}

	rendered, err := Render(s, vars)
	if err != nil {
		return nil, choreoerr.Newf("substitute", path, choreoerr.ErrUnboundVariable, "%v", err)
	}

	return rendered, nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}

	return prefix + "." + key
}

// Render executes a text/template against data. Missing keys are errors. The
// output is decoded as JSON, a number or a boolean when it looks like one.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("input").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(maxValue int) int {
				if maxValue <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % maxValue
			},
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)

				return string(b), err
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if strings.Contains(result, "<no value>") {
		return nil, fmt.Errorf("template '%s' referenced a missing value", templateStr)
	}

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
