package topology

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"vinr.eu/rollout/internal/errs"
)

var (
	ErrUnresolved  = errors.New("topology: unresolved variables")
	ErrInvalidVars = errors.New("topology: invalid variables")
)

var varName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Render substitutes ${VAR}, ${VAR:-default}, ${VAR-default}, ${VAR:?msg}
// and ${VAR?msg} placeholders from vars. Defaults may hold placeholders of
// their own. $$ is left for compose to unescape. Every placeholder without a
// value or default is reported at once.
func Render(raw []byte, vars map[string]string) ([]byte, error) {
	missing := map[string]bool{}
	out, err := expand(string(raw), vars, missing)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, errs.WrapMsg(ErrUnresolved, strings.Join(names, ", "))
	}
	return []byte(out), nil
}

func expand(s string, vars map[string]string, missing map[string]bool) (string, error) {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			out.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '$':
			out.WriteString("$$")
			i++
			continue
		case '{':
		default:
			out.WriteByte(c)
			continue
		}
		end := closingBrace(s, i+2)
		if end < 0 {
			return "", errs.WrapMsg(ErrUnresolved, "unterminated placeholder")
		}
		value, err := resolve(s[i+2:end], vars, missing)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
		i = end
	}
	return out.String(), nil
}

// closingBrace returns the index of the brace that closes the placeholder
// whose body starts at from, or -1.
func closingBrace(s string, from int) int {
	depth := 1
	for j := from; j < len(s); j++ {
		switch {
		case s[j] == '$' && j+1 < len(s) && s[j+1] == '$':
			j++
		case s[j] == '$' && j+1 < len(s) && s[j+1] == '{':
			depth++
			j++
		case s[j] == '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func splitExpr(expr string) (string, string) {
	if i := strings.IndexAny(expr, ":-?"); i >= 0 {
		return expr[:i], expr[i:]
	}
	return expr, ""
}

// resolve evaluates one placeholder body. A default is only expanded when it
// is used, so names inside an unused default are not required.
func resolve(expr string, vars map[string]string, missing map[string]bool) (string, error) {
	name, op := splitExpr(expr)
	value, set := vars[name]
	var word string
	switch {
	case op == "":
		if !set {
			missing[name] = true
		}
		return value, nil
	case strings.HasPrefix(op, ":-"):
		if set && value != "" {
			return value, nil
		}
		word = op[2:]
	case strings.HasPrefix(op, "-"):
		if set {
			return value, nil
		}
		word = op[1:]
	case strings.HasPrefix(op, ":?"):
		if !set || value == "" {
			missing[name] = true
		}
		return value, nil
	case strings.HasPrefix(op, "?"):
		if !set {
			missing[name] = true
		}
		return value, nil
	default:
		missing[name] = true
		return "", nil
	}
	return expand(word, vars, missing)
}

// Placeholders lists the variable names referenced by raw, nested defaults
// included, sorted.
func Placeholders(raw []byte) []string {
	seen := map[string]bool{}
	walkPlaceholders(string(raw), func(name string) { seen[name] = true })
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func walkPlaceholders(s string, visit func(name string)) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '$' {
			continue
		}
		if s[i+1] == '$' {
			i++
			continue
		}
		if s[i+1] != '{' {
			continue
		}
		end := closingBrace(s, i+2)
		if end < 0 {
			return
		}
		name, op := splitExpr(s[i+2 : end])
		visit(name)
		walkPlaceholders(op, visit)
		i = end
	}
}

// maskPlaceholders replaces every outermost placeholder in s with with.
func maskPlaceholders(s, with string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			if end := closingBrace(s, i+2); end >= 0 {
				out.WriteString(with)
				i = end
				continue
			}
		}
		out.WriteByte(s[i])
	}
	return out.String()
}

// RenderDocument renders doc with vars and parses the result so it can be
// validated as it will run.
func RenderDocument(doc *Document, vars map[string]string) (*Descriptor, error) {
	rendered, err := Render(doc.Raw, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", doc.Path, err)
	}
	return Parse(rendered)
}

var bareValue = regexp.MustCompile(`^[A-Za-z0-9_./:@+,=-]*$`)

// EnvFile encodes vars as a compose env file, one KEY=VALUE per line in key
// order.
func EnvFile(vars map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !varName.MatchString(k) {
			return nil, errs.WrapMsg(ErrInvalidVars, fmt.Sprintf("invalid name %q", k))
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for _, k := range keys {
		v := vars[k]
		switch {
		case strings.ContainsAny(v, "\r\n"):
			return nil, errs.WrapMsg(ErrInvalidVars, fmt.Sprintf("%s spans several lines", k))
		case bareValue.MatchString(v):
			fmt.Fprintf(&b, "%s=%s\n", k, v)
		case !strings.Contains(v, "'"):
			fmt.Fprintf(&b, "%s='%s'\n", k, v)
		default:
			r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
			fmt.Fprintf(&b, "%s=\"%s\"\n", k, r.Replace(v))
		}
	}
	return b.Bytes(), nil
}
