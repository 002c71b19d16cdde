// Package parser turns free-form chat text into validated command arguments.
// Tokenization is shell-like so display names with spaces can be quoted, and
// numeric coercion accepts both comma and dot decimal separators.
package parser

import (
	"fmt"
	"strings"

	"github.com/h8man13/h8man-finance-sub000/common/convert"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
)

// Commands whose symbol arguments are uppercased after validation. Quote
// lookups normalize case upstream; mutations should store canonical symbols.
var uppercaseSymbols = map[string]bool{
	"add":    true,
	"remove": true,
	"buy":    true,
	"sell":   true,
}

// Tokenize splits s on whitespace while honoring single and double quotes,
// so `rename aapl "Apple Inc"` yields three tokens. Quotes are stripped;
// an unterminated quote runs to the end of the input.
func Tokenize(s string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
		open   bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case open:
			if r == quote {
				open = false
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			open = true
			quote = r
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Validate fills the command's argument schema from tokens, falling back to
// values gathered in an earlier prompt round. It returns the merged values,
// the required argument names still missing, and a single user-facing error
// string ("" when the tokens were acceptable). Values are normalized strings:
// scalars as string, variadic arguments as []string.
func Validate(cmd *registry.Command, tokens []string, prior map[string]any) (map[string]any, []string, string) {
	values := make(map[string]any, len(cmd.Args))
	for k, v := range prior {
		values[k] = v
	}

	var (
		missing []string
		errs    []string
		ti      int
	)
	for i := range cmd.Args {
		arg := &cmd.Args[i]
		if arg.Many {
			items, consumed, errMsg := coerceMany(arg, tokens[ti:])
			ti += consumed
			if errMsg != "" {
				errs = append(errs, errMsg)
				continue
			}
			if len(items) == 0 {
				if existing, ok := values[arg.Name].([]string); ok && len(existing) > 0 {
					continue
				}
				if arg.Required {
					missing = append(missing, arg.Name)
				}
				continue
			}
			values[arg.Name] = items
			continue
		}
		if _, ok := values[arg.Name]; ok {
			continue
		}
		if ti >= len(tokens) {
			if arg.Required {
				missing = append(missing, arg.Name)
			}
			continue
		}
		v, err := coerce(arg, tokens[ti])
		ti++
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		values[arg.Name] = v
	}
	if ti < len(tokens) {
		errs = append(errs, fmt.Sprintf("unexpected argument %q", tokens[ti]))
	}
	if len(errs) > 0 {
		return values, missing, strings.Join(errs, "; ")
	}

	if uppercaseSymbols[cmd.Name] {
		if s, ok := values["symbol"].(string); ok {
			values["symbol"] = strings.ToUpper(s)
		}
	}
	return values, missing, ""
}

func coerce(arg *registry.Arg, token string) (string, error) {
	switch arg.Type {
	case registry.TypeString:
		return token, nil
	case registry.TypeEnum:
		lowered := strings.ToLower(token)
		for _, v := range arg.Values {
			if lowered == strings.ToLower(v) {
				return v, nil
			}
		}
		return "", fmt.Errorf("%s must be one of %s", arg.Name, strings.Join(arg.Values, ", "))
	case registry.TypeInteger:
		n, err := convert.Int64FromString(token)
		if err != nil {
			return "", fmt.Errorf("%s must be a whole number", arg.Name)
		}
		if err := checkRange(arg, float64(n)); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", n), nil
	case registry.TypeNumber:
		d, err := convert.DecimalFromString(token)
		if err != nil {
			return "", fmt.Errorf("%s must be a number", arg.Name)
		}
		f, _ := d.Float64()
		if err := checkRange(arg, f); err != nil {
			return "", err
		}
		return d.String(), nil
	case registry.TypePercent:
		d, err := convert.PercentFromString(token)
		if err != nil {
			return "", fmt.Errorf("%s must be a percentage", arg.Name)
		}
		f, _ := d.Float64()
		if err := checkRange(arg, f); err != nil {
			return "", err
		}
		return d.String(), nil
	}
	return "", fmt.Errorf("%s has unsupported type %s", arg.Name, arg.Type)
}

func coerceMany(arg *registry.Arg, tokens []string) ([]string, int, string) {
	if len(tokens) == 0 {
		return nil, 0, ""
	}
	items := make([]string, 0, len(tokens))
	var errs []string
	for _, tok := range tokens {
		v, err := coerce(arg, tok)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		items = append(items, v)
	}
	if len(errs) > 0 {
		return nil, len(tokens), strings.Join(errs, "; ")
	}
	if arg.MinItems > 0 && len(items) < arg.MinItems {
		return nil, len(tokens), fmt.Sprintf("%s needs at least %d value(s)", arg.Name, arg.MinItems)
	}
	if arg.MaxItems > 0 && len(items) > arg.MaxItems {
		return nil, len(tokens), fmt.Sprintf("%s accepts at most %d value(s)", arg.Name, arg.MaxItems)
	}
	return items, len(tokens), ""
}

func checkRange(arg *registry.Arg, v float64) error {
	if arg.Min != nil && v < *arg.Min {
		return fmt.Errorf("%s must be at least %s", arg.Name, trimFloat(*arg.Min))
	}
	if arg.Max != nil && v > *arg.Max {
		return fmt.Errorf("%s must be at most %s", arg.Name, trimFloat(*arg.Max))
	}
	return nil
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
