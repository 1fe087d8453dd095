package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// parseValue reads a command-line value as JSON, falling back to the raw
// string. JSON numbers without a fraction become int64.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return fromJSON(v)
}

func fromJSON(v any) any {
	switch v := v.(type) {
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
		return v
	case []any:
		for i := range v {
			v[i] = fromJSON(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = fromJSON(v[k])
		}
		return v
	default:
		return v
	}
}

// toJSON converts decoded msgpack values into something encoding/json
// accepts: map keys become strings.
func toJSON(v any) any {
	switch v := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = toJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = toJSON(e)
		}
		return out
	default:
		return v
	}
}

func formatValue(v any) (string, error) {
	b, err := json.Marshal(toJSON(v))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatState(v wire.StateValue) (string, error) {
	val, known := v.Get()
	if !known {
		return "unknown", nil
	}
	return formatValue(val)
}

func printValue(cmd *cobra.Command, v any) error {
	s, err := formatValue(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

func printState(cmd *cobra.Command, v wire.StateValue) error {
	s, err := formatState(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

func printLine(cmd *cobra.Command, path string, v any) error {
	s, err := formatValue(v)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", path, s)
	return nil
}

func printStateLine(cmd *cobra.Command, path string, v wire.StateValue) error {
	s, err := formatState(v)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", path, s)
	return nil
}
