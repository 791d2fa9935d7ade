package main

import (
	"encoding/json"
	"reflect"

	"github.com/spf13/cobra"
)

// addJSONFlag registers the --json switch shared by inspection commands.
func addJSONFlag(cmd *cobra.Command, target *bool) {
	cmd.Flags().BoolVar(target, "json", false, "Output as JSON")
}

// writeJSON encodes v as indented JSON to the command's stdout. Nil slices and
// maps print as [] and {} so scripts can always iterate the result.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(emptyIfNil(v))
}

func emptyIfNil(v any) any {
	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Slice && rv.IsNil():
		return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
	case rv.Kind() == reflect.Map && rv.IsNil():
		return reflect.MakeMap(rv.Type()).Interface()
	default:
		return v
	}
}
