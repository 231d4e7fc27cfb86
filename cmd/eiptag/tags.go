package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"eiptag/logix"
)

var readCmd = &cobra.Command{
	Use:   "read TAG...",
	Short: "Read one or more tags",
	Long:  "Read tags by name. Several tags are read together in as few requests as the controller allows.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		results := c.ReadBatch(cmd.Context(), args)
		printResults(cmd.OutOrStdout(), results)
		return firstFailure(results)
	},
}

var writeType string

var writeCmd = &cobra.Command{
	Use:   "write TAG VALUE",
	Short: "Write a value to a tag",
	Long: `Write a value to a tag. Without --type the tag's own type is used, and
the value must fit it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := logix.TypeUnknown
		if writeType != "" {
			t, err := logix.ParseDataType(writeType)
			if err != nil {
				return fmt.Errorf("%w (supported: %s)", err, strings.Join(logix.SupportedTypeNames(), ", "))
			}
			typ = t
		}
		v, err := logix.ParseValue(args[1], typ)
		if err != nil {
			return err
		}

		c, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		var res logix.TagResult
		if typ != logix.TypeUnknown {
			res = c.WriteTag(cmd.Context(), args[0], v, typ)
		} else {
			res = c.WriteTag(cmd.Context(), args[0], v)
		}
		printResults(cmd.OutOrStdout(), []logix.TagResult{res})
		return firstFailure([]logix.TagResult{res})
	},
}

var discoverLimit int

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the controller's tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		out := cmd.OutOrStdout()
		n := 0
		for m, err := range c.DiscoverTags(cmd.Context()) {
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			fmt.Fprintln(out, formatTag(m))
			n++
			if discoverLimit > 0 && n >= discoverLimit {
				break
			}
		}
		fmt.Fprintf(out, "%d tags\n", n)
		return nil
	},
}

func init() {
	writeCmd.Flags().StringVarP(&writeType, "type", "t", "", "data type of the value (BOOL, DINT, REAL, ...)")
	discoverCmd.Flags().IntVarP(&discoverLimit, "limit", "n", 0, "stop after this many tags (0 = all)")
}

func printResults(w io.Writer, results []logix.TagResult) {
	for _, r := range results {
		fmt.Fprintln(w, r.String())
	}
}

func firstFailure(results []logix.TagResult) error {
	failed := 0
	var first error
	for _, r := range results {
		if !r.Success {
			if first == nil {
				first = r.Err
			}
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	if failed == 1 {
		return first
	}
	return fmt.Errorf("%d of %d operations failed, first: %w", failed, len(results), first)
}

func formatTag(m logix.TagMetadata) string {
	typ := m.Type.String()
	if m.IsArray() {
		dims := make([]string, len(m.Dimensions))
		for i, d := range m.Dimensions {
			dims[i] = fmt.Sprint(d)
		}
		typ += "[" + strings.Join(dims, ",") + "]"
	}
	return fmt.Sprintf("%-40s %-14s instance=%d", m.Name, typ, m.Instance)
}
