package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/format"
)

func dump(ctx context.Context, path, arch string, symbols bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := format.ParseWithOptions(data, format.Options{Arch: arch})
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return writeDump(output(ctx), c, uint64(len(data)), symbols)
}

func writeDump(out io.Writer, c *debuginfo.Container, size uint64, symbols bool) error {
	id := c.Identity()
	summary := tablewriter.NewWriter(out)
	summary.SetBorder(false)
	summary.SetColumnSeparator("")
	summary.SetAlignment(tablewriter.ALIGN_LEFT)
	summary.Append([]string{"format", c.Format().String()})
	summary.Append([]string{"id", id.ID})
	if id.DebugName != "" {
		summary.Append([]string{"debug name", id.DebugName})
	}
	if c.Arch() != "" {
		summary.Append([]string{"arch", c.Arch()})
	}
	summary.Append([]string{"file size", humanize.Bytes(size)})
	summary.Append([]string{"symbols", strconv.Itoa(len(c.Symbols()))})
	summary.Append([]string{"line info", strconv.FormatBool(c.HasLineInfo())})
	summary.Append([]string{"inline info", strconv.FormatBool(c.HasInlineInfo())})
	summary.Render()

	if !symbols || len(c.Symbols()) == 0 {
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Start", "End", "Name"})
	table.SetAutoWrapText(false)
	for _, s := range c.Symbols() {
		end := fmt.Sprintf("%#x", s.End)
		if s.InferredEnd {
			end += "?"
		}
		table.Append([]string{fmt.Sprintf("%#x", s.Start), end, s.Name})
	}
	table.Render()
	return nil
}
