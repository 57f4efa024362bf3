package listing

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

const timeLayout = "2006-01-02 15:04"

// FormatOutput formats listing results according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	return render(w, response, format, func() error { return formatTable(w, response) })
}

// FormatInfo formats a volume summary according to output format
func FormatInfo(w io.Writer, response *InfoResponse, format string) error {
	return render(w, response, format, func() error { return formatInfoTable(w, response) })
}

// FormatLost formats a lost cluster map according to output format
func FormatLost(w io.Writer, response *LostResponse, format string) error {
	return render(w, response, format, func() error { return formatLostTable(w, response) })
}

func render(w io.Writer, v interface{}, format string, table func() error) error {
	switch format {
	case "json":
		return formatJSON(w, v)
	case "yaml":
		return formatYAML(w, v)
	case "table", "":
		return table()
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// formatTable formats results as a table
func formatTable(out io.Writer, response *Response) error {
	if len(response.Files) == 0 {
		fmt.Fprintln(out, "No files found matching the search criteria.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	// Header
	fmt.Fprintf(w, "PATH\tSIZE\tMODIFIED\tATTR\tSTATE\tCONDITION\n")
	fmt.Fprintf(w, "----\t----\t--------\t----\t-----\t---------\n")

	// Sort files by path for consistent output
	files := make([]FileResult, len(response.Files))
	copy(files, response.Files)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	for _, file := range files {
		modTime := "-"
		if !file.Modified.IsZero() {
			modTime = file.Modified.Format(timeLayout)
		}
		state := "existing"
		switch {
		case file.Virtual:
			state = "virtual"
		case file.Deleted:
			state = "deleted"
		}
		condition := "-"
		if file.Deleted && file.Type == "file" {
			condition = file.Condition.String()
		}
		name := file.Path
		if len(file.Streams) > 0 {
			name += " [" + strings.Join(file.Streams, ",") + "]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, file.FormatSize(), modTime, file.Attributes, state, condition)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// Summary
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Volume: %s (%s)\n", response.Volume.Path, response.Volume.Type)
	fmt.Fprintf(out, "Found %d entries", response.TotalFound)
	if response.Truncated {
		fmt.Fprintf(out, " (showing first %d)", len(response.Files))
	}
	fmt.Fprintf(out, " in %v\n", response.ScanTime)
	printWarnings(out, response.Warnings)
	return nil
}

func formatInfoTable(out io.Writer, response *InfoResponse) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	v := response.Volume
	fmt.Fprintf(w, "Path:\t%s\n", v.Path)
	if v.Device != "" {
		fmt.Fprintf(w, "Device:\t%s\n", v.Device)
	}
	fmt.Fprintf(w, "Filesystem:\t%s\n", v.Type)
	if v.Version != "" {
		fmt.Fprintf(w, "Version:\t%s\n", v.Version)
	}
	fmt.Fprintf(w, "Bytes per sector:\t%d\n", v.BytesPerSector)
	fmt.Fprintf(w, "Bytes per cluster:\t%d\n", v.BytesPerCluster)
	fmt.Fprintf(w, "Clusters:\t%d\n", v.ClusterCount)
	fmt.Fprintf(w, "Size:\t%s\n", formatBytes(v.TotalSectors*uint64(v.BytesPerSector)))
	fmt.Fprintf(w, "Snapshot:\t%s\n", response.Generation)
	fmt.Fprintf(w, "Options:\t%s\n", response.Options)
	fmt.Fprintf(w, "Files:\t%d\n", response.Files)
	fmt.Fprintf(w, "Directories:\t%d\n", response.Dirs)
	fmt.Fprintf(w, "Deleted:\t%d\n", response.Deleted)

	names := make([]string, 0, len(response.Conditions))
	for name := range response.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s:\t%d\n", name, response.Conditions[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printWarnings(out, response.Warnings)
	return nil
}

func formatLostTable(out io.Writer, response *LostResponse) error {
	if len(response.Segments) == 0 {
		fmt.Fprintln(out, "No lost clusters.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "FIRST\tLAST\tCOUNT\n")
	fmt.Fprintf(w, "-----\t----\t-----\n")
	for _, s := range response.Segments {
		fmt.Fprintf(w, "%d\t%d\t%d\n", s.First, s.First+s.Count-1, s.Count)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d lost clusters (%s) in %d segments\n",
		response.LostClusters, formatBytes(response.LostBytes), len(response.Segments))
	return nil
}

func printWarnings(out io.Writer, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%d metadata warnings:\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(out, "  %s\n", w)
	}
}

// formatJSON formats results as JSON
func formatJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// formatYAML formats results as YAML
func formatYAML(w io.Writer, v interface{}) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(v)
}

// FormatSummary provides a brief summary for verbose output
func FormatSummary(response *Response) string {
	if response.TotalFound == 0 {
		return "No files found"
	}

	var files, deleted int
	var totalSize uint64
	for _, file := range response.Files {
		if file.Type == "dir" {
			continue
		}
		files++
		totalSize += file.Size
		if file.Deleted {
			deleted++
		}
	}

	summary := fmt.Sprintf("Found %d entr", response.TotalFound)
	if response.TotalFound == 1 {
		summary += "y"
	} else {
		summary += "ies"
	}
	if response.Truncated {
		summary += fmt.Sprintf(" (showing %d)", len(response.Files))
	}
	summary += fmt.Sprintf(", %d files (%d deleted) totaling %s", files, deleted, formatBytes(totalSize))
	return summary
}
