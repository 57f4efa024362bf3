package recovery

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// FormatOutput formats an extraction result according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		encoder.SetIndent(2)
		return encoder.Encode(response)
	case "table", "":
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatTable(out io.Writer, response *Response) error {
	r := response.Report
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", response.FilePath)
	if r.Stream != "" {
		fmt.Fprintf(w, "Stream:\t%s\n", r.Stream)
	}
	fmt.Fprintf(w, "Output:\t%s\n", response.OutputPath)
	if r.RawEFS {
		fmt.Fprintf(w, "Format:\traw EFS export\n")
	}
	fmt.Fprintf(w, "Written:\t%d of %d bytes\n", r.Written, r.Size)
	if r.Deleted {
		fmt.Fprintf(w, "Condition:\t%s\n", r.Condition)
	}
	if p := response.Partial; p != nil {
		fmt.Fprintf(w, "Clusters read:\t%d\n", p.Read)
		fmt.Fprintf(w, "Clusters missing:\t%d\n", p.Missing)
		fmt.Fprintf(w, "Clusters overwritten:\t%d\n", p.Overwritten)
		if p.Cause != "" {
			fmt.Fprintf(w, "Read error:\t%s\n", p.Cause)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if r.Warning != "" {
		fmt.Fprintf(out, "\nWarning: %s\n", r.Warning)
	}
	return nil
}
