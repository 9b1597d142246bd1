package catalog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const ecsvSignature = "%ECSV"

// Column is one entry of the ECSV datatype header.
type Column struct {
	Name     string `yaml:"name"`
	Datatype string `yaml:"datatype"`
}

type ecsvHeader struct {
	Delimiter string   `yaml:"delimiter"`
	Datatype  []Column `yaml:"datatype"`
}

// Table is the content of an ECSV file as rows of strings keyed by column.
type Table struct {
	Columns []Column
	Rows    []map[string]string
}

// ReadECSV parses an ECSV file. The commented header is YAML; the body is
// delimited text whose first line names the columns.
func ReadECSV(r io.Reader) (*Table, error) {
	var header strings.Builder
	var body strings.Builder

	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			meta := strings.TrimPrefix(strings.TrimPrefix(line, "#"), " ")
			if first && strings.HasPrefix(meta, ecsvSignature) {
				first = false
				continue
			}
			first = false
			if meta == "---" {
				continue
			}
			header.WriteString(meta)
			header.WriteString("\n")
			continue
		}
		first = false
		if strings.TrimSpace(line) == "" {
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ECSV: %w", err)
	}

	var h ecsvHeader
	if header.Len() > 0 {
		if err := yaml.Unmarshal([]byte(header.String()), &h); err != nil {
			return nil, fmt.Errorf("failed to parse ECSV header: %w", err)
		}
	}

	cr := csv.NewReader(strings.NewReader(body.String()))
	cr.Comma = ' '
	if h.Delimiter != "" {
		cr.Comma = []rune(h.Delimiter)[0]
	}
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECSV body: %w", err)
	}

	t := &Table{Columns: h.Datatype}
	if len(records) == 0 {
		return t, nil
	}

	names := records[0]
	if len(t.Columns) == 0 {
		for _, n := range names {
			t.Columns = append(t.Columns, Column{Name: n})
		}
	}

	for i, rec := range records[1:] {
		if len(rec) != len(names) {
			return nil, fmt.Errorf("row %d has %d values, header has %d", i+1, len(rec), len(names))
		}
		row := make(map[string]string, len(names))
		for j, n := range names {
			row[n] = rec[j]
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// Require fails when any of the named columns is missing.
func (t *Table) Require(names ...string) error {
	have := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		have[c.Name] = true
	}
	for _, n := range names {
		if !have[n] {
			return fmt.Errorf("missing column %q", n)
		}
	}
	return nil
}

// WriteECSV writes a comma delimited ECSV file.
func WriteECSV(w io.Writer, columns []Column, rows [][]string) error {
	h := ecsvHeader{Delimiter: ",", Datatype: columns}
	meta, err := yaml.Marshal(&h)
	if err != nil {
		return fmt.Errorf("failed to render ECSV header: %w", err)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s 1.0\n# ---\n", ecsvSignature)
	for _, line := range strings.Split(strings.TrimRight(string(meta), "\n"), "\n") {
		fmt.Fprintf(bw, "# %s\n", line)
	}

	cw := csv.NewWriter(bw)
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	if err := cw.Write(names); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write ECSV rows: %w", err)
	}
	return bw.Flush()
}

func readECSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadECSV(f)
}
