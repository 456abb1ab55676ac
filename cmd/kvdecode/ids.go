package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIDList parses "1,2, 3" into ids.
func parseIDList(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseBatch parses rows separated by ';', e.g. "1,2,3;4,5,6".
func parseBatch(s string) ([][]int, error) {
	var rows [][]int
	for i, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		row, err := parseIDList(part)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return rows, nil
}

// promptBatch resolves --ids or --prompt into a batch of token ids.
func promptBatch(ids, prompt string, batch int, encode func(string) ([]int, error)) ([][]int, error) {
	switch {
	case ids != "" && prompt != "":
		return nil, fmt.Errorf("--ids and --prompt are mutually exclusive")
	case ids != "":
		return parseBatch(ids)
	case prompt == "":
		return nil, fmt.Errorf("--prompt or --ids is required")
	case encode == nil:
		return nil, fmt.Errorf("no tokenizer available for this model; use --ids")
	}
	row, err := encode(prompt)
	if err != nil {
		return nil, err
	}
	out := make([][]int, max(batch, 1))
	for i := range out {
		out[i] = row
	}
	return out, nil
}

func formatIDs(ids []int) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(id))
	}
	return sb.String()
}
