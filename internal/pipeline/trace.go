package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TraceRow is one stage of the pipeline's execution trace.
type TraceRow struct {
	Name   string
	Exit   int
	Status string
}

// Assessment is the verdict over a whole trace. Retryable is set only for
// stage failures that look like transient infrastructure trouble rather
// than a judgement on the data.
type Assessment struct {
	Errors    []string
	Retryable bool
}

// OK reports whether every stage either succeeded or failed benignly.
func (a Assessment) OK() bool { return len(a.Errors) == 0 }

// benignExits lists stage-name fragments whose listed non-zero exits mean
// "nothing to do", not failure. Exit 2 from a read-extraction stage means
// no reads survived filtering, which is a legitimate empty result.
var benignExits = map[string][]int{
	"extract_taxa_reads":   {2},
	"extract_paired_reads": {2},
}

// qualityExits lists stage-name fragments whose listed exits are verdicts
// on the data itself. These fail the job but must not trigger a rerun: the
// same input will fail the same way.
var qualityExits = map[string]map[int]string{
	"check_contamination": {
		3: "proportion of disallowed content exceeds the permitted threshold",
	},
	"validate_metadata": {
		3: "metadata failed pipeline consistency checks",
	},
}

// ParseTrace reads a tab-separated execution trace. The header row names
// the columns; name, exit and status must be present.
func ParseTrace(r io.Reader) ([]TraceRow, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: read trace header: %w", err)
		}
		return nil, fmt.Errorf("pipeline: execution trace is empty")
	}

	columns := map[string]int{}
	for i, name := range strings.Split(scanner.Text(), "\t") {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"name", "exit", "status"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("pipeline: execution trace lacks %q column", required)
		}
	}

	var rows []TraceRow
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < len(columns) {
			return nil, fmt.Errorf("pipeline: short trace row %q", line)
		}

		exitField := strings.TrimSpace(fields[columns["exit"]])
		exit := 0
		if exitField != "" && exitField != "-" {
			parsed, err := strconv.Atoi(exitField)
			if err != nil {
				return nil, fmt.Errorf("pipeline: trace exit %q: %w", exitField, err)
			}
			exit = parsed
		}

		rows = append(rows, TraceRow{
			Name:   strings.TrimSpace(fields[columns["name"]]),
			Exit:   exit,
			Status: strings.TrimSpace(fields[columns["status"]]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: read trace: %w", err)
	}
	return rows, nil
}

// Classify folds a trace into a verdict. Benign exits pass; data-quality
// exits fail with a specific message and no retry; every other non-zero
// exit fails with a generic message and is retryable, since it may be
// transient infrastructure trouble.
func Classify(rows []TraceRow) Assessment {
	var out Assessment
	for _, row := range rows {
		if row.Exit == 0 {
			continue
		}
		if matchesExit(benignExits, row) {
			continue
		}
		if msg, ok := qualityMessage(row); ok {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", stageBase(row.Name), msg))
			continue
		}
		out.Errors = append(out.Errors,
			fmt.Sprintf("pipeline stage %s failed with exit %d", stageBase(row.Name), row.Exit))
		out.Retryable = true
	}
	return out
}

func matchesExit(table map[string][]int, row TraceRow) bool {
	for fragment, exits := range table {
		if !strings.Contains(row.Name, fragment) {
			continue
		}
		for _, exit := range exits {
			if row.Exit == exit {
				return true
			}
		}
	}
	return false
}

func qualityMessage(row TraceRow) (string, bool) {
	for fragment, exits := range qualityExits {
		if !strings.Contains(row.Name, fragment) {
			continue
		}
		if msg, ok := exits[row.Exit]; ok {
			return msg, true
		}
	}
	return "", false
}

// stageBase strips the parenthesised task annotation trace rows carry,
// e.g. "validate:check_contamination (sampleA)".
func stageBase(name string) string {
	if i := strings.IndexByte(name, '('); i > 0 {
		return strings.TrimSpace(name[:i])
	}
	return name
}
