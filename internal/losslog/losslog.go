// Package losslog appends per-epoch training and validation losses to a
// plain text file and reads them back.
//
// Each epoch is three lines:
//
//	EP#<epoch>,
//	T:<loss_0>,<loss_1>,...
//	V:<loss_0>,<loss_1>,...
package losslog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Record is one epoch's losses, one value per target network.
type Record struct {
	Epoch int
	Train []float64
	Val   []float64
}

// Writer appends records to an open log file.
type Writer struct {
	f *os.File
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open loss log: %w", err)
	}
	return &Writer{f: f}, nil
}

// Append writes one record and syncs it to disk.
func (w *Writer) Append(r Record) error {
	if _, err := io.WriteString(w.f, Format(r)); err != nil {
		return fmt.Errorf("write loss log: %w", err)
	}
	return w.f.Sync()
}

// Close closes the file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Format renders r in the log's line format.
func Format(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EP#%d,\n", r.Epoch)
	b.WriteString("T:" + Join(r.Train) + "\n")
	b.WriteString("V:" + Join(r.Val) + "\n")
	return b.String()
}

// Join formats losses with four decimals, comma separated.
func Join(losses []float64) string {
	parts := make([]string, len(losses))
	for i, v := range losses {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strings.Join(parts, ",")
}

// Read parses every record in the log at path.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads records from r. A trailing epoch without both loss lines is an
// error.
func Parse(r io.Reader) ([]Record, error) {
	var (
		out    []Record
		cur    *Record
		lineNo int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "EP#"):
			if cur != nil {
				return nil, fmt.Errorf("line %d: epoch %d is incomplete", lineNo, cur.Epoch)
			}
			ep, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, "EP#"), ","))
			if err != nil {
				return nil, fmt.Errorf("line %d: epoch: %w", lineNo, err)
			}
			cur = &Record{Epoch: ep}
		case strings.HasPrefix(line, "T:"), strings.HasPrefix(line, "V:"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: losses before epoch header", lineNo)
			}
			vals, err := parseLosses(line[2:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if line[0] == 'T' {
				cur.Train = vals
			} else {
				cur.Val = vals
			}
			if cur.Train != nil && cur.Val != nil {
				out = append(out, *cur)
				cur = nil
			}
		default:
			return nil, fmt.Errorf("line %d: unrecognised line %q", lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("epoch %d is incomplete", cur.Epoch)
	}
	return out, nil
}

func parseLosses(s string) ([]float64, error) {
	if s == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
