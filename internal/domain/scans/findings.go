package scans

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// ParseFindingCounts tallies severity counts from a scan artifact. Agents
// emit one JSON object per finding (JSONL); SARIF documents are accepted as
// a fallback for tool-produced reports.
func ParseFindingCounts(r io.Reader, format string) (SeverityCounts, error) {
	if strings.EqualFold(format, "sarif") {
		return parseSARIF(r)
	}
	return parseJSONL(r)
}

func parseJSONL(r io.Reader) (SeverityCounts, error) {
	var c SeverityCounts
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var obj struct {
			Severity string `json:"severity"`
			Info     struct {
				Severity string `json:"severity"`
			} `json:"info"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		sev := obj.Severity
		if sev == "" {
			sev = obj.Info.Severity
		}
		c.add(sev)
	}
	if err := s.Err(); err != nil {
		return SeverityCounts{}, err
	}
	return c, nil
}

func parseSARIF(r io.Reader) (SeverityCounts, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return SeverityCounts{}, err
	}
	var doc struct {
		Runs []struct {
			Results []struct {
				Level      string         `json:"level"`
				Properties map[string]any `json:"properties"`
			} `json:"results"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SeverityCounts{}, err
	}
	var c SeverityCounts
	for _, run := range doc.Runs {
		for _, res := range run.Results {
			sev := ""
			if v, ok := res.Properties["severity"].(string); ok {
				sev = v
			}
			if sev == "" {
				switch strings.ToLower(res.Level) {
				case "error":
					sev = "high"
				case "warning":
					sev = "medium"
				case "note":
					sev = "low"
				}
			}
			c.add(sev)
		}
	}
	return c, nil
}

func (c *SeverityCounts) add(severity string) {
	switch strings.ToLower(severity) {
	case "critical":
		c.Critical++
	case "high":
		c.High++
	case "medium":
		c.Medium++
	case "low", "info", "informational":
		c.Low++
	default:
		return
	}
	c.Total++
}
