package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultVerdictsFile = "verdicts.yaml"

// Verdict is a standing reviewer decision for a case. The next run of the
// case that pauses for review is resolved with it.
type Verdict struct {
	CaseID   string `yaml:"case_id"`
	Approve  bool   `yaml:"approve"`
	Reviewer string `yaml:"reviewer,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Comment  string `yaml:"comment,omitempty"`
}

type verdictFile struct {
	Verdicts []Verdict `yaml:"verdicts"`
}

// loadVerdicts reads a verdicts file. A missing file holds no verdicts.
func loadVerdicts(path string) ([]Verdict, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read verdicts: %w", err)
	}
	var vf verdictFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse verdicts %s: %w", path, err)
	}
	for i, v := range vf.Verdicts {
		if v.CaseID == "" {
			return nil, fmt.Errorf("verdicts %s: entry %d has no case_id", path, i)
		}
	}
	return vf.Verdicts, nil
}

// putVerdict records v, replacing an earlier verdict for the same case.
func putVerdict(path string, v Verdict) error {
	all, err := loadVerdicts(path)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].CaseID == v.CaseID {
			all[i] = v
			replaced = true
		}
	}
	if !replaced {
		all = append(all, v)
	}
	data, err := yaml.Marshal(verdictFile{Verdicts: all})
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func verdictIndex(vs []Verdict) map[string]Verdict {
	m := make(map[string]Verdict, len(vs))
	for _, v := range vs {
		m[v.CaseID] = v
	}
	return m
}
