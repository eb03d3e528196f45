package report

import (
	"sort"
	"time"
)

// FileError is the per-file error record handed back to the driver.
type FileError struct {
	File    string `json:"file"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Duplicate lists every location of a string_id seen more than once.
type Duplicate struct {
	StringID  string     `json:"string_id"`
	Locations []Location `json:"locations"`
}

type Location struct {
	File  string `json:"file"`
	Sheet string `json:"sheet"`
	Row   int    `json:"row"`
}

// Result summarizes one pipeline run.
type Result struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Files      int            `json:"files"`
	Errors     []FileError    `json:"errors,omitempty"`
	Counts     map[string]int `json:"counts"`
	Duplicates []Duplicate    `json:"duplicates,omitempty"`
	Started    time.Time      `json:"started"`
	Elapsed    time.Duration  `json:"elapsed"`
	Cancelled  bool           `json:"cancelled"`
}

func NewResult(runID, pipeline string) *Result {
	return &Result{RunID: runID, Pipeline: pipeline, Counts: map[string]int{}, Started: time.Now()}
}

// AddError records a failure. Unclassified errors are filed under fallback.
func (r *Result) AddError(file string, err error, fallback Kind) {
	kind := KindOf(err)
	if kind == "" {
		kind = fallback
	}
	r.Errors = append(r.Errors, FileError{File: file, Kind: kind, Message: err.Error()})
}

func (r *Result) Add(counter string, n int) {
	if r.Counts == nil {
		r.Counts = map[string]int{}
	}
	r.Counts[counter] += n
}

// ErrorsByKind groups the recorded errors.
func (r *Result) ErrorsByKind() map[Kind][]FileError {
	out := make(map[Kind][]FileError)
	for _, e := range r.Errors {
		out[e.Kind] = append(out[e.Kind], e)
	}
	return out
}

func (r *Result) Finish() {
	r.Elapsed = time.Since(r.Started)
	sort.SliceStable(r.Duplicates, func(i, j int) bool {
		return r.Duplicates[i].StringID < r.Duplicates[j].StringID
	})
}
