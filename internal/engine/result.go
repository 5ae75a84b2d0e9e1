package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jywlabs/halloop/internal/prd"
)

// ExtractResult finds the last JSON object in output that carries a valid
// status and decodes it. Text around the object is ignored, so executors may
// log freely before printing their result.
func ExtractResult(output string) (Result, bool) {
	for i := strings.LastIndexByte(output, '{'); i >= 0; i = strings.LastIndexByte(output[:i], '{') {
		var probe struct {
			Status *prd.AttemptStatus `json:"status"`
		}
		dec := json.NewDecoder(strings.NewReader(output[i:]))
		if err := dec.Decode(&probe); err != nil || probe.Status == nil || !probe.Status.Valid() {
			continue
		}

		var r Result
		dec = json.NewDecoder(strings.NewReader(output[i:]))
		if err := dec.Decode(&r); err != nil {
			continue
		}
		return r, true
	}
	return Result{}, false
}

var promiseTag = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// ContainsPromise reports whether output carries the completion promise.
// After collapsing whitespace, the promise must equal the whole output, a
// single line of it, or the body of a <promise> tag.
func ContainsPromise(output, promise string) bool {
	want := normalizeSpace(promise)
	if want == "" {
		return false
	}
	if normalizeSpace(output) == want {
		return true
	}
	for _, line := range strings.Split(output, "\n") {
		if normalizeSpace(line) == want {
			return true
		}
	}
	for _, m := range promiseTag.FindAllStringSubmatch(output, -1) {
		if normalizeSpace(m[1]) == want {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
