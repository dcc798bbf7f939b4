package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// errorFields are the attributes Logger.Error adds for err:
// err, error_type, cause_type, error_chain (when wrapped) and error_links (when maxLinks > 0).
func errorFields(err error, maxLinks int) []any {
	kv := []any{
		"err", err,
		"error_type", surfaceType(err),
		"cause_type", fmt.Sprintf("%T", rootCause(err)),
	}
	if chain := messages(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if maxLinks > 0 {
		kv = append(kv, "error_links", links(err, maxLinks))
	}
	return kv
}

func isWrapperType(t string) bool {
	return strings.HasPrefix(t, "*xerrors.") || t == "*fmt.wrapError" || t == "*fmt.wrapErrors"
}

// surfaceType is the type of the first link that is not a pure wrapper.
func surfaceType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t := fmt.Sprintf("%T", e); !isWrapperType(t) {
			return t
		}
	}
	return fmt.Sprintf("%T", err)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// messages lists each distinct message down the chain. A joined error ends
// the walk with one entry per joined member.
func messages(err error) []string {
	var out []string
	add := func(s string) {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, m := range j.Unwrap() {
				add(m.Error())
			}
			break
		}
	}
	return out
}

// links describes up to max links of the chain. The first link is always
// present; later ones only when they carry a location.
func links(err error, max int) []map[string]any {
	var out []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := linkFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if ok || depth == 0 {
			out = append(out, link)
		}
		depth++
	}
	return out
}

// linkFrame locates e itself, not its cause: the wrap site for Located, the
// first caller frame for Stacked.
func linkFrame(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case xerrors.Located:
		if v.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{v.PC()}).Next()
		return fr, true
	case xerrors.Stacked:
		return firstOutsideFrame(v.StackPCs())
	}
	return runtime.Frame{}, false
}
