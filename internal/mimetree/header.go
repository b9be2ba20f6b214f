package mimetree

import (
	"strings"

	"github.com/emersion/go-message/textproto"
)

// HeaderOp is one header modification a milter has to send to the MTA.
//
// Index is the 1-based occurrence of Name among the fields with the same name.
// Index 0 means the field gets added. An empty Value with Index > 0 deletes the field.
type HeaderOp struct {
	Index int
	Name  string
	Value string
}

func values(h textproto.Header, key string) []string {
	var found []string
	fields := h.Fields()
	for fields.Next() {
		if strings.EqualFold(fields.Key(), key) {
			found = append(found, fields.Value())
		}
	}
	return found
}

// HeaderDiff calculates the operations that turn the fields named keys in before into
// the ones in after. Only the first occurrence in after is considered.
// Deletions are ordered from the last occurrence to the first so that indexes stay valid.
func HeaderDiff(before, after textproto.Header, keys ...string) []HeaderOp {
	var ops []HeaderOp
	for _, key := range keys {
		old := values(before, key)
		value := after.Get(key)
		if len(old) == 1 && old[0] == value {
			continue
		}
		switch {
		case value == "":
			for i := len(old); i > 0; i-- {
				ops = append(ops, HeaderOp{Index: i, Name: key})
			}
		case len(old) == 0:
			ops = append(ops, HeaderOp{Name: key, Value: value})
		default:
			for i := len(old); i > 1; i-- {
				ops = append(ops, HeaderOp{Index: i, Name: key})
			}
			ops = append(ops, HeaderOp{Index: 1, Name: key, Value: value})
		}
	}
	return ops
}
