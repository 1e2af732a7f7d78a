// Package callback encodes inline keyboard actions into callback data and
// decodes them back into typed values.
package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies what a keyboard button does.
type Kind string

const (
	KindTopic    Kind = "topic"
	KindComplain Kind = "complain"
	KindHide     Kind = "hide"
	KindShare    Kind = "share"
	KindContact  Kind = "contact"
)

var kinds = map[Kind]bool{
	KindTopic:    true,
	KindComplain: true,
	KindHide:     true,
	KindShare:    true,
	KindContact:  true,
}

// ErrMalformed is returned for callback data this package did not produce.
var ErrMalformed = errors.New("callback: malformed data")

// Data is a decoded callback payload.
type Data struct {
	Kind   Kind
	Target int64
}

// Encode returns the callback data string for kind and target.
func Encode(kind Kind, target int64) string {
	return string(kind) + ":" + strconv.FormatInt(target, 10)
}

// String implements fmt.Stringer.
func (d Data) String() string {
	return Encode(d.Kind, d.Target)
}

// Decode parses "<kind>:<target>".
func Decode(raw string) (Data, error) {
	kind, target, ok := strings.Cut(raw, ":")
	if !ok {
		return Data{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	if !kinds[Kind(kind)] {
		return Data{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return Data{}, fmt.Errorf("%w: bad target %q", ErrMalformed, target)
	}
	return Data{Kind: Kind(kind), Target: id}, nil
}
