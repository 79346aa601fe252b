package errtypes

import "strings"

type joinErrors []error

// Join returns an error representing a list of errors, rendered comma
// separated, for reporting every failure in a batch rather than just the
// first.
func Join(errs ...error) error {
	return joinErrors(errs)
}

func (e joinErrors) Error() string {
	var b strings.Builder
	for i, err := range e {
		b.WriteString(err.Error())
		if i != len(e)-1 {
			b.WriteString(", ")
		}
	}
	return b.String()
}
