package sqlutil

import (
	"testing"
)

func TestQueryVariadic(t *testing.T) {
	if got := QueryVariadic(3); got != "($1, $2, $3)" {
		t.Errorf("QueryVariadic(3) = %q", got)
	}
	if got := QueryVariadicOffset(2, 3); got != "($4, $5)" {
		t.Errorf("QueryVariadicOffset(2, 3) = %q", got)
	}
	if got := QueryVariadic(1); got != "($1)" {
		t.Errorf("QueryVariadic(1) = %q", got)
	}
}
