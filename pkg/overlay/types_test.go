package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentRefPrecedence(t *testing.T) {
	assert.Equal(t, "f", (&Component{Freeze: "f", Branch: "b", Tag: "t"}).Ref())
	assert.Equal(t, "b", (&Component{Branch: "b", Tag: "t"}).Ref())
	assert.Equal(t, "t", (&Component{Tag: "t"}).Ref())
	assert.Equal(t, "", (&Component{}).Ref())
}

func TestDistgitRefPrecedence(t *testing.T) {
	assert.Equal(t, "f", (&Distgit{Freeze: "f", Branch: "b", Tag: "t"}).Ref())
	assert.Equal(t, "b", (&Distgit{Branch: "b", Tag: "t"}).Ref())
	assert.Equal(t, "t", (&Distgit{Tag: "t"}).Ref())
}
