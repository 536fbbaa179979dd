package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_InvalidConnString(t *testing.T) {
	_, err := New(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}
