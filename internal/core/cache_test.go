package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchemaCache(t *testing.T) {
	now := time.Now()
	c := NewSchemaCache(5 * time.Minute)
	c.now = func() time.Time { return now }

	assert.Nil(t, c.Get("radicacion_capita"))

	c.Put("radicacion_capita", []string{"id", "nit"})
	assert.Equal(t, []string{"id", "nit"}, c.Get("radicacion_capita"))

	now = now.Add(4 * time.Minute)
	assert.NotNil(t, c.Get("radicacion_capita"), "still fresh")

	now = now.Add(2 * time.Minute)
	assert.Nil(t, c.Get("radicacion_capita"), "expired")
}

func TestSchemaCacheInvalidate(t *testing.T) {
	c := NewSchemaCache(time.Hour)
	c.Put("t", []string{"a"})
	c.Invalidate("t")
	assert.Nil(t, c.Get("t"))
}

func TestSchemaCacheDisabled(t *testing.T) {
	c := NewSchemaCache(0)
	c.Put("t", []string{"a"})
	assert.Nil(t, c.Get("t"))
}
