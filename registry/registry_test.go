package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutIsIdempotent(t *testing.T) {
	r := New()
	id1 := r.Put("mesh", 0x1000)
	id2 := r.Put("mesh", 0x1000)
	assert.Equal(t, id1, id2)
	assert.Equal(t, uint32(1), id1)
}

func TestRemoveRecyclesID(t *testing.T) {
	r := New()
	id := r.Put("mesh", 0x1000)
	assert.True(t, r.Remove("mesh", id))
	assert.False(t, r.Remove("mesh", id))

	id2 := r.Put("mesh", 0x2000)
	assert.Equal(t, id, id2)
}

func TestDomainsAreIsolated(t *testing.T) {
	r := New()
	meshID := r.Put("mesh", 0x1000)
	texID := r.Put("texture", 0x1000)
	assert.Equal(t, meshID, texID)

	domain, ok := r.GetDomain(meshID)
	assert.True(t, ok)
	assert.Contains(t, []string{"mesh", "texture"}, domain)
}

func TestGetMaxAndTrim(t *testing.T) {
	r := New()
	r.Put("mesh", 0x1000)
	id2 := r.Put("mesh", 0x2000)
	assert.Equal(t, id2, r.GetMax("mesh"))

	r.Remove("mesh", id2)
	r.Remove("mesh", 1)
	r.Trim()
	assert.Equal(t, uint32(0), r.GetMax("mesh"))
}
