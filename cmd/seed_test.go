//go:build !integration

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/homecert/internal/registry"
)

func TestFormatSeedResult(t *testing.T) {
	var buf bytes.Buffer
	formatSeedResult(&buf, registry.SeedResult{Created: map[string]int{"program": 2, "city": 5}})

	out := buf.String()
	assert.Contains(t, out, "city:")
	assert.Contains(t, out, "program:")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("city")), bytes.Index(buf.Bytes(), []byte("program")))
}

func TestFormatSeedResult_NothingCreated(t *testing.T) {
	var buf bytes.Buffer
	formatSeedResult(&buf, registry.SeedResult{})
	assert.Equal(t, "Reference data already up to date.\n", buf.String())
}
