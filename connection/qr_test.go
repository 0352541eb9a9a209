package whats

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQR(t *testing.T) {
	png, err := QRPNG("2@abc,def,ghi", 256)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	var out bytes.Buffer
	RenderQR("2@abc,def,ghi", &out)
	assert.NotZero(t, out.Len())
}
